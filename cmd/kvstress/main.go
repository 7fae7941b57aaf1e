// Package main is the entry point for kvstress.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"kvstress/internal/api"
	"kvstress/internal/config"
	"kvstress/internal/console"
	"kvstress/internal/events"
	"kvstress/internal/logger"
	"kvstress/internal/scenario"
)

var (
	version = "dev"
)

// options はコマンドラインで指定された上書き値
type options struct {
	configFile string
	presetName string
	server     string
	duration   time.Duration
	requests   uint64
	workers    int
	maxRate    float64
	seed       uint64
	hold       bool
}

func main() {
	// フラグ定義
	var (
		opts        options
		apiMode     = flag.Bool("api", false, "HTTP/WebSocket API サーバーを起動")
		apiAddr     = flag.String("addr", ":8080", "API サーバーアドレス (例: :8080, 0.0.0.0:3000)")
		consoleMode = flag.Bool("console", false, "対話コンソールを起動")
		historyFile = flag.String("history", "", "コンソールの履歴ファイル")
		logLevel    = flag.String("log-level", "info", "ログレベル (debug, info, warn, error)")
		listPresets = flag.Bool("list-presets", false, "利用可能なプリセットを表示")
		showVersion = flag.Bool("version", false, "バージョンを表示")
	)
	flag.StringVar(&opts.configFile, "config", "", "設定ファイルパス (YAML/JSON)")
	flag.StringVar(&opts.presetName, "preset", "", "プリセットシナリオ名 (quick, read-mostly, write-heavy, range, fuzzy)")
	flag.StringVar(&opts.server, "server", "", "接続先 (memory[,shards], redis,host:port[/db], cassandra,host[:port]/keyspace[/table])")
	flag.DurationVar(&opts.duration, "duration", 0, "シナリオ実行時間 (例: 10s, 1m)")
	flag.Uint64Var(&opts.requests, "requests", 0, "リクエスト数の上限")
	flag.IntVar(&opts.workers, "workers", 0, "クライアントワーカー数")
	flag.Float64Var(&opts.maxRate, "rate", 0, "秒間リクエスト数の上限 (0 で無制限)")
	flag.Uint64Var(&opts.seed, "seed", 0, "乱数シード (0 で時刻から決定)")
	flag.BoolVar(&opts.hold, "hold", false, "クライアント停止後もシナリオを保持する")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `kvstress - Key-Value Store Workload Generator

Usage:
  kvstress [options]

Options:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # プリセットシナリオを実行
  kvstress --preset quick

  # Redis に対して実行
  kvstress --preset read-mostly --server redis,127.0.0.1:6379

  # 設定ファイルから実行
  kvstress --config workload.yaml

  # API とコンソールを有効にして手動で操作
  kvstress --preset range --api --console

  # プリセット一覧を表示
  kvstress --list-presets
`)
	}

	flag.Parse()

	// バージョン表示
	if *showVersion {
		fmt.Printf("kvstress version %s\n", version)
		return
	}

	// プリセット一覧表示
	if *listPresets {
		printPresets()
		return
	}

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		logger.Error("", "設定エラー: %v", err)
		os.Exit(1)
	}
	logger.Default.SetLevel(level)

	cfg, err := buildScenarioConfig(opts)
	if err != nil {
		logger.Error("", "設定エラー: %v", err)
		os.Exit(1)
	}

	// API やコンソールからの操作中にシナリオが終わらないようにする
	if (*apiMode || *consoleMode) && cfg.Duration == 0 && cfg.RequestsLimit == 0 {
		cfg.Hold = true
	}

	var addr string
	if *apiMode {
		addr = *apiAddr
	}
	if err := run(cfg, addr, *consoleMode, *historyFile); err != nil {
		logger.Error("", "シナリオ実行エラー: %v", err)
		os.Exit(1)
	}
}

// buildScenarioConfig はシナリオ設定を構築する
func buildScenarioConfig(opts options) (scenario.Config, error) {
	var cfg scenario.Config

	// 1. 設定ファイルから読み込み
	if opts.configFile != "" {
		fileConfig, err := config.LoadFile(opts.configFile)
		if err != nil {
			return cfg, fmt.Errorf("設定ファイル読み込みエラー: %w", err)
		}
		if opts.presetName != "" {
			fileConfig.Workload.Preset = opts.presetName
		}
		if err := fileConfig.Validate(); err != nil {
			return cfg, fmt.Errorf("設定検証エラー: %w", err)
		}
		cfg, err = fileConfig.ToScenarioConfig()
		if err != nil {
			return cfg, fmt.Errorf("設定変換エラー: %w", err)
		}
	} else if opts.presetName != "" {
		// 2. プリセットから読み込み
		preset, ok := scenario.GetPreset(opts.presetName)
		if !ok {
			return cfg, fmt.Errorf("不明なプリセット: %s (利用可能: %v)", opts.presetName, scenario.ListPresets())
		}
		cfg = preset
	} else {
		// 3. デフォルト（quickシナリオ）
		cfg = scenario.QuickScenario()
	}

	// フラグでオーバーライド
	if opts.server != "" {
		cfg.Server = opts.server
	}
	if opts.duration > 0 {
		cfg.Duration = opts.duration
	}
	if opts.requests > 0 {
		cfg.RequestsLimit = opts.requests
		if opts.duration == 0 {
			cfg.Duration = 0
		}
	}
	if opts.workers > 0 {
		cfg.Workers = opts.workers
	}
	if opts.maxRate > 0 {
		cfg.MaxRate = opts.maxRate
	}
	if opts.seed > 0 {
		cfg.Seed = opts.seed
	}
	if opts.hold {
		cfg.Hold = true
	}

	return cfg, cfg.Validate()
}

// run はシナリオと、指定されていれば API サーバーとコンソールを実行する
func run(cfg scenario.Config, apiAddr string, withConsole bool, historyFile string) error {
	fmt.Println("kvstress - Key-Value Store Workload Generator")
	fmt.Println("=============================================")
	fmt.Printf("Scenario: %s\n", cfg.Name)
	fmt.Printf("Server:   %s\n", cfg.Server)
	fmt.Printf("Duration: %v, Requests: %d\n", cfg.Duration, cfg.RequestsLimit)
	fmt.Printf("Workers:  %d, Ops: %d\n", cfg.Workers, len(cfg.Ops))
	fmt.Println("=============================================")
	fmt.Println()

	// シグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()

	engine := scenario.New(cfg)
	engine.SetEventBus(bus)

	g, gctx := errgroup.WithContext(ctx)

	var result *scenario.Result
	g.Go(func() error {
		// シナリオが終われば API とコンソールも終える
		defer cancel()
		var err error
		result, err = engine.Run(gctx)
		if errors.Is(err, context.Canceled) {
			logger.Warn("", "シナリオは完了前に中断されました")
			return nil
		}
		return err
	})

	if apiAddr != "" {
		server := api.NewServer(apiAddr, engine)
		server.SetEventBus(bus)
		g.Go(func() error {
			return server.Start(gctx)
		})
	}

	if withConsole {
		c := console.New(console.Config{
			Prompt:      console.DefaultConfig().Prompt,
			HistoryFile: historyFile,
		}, engine)
		g.Go(func() error {
			defer cancel()
			return c.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	// レポート出力
	if result != nil {
		fmt.Println(result.Report())
	}
	return nil
}

// printPresets は利用可能なプリセットを表示する
func printPresets() {
	fmt.Println("利用可能なプリセットシナリオ:")
	fmt.Println()

	for _, name := range scenario.ListPresets() {
		p, _ := scenario.GetPreset(name)
		fmt.Printf("  %-12s %s\n", name, p.Description)
	}

	fmt.Println()
	fmt.Println("使用例: kvstress --preset quick")
}
