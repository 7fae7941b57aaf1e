package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"kvstress/internal/control"
	"kvstress/internal/logger"
	"kvstress/internal/scenario"
	"kvstress/internal/stats"
)

// DefaultPollSamples は poll で表示するサンプル数の既定値
const DefaultPollSamples = 10

var (
	// ErrUnknownCommand は未知のコマンド
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUsage は引数の誤り
	ErrUsage = errors.New("usage")
	// ErrNoScenario はシナリオが実行されていない
	ErrNoScenario = errors.New("no scenario running")
)

// Config はコンソールの設定
type Config struct {
	Prompt      string
	HistoryFile string
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Prompt: "kvstress> ",
	}
}

// Console はシナリオを対話的に操作する
type Console struct {
	config Config
	engine *scenario.Engine

	mu  sync.RWMutex
	ctx context.Context
}

// New は新しいコンソールを作成する
func New(config Config, engine *scenario.Engine) *Console {
	if config.Prompt == "" {
		config.Prompt = DefaultConfig().Prompt
	}
	return &Console{
		config: config,
		engine: engine,
		ctx:    context.Background(),
	}
}

type command struct {
	name  string
	usage string
	help  string
	run   func(c *Console, w io.Writer, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"help", "help", "コマンド一覧を表示", (*Console).cmdHelp},
		{"status", "status", "シナリオとクライアントの状態を表示", (*Console).cmdStatus},
		{"ops", "ops", "操作の一覧を表示", (*Console).cmdOps},
		{"poll", "poll <op> [samples] [reset]", "操作の統計を読み出す", (*Console).cmdPoll},
		{"reset", "reset <op>", "操作の統計をリセット", (*Console).cmdReset},
		{"start", "start", "クライアントを開始", (*Console).cmdStart},
		{"stop", "stop", "クライアントを停止", (*Console).cmdStop},
		{"quit", "quit", "コンソールを終了", nil},
	}
}

func lookupCommand(name string) (command, bool) {
	if name == "exit" {
		name = "quit"
	}
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

// Exec は1行のコマンドを実行して結果を w に書く
// quit が指定された場合は true を返す
func (c *Console) Exec(w io.Writer, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	cmd, ok := lookupCommand(strings.ToLower(fields[0]))
	if !ok {
		return false, fmt.Errorf("%w: %s (try help)", ErrUnknownCommand, fields[0])
	}
	if cmd.run == nil {
		return true, nil
	}
	return false, cmd.run(c, w, fields[1:])
}

// Run は ctx が終わるか quit されるまで入力を読み続ける
func (c *Console) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, cmd := range commands {
		items = append(items, readline.PcItem(cmd.name))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.config.Prompt,
		HistoryFile:     c.config.HistoryFile,
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to start console: %w", err)
	}
	defer rl.Close()

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	out := rl.Stdout()
	for {
		line, err := rl.Readline()
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil {
			// io.EOF
			return nil
		}

		quit, err := c.Exec(out, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if quit {
			logger.Debug("console", "quit requested")
			return nil
		}
	}
}

func (c *Console) cmdHelp(w io.Writer, _ []string) error {
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-28s %s\n", cmd.usage, cmd.help)
	}
	return nil
}

func (c *Console) cmdStatus(w io.Writer, _ []string) error {
	cfg := c.engine.Config()
	fmt.Fprintf(w, "Scenario: %s (%s)\n", cfg.Name, cfg.Server)
	fmt.Fprintf(w, "Running:  %v\n", c.engine.IsRunning())
	fmt.Fprintf(w, "Objects:  %d\n", c.engine.Registry().Len())

	h := c.engine.ClientHandle()
	if h == "" {
		return nil
	}
	cl, err := c.engine.Registry().Client(h)
	if err != nil {
		return nil
	}
	fmt.Fprintf(w, "Client:   %s\n", cl.State())
	fmt.Fprintf(w, "Workers:  %d/%d active\n", cl.ActiveWorkers(), cl.NumWorkers())
	fmt.Fprintf(w, "Executed: %d\n", cl.Executed())
	return nil
}

func (c *Console) cmdOps(w io.Writer, _ []string) error {
	reg := c.engine.Registry()
	handles := c.engine.OpHandles()
	if len(handles) == 0 {
		fmt.Fprintln(w, "no ops")
		return nil
	}

	for i, h := range handles {
		o, err := reg.Op(h)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "  %2d  %-22s %10d  %s\n", i+1, o.Name(), o.Stats().Queries(), h)
	}
	return nil
}

func (c *Console) cmdPoll(w io.Writer, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return fmt.Errorf("%w: poll <op> [samples] [reset]", ErrUsage)
	}
	h, err := c.resolveOp(args[0])
	if err != nil {
		return err
	}

	samples := DefaultPollSamples
	reset := false
	for _, arg := range args[1:] {
		if arg == "reset" {
			reset = true
			continue
		}
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: invalid samples %q", ErrUsage, arg)
		}
		samples = n
	}

	p, err := c.engine.Registry().Collect(h, samples, reset)
	if err != nil {
		return err
	}
	writePoll(w, p)
	return nil
}

func writePoll(w io.Writer, p stats.Poll) {
	sum := stats.Summarize(p.Samples)
	fmt.Fprintf(w, "queries=%d failures=%d skipped=%d worst=%v\n",
		p.Queries, p.Failures, p.Skipped, p.Worst)
	fmt.Fprintf(w, "samples=%d p50=%v p99=%v\n", sum.Count, sum.P50, sum.P99)
	if len(p.Samples) > 0 {
		parts := make([]string, len(p.Samples))
		for i, d := range p.Samples {
			parts[i] = d.String()
		}
		fmt.Fprintf(w, "  %s\n", strings.Join(parts, " "))
	}
}

func (c *Console) cmdReset(w io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: reset <op>", ErrUsage)
	}
	h, err := c.resolveOp(args[0])
	if err != nil {
		return err
	}
	if _, err := c.engine.Registry().Collect(h, 0, true); err != nil {
		return err
	}
	fmt.Fprintln(w, "reset")
	return nil
}

func (c *Console) cmdStart(w io.Writer, _ []string) error {
	h := c.engine.ClientHandle()
	if h == "" {
		return ErrNoScenario
	}

	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()

	if err := c.engine.Registry().ClientStart(ctx, h); err != nil {
		return err
	}
	fmt.Fprintln(w, "started")
	return nil
}

func (c *Console) cmdStop(w io.Writer, _ []string) error {
	h := c.engine.ClientHandle()
	if h == "" {
		return ErrNoScenario
	}
	if err := c.engine.Registry().ClientStop(h); err != nil {
		return err
	}
	fmt.Fprintln(w, "stopped")
	return nil
}

// resolveOp は ops の番号（1始まり）またはハンドルから操作を引く
func (c *Console) resolveOp(arg string) (control.Handle, error) {
	handles := c.engine.OpHandles()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(handles) {
			return "", fmt.Errorf("%w: op %d", control.ErrUnknownHandle, n)
		}
		return handles[n-1], nil
	}
	return control.Handle(arg), nil
}
