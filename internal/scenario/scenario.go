package scenario

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kvstress/internal/client"
	"kvstress/internal/control"
	"kvstress/internal/distr"
	"kvstress/internal/events"
	"kvstress/internal/logger"
	"kvstress/internal/op"
	"kvstress/internal/stats"
)

// ErrAlreadyRunning は実行中の Engine を再実行しようとしたことを示す
var ErrAlreadyRunning = errors.New("scenario is already running")

// モデルの種別
const (
	ModelConsecutive = "consecutive"
	ModelFuzzy       = "fuzzy"
)

// OpConfig はシナリオ内の 1 つの操作の設定
type OpConfig struct {
	Kind   op.Kind
	Weight int

	// 選択器（キーを扱う操作のみ）
	Role         control.ChooserRole // 空なら種別から決める
	Distribution string
	Mu           int

	Batch     distr.Range // read
	ValueSize distr.Range // insert / update / append / prepend

	// 範囲読み出し
	Limit       distr.Range
	Percentage  distr.Range
	Keyspace    uint64 // 0 なら Preload または FuzzyKeys から決める
	ModelFactor int
	RangeSize   distr.Range
}

// Config はシナリオの設定
type Config struct {
	Name        string        // シナリオ名
	Description string        // 説明
	Server      string        // サーバ文字列
	Duration    time.Duration // 実行時間（0 なら RequestsLimit まで）

	// キー生成
	Prefix     string
	KeySize    distr.Range
	ShardID    int
	ShardCount int

	// 存在モデル
	Model     string
	FuzzyKeys int

	Ops []OpConfig

	// クライアント設定
	Workers       int
	RequestsLimit uint64
	MaxRate       float64
	Seed          uint64

	// Hold はクライアントが止まってもコンテキストの終了（または Duration）まで
	// オブジェクトを保持する。API やコンソールから停止・再開できる
	Hold bool

	Preload        int           // 計測前に挿入するキー数
	SampleCapacity int           // 操作ごとのサンプル保持数
	ReportInterval time.Duration // 進捗ログの間隔（0 で無効）
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Name:        "default",
		Description: "Mixed read/write workload on the in-memory backend",
		Server:      "memory,4",
		Duration:    10 * time.Second,
		Prefix:      "kvs:",
		KeySize:     distr.Range{Min: 16, Max: 32},
		ShardID:     0,
		ShardCount:  1,
		Model:       ModelConsecutive,
		Ops: []OpConfig{
			{Kind: op.KindRead, Weight: 6, Distribution: "uniform", Batch: distr.Range{Min: 1, Max: 4}},
			{Kind: op.KindInsert, Weight: 2, ValueSize: distr.Range{Min: 64, Max: 256}},
			{Kind: op.KindUpdate, Weight: 1, Distribution: "uniform", ValueSize: distr.Range{Min: 64, Max: 256}},
			{Kind: op.KindDelete, Weight: 1},
		},
		Workers:        8,
		Preload:        1000,
		SampleCapacity: stats.DefaultSampleCapacity,
		ReportInterval: 0,
	}
}

// Validate は設定を検証する
func (c Config) Validate() error {
	if c.Server == "" {
		return errors.New("server is required")
	}
	if c.Duration < 0 {
		return errors.New("duration must be non-negative")
	}
	if c.Duration == 0 && c.RequestsLimit == 0 && !c.Hold {
		return errors.New("either duration, requests limit or hold must be set")
	}
	switch c.Model {
	case ModelConsecutive:
	case ModelFuzzy:
		if c.FuzzyKeys <= 0 {
			return errors.New("fuzzy model requires fuzzy_keys > 0")
		}
	default:
		return fmt.Errorf("unknown model %q", c.Model)
	}
	if len(c.Ops) == 0 {
		return errors.New("at least one operation is required")
	}
	for i, o := range c.Ops {
		if !slices.Contains(op.Kinds(), o.Kind) {
			return fmt.Errorf("ops[%d]: unknown kind %q", i, o.Kind)
		}
		if o.Weight <= 0 {
			return fmt.Errorf("ops[%d]: weight must be positive", i)
		}
	}
	if c.Workers < 0 || c.Preload < 0 || c.MaxRate < 0 {
		return errors.New("workers, preload and max_rate must be non-negative")
	}
	return nil
}

// OpResult は 1 つの操作の実行結果
type OpResult struct {
	Name     string
	Weight   int
	Queries  uint64
	Failures uint64
	Skipped  uint64
	Worst    time.Duration
	Latency  stats.Summary
}

// ErrorRate は失敗率を返す
func (r OpResult) ErrorRate() float64 {
	if r.Queries == 0 {
		return 0
	}
	return float64(r.Failures) / float64(r.Queries)
}

// Result はシナリオ実行結果
type Result struct {
	ScenarioName string
	Server       string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration

	Workers   int
	Executed  uint64
	Preloaded int
	LiveKeys  uint64

	Ops []OpResult
}

// Throughput は 1 秒あたりの実行数を返す
func (r *Result) Throughput() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Executed) / r.Duration.Seconds()
}

// Engine はシナリオ実行エンジン
type Engine struct {
	config   Config
	registry *control.Registry

	mu      sync.RWMutex
	running bool
	proto   control.Handle
	gen     control.Handle
	model   control.Handle
	client  control.Handle
	ops     []control.Handle
}

// New は新しいEngineを作成する
func New(config Config) *Engine {
	return &Engine{
		config:   config,
		registry: control.New(control.Config{Stats: stats.Config{SampleCapacity: config.SampleCapacity, Seed: config.Seed}}),
	}
}

// SetEventBus はイベントの送信先を設定する
func (e *Engine) SetEventBus(p events.Publisher) {
	e.registry.SetPublisher(p)
}

// Registry は実行中のオブジェクトを保持するレジストリを返す
func (e *Engine) Registry() *control.Registry {
	return e.registry
}

// Config はシナリオ設定を返す
func (e *Engine) Config() Config {
	return e.config
}

// Run はシナリオを実行する
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %q: %w", e.config.Name, err)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.proto, e.gen, e.model, e.client, e.ops = "", "", "", "", nil
		e.mu.Unlock()
	}()

	logger.Info("", "=== Scenario '%s' started ===", e.config.Name)
	logger.Info("", "Description: %s", e.config.Description)

	if err := e.setup(ctx); err != nil {
		e.teardown()
		return nil, fmt.Errorf("setup failed: %w", err)
	}
	defer e.teardown()

	preloaded, err := e.preload(ctx)
	if err != nil {
		return nil, fmt.Errorf("preload failed: %w", err)
	}

	result := &Result{
		ScenarioName: e.config.Name,
		Server:       e.config.Server,
		Preloaded:    preloaded,
		StartTime:    time.Now(),
	}

	c, err := e.registry.Client(e.client)
	if err != nil {
		return nil, err
	}
	if err := e.runClient(ctx, c); err != nil {
		return nil, err
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Workers = c.NumWorkers()
	result.Executed = c.Executed()
	e.collectResults(result)

	logger.Info("", "=== Scenario '%s' completed ===", e.config.Name)
	return result, nil
}

// setup はレジストリにシナリオのオブジェクトを作成する
func (e *Engine) setup(ctx context.Context) error {
	cfg := e.config
	reg := e.registry

	proto, err := reg.CreateProtocol(ctx, cfg.Server)
	if err != nil {
		return err
	}
	shards := max(cfg.ShardCount, 1)
	gen, err := reg.CreateGenerator(cfg.ShardID, shards, cfg.Prefix, cfg.KeySize)
	if err != nil {
		return err
	}

	var m control.Handle
	if cfg.Model == ModelFuzzy {
		if m, err = reg.CreateFuzzyModel(cfg.FuzzyKeys); err != nil {
			return err
		}
	} else {
		m = reg.CreateConsecutiveModel()
	}

	c := reg.CreateClient(client.Config{
		Name:          cfg.Name,
		NumWorkers:    cfg.Workers,
		RequestsLimit: cfg.RequestsLimit,
		MaxRate:       cfg.MaxRate,
		Seed:          cfg.Seed,
	})

	handles := make([]control.Handle, 0, len(cfg.Ops))
	for i, oc := range cfg.Ops {
		h, err := e.createOp(oc, proto, gen, m)
		if err != nil {
			return fmt.Errorf("ops[%d] (%s): %w", i, oc.Kind, err)
		}
		if err := reg.ClientAddOp(c, oc.Weight, h); err != nil {
			return fmt.Errorf("ops[%d] (%s): %w", i, oc.Kind, err)
		}
		handles = append(handles, h)
	}

	e.mu.Lock()
	e.proto, e.gen, e.model, e.client, e.ops = proto, gen, m, c, handles
	e.mu.Unlock()
	return nil
}

// defaultRole は操作種別に対する既定の選択器の役割を返す
func defaultRole(kind op.Kind) control.ChooserRole {
	switch kind {
	case op.KindInsert:
		return control.RoleInsert
	case op.KindDelete:
		return control.RoleDelete
	default:
		return control.RoleLive
	}
}

// keyspace はパーセンテージ範囲読み出しが対象とするグローバル ID 数を返す
func (e *Engine) keyspace(oc OpConfig) uint64 {
	if oc.Keyspace > 0 {
		return oc.Keyspace
	}
	per := uint64(e.config.Preload)
	if e.config.Model == ModelFuzzy {
		per = uint64(e.config.FuzzyKeys)
	}
	return per * uint64(max(e.config.ShardCount, 1))
}

// createOp は OpConfig から操作を作成する
func (e *Engine) createOp(oc OpConfig, proto, gen, m control.Handle) (control.Handle, error) {
	reg := e.registry

	switch oc.Kind {
	case op.KindPercentageRange:
		return reg.CreatePercentageRangeReadOp(control.RangeOpParams{
			Protocol: proto, Limit: oc.Limit, Percentage: oc.Percentage,
			Prefix: e.config.Prefix, Keyspace: e.keyspace(oc),
		})
	case op.KindCalibratedRange:
		return reg.CreateCalibratedRangeReadOp(control.RangeOpParams{
			Protocol: proto, Limit: oc.Limit, Tracker: m, Generator: gen,
			ModelFactor: oc.ModelFactor, RangeSize: oc.RangeSize,
		})
	}

	role := oc.Role
	if role == "" {
		role = defaultRole(oc.Kind)
	}
	chooser, err := reg.CreateChooser(m, role, oc.Distribution, oc.Mu)
	if err != nil {
		return "", err
	}

	switch oc.Kind {
	case op.KindRead:
		return reg.CreateReadOp(control.ReadOpParams{
			Generator: gen, Chooser: chooser, Protocol: proto, Batch: oc.Batch,
		})
	case op.KindDelete:
		return reg.CreateDeleteOp(gen, chooser, m, proto)
	default:
		return reg.CreateWriteOp(oc.Kind, control.WriteOpParams{
			Generator: gen, Chooser: chooser, Watcher: m, Protocol: proto, ValueSize: oc.ValueSize,
		})
	}
}

// maxPreloadRounds はプリロードで不足分を挿入し直す最大回数
const maxPreloadRounds = 10

// preload は計測前に Preload 個のキーを挿入する
// 使い終わった挿入操作とクライアントは破棄する
func (e *Engine) preload(ctx context.Context) (int, error) {
	n := e.config.Preload
	if n == 0 {
		return 0, nil
	}
	if e.config.Model == ModelFuzzy {
		n = min(n, e.config.FuzzyKeys)
	}

	reg := e.registry
	e.mu.RLock()
	proto, gen, m := e.proto, e.gen, e.model
	e.mu.RUnlock()

	chooser, err := reg.CreateChooser(m, control.RoleInsert, "uniform", 0)
	if err != nil {
		return 0, err
	}
	ins, err := reg.CreateWriteOp(op.KindInsert, control.WriteOpParams{
		Generator: gen, Chooser: chooser, Watcher: m, Protocol: proto,
		ValueSize: distr.Range{Min: 64, Max: 256},
	})
	if err != nil {
		return 0, err
	}
	loader := reg.CreateClient(client.Config{
		Name:       e.config.Name + "-preload",
		NumWorkers: e.config.Workers,
		Seed:       e.config.Seed,
	})
	if err := reg.ClientAddOp(loader, 1, ins); err != nil {
		return 0, err
	}

	c, err := reg.Client(loader)
	if err != nil {
		return 0, err
	}
	mod, err := reg.Model(m)
	if err != nil {
		return 0, err
	}

	// 並行する挿入は同じシードを引くことがあるので、増えた存在シード数で数え
	// 不足分を数回まで追加で挿入する
	logger.Info("", "Preloading %d keys...", n)
	before := mod.LiveSeeds()
	loaded := 0
	for range maxPreloadRounds {
		if loaded >= n || ctx.Err() != nil {
			break
		}
		if err := c.RunRequests(ctx, uint64(n-loaded)); err != nil {
			return 0, err
		}
		loaded = int(mod.LiveSeeds() - before)
	}
	p, err := reg.Collect(ins, 0, false)
	if err != nil {
		return 0, err
	}

	for _, h := range []control.Handle{loader, ins, chooser} {
		if err := reg.Destroy(h); err != nil {
			return 0, err
		}
	}
	if p.Failures > 0 {
		logger.Warn("", "Preload: %d of %d inserts failed", p.Failures, p.Queries)
	}
	if loaded < n {
		logger.Warn("", "Preload: only %d of %d keys inserted", loaded, n)
	}
	return loaded, ctx.Err()
}

// runClient はクライアントを Duration の間（または上限まで）実行する
// 進捗ログは同じ errgroup で回す
func (e *Engine) runClient(ctx context.Context, c *client.Client) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stopProgress := context.WithCancel(gctx)

	g.Go(func() error {
		defer stopProgress()
		switch {
		case e.config.Hold:
			return e.hold(runCtx, c)
		case e.config.Duration == 0:
			return c.RunRequests(runCtx, e.config.RequestsLimit)
		default:
			return c.RunFor(runCtx, e.config.Duration)
		}
	})

	if e.config.ReportInterval > 0 {
		g.Go(func() error {
			e.progressLoop(runCtx, c)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		logger.Info("", "Scenario cancelled, stopping components...")
	} else {
		logger.Info("", "Scenario duration completed, stopping components...")
	}
	return nil
}

// hold はクライアントを起動し、ctx の終了か Duration の経過まで待つ
// その間にクライアントが停止・再開されてもよい
func (e *Engine) hold(ctx context.Context, c *client.Client) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if e.config.Duration > 0 {
		t := time.NewTimer(e.config.Duration)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	}

	if err := c.Stop(); err != nil && !errors.Is(err, client.ErrNotRunning) {
		return err
	}
	c.Wait()
	return nil
}

func (e *Engine) progressLoop(ctx context.Context, c *client.Client) {
	ticker := time.NewTicker(e.config.ReportInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := c.Executed()
			rate := float64(n-last) / e.config.ReportInterval.Seconds()
			last = n
			logger.Info(e.config.Name, "executed %d (%.0f ops/s, workers: %d)", n, rate, c.ActiveWorkers())
		}
	}
}

// teardown は作成した全オブジェクトを破棄する
func (e *Engine) teardown() {
	if err := e.registry.Close(); err != nil {
		logger.Warn("", "Teardown: %v", err)
	}
}

// collectResults は操作ごとの統計を集める
func (e *Engine) collectResults(result *Result) {
	e.mu.RLock()
	handles := slices.Clone(e.ops)
	modelHandle := e.model
	e.mu.RUnlock()

	if m, err := e.registry.Model(modelHandle); err == nil {
		result.LiveKeys = m.LiveSeeds()
	}

	for i, h := range handles {
		p, err := e.registry.Collect(h, e.config.SampleCapacity, false)
		if err != nil {
			logger.Warn("", "Collecting %s: %v", h, err)
			continue
		}
		o, _ := e.registry.Op(h)
		result.Ops = append(result.Ops, OpResult{
			Name:     o.Name(),
			Weight:   e.config.Ops[i].Weight,
			Queries:  p.Queries,
			Failures: p.Failures,
			Skipped:  p.Skipped,
			Worst:    p.Worst,
			Latency:  stats.Summarize(p.Samples),
		})
	}
}

// Report は結果をフォーマットして返す
func (r *Result) Report() string {
	var b strings.Builder

	fmt.Fprintf(&b, `
================================================================================
                         SCENARIO REPORT: %s
================================================================================

EXECUTION SUMMARY
-----------------
  Server:         %s
  Start Time:     %s
  End Time:       %s
  Duration:       %v
  Workers:        %d
  Preloaded:      %d
  Live Keys:      %d

TRAFFIC METRICS
---------------
  Executed:       %d
  Throughput:     %.1f ops/s

OPERATIONS
----------
`,
		r.ScenarioName,
		r.Server,
		r.StartTime.Format("2006-01-02 15:04:05"),
		r.EndTime.Format("2006-01-02 15:04:05"),
		r.Duration.Round(time.Millisecond),
		r.Workers,
		r.Preloaded,
		r.LiveKeys,
		r.Executed,
		r.Throughput(),
	)

	fmt.Fprintf(&b, "  %-22s %6s %10s %8s %8s %7s %10s %10s %10s\n",
		"op", "weight", "queries", "failed", "skipped", "err%", "p50", "p99", "worst")
	for _, o := range r.Ops {
		fmt.Fprintf(&b, "  %-22s %6d %10d %8d %8d %6.2f%% %10v %10v %10v\n",
			o.Name, o.Weight, o.Queries, o.Failures, o.Skipped, o.ErrorRate()*100,
			o.Latency.P50.Round(time.Microsecond),
			o.Latency.P99.Round(time.Microsecond),
			o.Worst.Round(time.Microsecond))
	}

	b.WriteString("\n================================================================================")
	return b.String()
}

// IsRunning は実行中かどうかを返す
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// ClientHandle は実行中のクライアントのハンドルを返す
func (e *Engine) ClientHandle() control.Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

// OpHandles は実行中の操作のハンドルを登録順に返す
func (e *Engine) OpHandles() []control.Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.ops)
}
