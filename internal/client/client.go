package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"kvstress/internal/events"
	"kvstress/internal/logger"
	"kvstress/internal/model"
	"kvstress/internal/op"
	"kvstress/internal/worker"
)

var (
	// ErrAlreadyRunning は実行中の Client に Start したことを示す
	ErrAlreadyRunning = errors.New("client is already running")
	// ErrNotRunning は実行中でない Client に Stop したことを示す
	ErrNotRunning = errors.New("client is not running")
	// ErrRunning は実行中の Client の操作表を変更しようとしたことを示す
	ErrRunning = errors.New("cannot add operations to a running client")
	// ErrInvalidWeight は重みが正でないことを示す
	ErrInvalidWeight = errors.New("operation weight must be positive")
	// ErrNoOps は操作が登録されていない Client を起動しようとしたことを示す
	ErrNoOps = errors.New("client has no operations")
)

// State は Client の状態
type State int

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config は Client の設定
type Config struct {
	Name          string  // ログとイベントの名前
	NumWorkers    int     // ワーカー数（0でCPU数）
	RequestsLimit uint64  // 1 回の実行あたりのリクエスト上限（0で無制限）
	MaxRate       float64 // 全ワーカー合計の最大ops/秒（0で無制限）
	Burst         int     // レート制限のバースト（0でワーカー数）
	Seed          uint64  // ワーカー乱数のシード（0で時刻ベース）
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Name:       "client",
		NumWorkers: 0, // CPU数
	}
}

// Entry は登録された操作と重み
type Entry struct {
	Weight int
	Op     op.Op
}

// Client は重み付きで操作を選び、並行に実行し続けるスケジューラ
type Client struct {
	config Config
	name   string
	pool   *worker.Pool

	mu         sync.Mutex
	state      State
	stopping   bool
	entries    []Entry
	cumulative []uint64 // 重みの累積和
	total      uint64
	publisher  events.Publisher
	monitor    chan struct{}
	runs       uint64

	issued   atomic.Uint64 // 今回の実行で予約したリクエスト数
	executed atomic.Uint64 // 今回の実行で完了したリクエスト数
}

// New は新しい Client を作成する
func New(config Config) *Client {
	name := config.Name
	if name == "" {
		name = "client"
	}
	return &Client{
		config: config,
		name:   name,
		pool:   worker.NewPoolWithConfig(worker.PoolConfig{NumWorkers: config.NumWorkers, Name: name}),
		state:  StateCreated,
	}
}

// SetPublisher はライフサイクルイベントの送信先を設定する
func (c *Client) SetPublisher(p events.Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publisher = p
}

func (c *Client) publish(e events.Event) {
	c.mu.Lock()
	p := c.publisher
	c.mu.Unlock()
	if p != nil {
		p.Publish(e)
	}
}

// Name は Client の名前を返す
func (c *Client) Name() string {
	return c.name
}

// AddOp は重み weight で操作を登録する
func (c *Client) AddOp(weight int, o op.Op) error {
	if weight <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWeight, weight)
	}
	if o == nil {
		return errors.New("operation is nil")
	}

	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return ErrRunning
	}
	c.entries = append(c.entries, Entry{Weight: weight, Op: o})
	c.total += uint64(weight)
	c.cumulative = append(c.cumulative, c.total)
	c.mu.Unlock()

	c.publish(events.NewOpAddedEvent(o.Name(), weight))
	return nil
}

// Ops は登録された操作を返す
func (c *Client) Ops() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

// pick は重みに比例して操作を選ぶ
// 累積和の配列に対する二分探索で、一様に引いた値を含む区間を探す
func (c *Client) pick(r *rand.Rand) op.Op {
	u := r.Uint64N(c.total)
	i := sort.Search(len(c.cumulative), func(i int) bool {
		return c.cumulative[i] > u
	})
	return c.entries[i].Op
}

// Start はワーカーを起動する
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		return ErrAlreadyRunning
	}
	if len(c.entries) == 0 {
		return ErrNoOps
	}

	c.issued.Store(0)
	c.executed.Store(0)
	c.stopping = false
	c.runs++

	rngs := c.workerRands()
	var limiter *rate.Limiter
	if c.config.MaxRate > 0 {
		burst := c.config.Burst
		if burst <= 0 {
			burst = c.pool.NumWorkers()
		}
		limiter = rate.NewLimiter(rate.Limit(c.config.MaxRate), burst)
	}

	step := func(ctx context.Context, id int) bool {
		return c.step(ctx, rngs[id], limiter)
	}
	if !c.pool.Start(ctx, step) {
		return ErrAlreadyRunning
	}

	c.state = StateRunning
	c.monitor = make(chan struct{})
	go c.watch(ctx, c.pool.Done(), c.monitor)

	logger.Info(c.name, "Client started (workers: %d, ops: %d, limit: %d, max_rate: %.0f)",
		c.pool.NumWorkers(), len(c.entries), c.config.RequestsLimit, c.config.MaxRate)
	if c.publisher != nil {
		c.publisher.Publish(events.NewClientStartedEvent(c.name, c.pool.NumWorkers()))
	}
	return nil
}

// workerRands はワーカーごとの乱数生成器を作る（呼び出し側がロックを保持）
func (c *Client) workerRands() []*rand.Rand {
	seed := c.config.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rngs := make([]*rand.Rand, c.pool.NumWorkers())
	for i := range rngs {
		rngs[i] = rand.New(rand.NewPCG(seed+c.runs, uint64(i)+1))
	}
	return rngs
}

// step は 1 つの操作を選んで実行する
func (c *Client) step(ctx context.Context, r *rand.Rand, limiter *rate.Limiter) bool {
	if limit := c.config.RequestsLimit; limit > 0 && c.issued.Add(1) > limit {
		return false
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return false
		}
	}

	o := c.pick(r)
	// 停止は実行中のリクエストを中断しない
	_, err := o.Execute(context.WithoutCancel(ctx), r)
	c.executed.Add(1)
	if err != nil && !errors.Is(err, model.ErrNoEligibleSeed) {
		logger.Debug(c.name, "%s failed: %v", o.Name(), err)
	}
	return true
}

// watch は全ワーカーの終了を待って状態を Stopped にする
func (c *Client) watch(ctx context.Context, done <-chan struct{}, monitor chan struct{}) {
	<-done
	// 自然終了の場合もプールを停止状態に戻す
	c.pool.Stop()

	c.mu.Lock()
	reason := events.StopLimit
	switch {
	case c.stopping:
		reason = events.StopRequested
	case ctx.Err() != nil:
		reason = events.StopContext
	}
	c.state = StateStopped
	c.mu.Unlock()

	logger.Info(c.name, "Client stopped (%s, executed: %d)", reason, c.executed.Load())
	c.publish(events.NewClientStoppedEvent(c.name, reason))
	close(monitor)
}

// Stop はワーカーに停止を通知し、実行中のリクエストの完了を待つ
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.state != StateRunning || c.stopping {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.stopping = true
	monitor := c.monitor
	c.mu.Unlock()

	c.pool.Stop()
	<-monitor
	return nil
}

// Wait は現在の実行が終わるまで待つ
// 実行していなければすぐに戻る
func (c *Client) Wait() {
	c.mu.Lock()
	monitor := c.monitor
	c.mu.Unlock()
	if monitor != nil {
		<-monitor
	}
}

// State は現在の状態を返す
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRunning は実行中かどうかを返す
func (c *Client) IsRunning() bool {
	return c.State() == StateRunning
}

// Executed は今回（または直前）の実行で完了したリクエスト数を返す
func (c *Client) Executed() uint64 {
	return c.executed.Load()
}

// NumWorkers は設定されたワーカー数を返す
func (c *Client) NumWorkers() int {
	return c.pool.NumWorkers()
}

// ActiveWorkers は現在動いているワーカー数を返す
func (c *Client) ActiveWorkers() int {
	return c.pool.Active()
}

// RunFor は指定時間だけ実行する
func (c *Client) RunFor(ctx context.Context, duration time.Duration) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	monitor := c.monitor
	c.mu.Unlock()

	t := time.NewTimer(duration)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-monitor:
		return nil
	}

	if err := c.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	c.Wait()
	return nil
}

// RunRequests は count 回のリクエストを実行して戻る
func (c *Client) RunRequests(ctx context.Context, count uint64) error {
	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.config.RequestsLimit = count
	c.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		return err
	}
	c.Wait()
	return nil
}
