package worker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"kvstress/internal/logger"
)

// Step はワーカーが繰り返し実行する 1 ステップ
// false を返すとそのワーカーは終了する
type Step func(ctx context.Context, id int) bool

// PoolConfig はワーカープールの設定
type PoolConfig struct {
	NumWorkers int    // ワーカー数（0でCPU数）
	Name       string // ログのスコープ
}

// DefaultPoolConfig はデフォルト設定を返す
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		NumWorkers: 0, // CPU数
		Name:       "worker",
	}
}

// Pool は同じステップを回し続けるゴルーチンの集合を管理する
type Pool struct {
	numWorkers int
	name       string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	active atomic.Int32
	runs   atomic.Uint64
}

// NewPool は新しいワーカープールを作成する
// numWorkers が 0 の場合は CPU 数を使用
func NewPool(numWorkers int) *Pool {
	config := DefaultPoolConfig()
	config.NumWorkers = numWorkers
	return NewPoolWithConfig(config)
}

// NewPoolWithConfig は設定を指定してワーカープールを作成する
func NewPoolWithConfig(config PoolConfig) *Pool {
	numWorkers := config.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	name := config.Name
	if name == "" {
		name = "worker"
	}
	return &Pool{
		numWorkers: numWorkers,
		name:       name,
	}
}

// Start は NumWorkers 個のワーカーを起動する
// 既に起動している場合は何もせず false を返す
func (p *Pool) Start(ctx context.Context, step Step) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return false
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.started = true

	var wg sync.WaitGroup
	for i := range p.numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.active.Add(1)
			defer p.active.Add(-1)
			p.worker(ctx, i, step)
		}()
	}
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(p.done)

	p.runs.Add(1)
	logger.Info(p.name, "WorkerPool started with %d workers", p.numWorkers)
	return true
}

// worker は個々のワーカーゴルーチン
func (p *Pool) worker(ctx context.Context, id int, step Step) {
	for ctx.Err() == nil {
		if !step(ctx, id) {
			return
		}
	}
}

// Done は現在の実行の全ワーカーが終了すると閉じるチャネルを返す
// 起動していない場合は nil
func (p *Pool) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Stop はワーカーに停止を通知し、実行中のステップの完了を待つ
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()

	logger.Info(p.name, "WorkerPool stopped")
}

// IsRunning は起動中かどうかを返す
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// NumWorkers は設定されたワーカー数を返す
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Active は現在動いているワーカー数を返す
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Runs は Start が成功した回数を返す
func (p *Pool) Runs() uint64 {
	return p.runs.Load()
}
