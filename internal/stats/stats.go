package stats

import (
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultSampleCapacity はレイテンシサンプルの既定保持数
const DefaultSampleCapacity = 1000

// Config は QueryStats の設定
type Config struct {
	SampleCapacity int    // サンプルバッファの容量
	Seed           uint64 // サンプル選択用乱数のシード（0で時刻ベース）
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		SampleCapacity: DefaultSampleCapacity,
	}
}

// QueryStats は 1 つの操作のリクエスト統計を保持する
//
// Record は内部でロックを取る。Poll と Reset は呼び出し側が Lock を
// 保持している前提で動くため、複数フィールドを 1 つの整合した単位として
// 読み出し・リセットできる。
type QueryStats struct {
	mu sync.Mutex

	queries  uint64
	failures uint64
	skipped  uint64
	worst    time.Duration

	samples  []time.Duration
	capacity int
	seen     uint64 // リセット以降に記録されたサンプル数
	rng      *rand.Rand
}

// New はデフォルト設定で QueryStats を作成する
func New() *QueryStats {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig は設定を指定して QueryStats を作成する
func NewWithConfig(config Config) *QueryStats {
	capacity := config.SampleCapacity
	if capacity <= 0 {
		capacity = DefaultSampleCapacity
	}
	seed := config.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &QueryStats{
		samples:  make([]time.Duration, 0, capacity),
		capacity: capacity,
		rng:      rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

// Lock は統計のロックを取得する
func (s *QueryStats) Lock() {
	s.mu.Lock()
}

// Unlock は統計のロックを解放する
func (s *QueryStats) Unlock() {
	s.mu.Unlock()
}

// Record は完了したリクエストを記録する
// err が非 nil の場合も 1 件のクエリとして数え、レイテンシも記録する
func (s *QueryStats) Record(latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries++
	if err != nil {
		s.failures++
	}
	if latency > s.worst {
		s.worst = latency
	}

	// 貯水池サンプリング: バッファが満杯なら capacity/seen の確率でランダムな位置を置換
	s.seen++
	if len(s.samples) < s.capacity {
		s.samples = append(s.samples, latency)
		return
	}
	if j := s.rng.Uint64N(s.seen); j < uint64(s.capacity) {
		s.samples[j] = latency
	}
}

// RecordSkip は対象シードがなくリクエストを送らなかった実行を記録する
func (s *QueryStats) RecordSkip() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped++
}

// Poll は統計のスナップショット
type Poll struct {
	Queries  uint64          `json:"queries"`
	Failures uint64          `json:"failures"`
	Skipped  uint64          `json:"skipped"`
	Worst    time.Duration   `json:"worst_ns"`
	Samples  []time.Duration `json:"samples_ns"`
}

// WorstSeconds は最悪レイテンシを秒で返す
func (p Poll) WorstSeconds() float64 {
	return p.Worst.Seconds()
}

// SampleSeconds はサンプルを秒単位で返す
func (p Poll) SampleSeconds() []float64 {
	out := make([]float64, len(p.Samples))
	for i, d := range p.Samples {
		out[i] = d.Seconds()
	}
	return out
}

// Poll は統計を読み出す（呼び出し側が Lock を保持していること）
//
// 保持サンプル数が maxSamples を超える場合、末尾から一度だけ走査して
// 重複なしの一様な部分集合を選ぶ。残り have 個のうち need 個が必要なとき、
// 現在のサンプルを need/have の確率で採用する。選ばれたサンプルは元の順序を保つ。
func (s *QueryStats) Poll(maxSamples int) Poll {
	p := Poll{
		Queries:  s.queries,
		Failures: s.failures,
		Skipped:  s.skipped,
		Worst:    s.worst,
	}

	have := len(s.samples)
	need := min(max(maxSamples, 0), have)
	out := make([]time.Duration, need)

	for need > 0 {
		if have == need || s.rng.IntN(have) < need {
			need--
			out[need] = s.samples[have-1]
		}
		have--
	}
	p.Samples = out
	return p
}

// Reset は統計を初期状態に戻す（呼び出し側が Lock を保持していること）
func (s *QueryStats) Reset() {
	s.queries = 0
	s.failures = 0
	s.skipped = 0
	s.worst = 0
	s.seen = 0
	s.samples = s.samples[:0]
}

// Collect はロックを取得して Poll し、必要ならリセットする
func (s *QueryStats) Collect(maxSamples int, reset bool) Poll {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.Poll(maxSamples)
	if reset {
		s.Reset()
	}
	return p
}

// Queries は総クエリ数を返す
func (s *QueryStats) Queries() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// Capacity はサンプルバッファの容量を返す
func (s *QueryStats) Capacity() int {
	return s.capacity
}
