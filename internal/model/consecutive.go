package model

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"kvstress/internal/distr"
)

// Consecutive はシードが昇順に挿入されることを前提としたモデル
// 存在シードは [0, hwm) から穴 (順不同に削除されたシード) を除いたもの
type Consecutive struct {
	mu    sync.RWMutex
	hwm   Seed
	holes sparseSet
}

// NewConsecutive は空の Consecutive モデルを作成する
func NewConsecutive() *Consecutive {
	return &Consecutive{holes: newSparseSet()}
}

// HighWaterMark は次に挿入される連番シードを返す
func (m *Consecutive) HighWaterMark() Seed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hwm
}

// Holes は現在の穴の数を返す
func (m *Consecutive) Holes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holes.len()
}

// IsHole は s が穴かどうかを返す
func (m *Consecutive) IsHole(s Seed) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holes.contains(s)
}

// IsLive は s が存在シードかどうかを返す
func (m *Consecutive) IsLive(s Seed) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return s < m.hwm && !m.holes.contains(s)
}

// LiveSeeds は存在シード数を返す
func (m *Consecutive) LiveSeeds() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(m.hwm) - uint64(m.holes.len())
}

// OnInsert は s の挿入成功を記録する
func (m *Consecutive) OnInsert(s Seed) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case s < m.hwm:
		m.holes.remove(s)
	case s == m.hwm:
		m.hwm++
	default:
		// 並行する挿入が先に hwm を越えた場合
		for x := m.hwm; x < s; x++ {
			m.holes.add(x)
		}
		m.hwm = s + 1
	}
}

// OnDelete は s の削除成功を記録する
// hwm は下げない
func (m *Consecutive) OnDelete(s Seed) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s < m.hwm {
		m.holes.add(s)
	}
}

// Extent は hwm を返す
func (m *Consecutive) Extent() Seed {
	return m.HighWaterMark()
}

// LiveCount は [lo, hi) の存在シード数を返す
func (m *Consecutive) LiveCount(lo, hi Seed) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if hi > m.hwm {
		hi = m.hwm
	}
	if lo >= hi {
		return 0
	}
	return uint64(hi-lo) - m.holes.countIn(lo, hi)
}

// pickLive は sample で引いたシードから存在シードを選ぶ
// 呼び出し側が読み取りロックを保持していること
func (m *Consecutive) pickLive(sample func(n Seed) Seed) (Seed, error) {
	if uint64(m.hwm) <= uint64(m.holes.len()) {
		return 0, ErrNoEligibleSeed
	}
	var s Seed
	for range maxRedraws {
		s = sample(m.hwm)
		if !m.holes.contains(s) {
			return s, nil
		}
	}
	s, ok := probe(s, m.hwm, func(x Seed) bool { return !m.holes.contains(x) })
	if !ok {
		return 0, ErrNoEligibleSeed
	}
	return s, nil
}

// InsertChooser は挿入用の Chooser を作成する
func (m *Consecutive) InsertChooser() *ConsecutiveInsertChooser {
	return &ConsecutiveInsertChooser{model: m}
}

// DeleteChooser は削除用の Chooser を作成する
func (m *Consecutive) DeleteChooser() *ConsecutiveDeleteChooser {
	return &ConsecutiveDeleteChooser{model: m}
}

// LiveChooser は読み取り・更新用の Chooser を作成する
func (m *Consecutive) LiveChooser(d distr.Distribution, mu int) (*ConsecutiveLiveChooser, error) {
	if d == nil {
		return nil, fmt.Errorf("live chooser requires a distribution")
	}
	if err := distr.ValidateMu(mu); err != nil {
		return nil, err
	}
	return &ConsecutiveLiveChooser{model: m, distr: d, mu: mu}, nil
}

// ConsecutiveInsertChooser はまだ存在しないシードを返す
// 穴があれば穴を埋め、なければ hwm を返す
type ConsecutiveInsertChooser struct {
	model *Consecutive
}

func (c *ConsecutiveInsertChooser) Next(r *rand.Rand) (Seed, error) {
	m := c.model
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.holes.len() > 0 {
		return m.holes.random(r), nil
	}
	return m.hwm, nil
}

// ConsecutiveDeleteChooser は存在シードを一様に選ぶ
type ConsecutiveDeleteChooser struct {
	model *Consecutive
}

func (c *ConsecutiveDeleteChooser) Next(r *rand.Rand) (Seed, error) {
	m := c.model
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.pickLive(func(n Seed) Seed { return Seed(r.Uint64N(uint64(n))) })
}

// ConsecutiveLiveChooser は分布に従って存在シードを選ぶ
type ConsecutiveLiveChooser struct {
	model *Consecutive
	distr distr.Distribution
	mu    int
}

func (c *ConsecutiveLiveChooser) Next(r *rand.Rand) (Seed, error) {
	m := c.model
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.pickLive(func(n Seed) Seed { return Seed(c.distr.Sample(r, uint64(n), c.mu)) })
}
