package model

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"sync"

	"kvstress/internal/distr"
)

// Fuzzy は固定サイズ nkeys のスロットを個別に管理する近似モデル
// 複数クライアントがキー空間を共有する場合など、順序を仮定できない負荷向け
type Fuzzy struct {
	mu    sync.RWMutex
	nkeys Seed
	live  []uint64
	count uint64
}

// NewFuzzy は nkeys スロットの Fuzzy モデルを作成する
func NewFuzzy(nkeys int) (*Fuzzy, error) {
	if nkeys <= 0 {
		return nil, fmt.Errorf("fuzzy model requires nkeys > 0, got %d", nkeys)
	}
	return &Fuzzy{
		nkeys: Seed(nkeys),
		live:  make([]uint64, (nkeys+63)/64),
	}, nil
}

// NKeys はスロット数を返す
func (m *Fuzzy) NKeys() Seed {
	return m.nkeys
}

func (m *Fuzzy) isLive(s Seed) bool {
	return m.live[s/64]&(1<<(s%64)) != 0
}

// IsLive は s が存在シードかどうかを返す
func (m *Fuzzy) IsLive(s Seed) bool {
	if s >= m.nkeys {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isLive(s)
}

// LiveSeeds は存在シード数を返す
func (m *Fuzzy) LiveSeeds() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// OnInsert は s を存在としてマークする
func (m *Fuzzy) OnInsert(s Seed) {
	if s >= m.nkeys {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isLive(s) {
		m.live[s/64] |= 1 << (s % 64)
		m.count++
	}
}

// OnDelete は s を非存在としてマークする
func (m *Fuzzy) OnDelete(s Seed) {
	if s >= m.nkeys {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isLive(s) {
		m.live[s/64] &^= 1 << (s % 64)
		m.count--
	}
}

// Extent は nkeys を返す
func (m *Fuzzy) Extent() Seed {
	return m.nkeys
}

// LiveCount は [lo, hi) の存在シード数を返す
func (m *Fuzzy) LiveCount(lo, hi Seed) uint64 {
	if hi > m.nkeys {
		hi = m.nkeys
	}
	if lo >= hi {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n uint64
	for lo < hi {
		word := lo / 64
		if lo%64 == 0 && hi-lo >= 64 {
			n += uint64(bits.OnesCount64(m.live[word]))
			lo += 64
			continue
		}
		if m.isLive(lo) {
			n++
		}
		lo++
	}
	return n
}

// RandomChooser は存在状態を考慮しない Chooser を作成する
func (m *Fuzzy) RandomChooser(d distr.Distribution, mu int) (*FuzzyRandomChooser, error) {
	if err := validateChooser(d, mu); err != nil {
		return nil, err
	}
	return &FuzzyRandomChooser{model: m, distr: d, mu: mu}, nil
}

// FreeChooser は非存在スロットを選ぶ Chooser を作成する
func (m *Fuzzy) FreeChooser(d distr.Distribution, mu int) (*FuzzyStateChooser, error) {
	if err := validateChooser(d, mu); err != nil {
		return nil, err
	}
	return &FuzzyStateChooser{model: m, distr: d, mu: mu, wantLive: false}, nil
}

// LiveChooser は存在スロットを選ぶ Chooser を作成する
func (m *Fuzzy) LiveChooser(d distr.Distribution, mu int) (*FuzzyStateChooser, error) {
	if err := validateChooser(d, mu); err != nil {
		return nil, err
	}
	return &FuzzyStateChooser{model: m, distr: d, mu: mu, wantLive: true}, nil
}

func validateChooser(d distr.Distribution, mu int) error {
	if d == nil {
		return fmt.Errorf("chooser requires a distribution")
	}
	return distr.ValidateMu(mu)
}

// FuzzyRandomChooser は [0, nkeys) から分布に従って無条件にシードを返す
// 対象が既に望む状態である可能性を呼び出し側が許容する
type FuzzyRandomChooser struct {
	model *Fuzzy
	distr distr.Distribution
	mu    int
}

func (c *FuzzyRandomChooser) Next(r *rand.Rand) (Seed, error) {
	return Seed(c.distr.Sample(r, uint64(c.model.nkeys), c.mu)), nil
}

// FuzzyStateChooser は指定した存在状態のスロットだけを返す
// 該当するスロットがなければ ErrNoEligibleSeed を返す
type FuzzyStateChooser struct {
	model    *Fuzzy
	distr    distr.Distribution
	mu       int
	wantLive bool
}

func (c *FuzzyStateChooser) Next(r *rand.Rand) (Seed, error) {
	m := c.model
	m.mu.RLock()
	defer m.mu.RUnlock()

	eligible := m.count
	if !c.wantLive {
		eligible = uint64(m.nkeys) - m.count
	}
	if eligible == 0 {
		return 0, ErrNoEligibleSeed
	}

	match := func(s Seed) bool { return m.isLive(s) == c.wantLive }
	var s Seed
	for range maxRedraws {
		s = Seed(c.distr.Sample(r, uint64(m.nkeys), c.mu))
		if match(s) {
			return s, nil
		}
	}
	s, ok := probe(s, m.nkeys, match)
	if !ok {
		return 0, ErrNoEligibleSeed
	}
	return s, nil
}
