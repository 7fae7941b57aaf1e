package model

import (
	"errors"
	"math/rand/v2"
)

// Seed はキースロットを識別する整数
type Seed uint64

// ErrNoEligibleSeed は対象にできるシードが存在しないことを示す
// 空のモデルからの削除や、満杯の Fuzzy モデルへの挿入で返される
var ErrNoEligibleSeed = errors.New("no eligible seed")

// maxRedraws は穴に当たった場合に引き直す最大回数
// これを超えると引いた位置から線形に探索する
const maxRedraws = 16

// Chooser は次に操作対象とするシードを選ぶ
type Chooser interface {
	Next(r *rand.Rand) (Seed, error)
}

// Watcher は完了したリクエストの結果をモデルに通知する
type Watcher interface {
	OnInsert(s Seed)
	OnDelete(s Seed)
}

// Tracker はモデルの存在情報を問い合わせる
type Tracker interface {
	// Extent はシード空間の上限 (排他的) を返す
	Extent() Seed
	// LiveCount は [lo, hi) に含まれる存在シードの数を返す
	LiveCount(lo, hi Seed) uint64
}

// Model は Watcher と Tracker の両方の役割を持つモデル
type Model interface {
	Watcher
	Tracker
	// LiveSeeds は現在の存在シード数を返す
	LiveSeeds() uint64
}

var (
	_ Model = (*Consecutive)(nil)
	_ Model = (*Fuzzy)(nil)
)

// probe は start から n 未満を巡回し、ok を満たす最初のシードを返す
func probe(start, n Seed, ok func(Seed) bool) (Seed, bool) {
	for i := Seed(0); i < n; i++ {
		s := (start + i) % n
		if ok(s) {
			return s, true
		}
	}
	return 0, false
}

// sparseSet は O(1) で追加・削除・ランダム選択できるシード集合
type sparseSet struct {
	items []Seed
	index map[Seed]int
}

func newSparseSet() sparseSet {
	return sparseSet{index: make(map[Seed]int)}
}

func (s *sparseSet) len() int {
	return len(s.items)
}

func (s *sparseSet) contains(x Seed) bool {
	_, ok := s.index[x]
	return ok
}

func (s *sparseSet) add(x Seed) bool {
	if s.contains(x) {
		return false
	}
	s.index[x] = len(s.items)
	s.items = append(s.items, x)
	return true
}

func (s *sparseSet) remove(x Seed) bool {
	i, ok := s.index[x]
	if !ok {
		return false
	}
	last := len(s.items) - 1
	moved := s.items[last]
	s.items[i] = moved
	s.index[moved] = i
	s.items = s.items[:last]
	delete(s.index, x)
	return true
}

func (s *sparseSet) random(r *rand.Rand) Seed {
	return s.items[r.IntN(len(s.items))]
}

// countIn は [lo, hi) に含まれる要素数を返す
func (s *sparseSet) countIn(lo, hi Seed) uint64 {
	if hi <= lo {
		return 0
	}
	var n uint64
	if uint64(len(s.items)) <= uint64(hi-lo) {
		for _, x := range s.items {
			if x >= lo && x < hi {
				n++
			}
		}
		return n
	}
	for x := lo; x < hi; x++ {
		if s.contains(x) {
			n++
		}
	}
	return n
}
