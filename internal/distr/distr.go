// Package distr provides integer ranges and the named probability
// distributions used to pick seeds.
package distr

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
)

// ErrUnknownDistribution は未知の分布名が指定されたことを示す
var ErrUnknownDistribution = errors.New("unknown distribution")

// Range は [Min, Max] の一様整数レンジ
type Range struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Fixed は常に n を返すレンジを作成する
func Fixed(n int) Range {
	return Range{Min: n, Max: n}
}

// Validate はレンジを検証する
func (d Range) Validate() error {
	if d.Min < 0 {
		return fmt.Errorf("range min must be non-negative, got %d", d.Min)
	}
	if d.Min > d.Max {
		return fmt.Errorf("range min %d is greater than max %d", d.Min, d.Max)
	}
	return nil
}

// Pick はレンジから一様に値を選ぶ
func (d Range) Pick(r *rand.Rand) int {
	if d.Max <= d.Min {
		return d.Min
	}
	return d.Min + r.IntN(d.Max-d.Min+1)
}

func (d Range) String() string {
	return fmt.Sprintf("[%d, %d]", d.Min, d.Max)
}

// Distribution は [0, n) 上の確率分布
// mu は分布の中心を n に対するパーセント (0〜100) で指定する
type Distribution interface {
	Name() string
	Sample(r *rand.Rand, n uint64, mu int) uint64
}

// ByName は名前から分布を取得する
func ByName(name string) (Distribution, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "uniform":
		return Uniform{}, nil
	case "normal", "gaussian":
		return Normal{}, nil
	case "zipf", "zipfian":
		return NewZipf(DefaultZipfSkew), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDistribution, name)
	}
}

// Names は利用可能な分布名を返す
func Names() []string {
	return []string{"uniform", "normal", "zipf"}
}

// ValidateMu は mu が 0〜100 の範囲にあるか検証する
func ValidateMu(mu int) error {
	if mu < 0 || mu > 100 {
		return fmt.Errorf("mu must be between 0 and 100, got %d", mu)
	}
	return nil
}

// Uniform は一様分布 (mu は無視する)
type Uniform struct{}

func (Uniform) Name() string { return "uniform" }

func (Uniform) Sample(r *rand.Rand, n uint64, _ int) uint64 {
	if n == 0 {
		return 0
	}
	return r.Uint64N(n)
}

// Normal は mu% を中心、標準偏差 n/10 の正規分布
// 範囲外の値はレンジ内に折り返す
type Normal struct{}

func (Normal) Name() string { return "normal" }

func (Normal) Sample(r *rand.Rand, n uint64, mu int) uint64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	centre := fn * float64(mu) / 100
	sigma := fn / 10
	x := centre + r.NormFloat64()*sigma
	x = math.Mod(x, fn)
	if x < 0 {
		x += fn
	}
	v := uint64(x)
	if v >= n {
		v = n - 1
	}
	return v
}

// DefaultZipfSkew は rand.NewZipf が要求する s > 1 を満たす既定値
const DefaultZipfSkew = 1.01

// zipfCacheLimit はキャッシュする生成器の上限
// 超えた場合は全て捨てて作り直す
const zipfCacheLimit = 256

// Zipf はホットエンドを mu% の位置に置く Zipf 分布
// ランク k は (mu% + k) mod n にマップされる
//
// rand.NewZipf の初期化は重いので、乱数源ごとに直前の n の生成器を使い回す。
// 乱数源は 1 つのゴルーチンが所有している前提。
type Zipf struct {
	Skew float64

	mu    sync.Mutex
	cache map[*rand.Rand]*zipfGen
}

type zipfGen struct {
	n    uint64
	zipf *rand.Zipf
}

// NewZipf は skew を指定して Zipf を作成する
func NewZipf(skew float64) *Zipf {
	return &Zipf{Skew: skew}
}

func (*Zipf) Name() string { return "zipf" }

func (z *Zipf) Sample(r *rand.Rand, n uint64, mu int) uint64 {
	if n <= 1 {
		return 0
	}
	rank := z.generator(r, n).Uint64()
	offset := uint64(float64(n) * float64(mu) / 100)
	return (offset + rank) % n
}

// generator は r と n に対応する生成器を返す
func (z *Zipf) generator(r *rand.Rand, n uint64) *rand.Zipf {
	z.mu.Lock()
	defer z.mu.Unlock()

	if g, ok := z.cache[r]; ok && g.n == n {
		return g.zipf
	}
	if z.cache == nil || len(z.cache) >= zipfCacheLimit {
		z.cache = make(map[*rand.Rand]*zipfGen)
	}
	skew := z.Skew
	if skew <= 1.0 {
		skew = DefaultZipfSkew
	}
	g := &zipfGen{n: n, zipf: rand.NewZipf(r, skew, 1.0, n-1)}
	z.cache[r] = g
	return g.zipf
}

// cached は保持している生成器の数を返す
func (z *Zipf) cached() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.cache)
}
