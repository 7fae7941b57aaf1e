package op

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"kvstress/internal/distr"
	"kvstress/internal/model"
	"kvstress/internal/protocol"
	"kvstress/internal/seedkey"
	"kvstress/internal/stats"
)

var (
	_ Op = (*PercentageRangeRead)(nil)
	_ Op = (*CalibratedRangeRead)(nil)
)

// Scan は範囲読み出し 1 回分の計画
type Scan struct {
	Low   string // 含む
	High  string // 含まない。空文字列なら上限なし
	Limit int    // 0 以下なら無制限
}

// PercentageRangeConfig は PercentageRangeRead の設定
type PercentageRangeConfig struct {
	Protocol   protocol.Handle
	Percentage distr.Range // 0〜100
	Limit      distr.Range
	Prefix     string
	// Keyspace はプレフィックス配下のグローバル ID の数
	// 0 の場合は開始位置を常にプレフィックスの先頭にする
	Keyspace uint64
	Stats    stats.Config
}

// PercentageRangeRead はキー空間に対するパーセンテージで開始位置を決める範囲読み出し
// 存在モデルを参照しない粗いスキャン
type PercentageRangeRead struct {
	base
	percentage distr.Range
	limit      distr.Range
	prefix     string
	keyspace   uint64
}

// NewPercentageRangeRead は PercentageRangeRead を作成する
func NewPercentageRangeRead(cfg PercentageRangeConfig) (*PercentageRangeRead, error) {
	if err := cfg.Percentage.Validate(); err != nil {
		return nil, fmt.Errorf("percentage range read: invalid percentage: %w", err)
	}
	if cfg.Percentage.Max > 100 {
		return nil, fmt.Errorf("percentage range read: percentage max %d exceeds 100", cfg.Percentage.Max)
	}
	if err := cfg.Limit.Validate(); err != nil {
		return nil, fmt.Errorf("percentage range read: invalid limit: %w", err)
	}
	b, err := newBase(string(KindPercentageRange), cfg.Protocol, cfg.Stats)
	if err != nil {
		return nil, err
	}
	return &PercentageRangeRead{
		base:       b,
		percentage: cfg.Percentage,
		limit:      cfg.Limit,
		prefix:     cfg.Prefix,
		keyspace:   cfg.Keyspace,
	}, nil
}

// Plan は次のスキャン範囲を決める
func (o *PercentageRangeRead) Plan(r *rand.Rand) Scan {
	p := uint64(o.percentage.Pick(r))
	low := o.prefix
	if o.keyspace > 0 {
		low = seedkey.Bound(o.prefix, o.keyspace/100*p+o.keyspace%100*p/100)
	}
	return Scan{
		Low:   low,
		High:  seedkey.PrefixEnd(o.prefix),
		Limit: o.limit.Pick(r),
	}
}

// Execute は範囲読み出しを行う
func (o *PercentageRangeRead) Execute(ctx context.Context, r *rand.Rand) (time.Duration, error) {
	scan := o.Plan(r)
	return o.timed(ctx, func(ctx context.Context) error {
		_, err := o.proto.RangeRead(ctx, scan.Low, scan.High, scan.Limit)
		return err
	})
}

// CalibratedRangeConfig は CalibratedRangeRead の設定
type CalibratedRangeConfig struct {
	Tracker   model.Tracker
	Generator *seedkey.Generator
	Protocol  protocol.Handle
	// ModelFactor は 1 回のスキャンで返したい存在キーの期待数
	ModelFactor int
	// RangeSize は密度を見積もる窓の幅（シード数）
	RangeSize distr.Range
	Limit     distr.Range
	Stats     stats.Config
}

// CalibratedRangeRead は存在モデルの密度からスキャン長を決める範囲読み出し
//
// 開始シードを [0, extent) から一様に選び、そこから RangeSize 幅の窓にある
// 存在シード数で密度 d を見積もる。スキャン長 L = ceil(ModelFactor / d) とすることで
// 均一な密度のもとでは ModelFactor <= L*d < ModelFactor + d が成り立つ。
type CalibratedRangeRead struct {
	base
	tracker     model.Tracker
	gen         *seedkey.Generator
	modelFactor uint64
	rangeSize   distr.Range
	limit       distr.Range
}

// CalibratedPlan は CalibratedRangeRead のスキャン計画
type CalibratedPlan struct {
	Scan
	Start  model.Seed
	Length model.Seed // 0 ならプレフィックスの末尾までスキャン
	// Live / Window が見積もった存在密度
	Live   uint64
	Window uint64
}

// Density は見積もった存在密度を返す
func (p CalibratedPlan) Density() float64 {
	if p.Window == 0 {
		return 0
	}
	return float64(p.Live) / float64(p.Window)
}

// NewCalibratedRangeRead は CalibratedRangeRead を作成する
func NewCalibratedRangeRead(cfg CalibratedRangeConfig) (*CalibratedRangeRead, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("calibrated range read: existence tracker is required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("calibrated range read: key generator is required")
	}
	if cfg.ModelFactor < 1 {
		return nil, fmt.Errorf("calibrated range read: model factor must be at least 1, got %d", cfg.ModelFactor)
	}
	if err := cfg.RangeSize.Validate(); err != nil {
		return nil, fmt.Errorf("calibrated range read: invalid range size: %w", err)
	}
	if cfg.RangeSize.Min < 1 {
		return nil, errors.New("calibrated range read: range size must be at least 1")
	}
	if err := cfg.Limit.Validate(); err != nil {
		return nil, fmt.Errorf("calibrated range read: invalid limit: %w", err)
	}
	b, err := newBase(string(KindCalibratedRange), cfg.Protocol, cfg.Stats)
	if err != nil {
		return nil, err
	}
	return &CalibratedRangeRead{
		base:        b,
		tracker:     cfg.Tracker,
		gen:         cfg.Generator,
		modelFactor: uint64(cfg.ModelFactor),
		rangeSize:   cfg.RangeSize,
		limit:       cfg.Limit,
	}, nil
}

// Plan は次のスキャン範囲を決める
// シード空間が空の場合は model.ErrNoEligibleSeed を返す
func (o *CalibratedRangeRead) Plan(r *rand.Rand) (CalibratedPlan, error) {
	extent := o.tracker.Extent()
	if extent == 0 {
		return CalibratedPlan{}, model.ErrNoEligibleSeed
	}

	start := model.Seed(r.Uint64N(uint64(extent)))
	end := min(start+model.Seed(o.rangeSize.Pick(r)), extent)
	window := uint64(end - start)
	live := o.tracker.LiveCount(start, end)

	// 窓が空なら全体の密度で代用する
	if live == 0 {
		window = uint64(extent)
		live = o.tracker.LiveCount(0, extent)
	}

	plan := CalibratedPlan{
		Start: start,
		Scan: Scan{
			Low:   o.gen.LowerBound(uint64(start)),
			High:  seedkey.PrefixEnd(o.gen.Prefix()),
			Limit: o.limit.Pick(r),
		},
	}
	if live == 0 {
		// 何も存在しないので末尾までスキャンする
		return plan, nil
	}

	// L = ceil(modelFactor * window / live)
	length := (o.modelFactor*window + live - 1) / live
	plan.Length = model.Seed(length)
	plan.Live = live
	plan.Window = window
	plan.High = o.gen.LowerBound(uint64(start) + length)
	return plan, nil
}

// Execute は範囲読み出しを行う
func (o *CalibratedRangeRead) Execute(ctx context.Context, r *rand.Rand) (time.Duration, error) {
	plan, err := o.Plan(r)
	if err != nil {
		return o.skip()
	}
	return o.timed(ctx, func(ctx context.Context) error {
		_, err := o.proto.RangeRead(ctx, plan.Low, plan.High, plan.Limit)
		return err
	})
}
