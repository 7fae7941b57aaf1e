package op

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"kvstress/internal/distr"
	"kvstress/internal/logger"
	"kvstress/internal/model"
	"kvstress/internal/protocol"
	"kvstress/internal/seedkey"
	"kvstress/internal/stats"
)

// Op はスケジューラが繰り返し実行する 1 つのワークロード単位
type Op interface {
	// Name は操作名を返す
	Name() string
	// Execute はリクエストを 1 回行い、そのレイテンシを返す
	// 対象シードがない場合は model.ErrNoEligibleSeed を返す
	Execute(ctx context.Context, r *rand.Rand) (time.Duration, error)
	// Stats は操作の統計を返す
	Stats() *stats.QueryStats
}

// Kind は操作の種別
type Kind string

const (
	KindRead            Kind = "read"
	KindInsert          Kind = "insert"
	KindUpdate          Kind = "update"
	KindDelete          Kind = "delete"
	KindAppend          Kind = "append"
	KindPrepend         Kind = "prepend"
	KindPercentageRange Kind = "percentage_range_read"
	KindCalibratedRange Kind = "calibrated_range_read"
)

// Kinds は全ての操作種別を返す
func Kinds() []Kind {
	return []Kind{
		KindRead, KindInsert, KindUpdate, KindDelete,
		KindAppend, KindPrepend, KindPercentageRange, KindCalibratedRange,
	}
}

var errNoProtocol = errors.New("protocol handle is required")

// base は全ての操作に共通する部分
type base struct {
	name  string
	proto protocol.Handle
	stats *stats.QueryStats
}

func newBase(name string, proto protocol.Handle, sc stats.Config) (base, error) {
	if proto == nil {
		return base{}, fmt.Errorf("%s: %w", name, errNoProtocol)
	}
	return base{name: name, proto: proto, stats: stats.NewWithConfig(sc)}, nil
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Stats() *stats.QueryStats {
	return b.stats
}

// timed はリクエストの時間を計測し、統計に 1 回だけ記録する
func (b *base) timed(ctx context.Context, request func(ctx context.Context) error) (time.Duration, error) {
	start := time.Now()
	err := request(ctx)
	latency := time.Since(start)

	b.stats.Record(latency, err)
	if err != nil {
		logger.Debug(b.name, "Request failed after %v: %v", latency, err)
	}
	return latency, err
}

// skip はシードがなく送信しなかった実行を記録する
func (b *base) skip() (time.Duration, error) {
	b.stats.RecordSkip()
	return 0, model.ErrNoEligibleSeed
}

// payloadAlphabet は生成する値に使う文字
const payloadAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// payload はサイズをレンジから選び、ランダムな値を生成する
func payload(r *rand.Rand, size distr.Range) []byte {
	n := size.Pick(r)
	v := make([]byte, n)
	for i := range v {
		v[i] = payloadAlphabet[r.IntN(len(payloadAlphabet))]
	}
	return v
}

func validateKeyed(gen *seedkey.Generator, chooser model.Chooser) error {
	if gen == nil {
		return errors.New("key generator is required")
	}
	if chooser == nil {
		return errors.New("seed chooser is required")
	}
	return nil
}
