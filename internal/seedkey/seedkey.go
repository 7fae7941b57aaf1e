package seedkey

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"

	"kvstress/internal/distr"
)

// alphabet は ASCII 順に並んだ base62 文字集合
// 固定長でエンコードすれば文字列比較と数値比較が一致する
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// IDWidth はグローバル ID をエンコードした部分の長さ (62^11 > 2^64)
const IDWidth = 11

// Generator はシードからキーを決定的に生成する
type Generator struct {
	shardID    uint64
	shardCount uint64
	prefix     string
	size       distr.Range
}

// New は新しい Generator を作成する
func New(shardID, shardCount int, prefix string, size distr.Range) (*Generator, error) {
	if shardCount < 1 {
		return nil, fmt.Errorf("shard count must be at least 1, got %d", shardCount)
	}
	if shardID < 0 || shardID >= shardCount {
		return nil, fmt.Errorf("shard id %d must be in [0, %d)", shardID, shardCount)
	}
	if err := size.Validate(); err != nil {
		return nil, fmt.Errorf("invalid key size: %w", err)
	}
	if minLen := len(prefix) + IDWidth; size.Min < minLen {
		return nil, fmt.Errorf("key size min %d is shorter than prefix plus id (%d)", size.Min, minLen)
	}
	return &Generator{
		shardID:    uint64(shardID),
		shardCount: uint64(shardCount),
		prefix:     prefix,
		size:       size,
	}, nil
}

// Prefix はキープレフィックスを返す
func (g *Generator) Prefix() string {
	return g.prefix
}

// ShardID はシャード番号を返す
func (g *Generator) ShardID() int {
	return int(g.shardID)
}

// ShardCount はシャード数を返す
func (g *Generator) ShardCount() int {
	return int(g.shardCount)
}

// GlobalID はシードをシャード間で衝突しないグローバル ID に変換する
func (g *Generator) GlobalID(seed uint64) uint64 {
	return seed*g.shardCount + g.shardID
}

// Key はシードに対応するキーを返す
func (g *Generator) Key(seed uint64) string {
	id := g.GlobalID(seed)
	h := g.hash(id)

	length := g.size.Min
	if span := g.size.Max - g.size.Min; span > 0 {
		length += int(h % uint64(span+1))
	}

	buf := make([]byte, 0, length)
	buf = append(buf, g.prefix...)
	buf = appendID(buf, id)

	filler := rand.New(rand.NewPCG(h, id))
	for len(buf) < length {
		buf = append(buf, alphabet[filler.IntN(len(alphabet))])
	}
	return string(buf)
}

// KeySize はシードに対応するキーの長さを返す
func (g *Generator) KeySize(seed uint64) int {
	return len(g.Key(seed))
}

// LowerBound はシードの位置にソートされる最短のキーを返す
// Key(seed) >= LowerBound(seed) かつ Key(seed-1) < LowerBound(seed)
func (g *Generator) LowerBound(seed uint64) string {
	return Bound(g.prefix, g.GlobalID(seed))
}

func (g *Generator) hash(id uint64) uint64 {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], id)
	d := xxhash.New()
	_, _ = d.WriteString(g.prefix)
	_, _ = d.Write(idBuf[:])
	return d.Sum64()
}

// Bound はプレフィックス配下でグローバル ID id の位置を示すキーを返す
func Bound(prefix string, id uint64) string {
	buf := make([]byte, 0, len(prefix)+IDWidth)
	buf = append(buf, prefix...)
	return string(appendID(buf, id))
}

// PrefixEnd はプレフィックスを持つ全キーより大きい最小のキーを返す
// 空文字列は上限なしを意味する
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func appendID(buf []byte, id uint64) []byte {
	var digits [IDWidth]byte
	for i := IDWidth - 1; i >= 0; i-- {
		digits[i] = alphabet[id%62]
		id /= 62
	}
	return append(buf, digits[:]...)
}
