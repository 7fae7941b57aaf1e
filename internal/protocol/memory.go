package protocol

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"kvstress/internal/logger"
)

var _ Handle = (*Memory)(nil)

// Memory はインメモリのシャード分割 KVS
// キーは xxhash でシャードに振り分けられ、各シャードはソート済みキー列を持つ
type Memory struct {
	shards []*shard
	delay  atomic.Int64
	closed atomic.Bool
}

// shard はインメモリ KVS の単一シャード
type shard struct {
	mu   sync.RWMutex
	data map[string][]byte
	keys []string // ソート済み
}

// NewMemory は shards 個のシャードを持つ Memory を作成する
func NewMemory(shards int) *Memory {
	if shards < 1 {
		shards = 1
	}
	m := &Memory{shards: make([]*shard, shards)}
	for i := range m.shards {
		m.shards[i] = &shard{data: make(map[string][]byte)}
	}
	logger.Debug("memory", "Created in-memory store with %d shards", shards)
	return m
}

// Shards はシャード数を返す
func (m *Memory) Shards() int {
	return len(m.shards)
}

// SetDelay はレスポンス遅延を設定する
func (m *Memory) SetDelay(d time.Duration) {
	m.delay.Store(int64(d))
	if d > 0 {
		logger.Info("memory", "Delay set to %v", d)
	} else {
		logger.Info("memory", "Delay cleared")
	}
}

// Delay は現在の遅延設定を返す
func (m *Memory) Delay() time.Duration {
	return time.Duration(m.delay.Load())
}

// Len は全シャードのキー数を返す
func (m *Memory) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.data)
		s.mu.RUnlock()
	}
	return total
}

// Get はキーの値を返す
func (m *Memory) Get(key string) ([]byte, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return slices.Clone(v), ok
}

func (m *Memory) shardFor(key string) *shard {
	if len(m.shards) == 1 {
		return m.shards[0]
	}
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// begin は遅延を適用し、リクエストを受け付けられるか確認する
func (m *Memory) begin(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if d := m.Delay(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// Read はキーを一括で読む
func (m *Memory) Read(ctx context.Context, keys []string) (int, error) {
	if err := m.begin(ctx); err != nil {
		return 0, err
	}
	found := 0
	for _, k := range keys {
		s := m.shardFor(k)
		s.mu.RLock()
		_, ok := s.data[k]
		s.mu.RUnlock()
		if ok {
			found++
		}
	}
	return found, nil
}

// Insert はキーに値を書き込む
func (m *Memory) Insert(ctx context.Context, key string, value []byte) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	m.shardFor(key).put(key, slices.Clone(value))
	return nil
}

// Update は既存のキーの値を置き換える
func (m *Memory) Update(ctx context.Context, key string, value []byte) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return ErrNotFound
	}
	s.data[key] = slices.Clone(value)
	return nil
}

// Delete はキーを削除する
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	if i, ok := slices.BinarySearch(s.keys, key); ok {
		s.keys = slices.Delete(s.keys, i, i+1)
	}
	return nil
}

// Append は値の末尾にデータを追加する
func (m *Memory) Append(ctx context.Context, key string, value []byte) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	m.shardFor(key).modify(key, func(old []byte) []byte {
		return append(slices.Clip(old), value...)
	})
	return nil
}

// Prepend は値の先頭にデータを追加する
func (m *Memory) Prepend(ctx context.Context, key string, value []byte) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	m.shardFor(key).modify(key, func(old []byte) []byte {
		return append(slices.Clone(value), old...)
	})
	return nil
}

// RangeRead は [low, high) のキーを最大 limit 件読む
func (m *Memory) RangeRead(ctx context.Context, low, high string, limit int) (int, error) {
	if err := m.begin(ctx); err != nil {
		return 0, err
	}
	rows := 0
	for _, s := range m.shards {
		rows += s.countRange(low, high, limit)
	}
	if limit > 0 && rows > limit {
		rows = limit
	}
	return rows, nil
}

// Close はストアを閉じる
func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	logger.Debug("memory", "In-memory store closed")
	return nil
}

func (s *shard) put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value)
}

func (s *shard) modify(key string, fn func(old []byte) []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, fn(s.data[key]))
}

func (s *shard) setLocked(key string, value []byte) {
	if _, ok := s.data[key]; !ok {
		i, _ := slices.BinarySearch(s.keys, key)
		s.keys = slices.Insert(s.keys, i, key)
	}
	s.data[key] = value
}

func (s *shard) countRange(low, high string, limit int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lo, _ := slices.BinarySearch(s.keys, low)
	hi := len(s.keys)
	if high != "" {
		hi, _ = slices.BinarySearch(s.keys, high)
	}
	n := max(hi-lo, 0)
	if limit > 0 {
		n = min(n, limit)
	}
	return n
}
