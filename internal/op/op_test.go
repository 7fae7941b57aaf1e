package op

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"kvstress/internal/distr"
	"kvstress/internal/model"
	"kvstress/internal/protocol"
	"kvstress/internal/seedkey"
	"kvstress/internal/stats"
)

// fakeProtocol は呼び出しを記録するテスト用ハンドル
type fakeProtocol struct {
	mu     sync.Mutex
	calls  []string
	keys   []string
	values [][]byte
	scans  []Scan
	err    error
}

func (f *fakeProtocol) record(call string, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.keys = append(f.keys, key)
	f.values = append(f.values, value)
	return f.err
}

func (f *fakeProtocol) Read(_ context.Context, keys []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "read")
	f.keys = append(f.keys, keys...)
	return len(keys), f.err
}

func (f *fakeProtocol) Insert(_ context.Context, key string, value []byte) error {
	return f.record("insert", key, value)
}

func (f *fakeProtocol) Update(_ context.Context, key string, value []byte) error {
	return f.record("update", key, value)
}

func (f *fakeProtocol) Delete(_ context.Context, key string) error {
	return f.record("delete", key, nil)
}

func (f *fakeProtocol) Append(_ context.Context, key string, value []byte) error {
	return f.record("append", key, value)
}

func (f *fakeProtocol) Prepend(_ context.Context, key string, value []byte) error {
	return f.record("prepend", key, value)
}

func (f *fakeProtocol) RangeRead(_ context.Context, low, high string, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "range")
	f.scans = append(f.scans, Scan{Low: low, High: high, Limit: limit})
	return 0, f.err
}

func (f *fakeProtocol) Close() error { return nil }

var _ protocol.Handle = (*fakeProtocol)(nil)

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func newGenerator(t *testing.T) *seedkey.Generator {
	t.Helper()
	g, err := seedkey.New(0, 1, "k:", distr.Range{Min: 16, Max: 24})
	if err != nil {
		t.Fatalf("seedkey.New failed: %v", err)
	}
	return g
}

func testStats() stats.Config {
	return stats.Config{SampleCapacity: 100, Seed: 1}
}

func TestInsertNotifiesWatcherOnSuccess(t *testing.T) {
	p := &fakeProtocol{}
	m := model.NewConsecutive()
	gen := newGenerator(t)

	ins, err := NewInsert(WriteConfig{
		Generator: gen,
		Chooser:   m.InsertChooser(),
		Watcher:   m,
		Protocol:  p,
		ValueSize: distr.Range{Min: 8, Max: 8},
		Stats:     testStats(),
	})
	if err != nil {
		t.Fatalf("NewInsert failed: %v", err)
	}
	if ins.Name() != "insert" || ins.Kind() != KindInsert {
		t.Errorf("unexpected name/kind: %s/%s", ins.Name(), ins.Kind())
	}

	r := newRand(1)
	for range 5 {
		if _, err := ins.Execute(context.Background(), r); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}

	if m.HighWaterMark() != 5 {
		t.Errorf("expected high water mark 5, got %d", m.HighWaterMark())
	}
	for i, key := range p.keys {
		if key != gen.Key(uint64(i)) {
			t.Errorf("insert %d used key %q, want %q", i, key, gen.Key(uint64(i)))
		}
		if len(p.values[i]) != 8 {
			t.Errorf("expected 8-byte value, got %d", len(p.values[i]))
		}
	}
	if q := ins.Stats().Queries(); q != 5 {
		t.Errorf("expected 5 queries recorded, got %d", q)
	}
}

func TestFailedWriteRecordedButNotWatched(t *testing.T) {
	p := &fakeProtocol{err: errors.New("connection reset")}
	m := model.NewConsecutive()

	ins, _ := NewInsert(WriteConfig{
		Generator: newGenerator(t),
		Chooser:   m.InsertChooser(),
		Watcher:   m,
		Protocol:  p,
		Stats:     testStats(),
	})

	if _, err := ins.Execute(context.Background(), newRand(2)); err == nil {
		t.Fatal("expected request error")
	}

	if m.HighWaterMark() != 0 {
		t.Errorf("failed insert must not advance the model, hwm=%d", m.HighWaterMark())
	}
	poll := ins.Stats().Collect(10, false)
	if poll.Queries != 1 || poll.Failures != 1 || len(poll.Samples) != 1 {
		t.Errorf("expected one failed query with a sample, got %+v", poll)
	}
}

func TestDeleteAndSkip(t *testing.T) {
	p := &fakeProtocol{}
	m := model.NewConsecutive()
	gen := newGenerator(t)

	del, err := NewDelete(DeleteConfig{
		Generator: gen,
		Chooser:   m.DeleteChooser(),
		Watcher:   m,
		Protocol:  p,
		Stats:     testStats(),
	})
	if err != nil {
		t.Fatalf("NewDelete failed: %v", err)
	}

	r := newRand(3)
	if _, err := del.Execute(context.Background(), r); !errors.Is(err, model.ErrNoEligibleSeed) {
		t.Fatalf("expected ErrNoEligibleSeed on empty model, got %v", err)
	}
	poll := del.Stats().Collect(0, false)
	if poll.Queries != 0 || poll.Skipped != 1 {
		t.Errorf("expected one skip and no query, got %+v", poll)
	}
	if len(p.calls) != 0 {
		t.Errorf("no request should be sent, got %v", p.calls)
	}

	for s := range model.Seed(3) {
		m.OnInsert(s)
	}
	if _, err := del.Execute(context.Background(), r); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if m.LiveSeeds() != 2 || m.Holes()+int(m.LiveSeeds()) != 3 {
		t.Errorf("expected one seed deleted, live=%d holes=%d", m.LiveSeeds(), m.Holes())
	}
}

func TestUpdateAndAppendPrependUseLiveSeeds(t *testing.T) {
	p := &fakeProtocol{}
	m := model.NewConsecutive()
	gen := newGenerator(t)
	for s := range model.Seed(10) {
		m.OnInsert(s)
	}
	live, err := m.LiveChooser(distr.Uniform{}, 0)
	if err != nil {
		t.Fatalf("LiveChooser failed: %v", err)
	}

	cfg := WriteConfig{Generator: gen, Chooser: live, Watcher: m, Protocol: p, ValueSize: distr.Fixed(4), Stats: testStats()}
	upd, _ := NewUpdate(cfg)
	app, _ := NewAppendPrepend(cfg, true)
	pre, _ := NewAppendPrepend(cfg, false)

	r := newRand(4)
	for _, o := range []Op{upd, app, pre} {
		if _, err := o.Execute(context.Background(), r); err != nil {
			t.Fatalf("%s failed: %v", o.Name(), err)
		}
	}

	want := []string{"update", "append", "prepend"}
	for i, call := range p.calls {
		if call != want[i] {
			t.Errorf("call %d = %s, want %s", i, call, want[i])
		}
	}
	valid := make(map[string]bool)
	for s := range uint64(10) {
		valid[gen.Key(s)] = true
	}
	for _, key := range p.keys {
		if !valid[key] {
			t.Errorf("write used key %q outside the live set", key)
		}
	}
	if m.HighWaterMark() != 10 {
		t.Errorf("writes to live seeds must not move hwm, got %d", m.HighWaterMark())
	}
}

func TestReadBatch(t *testing.T) {
	p := &fakeProtocol{}
	m := model.NewConsecutive()
	for s := range model.Seed(100) {
		m.OnInsert(s)
	}
	live, _ := m.LiveChooser(distr.Uniform{}, 0)

	rd, err := NewRead(ReadConfig{
		Generator: newGenerator(t),
		Chooser:   live,
		Protocol:  p,
		Batch:     distr.Range{Min: 2, Max: 5},
		Stats:     testStats(),
	})
	if err != nil {
		t.Fatalf("NewRead failed: %v", err)
	}

	r := newRand(5)
	for range 50 {
		before := len(p.keys)
		if _, err := rd.Execute(context.Background(), r); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if n := len(p.keys) - before; n < 2 || n > 5 {
			t.Fatalf("batch of %d keys outside [2, 5]", n)
		}
	}
	if rd.Stats().Queries() != 50 {
		t.Errorf("expected 50 queries, got %d", rd.Stats().Queries())
	}
}

func TestFuzzyRandomChooserOps(t *testing.T) {
	p := &fakeProtocol{}
	m, _ := model.NewFuzzy(20)
	rc, _ := m.RandomChooser(distr.Uniform{}, 0)
	gen := newGenerator(t)

	ins, _ := NewInsert(WriteConfig{Generator: gen, Chooser: rc, Watcher: m, Protocol: p, Stats: testStats()})
	del, _ := NewDelete(DeleteConfig{Generator: gen, Chooser: rc, Watcher: m, Protocol: p, Stats: testStats()})

	r := newRand(6)
	for range 200 {
		_, _ = ins.Execute(context.Background(), r)
	}
	if m.LiveSeeds() == 0 || m.LiveSeeds() > 20 {
		t.Errorf("unexpected live count after inserts: %d", m.LiveSeeds())
	}
	for range 500 {
		_, _ = del.Execute(context.Background(), r)
	}
	if m.LiveSeeds() > 5 {
		t.Errorf("expected most slots cleared after deletes, got %d live", m.LiveSeeds())
	}
}

func TestConstructorValidation(t *testing.T) {
	p := &fakeProtocol{}
	m := model.NewConsecutive()
	gen := newGenerator(t)

	if _, err := NewRead(ReadConfig{Generator: gen, Chooser: m.DeleteChooser(), Protocol: p, Batch: distr.Range{Min: 0, Max: 3}}); err == nil {
		t.Error("expected error for batch min 0")
	}
	if _, err := NewRead(ReadConfig{Chooser: m.DeleteChooser(), Protocol: p, Batch: distr.Fixed(1)}); err == nil {
		t.Error("expected error for missing generator")
	}
	if _, err := NewInsert(WriteConfig{Generator: gen, Chooser: m.InsertChooser()}); err == nil {
		t.Error("expected error for missing protocol")
	}
	if _, err := NewUpdate(WriteConfig{Generator: gen, Chooser: m.InsertChooser(), Protocol: p, ValueSize: distr.Range{Min: 5, Max: 1}}); err == nil {
		t.Error("expected error for invalid value size")
	}
	if _, err := NewDelete(DeleteConfig{Generator: gen, Protocol: p}); err == nil {
		t.Error("expected error for missing chooser")
	}
}

func newMemoryWithKeys(t *testing.T, n int) *protocol.Memory {
	t.Helper()
	mem := protocol.NewMemory(2)
	gen := newGenerator(t)
	for s := range uint64(n) {
		if err := mem.Insert(context.Background(), gen.Key(s), []byte("v")); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	return mem
}
