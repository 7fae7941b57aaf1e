package protocol

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisHandle(t *testing.T) {
	r, _ := newRedis(t)
	testHandle(t, r)
}

func TestRedisValuesAndIndex(t *testing.T) {
	r, mr := newRedis(t)
	ctx := context.Background()

	_ = r.Append(ctx, "k", []byte("b"))
	_ = r.Append(ctx, "k", []byte("c"))
	_ = r.Prepend(ctx, "k", []byte("a"))

	v, err := mr.Get("k")
	if err != nil || v != "abc" {
		t.Errorf("expected value 'abc', got %q (%v)", v, err)
	}

	members, err := mr.ZMembers(defaultIndexKey)
	if err != nil {
		t.Fatalf("index missing: %v", err)
	}
	if len(members) != 1 || members[0] != "k" {
		t.Errorf("expected index [k], got %v", members)
	}

	_ = r.Delete(ctx, "k")
	if mr.Exists("k") {
		t.Error("expected key deleted")
	}
	if ok, _ := mr.SortedSet(defaultIndexKey); len(ok) != 0 {
		t.Errorf("expected empty index, got %v", ok)
	}
}

func TestRedisDialViaServerString(t *testing.T) {
	mr := miniredis.RunT(t)
	h, err := Dial(context.Background(), "redis,"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer h.Close()
	if _, ok := h.(*Redis); !ok {
		t.Errorf("expected *Redis, got %T", h)
	}
}

func TestRedisPingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := NewRedis(context.Background(), RedisOptions{Addr: addr}); err == nil {
		t.Error("expected error when server is down")
	}
}
