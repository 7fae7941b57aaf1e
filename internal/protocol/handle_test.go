package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// testHandle はバックエンド共通の振る舞いを検証する
func testHandle(t *testing.T, h Handle) {
	t.Helper()
	ctx := context.Background()

	t.Run("InsertRead", func(t *testing.T) {
		if err := h.Insert(ctx, "a:1", []byte("v1")); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if err := h.Insert(ctx, "a:2", []byte("v2")); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		found, err := h.Read(ctx, []string{"a:1", "a:2", "a:missing"})
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if found != 2 {
			t.Errorf("expected 2 found, got %d", found)
		}
		if found, _ := h.Read(ctx, nil); found != 0 {
			t.Errorf("expected 0 found for empty batch, got %d", found)
		}
	})

	t.Run("Update", func(t *testing.T) {
		if err := h.Update(ctx, "a:1", []byte("v1b")); err != nil {
			t.Errorf("Update of existing key failed: %v", err)
		}
		if err := h.Update(ctx, "u:missing", []byte("x")); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if found, _ := h.Read(ctx, []string{"u:missing"}); found != 0 {
			t.Error("Update must not create a missing key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := h.Delete(ctx, "a:2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if found, _ := h.Read(ctx, []string{"a:2"}); found != 0 {
			t.Error("expected deleted key to be gone")
		}
		if err := h.Delete(ctx, "a:2"); err != nil {
			t.Errorf("deleting a missing key should succeed, got %v", err)
		}
	})

	t.Run("AppendPrepend", func(t *testing.T) {
		if err := h.Append(ctx, "p:1", []byte("mid")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := h.Append(ctx, "p:1", []byte("-end")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := h.Prepend(ctx, "p:1", []byte("start-")); err != nil {
			t.Fatalf("Prepend failed: %v", err)
		}
		if err := h.Prepend(ctx, "p:2", []byte("new")); err != nil {
			t.Fatalf("Prepend on missing key failed: %v", err)
		}
		if found, _ := h.Read(ctx, []string{"p:1", "p:2"}); found != 2 {
			t.Errorf("expected both keys after append/prepend, got %d", found)
		}
	})

	t.Run("RangeRead", func(t *testing.T) {
		for i := range 20 {
			key := fmt.Sprintf("r:%02d", i)
			if err := h.Insert(ctx, key, []byte("x")); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
		}
		_ = h.Delete(ctx, "r:07")

		tests := []struct {
			low, high string
			limit     int
			want      int
		}{
			{"r:00", "r:10", 0, 9},
			{"r:00", "r:10", 5, 5},
			{"r:15", "r;", 0, 5},
			{"r:19", "", 0, 1},
			{"r:05", "r:05", 0, 0},
			{"z", "", 0, 0},
		}
		for _, tt := range tests {
			rows, err := h.RangeRead(ctx, tt.low, tt.high, tt.limit)
			if err != nil {
				t.Fatalf("RangeRead failed: %v", err)
			}
			if rows != tt.want {
				t.Errorf("RangeRead(%q, %q, %d) = %d, want %d", tt.low, tt.high, tt.limit, rows, tt.want)
			}
		}
	})
}
