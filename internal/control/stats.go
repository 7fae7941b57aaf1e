package control

import (
	"fmt"

	"kvstress/internal/events"
	"kvstress/internal/op"
	"kvstress/internal/stats"
)

// LockOp は操作の統計をロックする
// ロック中は Record がブロックされるため、PollOp と ResetOp を続けて呼べば
// その間に取りこぼしは起きない。ロックは UnlockOp で必ず解放すること。
func (r *Registry) LockOp(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj, s, err := r.opStats(h)
	if err != nil {
		return err
	}
	if obj.locked {
		return fmt.Errorf("%w: %q", ErrAlreadyLocked, h)
	}
	s.Lock()
	obj.locked = true
	return nil
}

// UnlockOp は LockOp で取得したロックを解放する
func (r *Registry) UnlockOp(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj, s, err := r.opStats(h)
	if err != nil {
		return err
	}
	if !obj.locked {
		return fmt.Errorf("%w: %q", ErrNotLocked, h)
	}
	obj.locked = false
	s.Unlock()
	return nil
}

// PollOp はロック中の操作の統計を読み出す
func (r *Registry) PollOp(h Handle, maxSamples int) (stats.Poll, error) {
	r.mu.Lock()
	obj, s, err := r.opStats(h)
	if err == nil && !obj.locked {
		err = fmt.Errorf("%w: %q", ErrNotLocked, h)
	}
	if err != nil {
		r.mu.Unlock()
		return stats.Poll{}, err
	}
	p := s.Poll(maxSamples)
	name := obj.name
	r.mu.Unlock()

	r.publish(events.NewOpPolledEvent(name, p.Queries, p.Failures, p.Skipped, p.WorstSeconds(), p.SampleSeconds()))
	return p, nil
}

// ResetOp はロック中の操作の統計をリセットする
func (r *Registry) ResetOp(h Handle) error {
	r.mu.Lock()
	obj, s, err := r.opStats(h)
	if err == nil && !obj.locked {
		err = fmt.Errorf("%w: %q", ErrNotLocked, h)
	}
	if err != nil {
		r.mu.Unlock()
		return err
	}
	s.Reset()
	name := obj.name
	r.mu.Unlock()

	r.publish(events.NewOpResetEvent(name))
	return nil
}

// Collect はロック、読み出し、必要ならリセット、解放を一度に行う
func (r *Registry) Collect(h Handle, maxSamples int, reset bool) (stats.Poll, error) {
	if err := r.LockOp(h); err != nil {
		return stats.Poll{}, err
	}
	defer func() { _ = r.UnlockOp(h) }()

	p, err := r.PollOp(h, maxSamples)
	if err != nil {
		return stats.Poll{}, err
	}
	if reset {
		if err := r.ResetOp(h); err != nil {
			return p, err
		}
	}
	return p, nil
}

// opStats は操作オブジェクトとその統計を返す（呼び出し側がロックを保持）
func (r *Registry) opStats(h Handle) (*object, *stats.QueryStats, error) {
	obj, err := r.get(h, KindOp)
	if err != nil {
		return nil, nil, err
	}
	o, ok := obj.value.(op.Op)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q holds %T", ErrWrongKind, h, obj.value)
	}
	return obj, o.Stats(), nil
}
