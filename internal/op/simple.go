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
	_ Op = (*Read)(nil)
	_ Op = (*Write)(nil)
	_ Op = (*Delete)(nil)
)

// ReadConfig は Read の設定
type ReadConfig struct {
	Generator *seedkey.Generator
	Chooser   model.Chooser // live 役
	Protocol  protocol.Handle
	Batch     distr.Range // 1 リクエストで読むキー数
	Stats     stats.Config
}

// Read は存在するキーを一括で読む
type Read struct {
	base
	gen     *seedkey.Generator
	chooser model.Chooser
	batch   distr.Range
}

// NewRead は Read を作成する
func NewRead(cfg ReadConfig) (*Read, error) {
	if err := validateKeyed(cfg.Generator, cfg.Chooser); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if err := cfg.Batch.Validate(); err != nil {
		return nil, fmt.Errorf("read: invalid batch size: %w", err)
	}
	if cfg.Batch.Min < 1 {
		return nil, errors.New("read: batch size must be at least 1")
	}
	b, err := newBase(string(KindRead), cfg.Protocol, cfg.Stats)
	if err != nil {
		return nil, err
	}
	return &Read{base: b, gen: cfg.Generator, chooser: cfg.Chooser, batch: cfg.Batch}, nil
}

// Execute はバッチサイズ分のシードを選んで読む
// 途中でシードが尽きた場合はそれまでに選んだキーだけを読む
func (o *Read) Execute(ctx context.Context, r *rand.Rand) (time.Duration, error) {
	n := o.batch.Pick(r)
	keys := make([]string, 0, n)
	for range n {
		s, err := o.chooser.Next(r)
		if err != nil {
			break
		}
		keys = append(keys, o.gen.Key(uint64(s)))
	}
	if len(keys) == 0 {
		return o.skip()
	}
	return o.timed(ctx, func(ctx context.Context) error {
		_, err := o.proto.Read(ctx, keys)
		return err
	})
}

// WriteConfig は値を書き込む操作の設定
type WriteConfig struct {
	Generator *seedkey.Generator
	Chooser   model.Chooser
	Watcher   model.Watcher // nil なら通知しない
	Protocol  protocol.Handle
	ValueSize distr.Range
	Stats     stats.Config
}

// Write は insert / update / append / prepend を行う
// 成功すると Watcher にキーの存在を通知する
type Write struct {
	base
	kind    Kind
	gen     *seedkey.Generator
	chooser model.Chooser
	watcher model.Watcher
	size    distr.Range
	send    func(ctx context.Context, key string, value []byte) error
}

// NewInsert は insert 操作を作成する（chooser は insert 役）
func NewInsert(cfg WriteConfig) (*Write, error) {
	return newWrite(KindInsert, cfg)
}

// NewUpdate は update 操作を作成する（chooser は live 役）
func NewUpdate(cfg WriteConfig) (*Write, error) {
	return newWrite(KindUpdate, cfg)
}

// NewAppendPrepend は append または prepend 操作を作成する（chooser は live 役）
func NewAppendPrepend(cfg WriteConfig, isAppend bool) (*Write, error) {
	if isAppend {
		return newWrite(KindAppend, cfg)
	}
	return newWrite(KindPrepend, cfg)
}

func newWrite(kind Kind, cfg WriteConfig) (*Write, error) {
	if err := validateKeyed(cfg.Generator, cfg.Chooser); err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	if err := cfg.ValueSize.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid value size: %w", kind, err)
	}
	b, err := newBase(string(kind), cfg.Protocol, cfg.Stats)
	if err != nil {
		return nil, err
	}

	o := &Write{
		base:    b,
		kind:    kind,
		gen:     cfg.Generator,
		chooser: cfg.Chooser,
		watcher: cfg.Watcher,
		size:    cfg.ValueSize,
	}
	switch kind {
	case KindInsert:
		o.send = cfg.Protocol.Insert
	case KindUpdate:
		o.send = cfg.Protocol.Update
	case KindAppend:
		o.send = cfg.Protocol.Append
	case KindPrepend:
		o.send = cfg.Protocol.Prepend
	default:
		return nil, fmt.Errorf("unsupported write kind %q", kind)
	}
	return o, nil
}

// Kind は書き込みの種別を返す
func (o *Write) Kind() Kind {
	return o.kind
}

// Execute はシードを選んで値を書き込む
func (o *Write) Execute(ctx context.Context, r *rand.Rand) (time.Duration, error) {
	s, err := o.chooser.Next(r)
	if err != nil {
		return o.skip()
	}
	key := o.gen.Key(uint64(s))
	value := payload(r, o.size)

	latency, err := o.timed(ctx, func(ctx context.Context) error {
		return o.send(ctx, key, value)
	})
	if err == nil && o.watcher != nil {
		o.watcher.OnInsert(s)
	}
	return latency, err
}

// DeleteConfig は Delete の設定
type DeleteConfig struct {
	Generator *seedkey.Generator
	Chooser   model.Chooser // delete 役
	Watcher   model.Watcher // nil なら通知しない
	Protocol  protocol.Handle
	Stats     stats.Config
}

// Delete は存在するキーを削除する
type Delete struct {
	base
	gen     *seedkey.Generator
	chooser model.Chooser
	watcher model.Watcher
}

// NewDelete は Delete を作成する
func NewDelete(cfg DeleteConfig) (*Delete, error) {
	if err := validateKeyed(cfg.Generator, cfg.Chooser); err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}
	b, err := newBase(string(KindDelete), cfg.Protocol, cfg.Stats)
	if err != nil {
		return nil, err
	}
	return &Delete{base: b, gen: cfg.Generator, chooser: cfg.Chooser, watcher: cfg.Watcher}, nil
}

// Execute はシードを選んで削除する
func (o *Delete) Execute(ctx context.Context, r *rand.Rand) (time.Duration, error) {
	s, err := o.chooser.Next(r)
	if err != nil {
		return o.skip()
	}
	key := o.gen.Key(uint64(s))

	latency, err := o.timed(ctx, func(ctx context.Context) error {
		return o.proto.Delete(ctx, key)
	})
	if err == nil && o.watcher != nil {
		o.watcher.OnDelete(s)
	}
	return latency, err
}
