package control

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"kvstress/internal/client"
	"kvstress/internal/distr"
	"kvstress/internal/events"
	"kvstress/internal/logger"
	"kvstress/internal/model"
	"kvstress/internal/op"
	"kvstress/internal/protocol"
	"kvstress/internal/seedkey"
	"kvstress/internal/stats"
)

var (
	// ErrUnknownHandle は登録されていないハンドルを示す
	ErrUnknownHandle = errors.New("unknown handle")
	// ErrInUse は他のオブジェクトから参照されているハンドルの破棄を示す
	ErrInUse = errors.New("handle is still in use")
	// ErrWrongKind はハンドルの種別が期待と異なることを示す
	ErrWrongKind = errors.New("handle has the wrong kind")
	// ErrNotLocked はロックを保持せずに統計を操作したことを示す
	ErrNotLocked = errors.New("operation stats are not locked")
	// ErrAlreadyLocked は既にロック済みの統計を再ロックしたことを示す
	ErrAlreadyLocked = errors.New("operation stats are already locked")
)

// Handle はレジストリ内のオブジェクトを指す識別子
type Handle string

// Kind はオブジェクトの種別
type Kind string

const (
	KindProtocol  Kind = "protocol"
	KindGenerator Kind = "generator"
	KindModel     Kind = "model"
	KindChooser   Kind = "chooser"
	KindOp        Kind = "op"
	KindClient    Kind = "client"
)

// Config はレジストリの設定
type Config struct {
	// Stats は作成する操作の統計設定
	Stats stats.Config
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{Stats: stats.DefaultConfig()}
}

type object struct {
	kind   Kind
	name   string
	value  any
	refs   []Handle // このオブジェクトが参照するハンドル
	users  int      // このオブジェクトを参照しているオブジェクト数
	locked bool     // 操作の統計ロックを保持しているか
}

// Info はオブジェクトの概要
type Info struct {
	Handle Handle `json:"handle"`
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Users  int    `json:"users"`
}

// Registry は作成したオブジェクトを所有し、ハンドルで公開する
//
// オブジェクト間の参照は参照カウントで管理し、参照されているオブジェクトは
// 破棄できない。クライアントを破棄すると先に停止し、登録された操作への参照を解放する。
type Registry struct {
	config Config

	mu        sync.Mutex
	objects   map[Handle]*object
	order     []Handle // 作成順
	publisher events.Publisher
}

// New は新しい Registry を作成する
func New(config Config) *Registry {
	return &Registry{
		config:  config,
		objects: make(map[Handle]*object),
	}
}

// SetPublisher はイベントの送信先を設定する
// 以降に作成するクライアントにも設定される
func (r *Registry) SetPublisher(p events.Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

func (r *Registry) publish(e events.Event) {
	r.mu.Lock()
	p := r.publisher
	r.mu.Unlock()
	if p != nil {
		p.Publish(e)
	}
}

// add はオブジェクトを登録し、参照先の参照カウントを増やす（呼び出し側がロックを保持）
func (r *Registry) add(kind Kind, name string, value any, refs ...Handle) Handle {
	h := Handle(uuid.NewString())
	refs = slices.DeleteFunc(slices.Clone(refs), func(ref Handle) bool { return ref == "" })
	for _, ref := range refs {
		r.objects[ref].users++
	}
	r.objects[h] = &object{kind: kind, name: name, value: value, refs: refs}
	r.order = append(r.order, h)
	logger.Debug("registry", "Created %s %s (%s)", kind, name, h)
	return h
}

// get はハンドルを種別付きで引く（呼び出し側がロックを保持）
func (r *Registry) get(h Handle, kind Kind) (*object, error) {
	obj, ok := r.objects[h]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandle, h)
	}
	if obj.kind != kind {
		return nil, fmt.Errorf("%w: %q is a %s, want %s", ErrWrongKind, h, obj.kind, kind)
	}
	return obj, nil
}

func lookup[T any](r *Registry, h Handle, kind Kind) (T, error) {
	var zero T
	obj, err := r.get(h, kind)
	if err != nil {
		return zero, err
	}
	v, ok := obj.value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q holds %T", ErrWrongKind, h, obj.value)
	}
	return v, nil
}

// CreateProtocol はサーバ文字列からプロトコルハンドルを作成する
func (r *Registry) CreateProtocol(ctx context.Context, server string) (Handle, error) {
	h, err := protocol.Dial(ctx, server)
	if err != nil {
		return "", fmt.Errorf("create protocol %q: %w", server, err)
	}
	return r.AddProtocol(server, h), nil
}

// AddProtocol は作成済みのプロトコルハンドルを登録する
// 登録したハンドルはレジストリが所有し、Destroy で閉じられる
func (r *Registry) AddProtocol(name string, h protocol.Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(KindProtocol, name, h)
}

// CreateGenerator はシードキー生成器を作成する
func (r *Registry) CreateGenerator(shardID, shardCount int, prefix string, size distr.Range) (Handle, error) {
	g, err := seedkey.New(shardID, shardCount, prefix, size)
	if err != nil {
		return "", fmt.Errorf("create generator: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(KindGenerator, fmt.Sprintf("%s[%d/%d]", prefix, shardID, shardCount), g), nil
}

// CreateConsecutiveModel は Consecutive モデルを作成する
func (r *Registry) CreateConsecutiveModel() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(KindModel, "consecutive", model.NewConsecutive())
}

// CreateFuzzyModel は nkeys スロットの Fuzzy モデルを作成する
func (r *Registry) CreateFuzzyModel(nkeys int) (Handle, error) {
	m, err := model.NewFuzzy(nkeys)
	if err != nil {
		return "", fmt.Errorf("create fuzzy model: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(KindModel, fmt.Sprintf("fuzzy[%d]", nkeys), m), nil
}

// ChooserRole は選択器の役割
type ChooserRole string

const (
	RoleInsert ChooserRole = "insert"
	RoleDelete ChooserRole = "delete"
	RoleLive   ChooserRole = "live"
	RoleRandom ChooserRole = "random"
)

// CreateChooser はモデルに結び付いた選択器を作成する
//
//	Consecutive: insert, delete, live (分布と mu を使用)
//	Fuzzy:       random, live, insert (未存在スロット), delete (存在スロット)
//
// 分布名は作成時に検証する
func (r *Registry) CreateChooser(modelHandle Handle, role ChooserRole, distrName string, mu int) (Handle, error) {
	d, err := distr.ByName(distrName)
	if err != nil {
		return "", fmt.Errorf("create chooser: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	obj, err := r.get(modelHandle, KindModel)
	if err != nil {
		return "", fmt.Errorf("create chooser: %w", err)
	}

	var c model.Chooser
	switch m := obj.value.(type) {
	case *model.Consecutive:
		switch role {
		case RoleInsert:
			c = m.InsertChooser()
		case RoleDelete:
			c = m.DeleteChooser()
		case RoleLive:
			c, err = m.LiveChooser(d, mu)
		default:
			err = fmt.Errorf("consecutive model has no %q chooser", role)
		}
	case *model.Fuzzy:
		switch role {
		case RoleRandom:
			c, err = m.RandomChooser(d, mu)
		case RoleInsert:
			c, err = m.FreeChooser(d, mu)
		case RoleDelete, RoleLive:
			c, err = m.LiveChooser(d, mu)
		default:
			err = fmt.Errorf("fuzzy model has no %q chooser", role)
		}
	default:
		err = fmt.Errorf("%w: unsupported model %T", ErrWrongKind, obj.value)
	}
	if err != nil {
		return "", fmt.Errorf("create chooser: %w", err)
	}
	return r.add(KindChooser, fmt.Sprintf("%s/%s", obj.name, role), c, modelHandle), nil
}

// ReadOpParams は読み出し操作の引数
type ReadOpParams struct {
	Generator Handle
	Chooser   Handle
	Protocol  Handle
	Batch     distr.Range
}

// WriteOpParams は書き込み操作の引数
// Watcher は空でもよい（通知しない）
type WriteOpParams struct {
	Generator Handle
	Chooser   Handle
	Watcher   Handle
	Protocol  Handle
	ValueSize distr.Range
}

// RangeOpParams は範囲読み出し操作の引数
type RangeOpParams struct {
	Protocol Handle
	Limit    distr.Range

	// percentage
	Percentage distr.Range
	Prefix     string
	Keyspace   uint64

	// calibrated
	Tracker     Handle
	Generator   Handle
	ModelFactor int
	RangeSize   distr.Range
}

type keyedDeps struct {
	gen     *seedkey.Generator
	chooser model.Chooser
	watcher model.Watcher
	proto   protocol.Handle
}

// resolve は操作が参照するオブジェクトを引く（呼び出し側がロックを保持）
func (r *Registry) resolve(gen, chooser, watcher, proto Handle) (keyedDeps, error) {
	var d keyedDeps
	var err error
	if d.gen, err = lookup[*seedkey.Generator](r, gen, KindGenerator); err != nil {
		return d, err
	}
	if d.chooser, err = lookup[model.Chooser](r, chooser, KindChooser); err != nil {
		return d, err
	}
	if watcher != "" {
		if d.watcher, err = lookup[model.Watcher](r, watcher, KindModel); err != nil {
			return d, err
		}
	}
	if d.proto, err = lookup[protocol.Handle](r, proto, KindProtocol); err != nil {
		return d, err
	}
	return d, nil
}

// CreateReadOp は読み出し操作を作成する
func (r *Registry) CreateReadOp(p ReadOpParams) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.resolve(p.Generator, p.Chooser, "", p.Protocol)
	if err != nil {
		return "", fmt.Errorf("create read op: %w", err)
	}
	o, err := op.NewRead(op.ReadConfig{
		Generator: d.gen, Chooser: d.chooser, Protocol: d.proto, Batch: p.Batch, Stats: r.config.Stats,
	})
	if err != nil {
		return "", err
	}
	return r.add(KindOp, o.Name(), o, p.Generator, p.Chooser, p.Protocol), nil
}

// CreateWriteOp は insert / update / append / prepend 操作を作成する
func (r *Registry) CreateWriteOp(kind op.Kind, p WriteOpParams) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.resolve(p.Generator, p.Chooser, p.Watcher, p.Protocol)
	if err != nil {
		return "", fmt.Errorf("create %s op: %w", kind, err)
	}
	cfg := op.WriteConfig{
		Generator: d.gen, Chooser: d.chooser, Watcher: d.watcher, Protocol: d.proto,
		ValueSize: p.ValueSize, Stats: r.config.Stats,
	}

	var o *op.Write
	switch kind {
	case op.KindInsert:
		o, err = op.NewInsert(cfg)
	case op.KindUpdate:
		o, err = op.NewUpdate(cfg)
	case op.KindAppend:
		o, err = op.NewAppendPrepend(cfg, true)
	case op.KindPrepend:
		o, err = op.NewAppendPrepend(cfg, false)
	default:
		err = fmt.Errorf("%q is not a write operation", kind)
	}
	if err != nil {
		return "", err
	}
	return r.add(KindOp, o.Name(), o, p.Generator, p.Chooser, p.Watcher, p.Protocol), nil
}

// CreateDeleteOp は削除操作を作成する
func (r *Registry) CreateDeleteOp(gen, chooser, watcher, proto Handle) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.resolve(gen, chooser, watcher, proto)
	if err != nil {
		return "", fmt.Errorf("create delete op: %w", err)
	}
	o, err := op.NewDelete(op.DeleteConfig{
		Generator: d.gen, Chooser: d.chooser, Watcher: d.watcher, Protocol: d.proto, Stats: r.config.Stats,
	})
	if err != nil {
		return "", err
	}
	return r.add(KindOp, o.Name(), o, gen, chooser, watcher, proto), nil
}

// CreatePercentageRangeReadOp はパーセンテージ範囲読み出し操作を作成する
func (r *Registry) CreatePercentageRangeReadOp(p RangeOpParams) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proto, err := lookup[protocol.Handle](r, p.Protocol, KindProtocol)
	if err != nil {
		return "", fmt.Errorf("create percentage range read op: %w", err)
	}
	o, err := op.NewPercentageRangeRead(op.PercentageRangeConfig{
		Protocol: proto, Percentage: p.Percentage, Limit: p.Limit,
		Prefix: p.Prefix, Keyspace: p.Keyspace, Stats: r.config.Stats,
	})
	if err != nil {
		return "", err
	}
	return r.add(KindOp, o.Name(), o, p.Protocol), nil
}

// CreateCalibratedRangeReadOp は密度補正付きの範囲読み出し操作を作成する
func (r *Registry) CreateCalibratedRangeReadOp(p RangeOpParams) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tracker, err := lookup[model.Tracker](r, p.Tracker, KindModel)
	if err != nil {
		return "", fmt.Errorf("create calibrated range read op: %w", err)
	}
	gen, err := lookup[*seedkey.Generator](r, p.Generator, KindGenerator)
	if err != nil {
		return "", fmt.Errorf("create calibrated range read op: %w", err)
	}
	proto, err := lookup[protocol.Handle](r, p.Protocol, KindProtocol)
	if err != nil {
		return "", fmt.Errorf("create calibrated range read op: %w", err)
	}
	o, err := op.NewCalibratedRangeRead(op.CalibratedRangeConfig{
		Tracker: tracker, Generator: gen, Protocol: proto, ModelFactor: p.ModelFactor,
		RangeSize: p.RangeSize, Limit: p.Limit, Stats: r.config.Stats,
	})
	if err != nil {
		return "", err
	}
	return r.add(KindOp, o.Name(), o, p.Tracker, p.Generator, p.Protocol), nil
}

// CreateClient はクライアントを作成する
func (r *Registry) CreateClient(config client.Config) Handle {
	c := client.New(config)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publisher != nil {
		c.SetPublisher(r.publisher)
	}
	return r.add(KindClient, c.Name(), c)
}

// ClientAddOp は操作をクライアントに登録する
func (r *Registry) ClientAddOp(clientHandle Handle, weight int, opHandle Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cobj, err := r.get(clientHandle, KindClient)
	if err != nil {
		return err
	}
	o, err := lookup[op.Op](r, opHandle, KindOp)
	if err != nil {
		return err
	}
	if err := cobj.value.(*client.Client).AddOp(weight, o); err != nil {
		return err
	}
	cobj.refs = append(cobj.refs, opHandle)
	r.objects[opHandle].users++
	return nil
}

// ClientStart はクライアントを起動する
func (r *Registry) ClientStart(ctx context.Context, h Handle) error {
	c, err := r.Client(h)
	if err != nil {
		return err
	}
	return c.Start(ctx)
}

// ClientStop はクライアントを停止する
func (r *Registry) ClientStop(h Handle) error {
	c, err := r.Client(h)
	if err != nil {
		return err
	}
	return c.Stop()
}

// Client はハンドルのクライアントを返す
func (r *Registry) Client(h Handle) (*client.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lookup[*client.Client](r, h, KindClient)
}

// Op はハンドルの操作を返す
func (r *Registry) Op(h Handle) (op.Op, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lookup[op.Op](r, h, KindOp)
}

// Protocol はハンドルのプロトコルを返す
func (r *Registry) Protocol(h Handle) (protocol.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lookup[protocol.Handle](r, h, KindProtocol)
}

// Model はハンドルの存在モデルを返す
func (r *Registry) Model(h Handle) (model.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lookup[model.Model](r, h, KindModel)
}

// Destroy はオブジェクトを破棄し、所有するリソースを解放する
func (r *Registry) Destroy(h Handle) error {
	r.mu.Lock()
	obj, ok := r.objects[h]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownHandle, h)
	}
	if obj.users > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %q has %d users", ErrInUse, obj.kind, h, obj.users)
	}
	if obj.locked {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %q is locked", ErrInUse, obj.kind, h)
	}
	// 統計がロックされた操作を持つ実行中のクライアントは停止を待てない
	if c, ok := obj.value.(*client.Client); ok && c.IsRunning() {
		for _, ref := range obj.refs {
			if dep, ok := r.objects[ref]; ok && dep.locked {
				r.mu.Unlock()
				return fmt.Errorf("%w: client %q runs locked op %q", ErrInUse, h, ref)
			}
		}
	}
	delete(r.objects, h)
	r.order = slices.DeleteFunc(r.order, func(x Handle) bool { return x == h })
	for _, ref := range obj.refs {
		if dep, ok := r.objects[ref]; ok {
			dep.users--
		}
	}
	r.mu.Unlock()

	// 停止やクローズはロックの外で行う
	switch v := obj.value.(type) {
	case *client.Client:
		if v.IsRunning() {
			if err := v.Stop(); err != nil && !errors.Is(err, client.ErrNotRunning) {
				logger.Warn("registry", "Stopping client %s: %v", h, err)
			}
		}
	case protocol.Handle:
		if err := v.Close(); err != nil && !errors.Is(err, protocol.ErrClosed) {
			return fmt.Errorf("close protocol %q: %w", h, err)
		}
	}
	logger.Debug("registry", "Destroyed %s %s (%s)", obj.kind, obj.name, h)
	return nil
}

// Close は全オブジェクトを依存関係の逆順に破棄する
// 保持されたままの統計ロックは先に解放する
func (r *Registry) Close() error {
	r.mu.Lock()
	order := slices.Clone(r.order)
	for h, obj := range r.objects {
		if !obj.locked {
			continue
		}
		if o, ok := obj.value.(op.Op); ok {
			obj.locked = false
			o.Stats().Unlock()
			logger.Warn("registry", "Released stats lock of %s on close", h)
		}
	}
	r.mu.Unlock()

	var errs []error
	for {
		progressed := false
		for i := len(order) - 1; i >= 0; i-- {
			h := order[i]
			if h == "" {
				continue
			}
			err := r.Destroy(h)
			if errors.Is(err, ErrInUse) {
				continue
			}
			if err != nil && !errors.Is(err, ErrUnknownHandle) {
				errs = append(errs, err)
			}
			order[i] = ""
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return errors.Join(errs...)
}

// List は kind のオブジェクトを作成順に返す（空なら全て）
func (r *Registry) List(kind Kind) []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Info
	for _, h := range r.order {
		obj := r.objects[h]
		if kind != "" && obj.kind != kind {
			continue
		}
		out = append(out, Info{Handle: h, Kind: obj.kind, Name: obj.name, Users: obj.users})
	}
	return out
}

// Len は登録されているオブジェクト数を返す
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}
