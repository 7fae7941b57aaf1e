package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrNotFound は更新対象のキーが存在しないことを示す
	ErrNotFound = errors.New("key not found")
	// ErrClosed はクローズ済みのハンドルへのリクエストで返される
	ErrClosed = errors.New("protocol handle closed")
	// ErrUnknownServer はサーバ文字列の種別が不明であることを示す
	ErrUnknownServer = errors.New("unknown server kind")
)

// Handle はサーバへのリクエストを送るプロトコルハンドル
// 実装は複数ワーカーから同時に呼ばれても安全であること
type Handle interface {
	// Read はキーを一括で読み、存在したキーの数を返す
	Read(ctx context.Context, keys []string) (int, error)
	// Insert はキーに値を書き込む（存在すれば上書き）
	Insert(ctx context.Context, key string, value []byte) error
	// Update は既存のキーの値を置き換える。キーがなければ ErrNotFound
	Update(ctx context.Context, key string, value []byte) error
	// Delete はキーを削除する。存在しないキーの削除は成功扱い
	Delete(ctx context.Context, key string) error
	// Append は値の末尾にデータを追加する（キーがなければ作成）
	Append(ctx context.Context, key string, value []byte) error
	// Prepend は値の先頭にデータを追加する（キーがなければ作成）
	Prepend(ctx context.Context, key string, value []byte) error
	// RangeRead は [low, high) のキーを最大 limit 件読み、読んだ行数を返す
	// high が空文字列なら上限なし、limit <= 0 なら件数制限なし
	RangeRead(ctx context.Context, low, high string, limit int) (int, error)
	// Close は接続を解放する
	Close() error
}

// Kind はサーバの種別
type Kind string

const (
	KindMemory    Kind = "memory"
	KindRedis     Kind = "redis"
	KindCassandra Kind = "cassandra"
)

const (
	defaultRedisAddr     = "127.0.0.1:6379"
	defaultCassandraPort = "9042"
	defaultTable         = "kv"
)

// Server は解析済みのサーバ指定
type Server struct {
	Kind Kind

	// memory
	Shards int

	// redis
	Addr string
	DB   int

	// cassandra
	Hosts    []string
	Keyspace string
	Table    string
}

// String はサーバ指定を元の書式で返す
func (s Server) String() string {
	switch s.Kind {
	case KindMemory:
		return fmt.Sprintf("memory,%d", s.Shards)
	case KindRedis:
		return fmt.Sprintf("redis,%s/%d", s.Addr, s.DB)
	case KindCassandra:
		return fmt.Sprintf("cassandra,%s/%s/%s", strings.Join(s.Hosts, "+"), s.Keyspace, s.Table)
	default:
		return string(s.Kind)
	}
}

// ParseServer はサーバ文字列を解析する
//
//	memory[,shards]
//	redis,host:port[/db]
//	cassandra,host[:port][+host[:port]...]/keyspace[/table]
func ParseServer(server string) (Server, error) {
	kind, rest, _ := strings.Cut(strings.TrimSpace(server), ",")
	switch Kind(kind) {
	case KindMemory:
		return parseMemory(rest)
	case KindRedis:
		return parseRedis(rest)
	case KindCassandra:
		return parseCassandra(rest)
	default:
		return Server{}, fmt.Errorf("%w: %q", ErrUnknownServer, kind)
	}
}

func parseMemory(rest string) (Server, error) {
	s := Server{Kind: KindMemory, Shards: 1}
	if rest == "" {
		return s, nil
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return Server{}, fmt.Errorf("invalid memory shard count %q", rest)
	}
	s.Shards = n
	return s, nil
}

func parseRedis(rest string) (Server, error) {
	s := Server{Kind: KindRedis, Addr: defaultRedisAddr}
	addr, db, hasDB := strings.Cut(rest, "/")
	if addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return Server{}, fmt.Errorf("invalid redis address %q: %w", addr, err)
		}
		s.Addr = addr
	}
	if hasDB {
		n, err := strconv.Atoi(db)
		if err != nil || n < 0 {
			return Server{}, fmt.Errorf("invalid redis db %q", db)
		}
		s.DB = n
	}
	return s, nil
}

func parseCassandra(rest string) (Server, error) {
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return Server{}, fmt.Errorf("cassandra server must be host[:port]/keyspace[/table], got %q", rest)
	}
	s := Server{Kind: KindCassandra, Keyspace: parts[1], Table: defaultTable}
	if len(parts) == 3 && parts[2] != "" {
		s.Table = parts[2]
	}
	if !isIdentifier(s.Keyspace) || !isIdentifier(s.Table) {
		return Server{}, fmt.Errorf("invalid cassandra keyspace or table name in %q", rest)
	}
	for _, h := range strings.Split(parts[0], "+") {
		if !strings.Contains(h, ":") {
			h = net.JoinHostPort(h, defaultCassandraPort)
		}
		s.Hosts = append(s.Hosts, h)
	}
	return s, nil
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Dial はサーバ文字列に対応するハンドルを作成する
func Dial(ctx context.Context, server string) (Handle, error) {
	s, err := ParseServer(server)
	if err != nil {
		return nil, err
	}
	return DialServer(ctx, s)
}

// DialServer は解析済みのサーバ指定からハンドルを作成する
func DialServer(ctx context.Context, s Server) (Handle, error) {
	switch s.Kind {
	case KindMemory:
		return NewMemory(s.Shards), nil
	case KindRedis:
		return NewRedis(ctx, RedisOptions{Addr: s.Addr, DB: s.DB})
	case KindCassandra:
		return NewCassandra(CassandraOptions{Hosts: s.Hosts, Keyspace: s.Keyspace, Table: s.Table})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, s.Kind)
	}
}
