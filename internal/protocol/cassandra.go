package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

var _ Handle = (*Cassandra)(nil)

// CassandraOptions は Cassandra/Scylla バックエンドの設定
type CassandraOptions struct {
	Hosts       []string
	Keyspace    string
	Table       string
	Consistency string // 空なら QUORUM
	Replication int    // キースペース作成時のレプリケーション係数（0で1）
	Timeout     time.Duration
}

// Cassandra はテーブル構造のサーバへのハンドル
//
// 全行を単一パーティション (bucket = 0) に置き、key をクラスタリングキーにする。
// これによりキーの辞書順で範囲読み出しができる。
type Cassandra struct {
	session *gocql.Session
	stmts   cqlStatements
}

// cqlStatements は 1 つのテーブルに対する CQL 文
type cqlStatements struct {
	table string
}

func newStatements(keyspace, table string) cqlStatements {
	return cqlStatements{table: keyspace + "." + table}
}

func (s cqlStatements) createKeyspace(keyspace string, replication int) string {
	return fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = {'class': 'SimpleStrategy', 'replication_factor': %d}`,
		keyspace, replication)
}

func (s cqlStatements) createTable() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (bucket int, key text, value blob, PRIMARY KEY (bucket, key))`, s.table)
}

func (s cqlStatements) read() string {
	return fmt.Sprintf(`SELECT value FROM %s WHERE bucket = 0 AND key = ?`, s.table)
}

func (s cqlStatements) insert() string {
	return fmt.Sprintf(`INSERT INTO %s (bucket, key, value) VALUES (0, ?, ?)`, s.table)
}

func (s cqlStatements) update() string {
	return fmt.Sprintf(`UPDATE %s SET value = ? WHERE bucket = 0 AND key = ? IF EXISTS`, s.table)
}

func (s cqlStatements) delete() string {
	return fmt.Sprintf(`DELETE FROM %s WHERE bucket = 0 AND key = ?`, s.table)
}

// rangeQuery は [low, high) を読む文と引数を返す
func (s cqlStatements) rangeQuery(low, high string, limit int) (string, []any) {
	stmt := fmt.Sprintf(`SELECT key FROM %s WHERE bucket = 0 AND key >= ?`, s.table)
	args := []any{low}
	if high != "" {
		stmt += ` AND key < ?`
		args = append(args, high)
	}
	if limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, limit)
	}
	return stmt, args
}

// NewCassandra はセッションを作成し、キースペースとテーブルを用意する
func NewCassandra(opts CassandraOptions) (*Cassandra, error) {
	if len(opts.Hosts) == 0 {
		return nil, errors.New("cassandra: no hosts")
	}
	if !isIdentifier(opts.Keyspace) {
		return nil, fmt.Errorf("cassandra: invalid keyspace %q", opts.Keyspace)
	}
	table := opts.Table
	if table == "" {
		table = defaultTable
	}
	if !isIdentifier(table) {
		return nil, fmt.Errorf("cassandra: invalid table %q", table)
	}

	cluster := gocql.NewCluster(opts.Hosts...)
	cluster.Consistency = gocql.Quorum
	if opts.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(opts.Consistency)
		if err != nil {
			return nil, fmt.Errorf("cassandra: %w", err)
		}
		cluster.Consistency = c
	}
	if opts.Timeout > 0 {
		cluster.Timeout = opts.Timeout
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("cassandra session: %w", err)
	}

	stmts := newStatements(opts.Keyspace, table)
	replication := max(opts.Replication, 1)
	if err := session.Query(stmts.createKeyspace(opts.Keyspace, replication)).RetryPolicy(nil).Exec(); err != nil {
		session.Close()
		return nil, fmt.Errorf("cassandra create keyspace: %w", err)
	}
	if err := session.Query(stmts.createTable()).RetryPolicy(nil).Exec(); err != nil {
		session.Close()
		return nil, fmt.Errorf("cassandra create table: %w", err)
	}
	return &Cassandra{session: session, stmts: stmts}, nil
}

// Read はキーごとに 1 行ずつ読む
func (c *Cassandra) Read(ctx context.Context, keys []string) (int, error) {
	found := 0
	for _, k := range keys {
		var value []byte
		err := c.session.Query(c.stmts.read(), k).WithContext(ctx).Scan(&value)
		if errors.Is(err, gocql.ErrNotFound) {
			continue
		}
		if err != nil {
			return found, err
		}
		found++
	}
	return found, nil
}

// Insert は行を書き込む
func (c *Cassandra) Insert(ctx context.Context, key string, value []byte) error {
	return c.session.Query(c.stmts.insert(), key, value).WithContext(ctx).Exec()
}

// Update は軽量トランザクション (IF EXISTS) で既存の行だけを書き換える
func (c *Cassandra) Update(ctx context.Context, key string, value []byte) error {
	applied, err := c.session.Query(c.stmts.update(), value, key).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return err
	}
	if !applied {
		return ErrNotFound
	}
	return nil
}

// Delete は行を削除する
func (c *Cassandra) Delete(ctx context.Context, key string) error {
	return c.session.Query(c.stmts.delete(), key).WithContext(ctx).Exec()
}

// Append は読み出してから連結して書き戻す（原子的ではない）
func (c *Cassandra) Append(ctx context.Context, key string, value []byte) error {
	return c.modify(ctx, key, func(old []byte) []byte {
		return append(old, value...)
	})
}

// Prepend は読み出してから連結して書き戻す（原子的ではない）
func (c *Cassandra) Prepend(ctx context.Context, key string, value []byte) error {
	return c.modify(ctx, key, func(old []byte) []byte {
		return append(append([]byte{}, value...), old...)
	})
}

func (c *Cassandra) modify(ctx context.Context, key string, fn func([]byte) []byte) error {
	var old []byte
	err := c.session.Query(c.stmts.read(), key).WithContext(ctx).Scan(&old)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return err
	}
	return c.Insert(ctx, key, fn(old))
}

// RangeRead は [low, high) の行を最大 limit 件読む
func (c *Cassandra) RangeRead(ctx context.Context, low, high string, limit int) (int, error) {
	stmt, args := c.stmts.rangeQuery(low, high, limit)
	iter := c.session.Query(stmt, args...).WithContext(ctx).Iter()
	rows := 0
	var key string
	for iter.Scan(&key) {
		rows++
	}
	if err := iter.Close(); err != nil {
		return rows, err
	}
	return rows, nil
}

// Close はセッションを閉じる
func (c *Cassandra) Close() error {
	c.session.Close()
	return nil
}
