package protocol

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

var _ Handle = (*Redis)(nil)

const defaultIndexKey = "kvstress:index"

// RedisOptions は Redis バックエンドの設定
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	// IndexKey は範囲読み出し用のキー索引 (ソート済みセット) の名前
	IndexKey string
}

// Redis は Redis サーバへのハンドル
//
// 値は文字列キーに格納し、全キーをスコア 0 のソート済みセットにも登録する。
// 範囲読み出しは ZRANGEBYLEX でキーを列挙してから MGET で値を読む。
type Redis struct {
	client goredis.UniversalClient
	index  string
}

// 追記と前置はキーの書き込みと索引登録を 1 回の往復で原子的に行う
var appendScript = goredis.NewScript(`
redis.call("APPEND", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], 0, KEYS[1])
return 1
`)

var prependScript = goredis.NewScript(`
local old = redis.call("GET", KEYS[1]) or ""
redis.call("SET", KEYS[1], ARGV[1] .. old)
redis.call("ZADD", KEYS[2], 0, KEYS[1])
return 1
`)

// NewRedis は Redis バックエンドを作成し、疎通を確認する
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	addr := opts.Addr
	if addr == "" {
		addr = defaultRedisAddr
	}
	index := opts.IndexKey
	if index == "" {
		index = defaultIndexKey
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    []string{addr},
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s failed: %w", addr, err)
	}
	return &Redis{client: client, index: index}, nil
}

// Read はキーを MGET で一括読み出しする
func (r *Redis) Read(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	return countPresent(vals), nil
}

// Insert はキーを書き込み索引に登録する
func (r *Redis) Insert(ctx context.Context, key string, value []byte) error {
	_, err := r.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, key, value, 0)
		p.ZAdd(ctx, r.index, goredis.Z{Member: key})
		return nil
	})
	return err
}

// Update は SET XX で既存のキーだけを書き換える
func (r *Redis) Update(ctx context.Context, key string, value []byte) error {
	ok, err := r.client.SetXX(ctx, key, value, 0).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Delete はキーと索引エントリを削除する
func (r *Redis) Delete(ctx context.Context, key string) error {
	_, err := r.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, key)
		p.ZRem(ctx, r.index, key)
		return nil
	})
	return err
}

// Append は APPEND で末尾に追記する
func (r *Redis) Append(ctx context.Context, key string, value []byte) error {
	return appendScript.Run(ctx, r.client, []string{key, r.index}, value).Err()
}

// Prepend は先頭に追加する
func (r *Redis) Prepend(ctx context.Context, key string, value []byte) error {
	return prependScript.Run(ctx, r.client, []string{key, r.index}, value).Err()
}

// RangeRead は索引から [low, high) のキーを列挙し、値を読み出す
func (r *Redis) RangeRead(ctx context.Context, low, high string, limit int) (int, error) {
	by := &goredis.ZRangeBy{Min: "-", Max: "+"}
	if low != "" {
		by.Min = "[" + low
	}
	if high != "" {
		by.Max = "(" + high
	}
	if limit > 0 {
		by.Count = int64(limit)
	}

	keys, err := r.client.ZRangeByLex(ctx, r.index, by).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	return countPresent(vals), nil
}

// Close は Redis クライアントを解放する
func (r *Redis) Close() error {
	return r.client.Close()
}

func countPresent(vals []any) int {
	n := 0
	for _, v := range vals {
		if v != nil {
			n++
		}
	}
	return n
}
