package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	rdb "github.com/redis/go-redis/v9"
)

// Redis is a Backend shared between processes. Each entry is a JSON value
// with a TTL; a sorted set scored by fetch time tracks keys for eviction.
type Redis struct {
	c      rdb.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis connects to addr and pings it
func NewRedis(ctx context.Context, addr, password string, db int, prefix string, ttl time.Duration) (*Redis, error) {
	c := rdb.NewClient(&rdb.Options{Addr: addr, Password: password, DB: db})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisFromClient(c, prefix, ttl), nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(c rdb.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "sequoia"
	}
	return &Redis{c: c, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(k string) string { return r.prefix + ":guild:" + k }
func (r *Redis) index() string       { return r.prefix + ":guild:index" }

func (r *Redis) Get(ctx context.Context, key string) (Entry, bool, error) {
	b, err := r.c.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, rdb.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = r.c.TxPipelined(ctx, func(p rdb.Pipeliner) error {
		p.Set(ctx, r.key(key), b, r.ttl)
		p.ZAdd(ctx, r.index(), rdb.Z{Score: float64(e.FetchedAt.UnixMilli()), Member: key})
		return nil
	})
	return err
}

// Len drops index members whose value has expired, then counts the rest
func (r *Redis) Len(ctx context.Context) (int, error) {
	if r.ttl > 0 {
		cutoff := time.Now().Add(-r.ttl).UnixMilli()
		if err := r.c.ZRemRangeByScore(ctx, r.index(), "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
			return 0, err
		}
	}
	n, err := r.c.ZCard(ctx, r.index()).Result()
	return int(n), err
}

func (r *Redis) EvictOldest(ctx context.Context) (bool, error) {
	popped, err := r.c.ZPopMin(ctx, r.index(), 1).Result()
	if err != nil {
		return false, err
	}
	if len(popped) == 0 {
		return false, nil
	}
	member, _ := popped[0].Member.(string)
	return true, r.c.Del(ctx, r.key(member)).Err()
}

// Close closes the client
func (r *Redis) Close() error {
	return r.c.Close()
}
