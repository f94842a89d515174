// Package cache stores derived, rebuildable data: the published status snapshot
// and the chat poll offset. Trading state never lives here.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

type memory struct {
	mu  sync.Mutex
	m   map[string]entry
	now func() time.Time
}

type entry struct {
	b   []byte
	exp time.Time
}

// NewMemory returns an in-process cache.
func NewMemory() Cache { return newMemory(time.Now) }

func newMemory(now func() time.Time) *memory {
	return &memory{m: make(map[string]entry), now: now}
}

func (c *memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && c.now().After(e.exp)) {
		return nil, false, nil
	}
	return append([]byte(nil), e.b...), true, nil
}

func (c *memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = c.now().Add(ttl)
	}
	c.m[key] = e
	return nil
}

// Redis implements Cache on a Redis server with a key prefix.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedis(rdb, prefix), nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error { return r.client.Close() }

// NewAuto uses Redis when addr is set and reachable, memory otherwise.
func NewAuto(ctx context.Context, addr, password string, db int, prefix string) (Cache, error) {
	if addr == "" {
		return NewMemory(), nil
	}
	r, err := DialRedis(ctx, addr, password, db, prefix)
	if err != nil {
		return NewMemory(), err
	}
	return r, nil
}

// Keys used by the service.
const (
	KeyStatus     = "status"
	KeyPollOffset = "telegram:offset"
)

// Offsets persists the chat update offset so a restart does not replay commands.
type Offsets struct {
	C   Cache
	Key string
}

func (o Offsets) key() string {
	if o.Key == "" {
		return KeyPollOffset
	}
	return o.Key
}

// LoadOffset returns 0 when no offset has been stored.
func (o Offsets) LoadOffset(ctx context.Context) (int64, error) {
	b, ok, err := o.C.Get(ctx, o.key())
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("poll offset %q: %w", b, err)
	}
	return v, nil
}

func (o Offsets) SaveOffset(ctx context.Context, offset int64) error {
	return o.C.Set(ctx, o.key(), []byte(strconv.FormatInt(offset, 10)), 0)
}
