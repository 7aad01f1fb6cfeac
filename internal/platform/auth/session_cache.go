package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrCacheMiss is returned by SessionCache.Get when no snapshot is cached.
var ErrCacheMiss = errors.New("session cache miss")

// SessionCache maps a token fingerprint to a session snapshot. It is an
// accelerator only; a miss falls back to the store.
type SessionCache interface {
	Get(ctx context.Context, fingerprint string) (*Snapshot, error)
	Set(ctx context.Context, fingerprint string, snap Snapshot, ttl time.Duration) error
	Delete(ctx context.Context, fingerprint string) error
}

const sessionKeyPrefix = "session:"

type RedisSessionCache struct {
	client *redis.Client
}

func NewRedisSessionCache(client *redis.Client) *RedisSessionCache {
	return &RedisSessionCache{client: client}
}

func (c *RedisSessionCache) Get(ctx context.Context, fingerprint string) (*Snapshot, error) {
	raw, err := c.client.Get(ctx, sessionKeyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("session cache get: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("session cache decode: %w", err)
	}
	return &snap, nil
}

func (c *RedisSessionCache) Set(ctx context.Context, fingerprint string, snap Snapshot, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session cache encode: %w", err)
	}
	if err := c.client.Set(ctx, sessionKeyPrefix+fingerprint, raw, ttl).Err(); err != nil {
		return fmt.Errorf("session cache set: %w", err)
	}
	return nil
}

func (c *RedisSessionCache) Delete(ctx context.Context, fingerprint string) error {
	if err := c.client.Del(ctx, sessionKeyPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("session cache delete: %w", err)
	}
	return nil
}

// MemorySessionCache is a single-process SessionCache. The LRU applies one
// TTL to every entry, so each snapshot's own expiry is checked on read.
type MemorySessionCache struct {
	lru *expirable.LRU[string, Snapshot]
	now func() time.Time
}

func NewMemorySessionCache(size int, maxTTL time.Duration) *MemorySessionCache {
	if size <= 0 {
		size = 10000
	}
	return &MemorySessionCache{
		lru: expirable.NewLRU[string, Snapshot](size, nil, maxTTL),
		now: time.Now,
	}
}

func (c *MemorySessionCache) Get(_ context.Context, fingerprint string) (*Snapshot, error) {
	snap, ok := c.lru.Get(fingerprint)
	if !ok {
		return nil, ErrCacheMiss
	}
	if !c.now().Before(snap.ExpiresAt) {
		c.lru.Remove(fingerprint)
		return nil, ErrCacheMiss
	}
	cp := snap.clone()
	return &cp, nil
}

func (c *MemorySessionCache) Set(_ context.Context, fingerprint string, snap Snapshot, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.lru.Add(fingerprint, snap.clone())
	return nil
}

func (c *MemorySessionCache) Delete(_ context.Context, fingerprint string) error {
	c.lru.Remove(fingerprint)
	return nil
}

func (c *MemorySessionCache) Len() int {
	return c.lru.Len()
}
