package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RevocationRegistry records tokens invalidated before their natural expiry.
// A lookup error must be treated as "revoked" by callers.
type RevocationRegistry interface {
	Revoke(ctx context.Context, fingerprint string, ttl time.Duration) error
	IsRevoked(ctx context.Context, fingerprint string) (bool, error)
}

const revokedKeyPrefix = "revoked:"

type RedisRevocationRegistry struct {
	client *redis.Client
}

func NewRedisRevocationRegistry(client *redis.Client) *RedisRevocationRegistry {
	return &RedisRevocationRegistry{client: client}
}

func (r *RedisRevocationRegistry) Revoke(ctx context.Context, fingerprint string, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := r.client.Set(ctx, revokedKeyPrefix+fingerprint, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revocation mark: %w", err)
	}
	return nil
}

func (r *RedisRevocationRegistry) IsRevoked(ctx context.Context, fingerprint string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKeyPrefix+fingerprint).Result()
	if err != nil {
		return false, fmt.Errorf("revocation lookup: %w", err)
	}
	return n > 0, nil
}

// MemoryRevocationRegistry keeps revocation marks in process memory, with
// an optional background sweep of expired marks.
type MemoryRevocationRegistry struct {
	mu      sync.RWMutex
	entries map[string]time.Time // fingerprint -> mark expiry
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemoryRevocationRegistry creates a registry. A positive sweepEvery
// starts a goroutine that drops expired marks until Close is called.
func NewMemoryRevocationRegistry(sweepEvery time.Duration) *MemoryRevocationRegistry {
	r := &MemoryRevocationRegistry{
		entries: make(map[string]time.Time),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweepEvery > 0 {
		go r.sweepLoop(sweepEvery)
	}
	return r
}

func (r *MemoryRevocationRegistry) Revoke(_ context.Context, fingerprint string, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	until := r.now().Add(ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[fingerprint]; !ok || until.After(cur) {
		r.entries[fingerprint] = until
	}
	return nil
}

func (r *MemoryRevocationRegistry) IsRevoked(_ context.Context, fingerprint string) (bool, error) {
	r.mu.RLock()
	until, ok := r.entries[fingerprint]
	r.mu.RUnlock()
	return ok && r.now().Before(until), nil
}

// Count returns the number of marks currently held, expired or not.
func (r *MemoryRevocationRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close stops the sweep goroutine. Safe to call more than once.
func (r *MemoryRevocationRegistry) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *MemoryRevocationRegistry) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *MemoryRevocationRegistry) sweep() {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for fp, until := range r.entries {
		if !now.Before(until) {
			delete(r.entries, fp)
		}
	}
}
