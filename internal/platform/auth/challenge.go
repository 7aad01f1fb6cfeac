package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// MFAChallenge is the intermediate state between a correct password and a
// verified second factor.
type MFAChallenge struct {
	UserID    uuid.UUID `json:"user_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChallengeStore holds MFA challenges keyed by their token. Get leaves the
// challenge in place; Consume removes it atomically so it can be exchanged
// only once. Both return ErrNotFound for absent or expired challenges.
type ChallengeStore interface {
	Put(ctx context.Context, token string, ch MFAChallenge) error
	Get(ctx context.Context, token string) (*MFAChallenge, error)
	Consume(ctx context.Context, token string) (*MFAChallenge, error)
}

const challengeKeyPrefix = "mfa:"

type RedisChallengeStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisChallengeStore(client *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{client: client, now: time.Now}
}

func (s *RedisChallengeStore) key(token string) string {
	return challengeKeyPrefix + Fingerprint(token)
}

func (s *RedisChallengeStore) Put(ctx context.Context, token string, ch MFAChallenge) error {
	ttl := ch.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("mfa challenge already expired")
	}
	raw, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("mfa challenge encode: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), raw, ttl).Err(); err != nil {
		return fmt.Errorf("mfa challenge put: %w", err)
	}
	return nil
}

func (s *RedisChallengeStore) decode(raw []byte, err error) (*MFAChallenge, error) {
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mfa challenge lookup: %w", err)
	}
	var ch MFAChallenge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("mfa challenge decode: %w", err)
	}
	if !s.now().Before(ch.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &ch, nil
}

func (s *RedisChallengeStore) Get(ctx context.Context, token string) (*MFAChallenge, error) {
	return s.decode(s.client.Get(ctx, s.key(token)).Bytes())
}

func (s *RedisChallengeStore) Consume(ctx context.Context, token string) (*MFAChallenge, error) {
	return s.decode(s.client.GetDel(ctx, s.key(token)).Bytes())
}

// MemoryChallengeStore is a single-process ChallengeStore.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[string]MFAChallenge
	now        func() time.Time
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{
		challenges: make(map[string]MFAChallenge),
		now:        time.Now,
	}
}

func (s *MemoryChallengeStore) Put(_ context.Context, token string, ch MFAChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired()
	s.challenges[Fingerprint(token)] = ch
	return nil
}

func (s *MemoryChallengeStore) Get(_ context.Context, token string) (*MFAChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[Fingerprint(token)]
	if !ok || !s.now().Before(ch.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &ch, nil
}

func (s *MemoryChallengeStore) Consume(_ context.Context, token string) (*MFAChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp := Fingerprint(token)
	ch, ok := s.challenges[fp]
	delete(s.challenges, fp)
	if !ok || !s.now().Before(ch.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &ch, nil
}

// evictExpired must be called with mu held.
func (s *MemoryChallengeStore) evictExpired() {
	now := s.now()
	for fp, ch := range s.challenges {
		if !now.Before(ch.ExpiresAt) {
			delete(s.challenges, fp)
		}
	}
}
