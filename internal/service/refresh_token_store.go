package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRefreshTokenUnknown indica un jti nunca emitido, ya rotado, revocado o vencido.
var ErrRefreshTokenUnknown = errors.New("refresh token unknown")

// RefreshTokenStore registra los refresh tokens vivos por jti. Consume es atomico: dos
// rotaciones concurrentes del mismo token no pueden tener exito ambas.
type RefreshTokenStore interface {
	Store(ctx context.Context, jti, userID string, ttl time.Duration) error
	Consume(ctx context.Context, jti string) (userID string, err error)
	Revoke(ctx context.Context, jti string) error
}

type refreshEntry struct {
	userID    string
	expiresAt time.Time
}

type memoryRefreshTokenStore struct {
	mu    sync.Mutex
	items map[string]refreshEntry
	now   func() time.Time
}

func NewMemoryRefreshTokenStore() RefreshTokenStore {
	return &memoryRefreshTokenStore{
		items: make(map[string]refreshEntry),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *memoryRefreshTokenStore) Store(_ context.Context, jti, userID string, ttl time.Duration) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultRefreshFallbackTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.items[jti] = refreshEntry{userID: userID, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *memoryRefreshTokenStore) Consume(_ context.Context, jti string) (string, error) {
	jti = strings.TrimSpace(jti)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.items[jti]
	if !ok {
		return "", ErrRefreshTokenUnknown
	}
	delete(s.items, jti)
	if s.now().After(entry.expiresAt) {
		return "", ErrRefreshTokenUnknown
	}
	return entry.userID, nil
}

func (s *memoryRefreshTokenStore) Revoke(_ context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, strings.TrimSpace(jti))
	return nil
}

// sweepLocked descarta entradas vencidas para que el mapa no crezca sin limite.
func (s *memoryRefreshTokenStore) sweepLocked() {
	now := s.now()
	for jti, entry := range s.items {
		if now.After(entry.expiresAt) {
			delete(s.items, jti)
		}
	}
}

type redisKV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisRefreshTokenStore struct {
	client  redisKV
	prefix  string
	timeout time.Duration
}

const defaultRefreshFallbackTTL = 24 * time.Hour

func NewRedisRefreshTokenStore(client *redis.Client) RefreshTokenStore {
	if client == nil {
		return nil
	}
	return newRedisRefreshTokenStore(client)
}

func newRedisRefreshTokenStore(client redisKV) *redisRefreshTokenStore {
	return &redisRefreshTokenStore{
		client:  client,
		prefix:  "chat:refresh:",
		timeout: 500 * time.Millisecond,
	}
}

func (s *redisRefreshTokenStore) Store(ctx context.Context, jti, userID string, ttl time.Duration) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultRefreshFallbackTTL
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Set(ctx, s.prefix+jti, userID, ttl).Err()
}

func (s *redisRefreshTokenStore) Consume(ctx context.Context, jti string) (string, error) {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return "", ErrRefreshTokenUnknown
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	userID, err := s.client.GetDel(ctx, s.prefix+jti).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrRefreshTokenUnknown
	}
	return userID, err
}

func (s *redisRefreshTokenStore) Revoke(ctx context.Context, jti string) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Del(ctx, s.prefix+jti).Err()
}
