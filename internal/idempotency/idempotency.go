// Package idempotency stores the exact response bytes of a successful request
// so a retry carrying the same X-Idempotency-Key is answered without calling
// any provider. It supports both in-memory (single instance) and Redis
// (distributed) backends.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gabztoo/Perpetuo/internal/crypto"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

// Store keeps one record per key. The first writer wins: Save on an existing
// key is a no-op that reports stored=false.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, body []byte, ttl time.Duration) (stored bool, err error)
}

// ScopedKey binds a client-supplied key to the caller's credential so two
// tenants sending the same key never see each other's responses.
func ScopedKey(apiKey, key string) string {
	hash := sha256.Sum256([]byte(apiKey + ":" + key))
	return hex.EncodeToString(hash[:])
}

type InMemoryStore struct {
	items *cache.Cache
}

func NewInMemoryStore(defaultTTL time.Duration) *InMemoryStore {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &InMemoryStore{items: cache.New(defaultTTL, 10*time.Minute)}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, found := s.items.Get(key)
	if !found {
		return nil, false, nil
	}
	body, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return body, true, nil
}

func (s *InMemoryStore) Save(ctx context.Context, key string, body []byte, ttl time.Duration) (bool, error) {
	stored := make([]byte, len(body))
	copy(stored, body)
	if err := s.items.Add(key, stored, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, keyPrefix: "perpetuo:idempotency:"}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	body, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, body []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.keyPrefix+key, body, ttl).Result()
}

// EncryptedStore seals records before handing them to the inner store.
type EncryptedStore struct {
	inner Store
	enc   *crypto.Encryptor
}

func NewEncryptedStore(inner Store, enc *crypto.Encryptor) *EncryptedStore {
	return &EncryptedStore{inner: inner, enc: enc}
}

func (s *EncryptedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	sealed, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	body, err := s.enc.Open(sealed)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

func (s *EncryptedStore) Save(ctx context.Context, key string, body []byte, ttl time.Duration) (bool, error) {
	sealed, err := s.enc.Seal(body)
	if err != nil {
		return false, err
	}
	return s.inner.Save(ctx, key, sealed, ttl)
}
