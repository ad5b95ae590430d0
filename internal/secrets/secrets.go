// Package secrets resolves gateway credentials that should not live in the
// environment, such as the management-service bearer token.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/goccy/go-json"
)

var ErrSecretNotFound = errors.New("secret not found")

type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

const DefaultCacheTTL = 5 * time.Minute

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// AWSStore reads secrets from AWS Secrets Manager and caches them for a TTL.
type AWSStore struct {
	client SecretsManagerAPI
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type Option func(*AWSStore)

func WithCacheTTL(ttl time.Duration) Option {
	return func(s *AWSStore) {
		s.ttl = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *AWSStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewAWSStore(cfg aws.Config, opts ...Option) *AWSStore {
	return NewAWSStoreWithClient(secretsmanager.NewFromConfig(cfg), opts...)
}

func NewAWSStoreWithClient(client SecretsManagerAPI, opts ...Option) *AWSStore {
	s := &AWSStore{
		client: client,
		ttl:    DefaultCacheTTL,
		now:    time.Now,
		cache:  make(map[string]cachedSecret),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AWSStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && s.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("get secret %s: %w", name, ErrSecretNotFound)
	}

	value := *out.SecretString
	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSStore) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]cachedSecret)
	s.mu.Unlock()
}

type InMemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{secrets: make(map[string]string)}
}

func (s *InMemoryStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("get secret %s: %w", name, ErrSecretNotFound)
	}
	return value, nil
}

func (s *InMemoryStore) SetSecret(name, value string) {
	s.mu.Lock()
	s.secrets[name] = value
	s.mu.Unlock()
}

// ControlPlaneToken returns the management-service bearer token. With no
// secret name it returns fallback. The secret may hold the raw token or a JSON
// object with a "token" field.
func ControlPlaneToken(ctx context.Context, store Store, secretName, fallback string) (string, error) {
	if secretName == "" {
		return fallback, nil
	}
	raw, err := store.GetSecret(ctx, secretName)
	if err != nil {
		return "", err
	}

	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var doc struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return "", fmt.Errorf("decode secret %s: %w", secretName, err)
		}
		if doc.Token == "" {
			return "", fmt.Errorf("secret %s has no token field", secretName)
		}
		return doc.Token, nil
	}
	return raw, nil
}
