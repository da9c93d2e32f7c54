package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultStoreKey holds the serialized current call.
	DefaultStoreKey = "dialstream:call_control_id"
	DefaultStoreTTL = 24 * time.Hour
)

// Store persists the current call so it survives a restart.
type Store interface {
	Save(ctx context.Context, call *Call) error
	// Load returns nil when no call is stored.
	Load(ctx context.Context) (*Call, error)
	Clear(ctx context.Context) error
}

// StoreOption configures a RedisStore.
type StoreOption func(*RedisStore)

// WithKey overrides the Redis key.
func WithKey(key string) StoreOption {
	return func(s *RedisStore) {
		if key != "" {
			s.key = key
		}
	}
}

// WithTTL sets the key expiry. Zero disables expiry.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// RedisStore keeps the call as one JSON value under a single key.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts ...StoreOption) *RedisStore {
	s := &RedisStore{client: client, key: DefaultStoreKey, ttl: DefaultStoreTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Save(ctx context.Context, call *Call) error {
	data, err := sonic.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to encode call: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save call: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (*Call, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load call: %w", err)
	}
	var call Call
	if err := sonic.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("failed to decode stored call: %w", err)
	}
	return &call, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear call: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore keeps the call in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	call *Call
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, call *Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.call = call.clone()
	return nil
}

func (s *MemoryStore) Load(context.Context) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call.clone(), nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.call = nil
	return nil
}

// RedisOptions builds client options from an address or redis:// URL.
func RedisOptions(addr, password string) (*redis.Options, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		if password != "" {
			opts.Password = password
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	}, nil
}

// ConnectStore returns a Redis-backed store, or a memory store when Redis
// is not configured or does not answer.
func ConnectStore(ctx context.Context, addr, password string, opts ...StoreOption) Store {
	log := logrus.WithFields(logrus.Fields{
		"function": "ConnectStore",
		"addr":     addr,
	})
	if addr == "" {
		log.Info("Redis not configured, keeping call state in memory")
		return NewMemoryStore()
	}

	redisOpts, err := RedisOptions(addr, password)
	if err != nil {
		log.WithError(err).Warn("Falling back to in-memory call state")
		return NewMemoryStore()
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Redis unavailable, continue without it
		log.WithError(err).Warn("Redis unavailable, keeping call state in memory")
		_ = client.Close() // never connected
		return NewMemoryStore()
	}

	log.Info("Call state persisted in Redis")
	return NewRedisStore(client, opts...)
}
