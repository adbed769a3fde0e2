package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
)

// RedisConfig holds connection settings for the session cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ConnectRedis opens a client and verifies it with a ping.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisSessionStorage stores sessions as plain keys with a native TTL.
type RedisSessionStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisSessionStorage creates a storage that namespaces keys with prefix.
func NewRedisSessionStorage(client *redis.Client, prefix string) *RedisSessionStorage {
	return &RedisSessionStorage{client: client, prefix: prefix}
}

func (s *RedisSessionStorage) key(k string) string { return s.prefix + k }

// Read returns the stored value; redis expires entries on its own.
func (s *RedisSessionStorage) Read(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, wizard.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session %s: %w", key, err)
	}
	return value, nil
}

// Write stores value with the given TTL.
func (s *RedisSessionStorage) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write session %s: %w", key, err)
	}
	return nil
}

// Remove deletes key.
func (s *RedisSessionStorage) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to remove session %s: %w", key, err)
	}
	return nil
}

// Ping reports whether redis answers.
func (s *RedisSessionStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
