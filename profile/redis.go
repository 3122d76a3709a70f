package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/newsieai/paygate/types"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// RedisStore implements Store using Redis. Profiles are stored as JSON under
// keyPrefix+identifier, without expiry unless a TTL is configured.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "paygate:profile:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       cfg.TTL,
	}, nil
}

func (r *RedisStore) key(identifier string) string {
	return r.keyPrefix + identifier
}

func (r *RedisStore) Get(ctx context.Context, identifier string) (*types.BudgetProfile, error) {
	data, err := r.client.Get(ctx, r.key(identifier)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var profile types.BudgetProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("unmarshal profile %s: %w", identifier, err)
	}
	return &profile, nil
}

func (r *RedisStore) Put(ctx context.Context, profile *types.BudgetProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	return r.client.Set(ctx, r.key(profile.Identifier), data, r.ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, identifier string) error {
	return r.client.Del(ctx, r.key(identifier)).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
