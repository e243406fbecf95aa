package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"dukan/backend/internal/domain"
)

type RedisComplianceProfileCache struct {
	client *redis.Client
}

func NewRedisComplianceProfileCache(addr string, password string, db int) *RedisComplianceProfileCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisComplianceProfileCache{client: client}
}

func (c *RedisComplianceProfileCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisComplianceProfileCache) Close() error {
	return c.client.Close()
}

func (c *RedisComplianceProfileCache) Get(ctx context.Context, key string) (*domain.ComplianceProfile, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var profile domain.ComplianceProfile
	if err := json.Unmarshal([]byte(val), &profile); err != nil {
		return nil, false, err
	}
	return &profile, true, nil
}

func (c *RedisComplianceProfileCache) Set(ctx context.Context, key string, value *domain.ComplianceProfile, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
