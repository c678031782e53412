package profile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ButyrinIA/feedsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "feedsync:profile:"

// Cache - кэш профилей перед сервисом данных.
type Cache interface {
	Get(ctx context.Context, id string) (*models.Profile, bool, error)
	Set(ctx context.Context, p *models.Profile) error
	Delete(ctx context.Context, id string) error
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, id string) (*models.Profile, bool, error) {
	s, err := c.client.Get(ctx, cacheKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var p models.Profile
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, p *models.Profile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKeyPrefix+p.ID, b, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, cacheKeyPrefix+id).Err()
}
