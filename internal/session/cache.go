package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
)

const keySession = "fiscal:session:%s"

// Cache is the shared, org-scoped token store consulted before the database.
type Cache interface {
	Get(ctx context.Context, orgID snowflake.ID) (string, bool, error)
	Set(ctx context.Context, orgID snowflake.ID, token string, ttl time.Duration) error
	Delete(ctx context.Context, orgID snowflake.ID) error
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	if client == nil {
		return nil
	}
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, orgID snowflake.ID) (string, bool, error) {
	token, err := c.client.Get(ctx, key(orgID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, token != "", nil
}

func (c *RedisCache) Set(ctx context.Context, orgID snowflake.ID, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, key(orgID), token, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, orgID snowflake.ID) error {
	return c.client.Del(ctx, key(orgID)).Err()
}

func key(orgID snowflake.ID) string {
	return fmt.Sprintf(keySession, orgID.String())
}

// noopCache is used when no Redis is configured; the billing configuration row
// then serves as the only session store.
type noopCache struct{}

func (noopCache) Get(context.Context, snowflake.ID) (string, bool, error) { return "", false, nil }

func (noopCache) Set(context.Context, snowflake.ID, string, time.Duration) error { return nil }

func (noopCache) Delete(context.Context, snowflake.ID) error { return nil }
