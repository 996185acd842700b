package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "otaforge:downloads:"

// RedisCache is a token cache shared between control-plane replicas. The
// TTL is enforced by redis key expiry, so an expired token disappears
// without an eviction pass.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache verifies the connection and returns the cache.
func NewRedisCache(addr string, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// NewRedisCacheFromClient wraps an existing client, sharing the connection
// with the bus consumer.
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Put(ctx context.Context, token string, d Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}

	// SET NX so a (however unlikely) token collision surfaces instead of
	// silently rebinding an outstanding token to another artifact.
	ok, err := c.client.SetNX(ctx, redisKeyPrefix+token, data, c.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("token already exists")
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, token string) (Descriptor, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return Descriptor{}, false, nil
	}
	if err != nil {
		return Descriptor{}, false, err
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, false, err
	}
	return d, true, nil
}
