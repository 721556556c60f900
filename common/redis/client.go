package redis

import (
	"context"

	"yoto-remote/common/config"

	"github.com/go-redis/redis/v8"
)

// Client alias so callers don't import go-redis directly.
type Client = redis.Client

// Nil is returned by go-redis when a key does not exist.
const Nil = redis.Nil

// NewRedisClient builds a client from cfg.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping checks connectivity.
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// Close closes the client, tolerating nil.
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
