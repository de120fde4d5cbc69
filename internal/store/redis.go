package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/stonegate/slgcore/internal/mlog"
)

// RedisConnection is a hub for the discovery secondary cache (C7).
type RedisConnection struct {
	ConnectionStringSource string
	Logger                 mlog.Logger

	client *redis.Client
}

func (rc *RedisConnection) Connect(ctx context.Context) error {
	rc.Logger.Info("connecting to redis...")

	opts, err := redis.ParseURL(rc.ConnectionStringSource)
	if err != nil {
		return fmt.Errorf("store: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("store: ping redis: %w", err)
	}

	rc.client = client

	rc.Logger.Info("connected to redis")

	return nil
}

// GetClient returns the redis client, connecting on first use.
func (rc *RedisConnection) GetClient(ctx context.Context) (*redis.Client, error) {
	if rc.client == nil {
		if err := rc.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return rc.client, nil
}
