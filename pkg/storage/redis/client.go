// Redis client wrapper used by the state mirror. The mirror is the only
// consumer; all scheduler state of record stays in memory.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediafoundry/vulcan-scheduler/pkg/logger"
)

// RedisClient: Wrapper around redis client
type RedisClient struct {
	cli *redis.Client
	log *logger.Logger
}

// NewRedisClient: Create a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis at %s: %v", addr, err)
		return nil, err
	}

	logger.Info("Connected to Redis at %s", addr)

	return &RedisClient{
		cli: cli,
		log: logger.Get(),
	}, nil
}

// Close: Close Redis connection
func (rc *RedisClient) Close() error {
	return rc.cli.Close()
}

// Set: Store a string value
func (rc *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	err := rc.cli.Set(ctx, key, value, ttl).Err()
	if err != nil {
		rc.log.Error("Failed to set key %s: %v", key, err)
		return err
	}
	rc.log.Debug("Set key: %s (TTL: %v)", key, ttl)
	return nil
}

// Del: Delete one or more keys
func (rc *RedisClient) Del(ctx context.Context, keys ...string) error {
	err := rc.cli.Del(ctx, keys...).Err()
	if err != nil {
		rc.log.Error("Failed to delete keys: %v", err)
		return err
	}
	rc.log.Debug("Deleted %d keys", len(keys))
	return nil
}
