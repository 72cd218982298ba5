package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotKeyPrefix = "msg:snapshot:"

// Redis keeps sealed snapshots in Redis with a TTL, so abandoned
// accounts age out on their own.
type Redis struct {
	cli *redis.Client
}

func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("cache redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("cache redis ping: %w", err)
	}
	return &Redis{cli: cli}, nil
}

func (r *Redis) Close() error { return r.cli.Close() }

func (r *Redis) Load(ctx context.Context, userID string) ([]byte, error) {
	val, err := r.cli.Get(ctx, snapshotKeyPrefix+userID).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache redis get: %w", err)
	}
	return val, nil
}

func (r *Redis) Save(ctx context.Context, userID string, sealed []byte, ttl time.Duration) error {
	if err := r.cli.Set(ctx, snapshotKeyPrefix+userID, sealed, ttl).Err(); err != nil {
		return fmt.Errorf("cache redis set: %w", err)
	}
	return nil
}

func (r *Redis) Drop(ctx context.Context, userID string) error {
	if err := r.cli.Del(ctx, snapshotKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("cache redis del: %w", err)
	}
	return nil
}
