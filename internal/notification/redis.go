package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"librarydesk/config"
)

// DialRedis connects to Redis and checks the connection with a ping.
func DialRedis(cfg *config.RedisConfig, logger *zap.Logger) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", cfg.Addr))
	return rdb, nil
}

// RedisQueue keeps jobs in a Redis list so that they survive restarts and
// can be shared by several server instances.
type RedisQueue struct {
	rdb         *goredis.Client
	key         string
	pollTimeout time.Duration
}

// NewRedisQueue creates a queue on the list named key.
func NewRedisQueue(rdb *goredis.Client, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key, pollTimeout: time.Second}
}

func (q *RedisQueue) Push(ctx context.Context, job Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// Pop polls the list with BRPOP so that ctx cancellation is noticed within
// one poll timeout.
func (q *RedisQueue) Pop(ctx context.Context) (Job, error) {
	for {
		res, err := q.rdb.BRPop(ctx, q.pollTimeout, q.key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if errors.Is(err, goredis.ErrClosed) {
				return Job{}, ErrQueueClosed
			}
			return Job{}, fmt.Errorf("failed to pop job: %w", err)
		}

		job, err := decodeJob([]byte(res[1]))
		if err != nil {
			return Job{}, fmt.Errorf("failed to decode job: %w", err)
		}
		return job, nil
	}
}

// Len returns the number of waiting jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}
