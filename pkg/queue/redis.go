package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Aximande/phospho/pkg/logging"
	"github.com/Aximande/phospho/pkg/retry"
)

// RedisQueue is a list-backed queue: producers RPUSH envelopes, consumers
// BLPOP them. Handles resolve once the envelope is pushed. Envelopes whose
// handler fails are pushed to the "<key>:failed" list.
type RedisQueue struct {
	base

	client       *redis.Client
	key          string
	workers      int
	blockTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisQueue connects to Redis and checks the connection
func NewRedisQueue(ctx context.Context, cfg Config, logger *logging.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	return newRedisQueue(client, cfg, logger), nil
}

func newRedisQueue(client *redis.Client, cfg Config, logger *logging.Logger) *RedisQueue {
	key := cfg.RedisKey
	if key == "" {
		key = "extractor:work"
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &RedisQueue{
		base:         newBase(logger),
		client:       client,
		key:          key,
		workers:      workers,
		blockTimeout: 5 * time.Second,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, kind string, payload interface{}) (*Handle, error) {
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return nil, fmt.Errorf("failed to push envelope: %w", err)
	}
	h := newHandle(env)
	h.resolve(nil)
	return h, nil
}

// Start launches the consumers. They stop when ctx ends or Close is called.
func (q *RedisQueue) Start(ctx context.Context) error {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.consume(ctx, i)
	}
	q.logger.Info("redis consumers started", logging.Fields{"key": q.key, "workers": q.workers})
	return nil
}

func (q *RedisQueue) consume(ctx context.Context, worker int) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		result, err := q.client.BLPop(ctx, q.blockTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("redis pop failed", logging.Fields{"worker": worker, "error": err})
			time.Sleep(time.Second)
			continue
		}

		// result[0] is the key, result[1] the value
		var env Envelope
		if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
			q.logger.Error("dropping undecodable envelope", logging.Fields{"error": err})
			continue
		}
		if err := q.dispatch(context.WithoutCancel(ctx), &env); err != nil {
			if pushErr := q.client.RPush(context.WithoutCancel(ctx), q.key+":failed", result[1]).Err(); pushErr != nil {
				q.logger.Error("failed to park envelope", logging.Fields{"id": env.ID, "error": pushErr})
			}
		}
	}
}

// Close stops the consumers and closes the client
func (q *RedisQueue) Close() error {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	return q.client.Close()
}
