package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

const (
	fieldPayload    = "payload"
	fieldToken      = "lease_token"
	fieldDeliveries = "deliveries"

	lockTTL = 5 * time.Second
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisQueue keeps visible-at times in a sorted set and job state in one hash
// per receipt. Every state change runs under a short redislock so claim,
// ack and retry never interleave across processes.
type RedisQueue struct {
	rdb    redis.UniversalClient
	locker *redislock.Client
	prefix string
	opts   Options
	owned  bool
	logger *slog.Logger
}

func NewRedisQueue(cfg RedisConfig, opts Options, logger *slog.Logger) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: 10,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	q := NewRedisQueueWithClient(rdb, cfg.Prefix, opts, logger)
	q.owned = true
	return q, nil
}

// NewRedisQueueWithClient uses an existing client; Close leaves it open.
func NewRedisQueueWithClient(rdb redis.UniversalClient, prefix string, opts Options, logger *slog.Logger) *RedisQueue {
	if prefix == "" {
		prefix = "receipts"
	}
	return &RedisQueue{
		rdb:    rdb,
		locker: redislock.New(rdb),
		prefix: prefix,
		opts:   opts.withDefaults(),
		logger: common.OrDefault(logger),
	}
}

func (q *RedisQueue) jobsKey() string { return q.prefix + ":jobs" }

func (q *RedisQueue) jobKey(id string) string { return q.prefix + ":job:" + id }

func (q *RedisQueue) lockKey() string { return q.prefix + ":lock" }

// withLock runs fn while holding the queue lock.
func (q *RedisQueue) withLock(ctx context.Context, fn func() error) error {
	lock, err := q.locker.Obtain(ctx, q.lockKey(), lockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(10*time.Millisecond), 200),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return common.NewTransientError("queue lock busy", err)
		}
		return common.NewTransientError("queue lock", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			q.logger.Warn("queue.redis.unlock_failed", "error", err)
		}
	}()
	return fn()
}

func (q *RedisQueue) Enqueue(ctx context.Context, job entity.Job) (bool, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := EncodeJob(job)
	if err != nil {
		return false, err
	}
	id := job.ReceiptID.String()

	added := false
	err = q.withLock(ctx, func() error {
		n, err := q.rdb.Exists(ctx, q.jobKey(id)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, q.jobKey(id), fieldPayload, payload, fieldDeliveries, job.AttemptCount)
			p.ZAdd(ctx, q.jobsKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
			return nil
		})
		added = err == nil
		return err
	})
	if err != nil {
		q.logger.Error("queue.enqueue.failed", "backend", BackendRedis, "receipt_id", id, "error", err)
		return false, err
	}
	return added, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, job entity.Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := EncodeJob(job)
	if err != nil {
		return err
	}
	id := job.ReceiptID.String()
	err = q.withLock(ctx, func() error {
		_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HDel(ctx, q.jobKey(id), fieldToken)
			p.HSet(ctx, q.jobKey(id), fieldPayload, payload, fieldDeliveries, job.AttemptCount)
			p.ZAdd(ctx, q.jobsKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
			return nil
		})
		return err
	})
	if err != nil {
		q.logger.Error("queue.requeue.failed", "backend", BackendRedis, "receipt_id", id, "error", err)
	}
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*entity.Lease, error) {
	for {
		lease, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.Warn("queue.claim.failed", "backend", BackendRedis, "error", err)
		} else if lease != nil {
			return lease, nil
		}
		if err := common.Sleep(ctx, q.opts.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context) (*entity.Lease, error) {
	var lease *entity.Lease
	err := q.withLock(ctx, func() error {
		now := time.Now()
		ids, err := q.rdb.ZRangeByScore(ctx, q.jobsKey(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UnixMilli(), 10),
			Count: 1,
		}).Result()
		if err != nil || len(ids) == 0 {
			return err
		}
		id := ids[0]

		state, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
		if err != nil {
			return err
		}
		if len(state) == 0 {
			// orphaned index entry
			return q.rdb.ZRem(ctx, q.jobsKey(), id).Err()
		}
		job, err := DecodeJob([]byte(state[fieldPayload]))
		if err != nil {
			q.logger.Error("queue.redis.bad_payload", "receipt_id", id, "error", err)
			_, derr := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.ZRem(ctx, q.jobsKey(), id)
				p.Del(ctx, q.jobKey(id))
				return nil
			})
			return derr
		}
		deliveries, _ := strconv.Atoi(state[fieldDeliveries])
		deliveries++

		token := uuid.New()
		deadline := now.Add(q.opts.Visibility)
		_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, q.jobsKey(), redis.Z{Score: float64(deadline.UnixMilli()), Member: id})
			p.HSet(ctx, q.jobKey(id), fieldToken, token.String(), fieldDeliveries, deliveries)
			return nil
		})
		if err != nil {
			return err
		}
		job.AttemptCount = deliveries
		lease = &entity.Lease{Job: job, Token: token, Deadline: deadline}
		return nil
	})
	return lease, err
}

// leased runs fn when lease still owns its job.
func (q *RedisQueue) leased(ctx context.Context, lease *entity.Lease, op string, fn func(id string) error) error {
	id := lease.ReceiptID.String()
	return q.withLock(ctx, func() error {
		token, err := q.rdb.HGet(ctx, q.jobKey(id), fieldToken).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if token != lease.Token.String() {
			return common.NewAppError(common.CodeLeaseConflict, op+" job "+id, common.ErrLeaseConflict)
		}
		return fn(id)
	})
}

func (q *RedisQueue) Ack(ctx context.Context, lease *entity.Lease) error {
	return q.leased(ctx, lease, "ack", func(id string) error {
		_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, q.jobsKey(), id)
			p.Del(ctx, q.jobKey(id))
			return nil
		})
		return err
	})
}

func (q *RedisQueue) Retry(ctx context.Context, lease *entity.Lease, delay time.Duration) error {
	return q.leased(ctx, lease, "retry", func(id string) error {
		_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZAdd(ctx, q.jobsKey(), redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: id})
			p.HDel(ctx, q.jobKey(id), fieldToken)
			return nil
		})
		return err
	})
}

func (q *RedisQueue) Extend(ctx context.Context, lease *entity.Lease) error {
	return q.leased(ctx, lease, "extend", func(id string) error {
		deadline := time.Now().Add(q.opts.Visibility)
		if err := q.rdb.ZAdd(ctx, q.jobsKey(), redis.Z{Score: float64(deadline.UnixMilli()), Member: id}).Err(); err != nil {
			return err
		}
		lease.Deadline = deadline
		return nil
	})
}

func (q *RedisQueue) Remove(ctx context.Context, receiptID uuid.UUID) error {
	id := receiptID.String()
	return q.withLock(ctx, func() error {
		_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRem(ctx, q.jobsKey(), id)
			p.Del(ctx, q.jobKey(id))
			return nil
		})
		return err
	})
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.jobsKey()).Result()
	return int(n), err
}

func (q *RedisQueue) Close() error {
	if q.owned {
		return q.rdb.Close()
	}
	return nil
}
