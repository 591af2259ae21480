// Package queue distributes receipt jobs to workers with at-least-once
// delivery. A dequeued job is leased: it stays invisible until the visibility
// timeout passes, and only the holder of the lease token may ack, retry or
// extend it.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
	"github.com/joseph-ayodele/receipts-pipeline/internal/repository"
)

const (
	BackendSQL   = "sql"
	BackendRedis = "redis"

	defaultVisibility   = 5 * time.Minute
	defaultPollInterval = time.Second
)

type Queue interface {
	// Enqueue adds a job unless one is already queued for the receipt.
	Enqueue(ctx context.Context, job entity.Job) (bool, error)
	// Requeue adds a job or resets the queued one to visible and unleased.
	// A holder of the previous lease can no longer ack, retry or extend it.
	Requeue(ctx context.Context, job entity.Job) error
	// Dequeue blocks until a job is leased or ctx is done.
	Dequeue(ctx context.Context) (*entity.Lease, error)
	Ack(ctx context.Context, lease *entity.Lease) error
	Retry(ctx context.Context, lease *entity.Lease, delay time.Duration) error
	Extend(ctx context.Context, lease *entity.Lease) error
	Remove(ctx context.Context, receiptID uuid.UUID) error
	Depth(ctx context.Context) (int, error)
	Close() error
}

// Options shared by every backend.
type Options struct {
	Visibility   time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Visibility <= 0 {
		o.Visibility = defaultVisibility
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	return o
}

// New builds the backend named in cfg. The SQL backend shares db.
func New(cfg common.QueueConfig, db *repository.DB, logger *slog.Logger) (Queue, error) {
	opts := Options{Visibility: cfg.VisibilityTimeout, PollInterval: cfg.PollInterval}
	switch strings.ToLower(cfg.Backend) {
	case BackendSQL, "":
		if db == nil {
			return nil, fmt.Errorf("sql queue needs a database")
		}
		return NewSQLQueue(repository.NewJobRepository(db, logger), opts, logger), nil
	case BackendRedis:
		q, err := NewRedisQueue(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, opts, logger)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// RetryDelay is the backoff before redelivery number deliveries+1.
func RetryDelay(cfg common.QueueConfig, deliveries int) time.Duration {
	return common.Backoff(cfg.RetryBase, cfg.RetryMax, deliveries)
}
