package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
	"github.com/joseph-ayodele/receipts-pipeline/internal/repository"
)

// SQLQueue keeps jobs in the jobs table next to the receipts, so a job
// survives anything the database survives.
type SQLQueue struct {
	jobs   repository.JobRepository
	opts   Options
	wake   chan struct{}
	logger *slog.Logger
}

func NewSQLQueue(jobs repository.JobRepository, opts Options, logger *slog.Logger) *SQLQueue {
	return &SQLQueue{
		jobs:   jobs,
		opts:   opts.withDefaults(),
		wake:   make(chan struct{}, 1),
		logger: common.OrDefault(logger),
	}
}

func (q *SQLQueue) Enqueue(ctx context.Context, job entity.Job) (bool, error) {
	added, err := q.jobs.Enqueue(ctx, job)
	if err != nil {
		return false, err
	}
	if added {
		q.signal()
	}
	return added, nil
}

func (q *SQLQueue) Requeue(ctx context.Context, job entity.Job) error {
	if err := q.jobs.Requeue(ctx, job); err != nil {
		return err
	}
	q.signal()
	return nil
}

func (q *SQLQueue) Dequeue(ctx context.Context) (*entity.Lease, error) {
	for {
		lease, err := q.jobs.Claim(ctx, q.opts.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.Warn("queue.claim.failed", "backend", BackendSQL, "error", err)
		} else if lease != nil {
			return lease, nil
		}

		t := time.NewTimer(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (q *SQLQueue) Ack(ctx context.Context, lease *entity.Lease) error {
	return q.jobs.Ack(ctx, lease.ReceiptID, lease.Token)
}

func (q *SQLQueue) Retry(ctx context.Context, lease *entity.Lease, delay time.Duration) error {
	return q.jobs.Retry(ctx, lease.ReceiptID, lease.Token, delay)
}

func (q *SQLQueue) Extend(ctx context.Context, lease *entity.Lease) error {
	if err := q.jobs.Extend(ctx, lease.ReceiptID, lease.Token, q.opts.Visibility); err != nil {
		return err
	}
	lease.Deadline = time.Now().Add(q.opts.Visibility)
	return nil
}

func (q *SQLQueue) Remove(ctx context.Context, receiptID uuid.UUID) error {
	return q.jobs.Remove(ctx, receiptID)
}

func (q *SQLQueue) Depth(ctx context.Context) (int, error) {
	return q.jobs.Depth(ctx)
}

func (q *SQLQueue) Close() error { return nil }

// signal wakes one local poller without blocking.
func (q *SQLQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
