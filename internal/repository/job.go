package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

// claimCandidates bounds how many visible jobs one Claim call races for.
const claimCandidates = 8

// JobRepository stores queue entries in the jobs table. A job row is visible
// once visible_at (unix ms) has passed; claiming it moves visible_at forward
// by the visibility timeout and swaps the lease token.
type JobRepository interface {
	Enqueue(ctx context.Context, job entity.Job) (bool, error)
	Requeue(ctx context.Context, job entity.Job) error
	Claim(ctx context.Context, visibility time.Duration) (*entity.Lease, error)
	Ack(ctx context.Context, receiptID, token uuid.UUID) error
	Retry(ctx context.Context, receiptID, token uuid.UUID, delay time.Duration) error
	Extend(ctx context.Context, receiptID, token uuid.UUID, visibility time.Duration) error
	Remove(ctx context.Context, receiptID uuid.UUID) error
	Depth(ctx context.Context) (int, error)
}

type jobRepository struct {
	db  *DB
	log *slog.Logger
	now func() time.Time
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	return &jobRepository{db: db, log: common.OrDefault(log), now: time.Now}
}

func (r *jobRepository) Enqueue(ctx context.Context, job entity.Job) (bool, error) {
	now := r.now().UTC()
	enqueuedAt := job.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = now
	}
	q, args := r.db.Builder().Insert(TableJobs).
		Columns(ColReceiptID, ColAttemptCount, ColEnqueuedAt, ColVisibleAt, ColTraceID).
		Values(job.ReceiptID.String(), job.AttemptCount, enqueuedAt.UTC().Truncate(time.Microsecond), now.UnixMilli(), nullable(job.TraceID)).
		OnConflict(entsql.ConflictColumns(ColReceiptID), entsql.DoNothing()).
		Query()
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		r.log.Error("job enqueue failed", "receipt_id", job.ReceiptID, "err", err)
		return false, common.NewDatabaseError("enqueue job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, common.NewDatabaseError("enqueue job", err)
	}
	if n == 0 {
		r.log.Debug("job already queued", "receipt_id", job.ReceiptID)
		return false, nil
	}
	r.log.Debug("job enqueued", "receipt_id", job.ReceiptID)
	return true, nil
}

// Requeue inserts job or resets the existing row to a fresh, visible,
// unleased entry. A worker still holding the old lease loses it.
func (r *jobRepository) Requeue(ctx context.Context, job entity.Job) error {
	now := r.now().UTC()
	enqueuedAt := job.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = now
	}
	enqueuedAt = enqueuedAt.UTC().Truncate(time.Microsecond)
	q, args := r.db.Builder().Insert(TableJobs).
		Columns(ColReceiptID, ColAttemptCount, ColEnqueuedAt, ColVisibleAt, ColTraceID).
		Values(job.ReceiptID.String(), job.AttemptCount, enqueuedAt, now.UnixMilli(), nullable(job.TraceID)).
		OnConflict(
			entsql.ConflictColumns(ColReceiptID),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.SetNull(ColLeaseToken)
				u.Set(ColAttemptCount, job.AttemptCount)
				u.Set(ColEnqueuedAt, enqueuedAt)
				u.Set(ColVisibleAt, now.UnixMilli())
				u.SetExcluded(ColTraceID)
			}),
		).
		Query()
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		r.log.Error("job requeue failed", "receipt_id", job.ReceiptID, "err", err)
		return common.NewDatabaseError("requeue job", err)
	}
	r.log.Debug("job requeued", "receipt_id", job.ReceiptID)
	return nil
}

// Claim leases the oldest visible job, or returns nil when none is visible.
func (r *jobRepository) Claim(ctx context.Context, visibility time.Duration) (*entity.Lease, error) {
	now := r.now().UTC()
	q, args := r.db.Builder().Select(ColReceiptID, ColAttemptCount, ColEnqueuedAt, ColLeaseToken, ColTraceID).
		From(entsql.Table(TableJobs)).
		Where(entsql.LTE(ColVisibleAt, now.UnixMilli())).
		OrderBy(entsql.Asc(ColVisibleAt), entsql.Asc(ColEnqueuedAt)).
		Limit(claimCandidates).
		Query()
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, common.NewDatabaseError("select jobs", err)
	}
	type candidate struct {
		job   entity.Job
		token uuid.NullUUID
	}
	var cands []candidate
	for rows.Next() {
		var (
			c     candidate
			trace sql.NullString
		)
		if err := rows.Scan(&c.job.ReceiptID, &c.job.AttemptCount, &c.job.EnqueuedAt, &c.token, &trace); err != nil {
			rows.Close()
			return nil, common.NewDatabaseError("scan job", err)
		}
		c.job.TraceID = trace.String
		c.job.EnqueuedAt = c.job.EnqueuedAt.UTC()
		cands = append(cands, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, common.NewDatabaseError("select jobs", err)
	}

	for _, c := range cands {
		token := uuid.New()
		deadline := now.Add(visibility)
		owned := entsql.IsNull(ColLeaseToken)
		if c.token.Valid {
			owned = entsql.EQ(ColLeaseToken, c.token.UUID.String())
		}
		q, args := r.db.Builder().Update(TableJobs).
			Set(ColLeaseToken, token.String()).
			Set(ColVisibleAt, deadline.UnixMilli()).
			Add(ColAttemptCount, 1).
			Where(entsql.And(
				entsql.EQ(ColReceiptID, c.job.ReceiptID.String()),
				entsql.LTE(ColVisibleAt, now.UnixMilli()),
				owned,
			)).
			Query()
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return nil, common.NewDatabaseError("claim job", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, common.NewDatabaseError("claim job", err)
		} else if n == 0 {
			continue
		}
		c.job.AttemptCount++
		return &entity.Lease{Job: c.job, Token: token, Deadline: deadline}, nil
	}
	return nil, nil
}

func (r *jobRepository) Ack(ctx context.Context, receiptID, token uuid.UUID) error {
	q, args := r.db.Builder().Delete(TableJobs).Where(r.leased(receiptID, token)).Query()
	return r.execLeased(ctx, q, args, receiptID, "ack")
}

func (r *jobRepository) Retry(ctx context.Context, receiptID, token uuid.UUID, delay time.Duration) error {
	q, args := r.db.Builder().Update(TableJobs).
		Set(ColVisibleAt, r.now().UTC().Add(delay).UnixMilli()).
		SetNull(ColLeaseToken).
		Where(r.leased(receiptID, token)).
		Query()
	return r.execLeased(ctx, q, args, receiptID, "retry")
}

func (r *jobRepository) Extend(ctx context.Context, receiptID, token uuid.UUID, visibility time.Duration) error {
	q, args := r.db.Builder().Update(TableJobs).
		Set(ColVisibleAt, r.now().UTC().Add(visibility).UnixMilli()).
		Where(r.leased(receiptID, token)).
		Query()
	return r.execLeased(ctx, q, args, receiptID, "extend")
}

func (r *jobRepository) Remove(ctx context.Context, receiptID uuid.UUID) error {
	q, args := r.db.Builder().Delete(TableJobs).Where(entsql.EQ(ColReceiptID, receiptID.String())).Query()
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return common.NewDatabaseError("remove job", err)
	}
	return nil
}

func (r *jobRepository) Depth(ctx context.Context) (int, error) {
	q, args := r.db.Builder().Select(entsql.Count("*")).From(entsql.Table(TableJobs)).Query()
	var n int
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, common.NewDatabaseError("count jobs", err)
	}
	return n, nil
}

func (r *jobRepository) leased(receiptID, token uuid.UUID) *entsql.Predicate {
	return entsql.And(
		entsql.EQ(ColReceiptID, receiptID.String()),
		entsql.EQ(ColLeaseToken, token.String()),
	)
}

func (r *jobRepository) execLeased(ctx context.Context, q string, args []any, receiptID uuid.UUID, op string) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		r.log.Error("job "+op+" failed", "receipt_id", receiptID, "err", err)
		return common.NewDatabaseError(op+" job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return common.NewDatabaseError(op+" job", err)
	}
	if n == 0 {
		return common.NewAppError(common.CodeLeaseConflict, op+" job "+receiptID.String(), common.ErrLeaseConflict)
	}
	return nil
}
