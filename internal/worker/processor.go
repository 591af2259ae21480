// Package worker runs leased receipt jobs through the pipeline and commits
// the resulting state transition.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
	"github.com/joseph-ayodele/receipts-pipeline/internal/events"
	"github.com/joseph-ayodele/receipts-pipeline/internal/llm"
	"github.com/joseph-ayodele/receipts-pipeline/internal/normalize"
	"github.com/joseph-ayodele/receipts-pipeline/internal/preprocess"
	"github.com/joseph-ayodele/receipts-pipeline/internal/queue"
	"github.com/joseph-ayodele/receipts-pipeline/internal/repository"
	"github.com/joseph-ayodele/receipts-pipeline/internal/storage"
	"github.com/joseph-ayodele/receipts-pipeline/internal/utils"
)

var tracer = otel.Tracer("github.com/joseph-ayodele/receipts-pipeline/internal/worker")

const (
	commitTimeout = 30 * time.Second
	maxNoteLen    = 500
)

// Preprocessor normalizes raw upload bytes. It never fails.
type Preprocessor interface {
	Process(data []byte, mimeType string) *preprocess.Result
}

// TextExtractor is the OCR adapter contract: ("", 0) on any failure.
type TextExtractor interface {
	ExtractText(ctx context.Context, image []byte, mimeType string) (string, float64)
}

// Normalizer validates a candidate. Hard failures are *normalize.Failure.
type Normalizer interface {
	Normalize(c entity.Candidate) (*entity.Extraction, error)
}

type Config struct {
	// MaxAttempts bounds processing attempts per receipt between reprocesses.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	// Heartbeat is how often a running job extends its lease; 0 disables it.
	Heartbeat time.Duration
}

func ConfigFrom(c common.QueueConfig) Config {
	return Config{
		MaxAttempts: c.MaxDeliveries,
		RetryBase:   c.RetryBase,
		RetryMax:    c.RetryMax,
		Heartbeat:   c.VisibilityTimeout / 3,
	}
}

// Deps are the collaborators a Processor drives.
type Deps struct {
	Queue      queue.Queue
	Receipts   repository.ReceiptRepository
	Content    storage.ContentStore
	Preprocess Preprocessor
	OCR        TextExtractor
	Extractor  llm.FieldExtractor
	Normalizer Normalizer
	Events     events.Publisher
}

// Processor handles one leased job at a time. It is safe for concurrent use.
type Processor struct {
	Deps
	cfg    Config
	logger *slog.Logger
}

func NewProcessor(deps Deps, cfg Config, logger *slog.Logger) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if deps.Events == nil {
		deps.Events = events.NewLogPublisher(logger)
	}
	return &Processor{Deps: deps, cfg: cfg, logger: common.OrDefault(logger)}
}

// terminal is a failure that ends the attempt in status error.
type terminal struct {
	detail string
	notes  []string
	cause  error
}

func (t *terminal) Error() string { return t.detail + ": " + t.cause.Error() }

func (t *terminal) Unwrap() error { return t.cause }

// Handle processes one lease. Errors are only returned for queue or database
// failures the pool should log; pipeline failures end in a committed state.
func (p *Processor) Handle(ctx context.Context, lease *entity.Lease) error {
	ctx, span := tracer.Start(ctx, "worker.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("receipt.id", lease.ReceiptID.String()),
			attribute.Int("job.delivery", lease.AttemptCount),
			attribute.String("job.trace_id", lease.TraceID),
		))
	defer span.End()

	log := p.logger.With("receipt_id", lease.ReceiptID, "delivery", lease.AttemptCount, "trace_id", lease.TraceID)
	start := time.Now()

	rec, err := p.Receipts.BeginAttempt(ctx, lease.ReceiptID, lease.Token)
	switch {
	case common.IsNotFound(err), errors.Is(err, common.ErrInvalidState):
		log.Info("worker.job.skipped", "reason", err)
		return p.ack(ctx, lease, log)
	case err != nil:
		span.RecordError(err)
		return p.retry(ctx, lease, 0, err, log)
	}
	log = log.With("owner_id", rec.OwnerID, "attempt", rec.AttemptCount)

	if rec.AttemptCount > p.cfg.MaxAttempts {
		log.Warn("worker.job.attempts_exhausted", "max_attempts", p.cfg.MaxAttempts)
		return p.fail(ctx, lease, rec, &terminal{
			detail: constants.ErrorDetailAttemptsExhausted,
			notes:  []string{fmt.Sprintf("gave up after %d attempts", p.cfg.MaxAttempts)},
			cause:  common.ErrPermanent,
		}, log)
	}

	stop := p.heartbeat(ctx, lease, log)
	ext, err := p.run(ctx, rec, log)
	stop()

	if err != nil {
		span.RecordError(err)
		var t *terminal
		if errors.As(err, &t) {
			return p.fail(ctx, lease, rec, t, log)
		}
		return p.retry(ctx, lease, rec.AttemptCount, err, log)
	}

	cctx, cancel := commitContext(ctx)
	defer cancel()
	if err := p.Receipts.Complete(cctx, rec.ID, lease.Token, *ext); err != nil {
		return p.commitFailed(ctx, lease, rec, err, log)
	}
	log.Info("worker.job.done",
		"vendor", deref(ext.Vendor),
		"total", ext.TotalAmount,
		"notes", len(ext.Notes),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	p.publish(cctx, rec, constants.StatusDone, "", log)
	return p.ack(cctx, lease, log)
}

// run executes fetch, preprocess, OCR, extraction and normalization.
func (p *Processor) run(ctx context.Context, rec *entity.Receipt, log *slog.Logger) (*entity.Extraction, error) {
	raw, err := p.Content.Get(ctx, rec.StorageReference)
	if err != nil {
		if common.IsNotFound(err) {
			log.Error("worker.content.missing", "key", rec.StorageReference)
			return nil, &terminal{
				detail: constants.ErrorDetailContentMissing,
				notes:  []string{"stored content " + rec.StorageReference + " is missing"},
				cause:  err,
			}
		}
		return nil, common.NewTransientError("read content", err)
	}

	_, pspan := tracer.Start(ctx, "worker.preprocess")
	img := p.Preprocess.Process(raw, rec.MimeType)
	pspan.SetAttributes(attribute.StringSlice("preprocess.degraded", img.Degraded))
	pspan.End()

	text, ocrConf := p.OCR.ExtractText(ctx, img.Data, img.MIMEType)
	log.Debug("worker.ocr.done", "chars", len(text), "confidence", ocrConf, "degraded", img.Degraded)

	res, err := p.Extractor.ExtractFields(ctx, img.Data, img.MIMEType, text)
	if err != nil {
		if common.IsPermanent(err) {
			return nil, &terminal{
				detail: constants.ErrorDetailExtractionFailed,
				notes:  []string{utils.Truncate(err.Error(), maxNoteLen)},
				cause:  err,
			}
		}
		return nil, err
	}

	_, nspan := tracer.Start(ctx, "worker.normalize")
	ext, err := p.Normalizer.Normalize(res.Candidate)
	nspan.End()
	if err != nil {
		var f *normalize.Failure
		if errors.As(err, &f) {
			return nil, &terminal{detail: constants.ErrorDetailValidationFailed, notes: f.Reasons, cause: err}
		}
		return nil, err
	}

	ext.OCRText = text
	ext.ModelVersion = res.ModelVersion
	if text != "" {
		ext.Confidence["ocr_text"] = llm.Clamp01(ocrConf)
	}
	ext.Notes = append(ext.Notes, pipelineNotes(img, text, res)...)
	return ext, nil
}

func pipelineNotes(img *preprocess.Result, text string, res *llm.Result) []string {
	var notes []string
	if len(img.Degraded) > 0 {
		notes = append(notes, "preprocess degraded: "+strings.Join(img.Degraded, ", "))
	}
	if text == "" {
		notes = append(notes, "ocr text unavailable")
	}
	if res.Repaired {
		notes = append(notes, "model output repaired after a schema error")
	}
	if len(res.Dropped) > 0 {
		notes = append(notes, "dropped model fields: "+strings.Join(res.Dropped, ", "))
	}
	return notes
}

func (p *Processor) fail(ctx context.Context, lease *entity.Lease, rec *entity.Receipt, t *terminal, log *slog.Logger) error {
	cctx, cancel := commitContext(ctx)
	defer cancel()
	if err := p.Receipts.Fail(cctx, rec.ID, lease.Token, t.detail, t.notes); err != nil {
		return p.commitFailed(ctx, lease, rec, err, log)
	}
	log.Warn("worker.job.failed", "error_detail", t.detail, "error", t.cause)
	p.publish(cctx, rec, constants.StatusError, t.detail, log)
	return p.ack(cctx, lease, log)
}

// retry hands a transiently failed job back to the queue, or fails the
// receipt once its attempts are used up.
func (p *Processor) retry(ctx context.Context, lease *entity.Lease, attempt int, cause error, log *slog.Logger) error {
	if attempt >= p.cfg.MaxAttempts {
		rec, err := p.Receipts.Get(context.WithoutCancel(ctx), lease.ReceiptID)
		if err != nil {
			return err
		}
		return p.fail(ctx, lease, rec, &terminal{
			detail: constants.ErrorDetailAttemptsExhausted,
			notes:  []string{utils.Truncate(cause.Error(), maxNoteLen)},
			cause:  cause,
		}, log)
	}

	return p.requeue(ctx, lease, attempt, cause, log)
}

func (p *Processor) requeue(ctx context.Context, lease *entity.Lease, attempt int, cause error, log *slog.Logger) error {
	delay := common.Backoff(p.cfg.RetryBase, p.cfg.RetryMax, max(attempt, 1))
	cctx, cancel := commitContext(ctx)
	defer cancel()
	if err := p.Queue.Retry(cctx, lease, delay); err != nil {
		if common.IsLeaseConflict(err) {
			log.Info("worker.job.lease_conflict", "op", "retry")
			return nil
		}
		return err
	}
	log.Warn("worker.job.retry", "delay_ms", delay.Milliseconds(), "error", cause)
	return nil
}

// commitFailed handles a rejected receipt write. A lease conflict means
// another worker owns the receipt now; the result is dropped.
func (p *Processor) commitFailed(ctx context.Context, lease *entity.Lease, rec *entity.Receipt, err error, log *slog.Logger) error {
	if common.IsLeaseConflict(err) {
		log.Info("worker.job.lease_conflict", "op", "commit")
		return nil
	}
	log.Error("worker.job.commit_failed", "error", err)
	return p.requeue(ctx, lease, rec.AttemptCount, err, log)
}

func (p *Processor) ack(ctx context.Context, lease *entity.Lease, log *slog.Logger) error {
	if err := p.Queue.Ack(context.WithoutCancel(ctx), lease); err != nil {
		if common.IsLeaseConflict(err) {
			log.Info("worker.job.lease_conflict", "op", "ack")
			return nil
		}
		return err
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, rec *entity.Receipt, status constants.ReceiptStatus, detail string, log *slog.Logger) {
	err := p.Events.Publish(ctx, entity.StatusEvent{
		ReceiptID:    rec.ID,
		OwnerID:      rec.OwnerID,
		Status:       status,
		ErrorDetail:  detail,
		AttemptCount: rec.AttemptCount,
		At:           time.Now().UTC(),
	})
	if err != nil {
		log.Warn("worker.event.publish_failed", "status", status, "error", err)
	}
}

// heartbeat extends the lease until the returned stop func is called.
func (p *Processor) heartbeat(ctx context.Context, lease *entity.Lease, log *slog.Logger) func() {
	if p.cfg.Heartbeat <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(p.cfg.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := p.Queue.Extend(ctx, lease); err != nil {
					if ctx.Err() == nil {
						log.Warn("worker.lease.extend_failed", "error", err)
					}
					if common.IsLeaseConflict(err) {
						return
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// commitContext outlives cancellation of ctx so a finished result is not lost
// on shutdown.
func commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
