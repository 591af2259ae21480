// Package ingest is the upload boundary: it validates and deduplicates raw
// receipts, stores their bytes and queues them for processing. Reprocess,
// delete and the pending sweep live here too since they manage the same
// receipt, content and job triple.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
	"github.com/joseph-ayodele/receipts-pipeline/internal/queue"
	"github.com/joseph-ayodele/receipts-pipeline/internal/repository"
	"github.com/joseph-ayodele/receipts-pipeline/internal/storage"
)

var tracer = otel.Tracer("github.com/joseph-ayodele/receipts-pipeline/internal/ingest")

const defaultSweepBatch = 100

// UploadRequest is one raw receipt as received at the boundary.
type UploadRequest struct {
	OwnerID  string `validate:"required,max=64"`
	Filename string `validate:"max=512"`
	MimeType string
	Data     []byte `validate:"min=1"`
}

type Service struct {
	receipts repository.ReceiptRepository
	queue    queue.Queue
	content  storage.ContentStore
	cfg      common.UploadConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(receipts repository.ReceiptRepository, q queue.Queue, content storage.ContentStore, cfg common.UploadConfig, logger *slog.Logger) *Service {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = constants.DefaultMaxUploadBytes
	}
	if len(cfg.AllowedMIME) == 0 {
		cfg.AllowedMIME = constants.DefaultAllowedMIME
	}
	return &Service{
		receipts: receipts,
		queue:    q,
		content:  content,
		cfg:      cfg,
		logger:   common.OrDefault(logger),
		now:      time.Now,
	}
}

// Upload registers a receipt and queues it. Re-uploading the same bytes for
// the same owner returns the existing receipt without a new job.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*entity.UploadResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.upload", trace.WithAttributes(
		attribute.String("owner.id", req.OwnerID),
		attribute.Int("upload.bytes", len(req.Data)),
	))
	defer span.End()

	log := common.LoggerFromContext(ctx, s.logger)
	mimeType, err := s.validate(req)
	if err != nil {
		log.Warn("ingest.upload.rejected", "owner_id", req.OwnerID, "filename", req.Filename, "error", err)
		return nil, err
	}

	sum := sha256.Sum256(req.Data)
	checksum := hex.EncodeToString(sum[:])
	log = log.With("owner_id", req.OwnerID, "checksum", checksum)

	existing, err := s.receipts.FindByChecksum(ctx, req.OwnerID, checksum)
	switch {
	case err == nil:
		log.Info("ingest.upload.duplicate", "receipt_id", existing.ID, "status", existing.Status)
		return &entity.UploadResult{ReceiptID: existing.ID, Status: existing.Status, Duplicate: true}, nil
	case !common.IsNotFound(err):
		span.RecordError(err)
		return nil, err
	}

	key := storage.Key(req.OwnerID, checksum)
	if err := s.content.Put(ctx, key, req.Data); err != nil {
		span.RecordError(err)
		log.Error("ingest.content.put_failed", "key", key, "error", err)
		return nil, common.NewAppError(common.CodeStorage, "store content", err)
	}

	rec, created, err := s.receipts.Register(ctx, entity.ReceiptFile{
		OwnerID:    req.OwnerID,
		Filename:   req.Filename,
		MimeType:   mimeType,
		Size:       int64(len(req.Data)),
		Checksum:   checksum,
		StorageKey: key,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !created {
		log.Info("ingest.upload.duplicate", "receipt_id", rec.ID, "status", rec.Status, "race", true)
		return &entity.UploadResult{ReceiptID: rec.ID, Status: rec.Status, Duplicate: true}, nil
	}

	job := entity.Job{ReceiptID: rec.ID, EnqueuedAt: s.now().UTC(), TraceID: traceID(span)}
	if _, err := s.queue.Enqueue(ctx, job); err != nil {
		// the receipt is committed; the pending sweep enqueues it later
		log.Warn("ingest.enqueue.failed", "receipt_id", rec.ID, "error", err)
	}
	log.Info("ingest.upload.ok", "receipt_id", rec.ID, "mime", mimeType, "bytes", len(req.Data))
	return &entity.UploadResult{ReceiptID: rec.ID, Status: rec.Status}, nil
}

// validate checks size and type and returns the MIME type to record.
func (s *Service) validate(req UploadRequest) (string, error) {
	if err := common.ValidateStruct(req); err != nil {
		return "", err
	}
	if int64(len(req.Data)) > s.cfg.MaxBytes {
		return "", common.NewValidationError(fmt.Sprintf("file is %d bytes, the limit is %d", len(req.Data), s.cfg.MaxBytes))
	}

	sniffed := constants.SniffMIME(req.Data)
	declared := constants.NormalizeMIME(req.MimeType)
	if declared == "" || declared == "application/octet-stream" {
		declared = sniffed
	}
	if !slices.Contains(s.cfg.AllowedMIME, declared) {
		return "", common.NewValidationError(fmt.Sprintf("content type %q is not accepted", declared))
	}
	if !constants.SameFamily(declared, sniffed) {
		return "", common.NewValidationError(fmt.Sprintf("declared %q but content looks like %q", declared, sniffed))
	}
	return declared, nil
}

// Reprocess moves a terminal receipt back to processing with a fresh lease
// token and attempt count, then requeues it. A worker still holding the
// previous job lease can no longer ack or retry it.
func (s *Service) Reprocess(ctx context.Context, id uuid.UUID) (*entity.Receipt, error) {
	ctx, span := tracer.Start(ctx, "ingest.reprocess", trace.WithAttributes(attribute.String("receipt.id", id.String())))
	defer span.End()

	log := common.LoggerFromContext(ctx, s.logger)
	rec, err := s.receipts.MarkForReprocess(ctx, id, uuid.New())
	if err != nil {
		log.Info("ingest.reprocess.rejected", "receipt_id", id, "error", err)
		return nil, err
	}
	job := entity.Job{ReceiptID: id, EnqueuedAt: s.now().UTC(), TraceID: traceID(span)}
	if err := s.queue.Requeue(ctx, job); err != nil {
		log.Warn("ingest.enqueue.failed", "receipt_id", id, "error", err)
	}
	log.Info("ingest.reprocess.ok", "receipt_id", id, "owner_id", rec.OwnerID)
	return rec, nil
}

// Delete removes a receipt, its dedup entry, any queued job and the stored
// bytes. Receipts in processing are rejected. Content keys are shared by
// every upload of the same bytes for one owner, so the bytes stay when a
// re-upload registered a new receipt on the key in the meantime.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	log := common.LoggerFromContext(ctx, s.logger)
	rec, err := s.receipts.Delete(ctx, id)
	if err != nil {
		return err
	}
	if err := s.queue.Remove(ctx, id); err != nil {
		log.Warn("ingest.delete.job_remove_failed", "receipt_id", id, "error", err)
	}
	switch other, err := s.receipts.FindByChecksum(ctx, rec.OwnerID, rec.Checksum); {
	case err == nil && other.StorageReference == rec.StorageReference:
		log.Info("ingest.delete.content_kept", "receipt_id", id, "key", rec.StorageReference, "referenced_by", other.ID)
	case err != nil && !common.IsNotFound(err):
		log.Warn("ingest.delete.content_kept", "receipt_id", id, "key", rec.StorageReference, "error", err)
	default:
		if err := s.content.Delete(ctx, rec.StorageReference); err != nil {
			log.Warn("ingest.delete.content_failed", "receipt_id", id, "key", rec.StorageReference, "error", err)
		}
	}
	log.Info("ingest.delete.ok", "receipt_id", id, "owner_id", rec.OwnerID)
	return nil
}

// Content returns the stored bytes of rec.
func (s *Service) Content(ctx context.Context, rec *entity.Receipt) ([]byte, error) {
	data, err := s.content.Get(ctx, rec.StorageReference)
	if err != nil {
		if !common.IsNotFound(err) {
			common.LoggerFromContext(ctx, s.logger).Error("ingest.content.get_failed", "receipt_id", rec.ID, "key", rec.StorageReference, "error", err)
		}
		return nil, err
	}
	return data, nil
}

// SweepPending re-enqueues receipts older than age that may have lost their
// job. Enqueue is idempotent, so receipts that still have one are untouched.
func (s *Service) SweepPending(ctx context.Context, age time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultSweepBatch
	}
	recs, err := s.receipts.ListReclaimable(ctx, s.now().Add(-age), limit)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, rec := range recs {
		added, err := s.queue.Enqueue(ctx, entity.Job{ReceiptID: rec.ID, EnqueuedAt: s.now().UTC()})
		if err != nil {
			return requeued, err
		}
		if added {
			requeued++
			s.logger.Info("ingest.sweep.requeued", "receipt_id", rec.ID, "status", rec.Status)
		}
	}
	return requeued, nil
}

// RunSweeper calls SweepPending every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval, age time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.SweepPending(ctx, age, defaultSweepBatch)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("ingest.sweep.failed", "error", err)
			} else if n > 0 {
				s.logger.Info("ingest.sweep.done", "requeued", n)
			}
		}
	}
}

func traceID(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
