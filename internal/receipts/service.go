package receipts

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
	"github.com/joseph-ayodele/receipts-pipeline/internal/repository"
	"github.com/joseph-ayodele/receipts-pipeline/internal/utils"
)

// EditNormalizer applies extraction rules to user edits.
type EditNormalizer interface {
	NormalizeEdit(e entity.ReceiptEdit) (entity.ReceiptEdit, error)
}

// Service handles receipt reads and user edits.
type Service struct {
	receiptRepo repository.ReceiptRepository
	normalizer  EditNormalizer
	logger      *slog.Logger
}

// NewService creates a new receipt service.
func NewService(receiptRepo repository.ReceiptRepository, normalizer EditNormalizer, logger *slog.Logger) *Service {
	return &Service{
		receiptRepo: receiptRepo,
		normalizer:  normalizer,
		logger:      common.OrDefault(logger),
	}
}

// ListReceiptsRequest represents receipt listing parameters.
type ListReceiptsRequest struct {
	OwnerID  string
	Statuses []string
	FromDate string
	ToDate   string
	Limit    int
	Offset   int
}

func (s *Service) GetReceipt(ctx context.Context, id uuid.UUID) (*entity.Receipt, error) {
	rec, err := s.receiptRepo.Get(ctx, id)
	if err != nil {
		if !common.IsNotFound(err) {
			common.LoggerFromContext(ctx, s.logger).Error("receipts.get.failed", "receipt_id", id, "error", err)
		}
		return nil, err
	}
	return rec, nil
}

// ListReceipts returns receipts for an owner, newest first.
func (s *Service) ListReceipts(ctx context.Context, req ListReceiptsRequest) ([]*entity.Receipt, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, common.NewValidationError("owner_id is required")
	}
	if req.Limit < 0 || req.Offset < 0 {
		return nil, common.NewValidationError("limit and offset must not be negative")
	}

	statuses, err := utils.ParseStatuses(req.Statuses)
	if err != nil {
		return nil, common.NewValidationError(err.Error())
	}
	from, err := utils.ParseYMD(req.FromDate)
	if err != nil {
		return nil, common.NewValidationError("from_date: " + err.Error())
	}
	to, err := utils.ParseYMD(req.ToDate)
	if err != nil {
		return nil, common.NewValidationError("to_date: " + err.Error())
	}
	if from != nil && to != nil && to.Before(from.Time) {
		return nil, common.NewValidationError("to_date is before from_date")
	}

	recs, err := s.receiptRepo.List(ctx, entity.ReceiptFilter{
		OwnerID:  req.OwnerID,
		Statuses: statuses,
		From:     from,
		To:       to,
		Limit:    req.Limit,
		Offset:   req.Offset,
	})
	if err != nil {
		return nil, err
	}
	common.LoggerFromContext(ctx, s.logger).Debug("receipts.list.ok", "owner_id", req.OwnerID, "count", len(recs))
	return recs, nil
}

// EditReceipt applies a user correction. Receipts in processing are rejected.
func (s *Service) EditReceipt(ctx context.Context, id uuid.UUID, edit entity.ReceiptEdit) (*entity.Receipt, error) {
	normalized, err := s.normalizer.NormalizeEdit(edit)
	if err != nil {
		return nil, err
	}
	log := common.LoggerFromContext(ctx, s.logger)
	rec, err := s.receiptRepo.UpdateFields(ctx, id, normalized)
	if err != nil {
		log.Info("receipts.edit.rejected", "receipt_id", id, "error", err)
		return nil, err
	}
	log.Info("receipts.edit.ok", "receipt_id", id, "owner_id", rec.OwnerID)
	return rec, nil
}

// CountByStatus reports how many receipts sit in each status. An empty owner
// counts across all owners.
func (s *Service) CountByStatus(ctx context.Context, ownerID string) (map[constants.ReceiptStatus]int, error) {
	counts, err := s.receiptRepo.CountByStatus(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		common.LoggerFromContext(ctx, s.logger).Error("receipts.stats.failed", "owner_id", ownerID, "error", err)
		return nil, err
	}
	return counts, nil
}
