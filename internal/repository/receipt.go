package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type ReceiptRepository interface {
	// Register inserts a pending receipt and its dedup row in one transaction.
	// When (owner, checksum) is already taken the existing receipt is returned
	// with created=false.
	Register(ctx context.Context, file entity.ReceiptFile) (rec *entity.Receipt, created bool, err error)
	FindByChecksum(ctx context.Context, ownerID, checksum string) (*entity.Receipt, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Receipt, error)
	List(ctx context.Context, filter entity.ReceiptFilter) ([]*entity.Receipt, error)
	// CountByStatus counts receipts per status for one owner, or for all
	// owners when ownerID is empty. Every status is present in the result.
	CountByStatus(ctx context.Context, ownerID string) (map[constants.ReceiptStatus]int, error)
	// ListReclaimable returns receipts that were committed but may have lost
	// their job: pending ones, and reprocess requests never picked up.
	ListReclaimable(ctx context.Context, olderThan time.Time, limit int) ([]*entity.Receipt, error)

	BeginAttempt(ctx context.Context, id, token uuid.UUID) (*entity.Receipt, error)
	Complete(ctx context.Context, id, token uuid.UUID, ext entity.Extraction) error
	Fail(ctx context.Context, id, token uuid.UUID, detail string, notes []string) error
	MarkForReprocess(ctx context.Context, id, token uuid.UUID) (*entity.Receipt, error)

	UpdateFields(ctx context.Context, id uuid.UUID, edit entity.ReceiptEdit) (*entity.Receipt, error)
	Delete(ctx context.Context, id uuid.UUID) (*entity.Receipt, error)
}

type receiptRepository struct {
	db     *DB
	logger *slog.Logger
	now    func() time.Time
}

func NewReceiptRepository(db *DB, logger *slog.Logger) ReceiptRepository {
	return &receiptRepository{
		db:     db,
		logger: common.OrDefault(logger),
		now:    time.Now,
	}
}

func (r *receiptRepository) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

func (r *receiptRepository) Register(ctx context.Context, file entity.ReceiptFile) (*entity.Receipt, bool, error) {
	now := r.timestamp()
	rec := &entity.Receipt{
		ID:               uuid.New(),
		OwnerID:          file.OwnerID,
		Status:           constants.StatusPending,
		StorageReference: file.StorageKey,
		Checksum:         file.Checksum,
		OriginalFilename: file.Filename,
		MimeType:         file.MimeType,
		FileSize:         file.Size,
		LineItems:        []entity.LineItem{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	b := r.db.Builder()

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		q, args := b.Insert(TableChecksums).
			Columns(ColOwnerID, ColChecksum, ColReceiptID).
			Values(file.OwnerID, file.Checksum, rec.ID.String()).
			OnConflict(entsql.ConflictColumns(ColOwnerID, ColChecksum), entsql.DoNothing()).
			Query()
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return common.ErrDuplicate
		}

		q, args = b.Insert(TableReceipts).
			Set(ColID, rec.ID.String()).
			Set(ColOwnerID, rec.OwnerID).
			Set(ColStatus, string(rec.Status)).
			Set(ColAttemptCount, 0).
			Set(ColStorageReference, rec.StorageReference).
			Set(ColChecksum, rec.Checksum).
			Set(ColOriginalFilename, nullable(rec.OriginalFilename)).
			Set(ColMimeType, rec.MimeType).
			Set(ColFileSize, rec.FileSize).
			Set(ColLineItems, "[]").
			Set(ColCreatedAt, now).
			Set(ColUpdatedAt, now).
			Query()
		_, err = tx.ExecContext(ctx, q, args...)
		return err
	})
	switch {
	case errors.Is(err, common.ErrDuplicate):
		existing, ferr := r.FindByChecksum(ctx, file.OwnerID, file.Checksum)
		if ferr != nil {
			return nil, false, ferr
		}
		r.logger.Info("receipt already registered", "receipt_id", existing.ID, "owner_id", file.OwnerID)
		return existing, false, nil
	case err != nil:
		r.logger.Error("failed to register receipt", "owner_id", file.OwnerID, "error", err)
		return nil, false, common.NewDatabaseError("register receipt", err)
	}
	r.logger.Debug("receipt registered", "receipt_id", rec.ID, "owner_id", rec.OwnerID)
	return rec, true, nil
}

func (r *receiptRepository) FindByChecksum(ctx context.Context, ownerID, checksum string) (*entity.Receipt, error) {
	q, args := r.db.Builder().Select(ColReceiptID).
		From(entsql.Table(TableChecksums)).
		Where(entsql.And(entsql.EQ(ColOwnerID, ownerID), entsql.EQ(ColChecksum, checksum))).
		Query()
	var id uuid.UUID
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.NewNotFoundError("no receipt with checksum")
		}
		return nil, common.NewDatabaseError("lookup checksum", err)
	}
	return r.Get(ctx, id)
}

func (r *receiptRepository) Get(ctx context.Context, id uuid.UUID) (*entity.Receipt, error) {
	q, args := r.db.Builder().Select(receiptColumns...).
		From(entsql.Table(TableReceipts)).
		Where(entsql.EQ(ColID, id.String())).
		Query()
	rec, err := scanReceipt(r.db.QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.NewNotFoundError(fmt.Sprintf("receipt %s not found", id))
		}
		return nil, common.NewDatabaseError("get receipt", err)
	}
	return rec, nil
}

func (r *receiptRepository) List(ctx context.Context, filter entity.ReceiptFilter) ([]*entity.Receipt, error) {
	preds := []*entsql.Predicate{entsql.EQ(ColOwnerID, filter.OwnerID)}
	if len(filter.Statuses) > 0 {
		preds = append(preds, entsql.In(ColStatus, statusArgs(filter.Statuses)...))
	}
	if filter.From != nil {
		preds = append(preds, entsql.GTE(ColReceiptDate, filter.From.String()))
	}
	if filter.To != nil {
		preds = append(preds, entsql.LTE(ColReceiptDate, filter.To.String()))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	sel := r.db.Builder().Select(receiptColumns...).
		From(entsql.Table(TableReceipts)).
		Where(entsql.And(preds...)).
		OrderBy(entsql.Desc(ColCreatedAt), entsql.Desc(ColID)).
		Limit(limit)
	if filter.Offset > 0 {
		sel = sel.Offset(filter.Offset)
	}
	q, args := sel.Query()
	recs, err := r.queryReceipts(ctx, q, args)
	if err != nil {
		r.logger.Error("failed to list receipts", "owner_id", filter.OwnerID, "error", err)
		return nil, err
	}
	return recs, nil
}

func (r *receiptRepository) CountByStatus(ctx context.Context, ownerID string) (map[constants.ReceiptStatus]int, error) {
	sel := r.db.Builder().Select(ColStatus, entsql.Count("*")).
		From(entsql.Table(TableReceipts)).
		GroupBy(ColStatus)
	if ownerID != "" {
		sel = sel.Where(entsql.EQ(ColOwnerID, ownerID))
	}
	q, args := sel.Query()
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		r.logger.Error("failed to count receipts", "owner_id", ownerID, "error", err)
		return nil, common.NewDatabaseError("count receipts", err)
	}
	defer rows.Close()

	out := make(map[constants.ReceiptStatus]int, 4)
	for _, st := range constants.AllStatuses() {
		out[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, common.NewDatabaseError("scan status count", err)
		}
		out[constants.ReceiptStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewDatabaseError("count receipts", err)
	}
	return out, nil
}

func (r *receiptRepository) ListReclaimable(ctx context.Context, olderThan time.Time, limit int) ([]*entity.Receipt, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	cutoff := olderThan.UTC().Truncate(time.Microsecond)
	q, args := r.db.Builder().Select(receiptColumns...).
		From(entsql.Table(TableReceipts)).
		Where(entsql.Or(
			entsql.And(
				entsql.EQ(ColStatus, string(constants.StatusPending)),
				entsql.LTE(ColCreatedAt, cutoff),
			),
			entsql.And(
				entsql.EQ(ColStatus, string(constants.StatusProcessing)),
				entsql.EQ(ColAttemptCount, 0),
				entsql.LTE(ColUpdatedAt, cutoff),
			),
		)).
		OrderBy(entsql.Asc(ColCreatedAt)).
		Limit(limit).
		Query()
	return r.queryReceipts(ctx, q, args)
}

func (r *receiptRepository) BeginAttempt(ctx context.Context, id, token uuid.UUID) (*entity.Receipt, error) {
	q, args := r.db.Builder().Update(TableReceipts).
		Set(ColStatus, string(constants.StatusProcessing)).
		Set(ColLeaseToken, token.String()).
		Add(ColAttemptCount, 1).
		Set(ColUpdatedAt, r.timestamp()).
		Where(entsql.And(
			entsql.EQ(ColID, id.String()),
			entsql.In(ColStatus, statusArgs(constants.LeasableStatuses())...),
		)).
		Query()
	if err := r.execOne(ctx, q, args); err != nil {
		if errors.Is(err, errNoRows) {
			return nil, r.explainMiss(ctx, id, "begin attempt")
		}
		return nil, common.NewDatabaseError("begin attempt", err)
	}
	return r.Get(ctx, id)
}

func (r *receiptRepository) Complete(ctx context.Context, id, token uuid.UUID, ext entity.Extraction) error {
	now := r.timestamp()
	upd := r.db.Builder().Update(TableReceipts).
		Set(ColStatus, string(constants.StatusDone)).
		Set(ColVendor, strArg(ext.Vendor)).
		Set(ColReceiptDate, dateArg(ext.Date)).
		Set(ColTotalAmount, decimalArg(ext.TotalAmount)).
		Set(ColSubtotalAmount, decimalArg(ext.SubtotalAmount)).
		Set(ColTaxAmount, decimalArg(ext.TaxAmount)).
		Set(ColCurrency, strArg(ext.Currency)).
		Set(ColCategory, strArg(ext.Category)).
		Set(ColPaymentMethod, strArg(ext.PaymentMethod)).
		Set(ColLineItems, lineItemsArg(ext.LineItems)).
		Set(ColOCRText, nullable(ext.OCRText)).
		Set(ColModelVersion, nullable(ext.ModelVersion)).
		Set(ColConfidence, confidenceArg(ext.Confidence)).
		Set(ColNotes, notesArg(ext.Notes)).
		Set(ColProcessedAt, now).
		Set(ColUpdatedAt, now).
		SetNull(ColErrorDetail).
		SetNull(ColLeaseToken)
	return r.commitWithLease(ctx, upd, id, token, "complete")
}

func (r *receiptRepository) Fail(ctx context.Context, id, token uuid.UUID, detail string, notes []string) error {
	now := r.timestamp()
	upd := r.db.Builder().Update(TableReceipts).
		Set(ColStatus, string(constants.StatusError)).
		Set(ColErrorDetail, detail).
		Set(ColNotes, notesArg(notes)).
		Set(ColProcessedAt, now).
		Set(ColUpdatedAt, now).
		SetNull(ColLeaseToken)
	return r.commitWithLease(ctx, upd, id, token, "fail")
}

// commitWithLease applies upd only while the caller still holds the lease.
func (r *receiptRepository) commitWithLease(ctx context.Context, upd *entsql.UpdateBuilder, id, token uuid.UUID, op string) error {
	q, args := upd.Where(entsql.And(
		entsql.EQ(ColID, id.String()),
		entsql.EQ(ColLeaseToken, token.String()),
		entsql.EQ(ColStatus, string(constants.StatusProcessing)),
	)).Query()
	if err := r.execOne(ctx, q, args); err != nil {
		if errors.Is(err, errNoRows) {
			r.logger.Warn("stale lease rejected", "receipt_id", id, "op", op)
			return common.NewAppError(common.CodeLeaseConflict, op+" receipt "+id.String(), common.ErrLeaseConflict)
		}
		return common.NewDatabaseError(op+" receipt", err)
	}
	return nil
}

func (r *receiptRepository) MarkForReprocess(ctx context.Context, id, token uuid.UUID) (*entity.Receipt, error) {
	q, args := r.db.Builder().Update(TableReceipts).
		Set(ColStatus, string(constants.StatusProcessing)).
		Set(ColAttemptCount, 0).
		Set(ColLeaseToken, token.String()).
		Set(ColUpdatedAt, r.timestamp()).
		SetNull(ColErrorDetail).
		Where(entsql.And(
			entsql.EQ(ColID, id.String()),
			entsql.In(ColStatus, statusArgs(constants.TerminalStatuses())...),
		)).
		Query()
	if err := r.execOne(ctx, q, args); err != nil {
		if errors.Is(err, errNoRows) {
			return nil, r.explainMiss(ctx, id, "reprocess")
		}
		return nil, common.NewDatabaseError("reprocess receipt", err)
	}
	return r.Get(ctx, id)
}

func (r *receiptRepository) UpdateFields(ctx context.Context, id uuid.UUID, edit entity.ReceiptEdit) (*entity.Receipt, error) {
	upd := r.db.Builder().Update(TableReceipts).Set(ColUpdatedAt, r.timestamp())
	if edit.Vendor != nil {
		upd.Set(ColVendor, *edit.Vendor)
	}
	if edit.Date != nil {
		upd.Set(ColReceiptDate, edit.Date.String())
	}
	if edit.TotalAmount != nil {
		upd.Set(ColTotalAmount, decimalArg(edit.TotalAmount))
	}
	if edit.SubtotalAmount != nil {
		upd.Set(ColSubtotalAmount, decimalArg(edit.SubtotalAmount))
	}
	if edit.TaxAmount != nil {
		upd.Set(ColTaxAmount, decimalArg(edit.TaxAmount))
	}
	if edit.Currency != nil {
		upd.Set(ColCurrency, *edit.Currency)
	}
	if edit.Category != nil {
		upd.Set(ColCategory, *edit.Category)
	}
	if edit.PaymentMethod != nil {
		upd.Set(ColPaymentMethod, *edit.PaymentMethod)
	}
	if edit.Notes != nil {
		upd.Set(ColNotes, *edit.Notes)
	}
	if edit.LineItems != nil {
		upd.Set(ColLineItems, lineItemsArg(*edit.LineItems))
	}
	q, args := upd.Where(entsql.And(
		entsql.EQ(ColID, id.String()),
		entsql.NEQ(ColStatus, string(constants.StatusProcessing)),
	)).Query()
	if err := r.execOne(ctx, q, args); err != nil {
		if errors.Is(err, errNoRows) {
			return nil, r.explainMiss(ctx, id, "edit")
		}
		return nil, common.NewDatabaseError("edit receipt", err)
	}
	return r.Get(ctx, id)
}

func (r *receiptRepository) Delete(ctx context.Context, id uuid.UUID) (*entity.Receipt, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == constants.StatusProcessing {
		return nil, common.NewInvalidStateError("receipt is processing")
	}
	b := r.db.Builder()
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		q, args := b.Delete(TableReceipts).Where(entsql.And(
			entsql.EQ(ColID, id.String()),
			entsql.NEQ(ColStatus, string(constants.StatusProcessing)),
		)).Query()
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return common.ErrInvalidState
		}
		q, args = b.Delete(TableChecksums).Where(entsql.And(
			entsql.EQ(ColOwnerID, rec.OwnerID),
			entsql.EQ(ColChecksum, rec.Checksum),
			entsql.EQ(ColReceiptID, id.String()),
		)).Query()
		_, err = tx.ExecContext(ctx, q, args...)
		return err
	})
	if errors.Is(err, common.ErrInvalidState) {
		return nil, common.NewInvalidStateError("receipt is processing")
	}
	if err != nil {
		r.logger.Error("failed to delete receipt", "receipt_id", id, "error", err)
		return nil, common.NewDatabaseError("delete receipt", err)
	}
	return rec, nil
}

var errNoRows = errors.New("no rows affected")

func (r *receiptRepository) execOne(ctx context.Context, q string, args []any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNoRows
	}
	return nil
}

// explainMiss turns a conditional update that matched nothing into NotFound
// or InvalidState.
func (r *receiptRepository) explainMiss(ctx context.Context, id uuid.UUID, op string) error {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return common.NewInvalidStateError(fmt.Sprintf("cannot %s receipt in status %s", op, rec.Status))
}

func (r *receiptRepository) queryReceipts(ctx context.Context, q string, args []any) ([]*entity.Receipt, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, common.NewDatabaseError("query receipts", err)
	}
	defer rows.Close()
	var out []*entity.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, common.NewDatabaseError("scan receipt", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, common.NewDatabaseError("query receipts", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*entity.Receipt, error) {
	var (
		rec                                        entity.Receipt
		status                                     string
		filename, vendor, date, currency, category sql.NullString
		payment, lineItems, ocrText, model, conf   sql.NullString
		notes, errDetail                           sql.NullString
		total, subtotal, tax                       decimal.NullDecimal
		lease                                      uuid.NullUUID
		processedAt                                sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &status, &rec.AttemptCount, &rec.StorageReference, &rec.Checksum,
		&filename, &rec.MimeType, &rec.FileSize,
		&vendor, &date, &total, &subtotal, &tax,
		&currency, &category, &payment, &lineItems, &ocrText,
		&model, &conf, &notes, &errDetail, &lease,
		&processedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = constants.ReceiptStatus(status)
	rec.OriginalFilename = filename.String
	rec.Vendor = strPtr(vendor)
	rec.Currency = strPtr(currency)
	rec.Category = strPtr(category)
	rec.PaymentMethod = strPtr(payment)
	rec.OCRText = strPtr(ocrText)
	rec.ModelVersion = strPtr(model)
	rec.Notes = strPtr(notes)
	rec.ErrorDetail = strPtr(errDetail)
	rec.TotalAmount = decPtr(total)
	rec.SubtotalAmount = decPtr(subtotal)
	rec.TaxAmount = decPtr(tax)
	if date.Valid && date.String != "" {
		d, err := entity.ParseDate(date.String)
		if err != nil {
			return nil, fmt.Errorf("receipt %s: bad date %q: %w", rec.ID, date.String, err)
		}
		rec.Date = &d
	}
	rec.LineItems = []entity.LineItem{}
	if lineItems.Valid && lineItems.String != "" {
		if err := json.Unmarshal([]byte(lineItems.String), &rec.LineItems); err != nil {
			return nil, fmt.Errorf("receipt %s: line items: %w", rec.ID, err)
		}
	}
	if conf.Valid && conf.String != "" {
		if err := json.Unmarshal([]byte(conf.String), &rec.Confidence); err != nil {
			return nil, fmt.Errorf("receipt %s: confidence: %w", rec.ID, err)
		}
	}
	if lease.Valid {
		t := lease.UUID
		rec.LeaseToken = &t
	}
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		rec.ProcessedAt = &t
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func statusArgs(statuses []constants.ReceiptStatus) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func dateArg(d *entity.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.StringFixed(2)
}

func lineItemsArg(items []entity.LineItem) any {
	if items == nil {
		items = []entity.LineItem{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func confidenceArg(conf map[string]float64) any {
	if len(conf) == 0 {
		return nil
	}
	b, _ := json.Marshal(conf)
	return string(b)
}

func notesArg(notes []string) any {
	if len(notes) == 0 {
		return nil
	}
	return strings.Join(notes, "\n")
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func decPtr(nd decimal.NullDecimal) *decimal.Decimal {
	if !nd.Valid {
		return nil
	}
	d := nd.Decimal
	return &d
}
