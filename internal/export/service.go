package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
	"github.com/joseph-ayodele/receipts-pipeline/internal/repository"
	"github.com/joseph-ayodele/receipts-pipeline/internal/utils"
)

const (
	SheetReceipts  = "Receipts"
	SheetLineItems = "Line Items"

	pageSize = 500
)

var receiptHeaders = []string{
	"Transaction Date",
	"Vendor",
	"Expense Category",
	"Subtotal",
	"Tax",
	"Total",
	"Currency",
	"Payment Method",
	"Status",
	"Notes",
	"File Name",
	"Receipt ID",
}

var lineItemHeaders = []string{"Receipt ID", "Description", "Quantity", "Unit Price", "Total Price"}

// Service produces XLSX exports of an owner's receipts.
type Service struct {
	receiptsRepo repository.ReceiptRepository
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(repo repository.ReceiptRepository, logger *slog.Logger) *Service {
	return &Service{receiptsRepo: repo, logger: common.OrDefault(logger), now: time.Now}
}

// Request selects the receipts to export.
// If only From is provided -> From..today (inclusive).
// If only To is provided   -> beginning..To (inclusive).
// If neither is provided   -> all receipts for the owner.
type Request struct {
	OwnerID  string
	From     *entity.Date
	To       *entity.Date
	Statuses []constants.ReceiptStatus
}

// ExportReceiptsXLSX returns the workbook bytes and the number of receipt rows.
func (s *Service) ExportReceiptsXLSX(ctx context.Context, req Request) ([]byte, int, error) {
	start := time.Now()
	if req.OwnerID == "" {
		return nil, 0, common.NewValidationError("owner_id is required")
	}
	if req.From != nil && req.To == nil {
		today := entity.DateOf(s.now().UTC())
		req.To = &today
	}

	recs, err := s.collect(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("query receipts: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	// the default "Sheet1" becomes the receipts sheet
	if err := f.SetSheetName(f.GetSheetName(0), SheetReceipts); err != nil {
		return nil, 0, err
	}
	if _, err := f.NewSheet(SheetLineItems); err != nil {
		return nil, 0, err
	}
	f.SetActiveSheet(0)

	writeRow(f, SheetReceipts, 1, toAny(receiptHeaders))
	writeRow(f, SheetLineItems, 1, toAny(lineItemHeaders))

	row, itemRow := 2, 2
	for _, r := range recs {
		writeRow(f, SheetReceipts, row, []any{
			utils.DateOrEmpty(r.Date),
			utils.StrOrEmpty(r.Vendor),
			utils.StrOrEmpty(r.Category),
			amount(r.SubtotalAmount),
			amount(r.TaxAmount),
			amount(r.TotalAmount),
			utils.StrOrEmpty(r.Currency),
			utils.StrOrEmpty(r.PaymentMethod),
			string(r.Status),
			truncate(utils.StrOrEmpty(r.Notes), 140),
			r.OriginalFilename,
			r.ID.String(),
		})
		row++
		for _, it := range r.LineItems {
			writeRow(f, SheetLineItems, itemRow, []any{
				r.ID.String(),
				it.Description,
				amount(it.Quantity),
				amount(it.UnitPrice),
				amount(it.TotalPrice),
			})
			itemRow++
		}
	}

	_ = f.SetColWidth(SheetReceipts, "A", "A", 14) // date
	_ = f.SetColWidth(SheetReceipts, "B", "C", 24)
	_ = f.SetColWidth(SheetReceipts, "D", "F", 12) // amounts
	_ = f.SetColWidth(SheetReceipts, "J", "J", 48) // notes
	_ = f.SetColWidth(SheetReceipts, "K", "L", 38)
	_ = f.SetColWidth(SheetLineItems, "A", "A", 38)
	_ = f.SetColWidth(SheetLineItems, "B", "B", 40)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"owner_id", req.OwnerID,
		"rows", len(recs),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), len(recs), nil
}

// collect pages through the repository until a short page.
func (s *Service) collect(ctx context.Context, req Request) ([]*entity.Receipt, error) {
	var out []*entity.Receipt
	for offset := 0; ; offset += pageSize {
		page, err := s.receiptsRepo.List(ctx, entity.ReceiptFilter{
			OwnerID:  req.OwnerID,
			Statuses: req.Statuses,
			From:     req.From,
			To:       req.To,
			Limit:    pageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
	}
}

func writeRow(f *excelize.File, sheet string, row int, values []any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

// amount writes numbers as numeric cells and leaves unset amounts blank.
func amount(d *decimal.Decimal) any {
	if d == nil {
		return ""
	}
	return d.InexactFloat64()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
