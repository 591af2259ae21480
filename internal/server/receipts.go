package server

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
	"github.com/joseph-ayodele/receipts-pipeline/internal/receipts"
)

// editRequest is the PATCH body; absent fields are left untouched.
type editRequest struct {
	Vendor         *string            `json:"vendor"`
	Date           *entity.Date       `json:"date"`
	TotalAmount    *decimal.Decimal   `json:"total_amount"`
	SubtotalAmount *decimal.Decimal   `json:"subtotal_amount"`
	TaxAmount      *decimal.Decimal   `json:"tax_amount"`
	Currency       *string            `json:"currency"`
	Category       *string            `json:"category"`
	PaymentMethod  *string            `json:"payment_method"`
	Notes          *string            `json:"notes"`
	LineItems      *[]entity.LineItem `json:"line_items"`
}

func (r editRequest) toEdit() entity.ReceiptEdit {
	return entity.ReceiptEdit{
		Vendor:         r.Vendor,
		Date:           r.Date,
		TotalAmount:    r.TotalAmount,
		SubtotalAmount: r.SubtotalAmount,
		TaxAmount:      r.TaxAmount,
		Currency:       r.Currency,
		Category:       r.Category,
		PaymentMethod:  r.PaymentMethod,
		Notes:          r.Notes,
		LineItems:      r.LineItems,
	}
}

func (s *Server) handleList(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		abortWithError(c, err)
		return
	}
	offset, err := intQuery(c, "offset")
	if err != nil {
		abortWithError(c, err)
		return
	}
	recs, err := s.receipts.ListReceipts(c.Request.Context(), receipts.ListReceiptsRequest{
		OwnerID:  ownerOf(c),
		Statuses: c.QueryArray("status"),
		FromDate: c.Query("from"),
		ToDate:   c.Query("to"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if recs == nil {
		recs = []*entity.Receipt{}
	}
	c.JSON(http.StatusOK, gin.H{"receipts": recs})
}

func (s *Server) handleGet(c *gin.Context) {
	rec, ok := s.ownedReceipt(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleFile streams the original upload.
func (s *Server) handleFile(c *gin.Context) {
	rec, ok := s.ownedReceipt(c)
	if !ok {
		return
	}
	data, err := s.ingest.Content(c.Request.Context(), rec)
	if err != nil {
		abortWithError(c, err)
		return
	}
	name := filepath.Base(rec.OriginalFilename)
	if rec.OriginalFilename == "" {
		name = rec.ID.String()
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	c.Data(http.StatusOK, rec.MimeType, data)
}

// handleStats reports the owner's receipt count per status.
func (s *Server) handleStats(c *gin.Context) {
	counts, err := s.receipts.CountByStatus(c.Request.Context(), ownerOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts, "total": total})
}

func (s *Server) handleEdit(c *gin.Context) {
	current, ok := s.ownedReceipt(c)
	if !ok {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, common.NewValidationError("invalid body: "+err.Error()))
		return
	}
	rec, err := s.receipts.EditReceipt(c.Request.Context(), current.ID, req.toEdit())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDelete(c *gin.Context) {
	rec, ok := s.ownedReceipt(c)
	if !ok {
		return
	}
	if err := s.ingest.Delete(c.Request.Context(), rec.ID); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReprocess(c *gin.Context) {
	rec, ok := s.ownedReceipt(c)
	if !ok {
		return
	}
	rec, err := s.ingest.Reprocess(c.Request.Context(), rec.ID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

// ownedReceipt loads :id and hides receipts of other owners behind 404.
func (s *Server) ownedReceipt(c *gin.Context) (*entity.Receipt, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, common.NewValidationError("id must be a UUID"))
		return nil, false
	}
	rec, err := s.receipts.GetReceipt(c.Request.Context(), id)
	if err == nil && rec.OwnerID != ownerOf(c) {
		err = common.NewNotFoundError("receipt " + id.String() + " not found")
	}
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	return rec, true
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, common.NewValidationError(key + " must be an integer")
	}
	return n, nil
}
