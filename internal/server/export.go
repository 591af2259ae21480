package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/export"
	"github.com/joseph-ayodele/receipts-pipeline/internal/utils"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// handleExport streams an XLSX workbook. Optional from/to are YYYY-MM-DD:
// only from -> from..today, only to -> beginning..to, none -> everything.
func (s *Server) handleExport(c *gin.Context) {
	from, err := utils.ParseYMD(c.Query("from"))
	if err != nil {
		abortWithError(c, common.NewValidationError("from: "+err.Error()))
		return
	}
	to, err := utils.ParseYMD(c.Query("to"))
	if err != nil {
		abortWithError(c, common.NewValidationError("to: "+err.Error()))
		return
	}
	statuses, err := utils.ParseStatuses(c.QueryArray("status"))
	if err != nil {
		abortWithError(c, common.NewValidationError(err.Error()))
		return
	}

	data, rows, err := s.export.ExportReceiptsXLSX(c.Request.Context(), export.Request{
		OwnerID:  ownerOf(c),
		From:     from,
		To:       to,
		Statuses: statuses,
	})
	if err != nil {
		common.LoggerFromContext(c.Request.Context(), s.logger).Error("export.xlsx.failed", "error", err)
		abortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "receipts.xlsx"))
	c.Header("X-Export-Rows", strconv.Itoa(rows))
	c.Data(http.StatusOK, xlsxContentType, data)
}
