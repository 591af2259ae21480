package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/ingest"
)

// multipart framing allowance on top of the file limit
const formOverhead = 1 << 20

// handleUpload accepts a multipart "file" part. 201 for a new receipt, 200
// when the same bytes were already uploaded by this owner.
func (s *Server) handleUpload(c *gin.Context) {
	if s.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBytes+formOverhead)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWithError(c, common.NewValidationError("upload exceeds the size limit"))
			return
		}
		abortWithError(c, common.NewValidationError("multipart field \"file\" is required"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		abortWithError(c, common.NewValidationError("cannot read upload: "+err.Error()))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		abortWithError(c, common.NewValidationError("cannot read upload: "+err.Error()))
		return
	}

	res, err := s.ingest.Upload(c.Request.Context(), ingest.UploadRequest{
		OwnerID:  ownerOf(c),
		Filename: fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
		Data:     data,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}
