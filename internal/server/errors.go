package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPStatus maps the shared error codes onto HTTP.
func HTTPStatus(err error) int {
	switch common.CodeOf(err) {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition, codes.Aborted:
		return http.StatusConflict
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := HTTPStatus(err)
	body := errorBody{Code: common.CodeOf(err).String(), Message: err.Error()}
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		body.Code, body.Message = appErr.Code, appErr.Message
	}
	if status == http.StatusInternalServerError {
		// internals stay in the log
		body.Message = "internal error"
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}
