// Package server exposes the pipeline over HTTP and serves gRPC health.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
	"github.com/joseph-ayodele/receipts-pipeline/internal/export"
	"github.com/joseph-ayodele/receipts-pipeline/internal/ingest"
	"github.com/joseph-ayodele/receipts-pipeline/internal/receipts"
)

const (
	HeaderOwnerID   = "X-Owner-ID"
	HeaderRequestID = "X-Request-ID"
)

// Ingestor is the write side of the API.
type Ingestor interface {
	Upload(ctx context.Context, req ingest.UploadRequest) (*entity.UploadResult, error)
	Reprocess(ctx context.Context, id uuid.UUID) (*entity.Receipt, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Content(ctx context.Context, rec *entity.Receipt) ([]byte, error)
}

// ReceiptReader serves reads and user edits.
type ReceiptReader interface {
	GetReceipt(ctx context.Context, id uuid.UUID) (*entity.Receipt, error)
	ListReceipts(ctx context.Context, req receipts.ListReceiptsRequest) ([]*entity.Receipt, error)
	EditReceipt(ctx context.Context, id uuid.UUID, edit entity.ReceiptEdit) (*entity.Receipt, error)
	CountByStatus(ctx context.Context, ownerID string) (map[constants.ReceiptStatus]int, error)
}

type Exporter interface {
	ExportReceiptsXLSX(ctx context.Context, req export.Request) ([]byte, int, error)
}

type Deps struct {
	Ingest   Ingestor
	Receipts ReceiptReader
	Export   Exporter
}

type Server struct {
	ingest   Ingestor
	receipts ReceiptReader
	export   Exporter
	maxBytes int64
	logger   *slog.Logger
}

// NewRouter builds the HTTP API.
func NewRouter(deps Deps, cfg common.ServerConfig, maxUploadBytes int64, logger *slog.Logger) *gin.Engine {
	s := &Server{
		ingest:   deps.Ingest,
		receipts: deps.Receipts,
		export:   deps.Export,
		maxBytes: maxUploadBytes,
		logger:   common.OrDefault(logger),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestID(), s.accessLog(), cors.New(corsConfig(cfg.CORSOrigins)))

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := router.Group("/v1/receipts", s.requireOwner())
	{
		api.POST("", s.handleUpload)
		api.GET("", s.handleList)
		api.GET("/export", s.handleExport)
		api.GET("/stats", s.handleStats)
		api.GET("/:id", s.handleGet)
		api.GET("/:id/file", s.handleFile)
		api.PATCH("/:id", s.handleEdit)
		api.DELETE("/:id", s.handleDelete)
		api.POST("/:id/reprocess", s.handleReprocess)
	}
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AddAllowMethods("PATCH")
	cfg.AddAllowHeaders(HeaderOwnerID, HeaderRequestID)
	cfg.AddExposeHeaders("Content-Disposition", HeaderRequestID)
	return cfg
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(HeaderRequestID, id)
		ctx := common.WithRequestID(c.Request.Context(), id)
		ctx = common.WithLogger(ctx, s.logger.With("request_id", id))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelInfo
		if len(c.Errors) > 0 {
			level = slog.LevelError
		}
		ctx := c.Request.Context()
		s.logger.Log(ctx, level, "http.request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"request_id", common.RequestIDFromContext(ctx),
			"owner_id", common.OwnerIDFromContext(ctx),
			"elapsed_ms", time.Since(start).Milliseconds(),
			"errors", c.Errors.ByType(gin.ErrorTypeAny).String(),
		)
	}
}

func (s *Server) requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetHeader(HeaderOwnerID)
		if err := common.ValidateVar(owner, "required,max=64"); err != nil {
			abortWithError(c, common.NewValidationError(HeaderOwnerID+" header is required (max 64 chars)"))
			return
		}
		ctx := common.WithOwnerID(c.Request.Context(), owner)
		ctx = common.WithLogger(ctx, common.LoggerFromContext(ctx, s.logger).With("owner_id", owner))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func ownerOf(c *gin.Context) string { return common.OwnerIDFromContext(c.Request.Context()) }
