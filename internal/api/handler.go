// Package api exposes the HTTP surface of the service.
package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/metrics"
	"github.com/basel-ax/streamgen/internal/relay"
)

const userIDHeader = "X-User-ID"

// Generator runs image generations
type Generator interface {
	GenerateImage(ctx context.Context, req domain.ImageGenerationRequest) ([]byte, error)
	StreamImage(ctx context.Context, req domain.ImageGenerationRequest, w io.Writer) (relay.Result, error)
	Validate(req *domain.BatchRequest) error
	RunBatch(ctx context.Context, req domain.BatchRequest, onPartial domain.PartialFunc) (domain.BatchOutcome, error)
	PromoteMainImage(ctx context.Context, batchID string, imageNumber int) error
}

// Prompter writes prompt text
type Prompter interface {
	Optimize(ctx context.Context, text string) (string, error)
	Random(ctx context.Context, theme string) (string, error)
}

// BatchReader reads stored batches
type BatchReader interface {
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
	ListBatchImages(ctx context.Context, batchID string) ([]domain.GenerationImage, error)
}

// FileRefs maps stored file names to public references
type FileRefs interface {
	FileRef(filename string) string
}

// Handler holds the dependencies of all routes
type Handler struct {
	generator Generator
	prompter  Prompter
	batches   BatchReader
	files     FileRefs
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(generator Generator, prompter Prompter, batches BatchReader, files FileRefs, logger *zap.Logger) *Handler {
	return &Handler{
		generator: generator,
		prompter:  prompter,
		batches:   batches,
		files:     files,
		logger:    logger.Named("api"),
	}
}

// Router builds the gin engine with all routes
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), ZapLogger(h.logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.POST("/relay/:operation", h.Relay)
	api.POST("/batches", h.CreateBatch)
	api.GET("/batches/:batchId", h.GetBatch)
	api.POST("/batches/:batchId/main/:imageNumber", h.PromoteMainImage)

	return r
}
