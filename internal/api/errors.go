package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/infrastructure/upstream"
	"github.com/basel-ax/streamgen/internal/service"
)

// Error codes returned to clients
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeUpstream     = "upstream_error"
	ErrCodeGeneration   = "generation_failed"
	ErrCodeInternal     = "internal_error"
)

// GenericFailureMessage is shown when no image of a request could be produced
const GenericFailureMessage = "Image generation failed. Please try again."

// ErrorResponse is the JSON body of every error answer
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleServiceError(c *gin.Context, err error) {
	var statusCode int
	var errResp ErrorResponse

	var upstreamErr *domain.UpstreamError
	switch {
	case errors.Is(err, service.ErrEmptyPrompt),
		errors.Is(err, service.ErrInvalidCount),
		errors.Is(err, domain.ErrStreamingUnsupported):
		statusCode = http.StatusBadRequest
		errResp = ErrorResponse{Code: ErrCodeBadRequest, Message: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		statusCode = http.StatusNotFound
		errResp = ErrorResponse{Code: ErrCodeNotFound, Message: "Not found"}
	case errors.As(err, &upstreamErr):
		statusCode = http.StatusBadGateway
		errResp = ErrorResponse{Code: ErrCodeUpstream, Message: upstreamErr.Message}
	case errors.Is(err, domain.ErrTransport),
		errors.Is(err, domain.ErrNoImageProduced),
		errors.Is(err, domain.ErrImageDecode),
		errors.Is(err, domain.ErrAllSlotsFailed),
		errors.Is(err, upstream.ErrPromptFailed):
		statusCode = http.StatusBadGateway
		errResp = ErrorResponse{Code: ErrCodeGeneration, Message: GenericFailureMessage}
	default:
		h.logger.Error("Unhandled internal error", zap.Error(err))
		statusCode = http.StatusInternalServerError
		errResp = ErrorResponse{Code: ErrCodeInternal, Message: "An unexpected internal error occurred"}
	}

	if statusCode >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(statusCode, errResp)
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeBadRequest, Message: message})
}
