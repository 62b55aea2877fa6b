package api

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/basel-ax/streamgen/internal/domain"
)

// Relay operations
const (
	OpGenerate          = "generate"
	OpGenerateStreaming = "generate_streaming"
	OpEditWithRefs      = "edit-with-reference-images"
	OpOptimizePrompt    = "optimize-prompt-text"
	OpRandomPrompt      = "random-prompt-text"
)

type referenceImagePayload struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type relayRequest struct {
	Prompt          string                  `json:"prompt"`
	Mode            string                  `json:"mode"`
	Quality         string                  `json:"quality"`
	Size            string                  `json:"size"`
	ReferenceImages []referenceImagePayload `json:"referenceImages"`
	Text            string                  `json:"text"`
	Theme           string                  `json:"theme"`
}

type imageResponse struct {
	B64JSON string `json:"b64_json"`
}

type promptResponse struct {
	Prompt string `json:"prompt"`
}

// Relay dispatches one of the relay operations
func (h *Handler) Relay(c *gin.Context) {
	var req relayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	switch op := c.Param("operation"); op {
	case OpGenerate, OpEditWithRefs:
		h.relayGenerate(c, req, op == OpEditWithRefs)
	case OpGenerateStreaming:
		h.relayStream(c, req)
	case OpOptimizePrompt:
		prompt, err := h.prompter.Optimize(c.Request.Context(), req.Text)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, promptResponse{Prompt: prompt})
	case OpRandomPrompt:
		prompt, err := h.prompter.Random(c.Request.Context(), req.Theme)
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, promptResponse{Prompt: prompt})
	default:
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Code: ErrCodeNotFound, Message: "unknown operation " + op})
	}
}

func (h *Handler) relayGenerate(c *gin.Context, req relayRequest, requireRefs bool) {
	genReq, err := req.generation()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if requireRefs && len(genReq.ReferenceImages) == 0 {
		badRequest(c, "at least one reference image is required")
		return
	}

	image, err := h.generator.GenerateImage(c.Request.Context(), genReq)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, imageResponse{B64JSON: base64.StdEncoding.EncodeToString(image)})
}

// relayStream pipes the upstream event stream to the client. No per-caller
// state is held while the stream is open.
func (h *Handler) relayStream(c *gin.Context, req relayRequest) {
	genReq, err := req.generation()
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	w := newEventStreamWriter(c.Writer)
	res, err := h.generator.StreamImage(c.Request.Context(), genReq, w)
	if err != nil {
		if !w.started {
			h.handleServiceError(c, err)
			return
		}
		h.logger.Warn("Streaming relay failed after start", zap.Error(err))
		return
	}
	if res.Err != nil {
		h.logger.Warn("Streaming relay ended with error",
			zap.Int("status_code", res.StatusCode),
			zap.Int64("written", res.Written),
			zap.Error(res.Err),
		)
	}
}

func (r relayRequest) generation() (domain.ImageGenerationRequest, error) {
	mode, err := domain.ParseMode(r.Mode)
	if err != nil {
		return domain.ImageGenerationRequest{}, err
	}
	refs, err := decodeReferenceImages(r.ReferenceImages)
	if err != nil {
		return domain.ImageGenerationRequest{}, err
	}
	return domain.ImageGenerationRequest{
		Prompt:          r.Prompt,
		Mode:            mode,
		Quality:         r.Quality,
		Size:            r.Size,
		ReferenceImages: refs,
	}, nil
}
