package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/basel-ax/streamgen/internal/domain"
)

// Batch stream events
const (
	EventPreview = "preview"
	EventOutcome = "outcome"
)

type createBatchRequest struct {
	Prompt          string                  `json:"prompt"`
	Mode            string                  `json:"mode"`
	Quality         string                  `json:"quality"`
	Count           int                     `json:"count"`
	Stream          bool                    `json:"stream"`
	Private         bool                    `json:"private"`
	ReferenceImages []referenceImagePayload `json:"referenceImages"`
}

type batchResponse struct {
	domain.BatchOutcome
	Message string `json:"message,omitempty"`
}

type previewEvent struct {
	Slot  int    `json:"slot"`
	Image string `json:"image"`
}

type batchImageView struct {
	ImageNumber         int    `json:"imageNumber"`
	SlotIndex           int    `json:"slotIndex"`
	FileRef             string `json:"fileRef"`
	Width               int    `json:"width"`
	Height              int    `json:"height"`
	AspectClass         string `json:"aspectClass"`
	CostCents           int    `json:"costCents"`
	ReferenceImageCount int    `json:"referenceImageCount"`
	IsMainImage         bool   `json:"isMainImage"`
}

type batchView struct {
	BatchID        string           `json:"batchId"`
	Prompt         string           `json:"prompt"`
	Mode           string           `json:"mode"`
	Quality        string           `json:"quality"`
	RequestedCount int              `json:"requestedCount"`
	IsPrivate      bool             `json:"private"`
	CreatedAt      time.Time        `json:"createdAt"`
	Images         []batchImageView `json:"images"`
}

// CreateBatch runs a batch. Clients accepting text/event-stream receive
// preview events while slots run and a final outcome event.
func (h *Handler) CreateBatch(c *gin.Context) {
	userID := c.GetHeader(userIDHeader)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Code: ErrCodeUnauthorized, Message: "missing " + userIDHeader})
		return
	}

	var body createBatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	mode, err := domain.ParseMode(body.Mode)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	refs, err := decodeReferenceImages(body.ReferenceImages)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	req := domain.BatchRequest{
		UserID:          userID,
		Prompt:          body.Prompt,
		Mode:            mode,
		Quality:         body.Quality,
		Count:           body.Count,
		Stream:          body.Stream,
		IsPrivate:       body.Private,
		ReferenceImages: refs,
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if err := h.generator.Validate(&req); err != nil {
		h.handleServiceError(c, err)
		return
	}

	if acceptsEventStream(c.Request) {
		h.streamBatch(c, req)
		return
	}

	outcome, err := h.generator.RunBatch(c.Request.Context(), req, nil)
	if err != nil {
		if errors.Is(err, domain.ErrAllSlotsFailed) {
			c.JSON(http.StatusBadGateway, batchResponse{BatchOutcome: outcome, Message: GenericFailureMessage})
			return
		}
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, batchResponse{BatchOutcome: outcome})
}

func (h *Handler) streamBatch(c *gin.Context, req domain.BatchRequest) {
	setEventStreamHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.Flush()

	// Slots report concurrently.
	var mu sync.Mutex
	onPartial := func(slot int, image []byte) {
		mu.Lock()
		defer mu.Unlock()
		c.SSEvent(EventPreview, previewEvent{Slot: slot, Image: base64.StdEncoding.EncodeToString(image)})
		c.Writer.Flush()
	}

	outcome, err := h.generator.RunBatch(c.Request.Context(), req, onPartial)

	resp := batchResponse{BatchOutcome: outcome}
	if err != nil {
		if !errors.Is(err, domain.ErrAllSlotsFailed) {
			h.logger.Error("Batch failed", zap.String("batch_id", req.BatchID), zap.Error(err))
		}
		resp.Success = false
		resp.BatchID = req.BatchID
		resp.Message = GenericFailureMessage
	}

	mu.Lock()
	defer mu.Unlock()
	c.SSEvent(EventOutcome, resp)
	c.Writer.Flush()
}

// GetBatch lists the stored images of a batch
func (h *Handler) GetBatch(c *gin.Context) {
	batch, ok := h.loadBatch(c)
	if !ok {
		return
	}

	images, err := h.batches.ListBatchImages(c.Request.Context(), batch.ID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	view := batchView{
		BatchID:        batch.ID,
		Prompt:         batch.Prompt,
		Mode:           string(batch.Mode),
		Quality:        batch.Quality,
		RequestedCount: batch.RequestedCount,
		IsPrivate:      batch.IsPrivate,
		CreatedAt:      batch.CreatedAt.UTC(),
		Images:         make([]batchImageView, 0, len(images)),
	}
	for _, img := range images {
		view.Images = append(view.Images, batchImageView{
			ImageNumber:         img.ImageNumber,
			SlotIndex:           img.SlotIndex(),
			FileRef:             h.files.FileRef(img.Filename),
			Width:               img.Width,
			Height:              img.Height,
			AspectClass:         img.AspectClass,
			CostCents:           img.CostCents,
			ReferenceImageCount: img.ReferenceImageCount,
			IsMainImage:         img.IsMainImage,
		})
	}
	c.JSON(http.StatusOK, view)
}

// PromoteMainImage makes another image of the batch its main image
func (h *Handler) PromoteMainImage(c *gin.Context) {
	imageNumber, err := strconv.Atoi(c.Param("imageNumber"))
	if err != nil || imageNumber < 1 {
		badRequest(c, "imageNumber must be a positive integer")
		return
	}

	batch, ok := h.loadBatch(c)
	if !ok {
		return
	}
	if batch.UserID != c.GetHeader(userIDHeader) {
		// Only the owner may change the batch.
		h.handleServiceError(c, domain.ErrNotFound)
		return
	}

	if err := h.generator.PromoteMainImage(c.Request.Context(), batch.ID, imageNumber); err != nil {
		h.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batchId": batch.ID, "mainImageNumber": imageNumber})
}

// loadBatch reads the batch named in the path. Private batches are hidden
// from everyone but their owner.
func (h *Handler) loadBatch(c *gin.Context) (*domain.Batch, bool) {
	batch, err := h.batches.GetBatch(c.Request.Context(), c.Param("batchId"))
	if err != nil {
		h.handleServiceError(c, err)
		return nil, false
	}
	if batch.IsPrivate && batch.UserID != c.GetHeader(userIDHeader) {
		h.handleServiceError(c, domain.ErrNotFound)
		return nil, false
	}
	return batch, true
}
