package domain

import (
	"context"
	"fmt"
)

// Mode selects the upstream provider family
type Mode string

const (
	ModeOpenAI Mode = "openai"
	ModeGemini Mode = "gemini"
)

// ParseMode validates a mode string
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOpenAI, ModeGemini:
		return Mode(s), nil
	case "":
		return ModeOpenAI, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// ReferenceImage is an image attached to a request to guide an edit
type ReferenceImage struct {
	Data     []byte
	MimeType string
}

// Extension returns the file extension for the image's MIME type, png when unknown
func (r ReferenceImage) Extension() string {
	switch r.MimeType {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	}
	return "png"
}

// ImageGenerationRequest represents the parameters for one upstream generation call
type ImageGenerationRequest struct {
	Prompt          string
	Mode            Mode
	Quality         string
	Size            string
	ReferenceImages []ReferenceImage
}

// BatchRequest represents a user-initiated request for 1..N images
type BatchRequest struct {
	BatchID         string
	UserID          string
	Prompt          string
	Mode            Mode
	Quality         string
	Count           int
	Stream          bool
	IsPrivate       bool
	ReferenceImages []ReferenceImage
}

// Generation returns the per-slot upstream request
func (r BatchRequest) Generation() ImageGenerationRequest {
	return ImageGenerationRequest{
		Prompt:          r.Prompt,
		Mode:            r.Mode,
		Quality:         r.Quality,
		ReferenceImages: r.ReferenceImages,
	}
}

// Batch returns the batch metadata for the request
func (r BatchRequest) Batch() Batch {
	return Batch{
		ID:             r.BatchID,
		UserID:         r.UserID,
		Prompt:         r.Prompt,
		Mode:           r.Mode,
		Quality:        r.Quality,
		RequestedCount: r.Count,
		IsPrivate:      r.IsPrivate,
	}
}

// PartialFunc receives intermediate previews. It may be called from several
// goroutines when more than one slot is running.
type PartialFunc func(slot int, image []byte)

// SlotRunner produces the final image bytes for one slot
type SlotRunner interface {
	RunSlot(ctx context.Context, slot int, req ImageGenerationRequest, onPartial PartialFunc) ([]byte, error)
}

// SlotResult is the settled state of one slot
type SlotResult struct {
	Slot  int
	Image []byte
	Err   error
}

// OutcomeImage is the caller-facing summary of one persisted image
type OutcomeImage struct {
	SlotIndex   int    `json:"slotIndex"`
	FileRef     string `json:"fileRef"`
	CostCents   int    `json:"costCents"`
	AspectClass string `json:"aspectClass"`
	IsMainImage bool   `json:"isMainImage"`
}

// BatchOutcome is the aggregated result of a batch run
type BatchOutcome struct {
	Success         bool           `json:"success"`
	BatchID         string         `json:"batchId"`
	Images          []OutcomeImage `json:"images"`
	FailedSlotCount int            `json:"failedSlotCount"`
}

// AllFailed reports whether no slot produced a persisted image
func (o BatchOutcome) AllFailed() bool {
	return !o.Success
}
