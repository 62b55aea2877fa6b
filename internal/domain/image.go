package domain

import "time"

// Batch represents one user-initiated generation request
type Batch struct {
	ID             string
	UserID         string
	Prompt         string
	Mode           Mode
	Quality        string
	RequestedCount int
	IsPrivate      bool
	CreatedAt      time.Time
}

// GenerationImage represents one successfully completed image of a batch
type GenerationImage struct {
	ID                  int64
	BatchID             string
	ImageNumber         int
	Filename            string
	IsMainImage         bool
	ReferenceImageCount int
	Width               int
	Height              int
	AspectClass         string
	CostCents           int
	Quality             string
	HasThumbnail        bool
	CreatedAt           time.Time
}

// SlotIndex returns the zero-based slot the image was generated for
func (g GenerationImage) SlotIndex() int {
	return g.ImageNumber - 1
}
