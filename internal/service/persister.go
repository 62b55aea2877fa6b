package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/imaging"
	"github.com/basel-ax/streamgen/internal/metrics"
	"github.com/basel-ax/streamgen/internal/pricing"
	"github.com/basel-ax/streamgen/internal/repository"
)

// ImageStore keeps raw images and thumbnails
type ImageStore interface {
	SaveImage(batchID string, imageNumber int, ext string, data []byte) (string, error)
	SaveThumbnail(filename string, data []byte) error
	ReadImage(filename string) ([]byte, error)
	RemoveImage(filename string) error
	PublicURL(filename string) string
}

// Persister stores the final image of one slot
type Persister interface {
	Persist(ctx context.Context, batch domain.Batch, slot int, image []byte, referenceImageCount int) (*domain.GenerationImage, error)
	FileRef(filename string) string
}

// ResultPersister turns final image bytes into a stored GenerationImage
type ResultPersister struct {
	repo        repository.ImageRepository
	store       ImageStore
	pricing     *pricing.Table
	thumbMaxDim int
	logger      *zap.Logger
}

// NewResultPersister creates a result persister
func NewResultPersister(repo repository.ImageRepository, store ImageStore, table *pricing.Table, thumbMaxDim int, logger *zap.Logger) *ResultPersister {
	if table == nil {
		table = pricing.Default()
	}
	return &ResultPersister{
		repo:        repo,
		store:       store,
		pricing:     table,
		thumbMaxDim: thumbMaxDim,
		logger:      logger.Named("persister"),
	}
}

// Persist decodes image to find its real geometry, prices it, writes the file
// and its thumbnail, and inserts the record for slot. The batch row is only
// written together with an image. The first image stored for a batch becomes
// its main image.
func (p *ResultPersister) Persist(ctx context.Context, batch domain.Batch, slot int, image []byte, referenceImageCount int) (*domain.GenerationImage, error) {
	log := p.logger.With(zap.String("batch_id", batch.ID), zap.Int("slot", slot))

	info, err := imaging.Inspect(image)
	if err != nil {
		return nil, err
	}

	cost, err := p.pricing.Cost(batch.Mode, batch.Quality, referenceImageCount)
	if err != nil {
		return nil, fmt.Errorf("failed to price image: %w", err)
	}

	imageNumber := slot + 1
	filename, err := p.store.SaveImage(batch.ID, imageNumber, info.Extension(), image)
	if err != nil {
		return nil, err
	}

	record := &domain.GenerationImage{
		BatchID:             batch.ID,
		ImageNumber:         imageNumber,
		Filename:            filename,
		ReferenceImageCount: referenceImageCount,
		Width:               info.Width,
		Height:              info.Height,
		AspectClass:         imaging.ClassifyAspect(info.Width, info.Height),
		CostCents:           cost,
		Quality:             batch.Quality,
		HasThumbnail:        p.writeThumbnail(log, filename, image),
	}

	if _, err := p.repo.CreateGenerationRecord(ctx, batch, record); err != nil {
		// A duplicate shares the file name with the row already stored.
		if !errors.Is(err, domain.ErrDuplicateSlot) {
			if rmErr := p.store.RemoveImage(filename); rmErr != nil {
				log.Warn("Failed to remove orphaned image", zap.String("filename", filename), zap.Error(rmErr))
			}
		}
		return nil, err
	}

	metrics.AddCost(string(batch.Mode), batch.Quality, cost)
	log.Info("Image persisted",
		zap.Int64("image_id", record.ID),
		zap.String("filename", filename),
		zap.Int("width", record.Width),
		zap.Int("height", record.Height),
		zap.String("aspect_class", record.AspectClass),
		zap.Int("cost_cents", cost),
		zap.Bool("is_main_image", record.IsMainImage),
	)
	return record, nil
}

// FileRef returns the public reference of a stored image
func (p *ResultPersister) FileRef(filename string) string {
	return p.store.PublicURL(filename)
}

// writeThumbnail reports whether the thumbnail was stored. Failures are left
// to the repair sweep.
func (p *ResultPersister) writeThumbnail(log *zap.Logger, filename string, image []byte) bool {
	thumb, err := imaging.Thumbnail(image, p.thumbMaxDim)
	if err != nil {
		log.Warn("Failed to render thumbnail", zap.String("filename", filename), zap.Error(err))
		return false
	}
	if err := p.store.SaveThumbnail(filename, thumb); err != nil {
		log.Warn("Failed to save thumbnail", zap.String("filename", filename), zap.Error(err))
		return false
	}
	return true
}
