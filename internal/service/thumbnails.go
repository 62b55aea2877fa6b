package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/imaging"
)

// ThumbnailRepository lists and flags images without thumbnail
type ThumbnailRepository interface {
	ListMissingThumbnails(ctx context.Context, limit int) ([]domain.GenerationImage, error)
	MarkThumbnail(ctx context.Context, id int64) error
}

// ThumbnailSweep regenerates thumbnails that could not be written at persist time
type ThumbnailSweep struct {
	repo   ThumbnailRepository
	store  ImageStore
	maxDim int
	limit  int
	logger *zap.Logger
}

// NewThumbnailSweep creates a thumbnail repair sweep handling at most limit images per run
func NewThumbnailSweep(repo ThumbnailRepository, store ImageStore, maxDim, limit int, logger *zap.Logger) *ThumbnailSweep {
	if limit <= 0 {
		limit = 50
	}
	return &ThumbnailSweep{
		repo:   repo,
		store:  store,
		maxDim: maxDim,
		limit:  limit,
		logger: logger.Named("thumbnail_sweep"),
	}
}

// Run repairs one page of missing thumbnails and returns how many were fixed.
// A single broken image does not stop the sweep.
func (s *ThumbnailSweep) Run(ctx context.Context) (int, error) {
	images, err := s.repo.ListMissingThumbnails(ctx, s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list images without thumbnail: %w", err)
	}
	if len(images) == 0 {
		return 0, nil
	}

	repaired := 0
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		if err := s.repair(ctx, img); err != nil {
			s.logger.Warn("Failed to repair thumbnail",
				zap.Int64("image_id", img.ID),
				zap.String("filename", img.Filename),
				zap.Error(err),
			)
			continue
		}
		repaired++
	}

	s.logger.Info("Thumbnail sweep finished", zap.Int("candidates", len(images)), zap.Int("repaired", repaired))
	return repaired, nil
}

func (s *ThumbnailSweep) repair(ctx context.Context, img domain.GenerationImage) error {
	data, err := s.store.ReadImage(img.Filename)
	if err != nil {
		return err
	}
	thumb, err := imaging.Thumbnail(data, s.maxDim)
	if err != nil {
		return err
	}
	if err := s.store.SaveThumbnail(img.Filename, thumb); err != nil {
		return err
	}
	return s.repo.MarkThumbnail(ctx, img.ID)
}
