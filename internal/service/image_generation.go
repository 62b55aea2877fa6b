package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/metrics"
	"github.com/basel-ax/streamgen/internal/relay"
)

// MainImagePromoter moves the main image flag within a batch
type MainImagePromoter interface {
	PromoteMainImage(ctx context.Context, batchID string, imageNumber int) error
}

// ReferenceStore keeps the reference images supplied with a batch
type ReferenceStore interface {
	SaveReference(batchID string, index int, ext string, data []byte) (string, error)
}

// Options bounds what a caller may request
type Options struct {
	MaxCount        int
	MaxPromptLength int
}

// ImageGenerationService runs batches of image generations
type ImageGenerationService struct {
	client     ImageClient
	proxy      Forwarder
	streaming  domain.SlotRunner
	singleShot domain.SlotRunner
	persister  Persister
	promoter   MainImagePromoter
	references ReferenceStore
	opts       Options
	logger     *zap.Logger
}

// NewImageGenerationService creates a new image generation service
func NewImageGenerationService(
	client ImageClient,
	proxy Forwarder,
	persister Persister,
	promoter MainImagePromoter,
	references ReferenceStore,
	opts Options,
	logger *zap.Logger,
) *ImageGenerationService {
	if opts.MaxCount <= 0 {
		opts.MaxCount = 4
	}
	return &ImageGenerationService{
		client:     client,
		proxy:      proxy,
		streaming:  NewStreamingRunner(client, proxy, logger),
		singleShot: NewSingleShotRunner(client),
		persister:  persister,
		promoter:   promoter,
		references: references,
		opts:       opts,
		logger:     logger.Named("image_generation"),
	}
}

// WithRunners replaces the slot runners
func (s *ImageGenerationService) WithRunners(streaming, singleShot domain.SlotRunner) *ImageGenerationService {
	s.streaming = streaming
	s.singleShot = singleShot
	return s
}

// CanStream reports whether req is served by a single streaming call. Only a
// one-image request without reference images can stream; everything else
// falls back to one non-streaming call per slot.
func (s *ImageGenerationService) CanStream(req domain.BatchRequest) bool {
	return req.Stream &&
		req.Count == 1 &&
		len(req.ReferenceImages) == 0 &&
		s.client.SupportsStreaming(req.Generation())
}

// GenerateImage performs one non-streaming generation
func (s *ImageGenerationService) GenerateImage(ctx context.Context, req domain.ImageGenerationRequest) ([]byte, error) {
	req.Prompt = s.normalizePrompt(req.Prompt)
	if req.Prompt == "" {
		return nil, ErrEmptyPrompt
	}

	image, err := s.client.GenerateImage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to generate image: %w", err)
	}
	return image, nil
}

// StreamImage relays one streaming generation to w as it arrives
func (s *ImageGenerationService) StreamImage(ctx context.Context, req domain.ImageGenerationRequest, w io.Writer) (relay.Result, error) {
	req.Prompt = s.normalizePrompt(req.Prompt)
	if req.Prompt == "" {
		return relay.Result{}, ErrEmptyPrompt
	}

	relayReq, err := s.client.StreamRequest(req)
	if err != nil {
		return relay.Result{}, err
	}
	return s.proxy.Forward(ctx, relayReq, w), nil
}

// Validate checks and normalizes a batch request in place
func (s *ImageGenerationService) Validate(req *domain.BatchRequest) error {
	req.Prompt = s.normalizePrompt(req.Prompt)
	if req.Prompt == "" {
		return ErrEmptyPrompt
	}
	if req.Count < 1 || req.Count > s.opts.MaxCount {
		return fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidCount, req.Count, s.opts.MaxCount)
	}
	if req.Mode == "" {
		req.Mode = domain.ModeOpenAI
	}
	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	}
	return nil
}

// RunBatch generates req.Count images concurrently and persists every one
// that succeeded. Slots never cancel each other; the call returns once all of
// them settled. When no image could be produced the outcome is returned
// together with domain.ErrAllSlotsFailed and nothing is persisted.
func (s *ImageGenerationService) RunBatch(ctx context.Context, req domain.BatchRequest, onPartial domain.PartialFunc) (domain.BatchOutcome, error) {
	if err := s.Validate(&req); err != nil {
		return domain.BatchOutcome{}, err
	}

	log := s.logger.With(zap.String("batch_id", req.BatchID))
	streaming := s.CanStream(req)
	if req.Stream && !streaming {
		log.Info("Streaming not available for request, using single-shot calls",
			zap.Int("count", req.Count),
			zap.Int("reference_images", len(req.ReferenceImages)),
			zap.String("mode", string(req.Mode)),
		)
	}

	runner := s.singleShot
	if streaming {
		runner = s.streaming
	}

	s.saveReferences(log, req)

	log.Info("Starting batch",
		zap.Int("count", req.Count),
		zap.Bool("streaming", streaming),
		zap.String("mode", string(req.Mode)),
		zap.String("quality", req.Quality),
	)

	results := s.runSlots(ctx, runner, req, onPartial)

	batch := req.Batch()
	batch.CreatedAt = time.Now()
	images, failed := s.persistAll(ctx, log, batch, results, len(req.ReferenceImages))

	outcome := domain.BatchOutcome{
		BatchID:         req.BatchID,
		FailedSlotCount: failed,
	}

	metrics.ObserveBatch(len(images), failed)
	if len(images) == 0 {
		log.Warn("All slots failed", zap.Int("count", req.Count))
		return outcome, fmt.Errorf("batch %s: %w", req.BatchID, domain.ErrAllSlotsFailed)
	}

	s.settleMainImage(ctx, log, images)

	outcome.Success = true
	outcome.Images = make([]domain.OutcomeImage, 0, len(images))
	for _, img := range images {
		outcome.Images = append(outcome.Images, domain.OutcomeImage{
			SlotIndex:   img.SlotIndex(),
			FileRef:     s.persister.FileRef(img.Filename),
			CostCents:   img.CostCents,
			AspectClass: img.AspectClass,
			IsMainImage: img.IsMainImage,
		})
	}

	log.Info("Batch finished", zap.Int("persisted", len(images)), zap.Int("failed", failed))
	return outcome, nil
}

// PromoteMainImage makes imageNumber the main image of batchID
func (s *ImageGenerationService) PromoteMainImage(ctx context.Context, batchID string, imageNumber int) error {
	if imageNumber < 1 {
		return fmt.Errorf("batch %s image %d: %w", batchID, imageNumber, domain.ErrNotFound)
	}
	return s.promoter.PromoteMainImage(ctx, batchID, imageNumber)
}

func (s *ImageGenerationService) runSlots(ctx context.Context, runner domain.SlotRunner, req domain.BatchRequest, onPartial domain.PartialFunc) []domain.SlotResult {
	gen := req.Generation()
	mode := string(req.Mode)
	partial := func(slot int, image []byte) {
		metrics.IncPartialImages()
		if onPartial != nil {
			onPartial(slot, image)
		}
	}

	results := make([]domain.SlotResult, req.Count)

	// A plain group: one slot failing must not cancel its siblings.
	var g errgroup.Group
	for i := 0; i < req.Count; i++ {
		slot := i
		g.Go(func() error {
			start := time.Now()
			image, err := runner.RunSlot(ctx, slot, gen, partial)
			metrics.ObserveSlot(mode, err, time.Since(start))
			if err != nil {
				s.logger.Warn("Slot failed",
					zap.String("batch_id", req.BatchID),
					zap.Int("slot", slot),
					zap.Error(err),
				)
			}
			results[slot] = domain.SlotResult{Slot: slot, Image: image, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// persistAll stores every successful slot concurrently. Slots that failed to
// generate or to persist are counted as failed.
func (s *ImageGenerationService) persistAll(ctx context.Context, log *zap.Logger, batch domain.Batch, results []domain.SlotResult, refCount int) ([]*domain.GenerationImage, int) {
	stored := make([]*domain.GenerationImage, len(results))

	var g errgroup.Group
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		res := res
		g.Go(func() error {
			img, err := s.persister.Persist(ctx, batch, res.Slot, res.Image, refCount)
			if err != nil {
				log.Warn("Failed to persist slot", zap.Int("slot", res.Slot), zap.Error(err))
				return nil
			}
			stored[res.Slot] = img
			return nil
		})
	}
	_ = g.Wait()

	images := make([]*domain.GenerationImage, 0, len(stored))
	for _, img := range stored {
		if img != nil {
			images = append(images, img)
		}
	}
	sort.Slice(images, func(i, j int) bool { return images[i].ImageNumber < images[j].ImageNumber })

	return images, len(results) - len(images)
}

// settleMainImage moves the main flag to the lowest persisted slot. Which
// concurrent insert claimed it first is arbitrary; a failed move keeps that one.
func (s *ImageGenerationService) settleMainImage(ctx context.Context, log *zap.Logger, images []*domain.GenerationImage) {
	target := images[0]
	if target.IsMainImage {
		return
	}

	if err := s.promoter.PromoteMainImage(ctx, target.BatchID, target.ImageNumber); err != nil {
		log.Warn("Failed to promote first image to main", zap.Int("image_number", target.ImageNumber), zap.Error(err))
		return
	}
	for _, img := range images {
		img.IsMainImage = img == target
	}
}

func (s *ImageGenerationService) saveReferences(log *zap.Logger, req domain.BatchRequest) {
	if s.references == nil {
		return
	}
	for i, ref := range req.ReferenceImages {
		if _, err := s.references.SaveReference(req.BatchID, i, ref.Extension(), ref.Data); err != nil {
			log.Warn("Failed to save reference image", zap.Int("index", i), zap.Error(err))
		}
	}
}

func (s *ImageGenerationService) normalizePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if s.opts.MaxPromptLength > 0 {
		truncated := truncatePrompt(prompt, s.opts.MaxPromptLength)
		if len(truncated) != len(prompt) {
			s.logger.Info("Prompt truncated",
				zap.Int("from_bytes", len(prompt)),
				zap.Int("to_bytes", len(truncated)),
			)
		}
		prompt = truncated
	}
	return prompt
}

var (
	// ErrEmptyPrompt is returned for a request without prompt text
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrInvalidCount is returned when the requested image count is out of range
	ErrInvalidCount = errors.New("invalid image count")
)
