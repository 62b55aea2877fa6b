package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/relay"
	"github.com/basel-ax/streamgen/internal/stream"
)

// ImageClient is the upstream provider
type ImageClient interface {
	SupportsStreaming(req domain.ImageGenerationRequest) bool
	StreamRequest(req domain.ImageGenerationRequest) (relay.Request, error)
	GenerateImage(ctx context.Context, req domain.ImageGenerationRequest) ([]byte, error)
}

// Forwarder pipes one upstream response into w
type Forwarder interface {
	Forward(ctx context.Context, req relay.Request, w io.Writer) relay.Result
}

// StreamingRunner runs a slot over its own relay connection and decoder
type StreamingRunner struct {
	client ImageClient
	proxy  Forwarder
	logger *zap.Logger
}

// NewStreamingRunner creates a streaming slot runner
func NewStreamingRunner(client ImageClient, proxy Forwarder, logger *zap.Logger) *StreamingRunner {
	return &StreamingRunner{
		client: client,
		proxy:  proxy,
		logger: logger.Named("streaming_runner"),
	}
}

// RunSlot relays one streaming call into a stream consumer and returns the
// last image it decoded. Every decoded image is passed to onPartial.
func (r *StreamingRunner) RunSlot(ctx context.Context, slot int, req domain.ImageGenerationRequest, onPartial domain.PartialFunc) ([]byte, error) {
	relayReq, err := r.client.StreamRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	results := make(chan relay.Result, 1)
	go func() {
		res := r.proxy.Forward(ctx, relayReq, pw)
		pw.Close()
		results <- res
	}()

	log := r.logger.With(zap.Int("slot", slot))
	consumer := stream.NewConsumer(func(img []byte) {
		if onPartial != nil {
			onPartial(slot, img)
		}
	}, log)

	image, consumeErr := consumer.Consume(ctx, pr)

	// Unblock the relay if the consumer stopped early.
	cancel()
	pr.CloseWithError(io.ErrClosedPipe)
	res := <-results

	stats := consumer.Stats()
	log.Debug("Slot stream finished",
		zap.Int("records", stats.Records),
		zap.Int("images", stats.Images),
		zap.Int("skipped", stats.Skipped),
		zap.Int64("bytes_in", stats.BytesIn),
		zap.String("last_type", stats.LastType),
	)

	// A dropped connection fails the slot even when earlier partials decoded;
	// the synthetic record only carries a generic message, so prefer the cause.
	if errors.Is(res.Err, domain.ErrTransport) {
		return nil, res.Err
	}
	if consumeErr != nil {
		return nil, consumeErr
	}
	return image, nil
}

// SingleShotRunner runs a slot as one non-streaming upstream call
type SingleShotRunner struct {
	client ImageClient
}

// NewSingleShotRunner creates a non-streaming slot runner
func NewSingleShotRunner(client ImageClient) *SingleShotRunner {
	return &SingleShotRunner{client: client}
}

// RunSlot returns the generated image. The final image is reported through
// onPartial once so callers see one preview per slot in either mode.
func (r *SingleShotRunner) RunSlot(ctx context.Context, slot int, req domain.ImageGenerationRequest, onPartial domain.PartialFunc) ([]byte, error) {
	image, err := r.client.GenerateImage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}
	if onPartial != nil {
		onPartial(slot, image)
	}
	return image, nil
}
