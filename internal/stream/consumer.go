// Package stream turns one relayed event stream into a final image.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/sse"
)

const readBufferSize = 32 * 1024

// Stats describes what a consumer saw on its stream
type Stats struct {
	Records  int
	Images   int
	Skipped  int
	BytesIn  int64
	LastType string
}

// Consumer reads one stream with its own decoder
type Consumer struct {
	decoder   *sse.Decoder
	onPartial func([]byte)
	logger    *zap.Logger

	last  []byte
	stats Stats
}

// NewConsumer creates a consumer. onPartial is called with every decoded image,
// including the last one, and may be nil.
func NewConsumer(onPartial func([]byte), logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		decoder:   sse.NewDecoder(),
		onPartial: onPartial,
		logger:    logger,
	}
}

// Consume reads r until it ends and returns the last decoded image. An error
// record ends consumption immediately with an *domain.UpstreamError.
func (c *Consumer) Consume(ctx context.Context, r io.Reader) ([]byte, error) {
	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			c.stats.BytesIn += int64(n)
			if err := c.handle(c.decoder.Feed(buf[:n])); err != nil {
				return nil, err
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrTransport, readErr)
		}
	}

	if err := c.handle(c.decoder.Flush()); err != nil {
		return nil, err
	}

	if c.last == nil {
		return nil, domain.ErrNoImageProduced
	}
	return c.last, nil
}

// Stats returns the counters collected so far
func (c *Consumer) Stats() Stats {
	return c.stats
}

func (c *Consumer) handle(records []sse.Record) error {
	for _, rec := range records {
		c.stats.Records++
		switch rec.Kind {
		case sse.KindError:
			c.logger.Warn("Upstream reported an error",
				zap.String("event", rec.Event),
				zap.String("code", rec.Err.Code),
				zap.String("message", rec.Err.Message),
			)
			return rec.Err
		case sse.KindImage:
			if rec.Image == "" {
				continue
			}
			img, err := rec.ImageBytes()
			if err != nil {
				c.stats.Skipped++
				c.logger.Debug("Skipping image record with undecodable data", zap.String("event", rec.Event), zap.Error(err))
				continue
			}
			// The last image seen wins regardless of its event type.
			c.last = img
			c.stats.Images++
			c.stats.LastType = rec.Event
			if c.onPartial != nil {
				c.onPartial(img)
			}
		}
	}
	return nil
}

// Consume is a convenience wrapper around a fresh Consumer
func Consume(ctx context.Context, r io.Reader, onPartial func([]byte)) ([]byte, error) {
	return NewConsumer(onPartial, nil).Consume(ctx, r)
}
