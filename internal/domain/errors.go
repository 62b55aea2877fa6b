package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport is returned when the upstream connection failed
	ErrTransport = errors.New("upstream transport failed")
	// ErrUpstreamReported is returned when the upstream sent an explicit error payload
	ErrUpstreamReported = errors.New("upstream reported an error")
	// ErrNoImageProduced is returned when a stream ended without any image record
	ErrNoImageProduced = errors.New("no image produced")
	// ErrImageDecode is returned when final image bytes are not a valid image
	ErrImageDecode = errors.New("image decode failed")
	// ErrStreamingUnsupported is returned when a streaming call is attempted for a request that cannot stream
	ErrStreamingUnsupported = errors.New("streaming not supported for request")
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSlot is returned when a slot of a batch was already persisted
	ErrDuplicateSlot = errors.New("slot already persisted")
	// ErrAllSlotsFailed is returned when every slot of a batch failed
	ErrAllSlotsFailed = errors.New("all slots failed")
)

// UpstreamError carries the message the upstream sent with an error record
type UpstreamError struct {
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
	}
	return "upstream error: " + e.Message
}

// Unwrap makes UpstreamError match ErrUpstreamReported
func (e *UpstreamError) Unwrap() error {
	return ErrUpstreamReported
}
