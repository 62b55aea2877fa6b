package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/basel-ax/streamgen/internal/domain"
)

// eventStreamWriter commits the event stream headers on first write so that
// failures before any output can still be answered with a JSON error.
type eventStreamWriter struct {
	w       gin.ResponseWriter
	started bool
}

func newEventStreamWriter(w gin.ResponseWriter) *eventStreamWriter {
	return &eventStreamWriter{w: w}
}

func (e *eventStreamWriter) Write(p []byte) (int, error) {
	if !e.started {
		setEventStreamHeaders(e.w.Header())
		e.w.WriteHeader(http.StatusOK)
		e.started = true
	}
	return e.w.Write(p)
}

func (e *eventStreamWriter) Flush() {
	e.w.Flush()
}

func setEventStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Disables response buffering in nginx style reverse proxies.
	h.Set("X-Accel-Buffering", "no")
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func decodeReferenceImages(payloads []referenceImagePayload) ([]domain.ReferenceImage, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	refs := make([]domain.ReferenceImage, 0, len(payloads))
	for i, p := range payloads {
		data, mimeType, err := decodeImageData(p.Data)
		if err != nil {
			return nil, fmt.Errorf("reference image %d: %w", i+1, err)
		}
		if p.MimeType != "" {
			mimeType = p.MimeType
		}
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		refs = append(refs, domain.ReferenceImage{Data: data, MimeType: mimeType})
	}
	return refs, nil
}

// decodeImageData accepts plain base64 or a data URL
func decodeImageData(s string) ([]byte, string, error) {
	var mimeType string
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("malformed data url")
		}
		mimeType = strings.TrimSuffix(header, ";base64")
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", fmt.Errorf("invalid base64: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty image")
	}
	return data, mimeType, nil
}
