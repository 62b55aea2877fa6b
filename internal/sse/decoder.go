// Package sse decodes text event streams emitted by image generation upstreams.
//
// A Decoder is fed raw bytes as they arrive and returns every record that has
// been completely received. Bytes after the last blank-line delimiter are kept
// until more data arrives or Flush is called, so the decoded sequence does not
// depend on how the stream was chunked.
package sse

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basel-ax/streamgen/internal/domain"
)

// DoneSentinel marks the benign end of a stream
const DoneSentinel = "[DONE]"

const (
	eventPrefix = "event:"
	dataPrefix  = "data:"
)

var (
	recordDelimiter = []byte("\n\n")
	crlf            = []byte("\r\n")
	lf              = []byte("\n")
)

// Kind classifies a decoded record
type Kind int

const (
	KindOther Kind = iota
	KindImage
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindError:
		return "error"
	}
	return "other"
}

// Record is one complete event decoded from the stream
type Record struct {
	Event   string
	Data    string
	Payload map[string]any
	Kind    Kind
	// Image holds the base64 image data of an image record, empty when the
	// record is image-typed but carries no image field.
	Image string
	Err   *domain.UpstreamError
}

// ImageBytes decodes the base64 image carried by the record
func (r Record) ImageBytes() ([]byte, error) {
	if r.Image == "" {
		return nil, fmt.Errorf("record %q carries no image data", r.Event)
	}
	data, err := base64.StdEncoding.DecodeString(r.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image data: %w", err)
	}
	return data, nil
}

// Decoder splits a byte stream into records. A Decoder must not be shared
// between streams.
type Decoder struct {
	buf []byte
	// scanned is the offset in buf up to which no delimiter can start
	scanned int
	// pendingCR holds a trailing '\r' until the next byte shows whether it
	// starts a CRLF pair
	pendingCR bool
}

// NewDecoder creates a decoder with an empty buffer
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the buffer and returns all records completed by it.
// Only the newly appended bytes are normalized and searched.
func (d *Decoder) Feed(chunk []byte) []Record {
	d.appendNormalized(chunk)

	var records []Record
	consumed := 0
	for {
		idx := bytes.Index(d.buf[consumed+d.scanned:], recordDelimiter)
		if idx < 0 {
			break
		}
		end := consumed + d.scanned + idx
		if rec, ok := parseRecord(d.buf[consumed:end]); ok {
			records = append(records, rec)
		}
		consumed = end + len(recordDelimiter)
		d.scanned = 0
	}

	if consumed > 0 {
		d.buf = append(d.buf[:0:0], d.buf[consumed:]...)
	}
	// The last byte may be the first half of a delimiter.
	d.scanned = len(d.buf) - 1
	if d.scanned < 0 {
		d.scanned = 0
	}
	return records
}

// Flush decodes whatever remains buffered and resets the decoder
func (d *Decoder) Flush() []Record {
	rest := d.buf
	if d.pendingCR {
		rest = append(rest, '\r')
	}
	d.buf = nil
	d.scanned = 0
	d.pendingCR = false

	var records []Record
	for _, part := range bytes.Split(rest, recordDelimiter) {
		if rec, ok := parseRecord(part); ok {
			records = append(records, rec)
		}
	}
	return records
}

func (d *Decoder) appendNormalized(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if d.pendingCR {
		d.pendingCR = false
		if chunk[0] == '\n' {
			d.buf = append(d.buf, '\n')
			chunk = chunk[1:]
		} else {
			d.buf = append(d.buf, '\r')
		}
	}
	if n := len(chunk); n > 0 && chunk[n-1] == '\r' {
		d.pendingCR = true
		chunk = chunk[:n-1]
	}
	d.buf = append(d.buf, bytes.ReplaceAll(chunk, crlf, lf)...)
}

// Buffered returns the number of bytes waiting for a delimiter
func (d *Decoder) Buffered() int {
	if d.pendingCR {
		return len(d.buf) + 1
	}
	return len(d.buf)
}

func parseRecord(raw []byte) (Record, bool) {
	var (
		event string
		data  strings.Builder
	)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, eventPrefix):
			event = strings.TrimSpace(line[len(eventPrefix):])
		case strings.HasPrefix(line, dataPrefix):
			data.WriteString(strings.TrimLeft(line[len(dataPrefix):], " \t"))
		}
	}

	payload := strings.TrimSpace(data.String())
	if payload == "" || payload == DoneSentinel {
		return Record{}, false
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		// Heartbeats and foreign records are not fatal to the stream.
		return Record{}, false
	}

	rec := Record{Event: event, Data: payload, Payload: fields}
	classify(&rec)
	return rec, true
}

var (
	errorEventMarkers = []string{"error"}
	imageEventMarkers = []string{"partial_image", "completed", "image_generation"}
)

func classify(rec *Record) {
	if upstreamErr, ok := extractError(rec.Event, rec.Payload); ok {
		rec.Kind = KindError
		rec.Err = upstreamErr
		return
	}

	image := extractImage(rec.Payload)
	if image != "" || containsAny(rec.Event, imageEventMarkers) {
		rec.Kind = KindImage
		rec.Image = image
	}
}

func extractError(event string, payload map[string]any) (*domain.UpstreamError, bool) {
	if obj, ok := payload["error"].(map[string]any); ok {
		return &domain.UpstreamError{
			Code:    stringField(obj, "code"),
			Message: firstNonEmpty(stringField(obj, "message"), "upstream returned an error"),
		}, true
	}
	if msg, ok := payload["error"].(string); ok && msg != "" {
		return &domain.UpstreamError{Message: msg}, true
	}
	if containsAny(event, errorEventMarkers) {
		return &domain.UpstreamError{
			Code:    stringField(payload, "code"),
			Message: firstNonEmpty(stringField(payload, "message"), "upstream returned an error"),
		}, true
	}
	return nil, false
}

// imageExtractors are tried in order. Upstreams have used several field names
// for the same base64 image over time.
var imageExtractors = []func(map[string]any) string{
	field("b64_json"),
	field("partial_image_b64"),
	field("image_b64"),
	field("image_base64"),
	field("result"),
	nestedData("b64_json"),
}

func extractImage(payload map[string]any) string {
	for _, extract := range imageExtractors {
		if v := extract(payload); v != "" {
			return v
		}
	}
	return ""
}

func field(name string) func(map[string]any) string {
	return func(m map[string]any) string {
		return stringField(m, name)
	}
}

func nestedData(name string) func(map[string]any) string {
	return func(m map[string]any) string {
		items, ok := m["data"].([]any)
		if !ok || len(items) == 0 {
			return ""
		}
		first, ok := items[0].(map[string]any)
		if !ok {
			return ""
		}
		return stringField(first, name)
	}
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%g", v)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
