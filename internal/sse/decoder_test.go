package sse

import (
	"bytes"
	"encoding/base64"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basel-ax/streamgen/internal/domain"
)

var (
	partialB64 = base64.StdEncoding.EncodeToString([]byte("partial-one"))
	finalB64   = base64.StdEncoding.EncodeToString([]byte("final-image"))
)

func sampleStream() []byte {
	return []byte("event: image_generation.partial_image\n" +
		"data: {\"type\":\"image_generation.partial_image\",\"b64_json\":\"" + partialB64 + "\",\"partial_image_index\":0}\n\n" +
		": keep-alive comment\n\n" +
		"data: not json at all\n\n" +
		"event: ping\r\ndata: {\"type\":\"ping\"}\r\n\r\n" +
		"event: image_generation.completed\n" +
		"data: {\"type\":\"image_generation.completed\",\n" +
		"data: \"b64_json\":\"" + finalB64 + "\"}\n\n" +
		"data: [DONE]\n\n")
}

func decodeAll(chunks [][]byte) []Record {
	d := NewDecoder()
	var out []Record
	for _, c := range chunks {
		out = append(out, d.Feed(c)...)
	}
	return append(out, d.Flush()...)
}

func splitEvery(data []byte, n int) [][]byte {
	var chunks [][]byte
	for len(data) > n {
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return append(chunks, data)
}

func TestDecoder_DecodesSampleStream(t *testing.T) {
	records := decodeAll([][]byte{sampleStream()})
	require.Len(t, records, 3)

	assert.Equal(t, KindImage, records[0].Kind)
	assert.Equal(t, partialB64, records[0].Image)

	assert.Equal(t, "ping", records[1].Event)
	assert.Equal(t, KindOther, records[1].Kind)

	assert.Equal(t, KindImage, records[2].Kind)
	assert.Equal(t, "image_generation.completed", records[2].Event)
	img, err := records[2].ImageBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("final-image"), img)
}

func TestDecoder_ChunkBoundaryIndependence(t *testing.T) {
	stream := sampleStream()
	want := decodeAll([][]byte{stream})

	for size := 1; size <= len(stream); size++ {
		got := decodeAll(splitEvery(stream, size))
		require.Equal(t, want, got, "chunk size %d", size)
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		var chunks [][]byte
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		require.Equal(t, want, decodeAll(chunks), "random split %d", i)
	}
}

func TestDecoder_RetainsIncompleteRecord(t *testing.T) {
	d := NewDecoder()
	records := d.Feed([]byte("data: {\"b64_json\":\"" + finalB64 + "\"}\n"))
	assert.Empty(t, records)
	assert.Positive(t, d.Buffered())

	records = d.Feed([]byte("\n"))
	require.Len(t, records, 1)
	assert.Equal(t, finalB64, records[0].Image)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_CRLFSplitAcrossChunks(t *testing.T) {
	d := NewDecoder()
	assert.Empty(t, d.Feed([]byte("data: {\"b64_json\":\""+finalB64+"\"}\r")))
	assert.Empty(t, d.Feed([]byte("\n\r")))

	records := d.Feed([]byte("\n"))
	require.Len(t, records, 1)
	assert.Equal(t, finalB64, records[0].Image)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_LargeRecordInSmallChunks(t *testing.T) {
	image := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xAB}, 3<<20))
	stream := []byte("event: image_generation.completed\r\ndata: {\"b64_json\":\"" + image + "\"}\r\n\r\n")

	d := NewDecoder()
	var records []Record
	for _, chunk := range splitEvery(stream, 32<<10) {
		records = append(records, d.Feed(chunk)...)
	}

	require.Len(t, records, 1)
	assert.Equal(t, image, records[0].Image)
	assert.Zero(t, d.Buffered())
	assert.Empty(t, d.Flush())
}

func TestDecoder_FlushEmitsTrailingRecord(t *testing.T) {
	d := NewDecoder()
	assert.Empty(t, d.Feed([]byte("event: image_generation.completed\ndata: {\"b64_json\":\""+finalB64+"\"}")))

	records := d.Flush()
	require.Len(t, records, 1)
	assert.Equal(t, KindImage, records[0].Kind)
	assert.Zero(t, d.Buffered())
}

func TestDecoder_DropsDoneAndEmptyPayloads(t *testing.T) {
	records := decodeAll([][]byte{[]byte("data: [DONE]\n\nevent: image_generation.partial_image\n\ndata:\n\ndata:   [DONE]  \n\n")})
	assert.Empty(t, records)
	for _, r := range records {
		assert.NotEqual(t, DoneSentinel, r.Data)
	}
}

func TestDecoder_ImageFieldAliases(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"b64_json", `{"b64_json":"QUJD"}`},
		{"partial_image_b64", `{"partial_image_b64":"QUJD"}`},
		{"image_b64", `{"image_b64":"QUJD"}`},
		{"image_base64", `{"image_base64":"QUJD"}`},
		{"result", `{"type":"image_generation_call","result":"QUJD"}`},
		{"nested data", `{"data":[{"b64_json":"QUJD"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := decodeAll([][]byte{[]byte("event: message\ndata: " + tt.payload + "\n\n")})
			require.Len(t, records, 1)
			assert.Equal(t, KindImage, records[0].Kind)
			assert.Equal(t, "QUJD", records[0].Image)
		})
	}
}

func TestDecoder_AliasPriority(t *testing.T) {
	records := decodeAll([][]byte{[]byte(`data: {"partial_image_b64":"second","b64_json":"first"}` + "\n\n")})
	require.Len(t, records, 1)
	assert.Equal(t, "first", records[0].Image)
}

func TestDecoder_ErrorRecords(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		message string
		code    string
	}{
		{"error object", `data: {"error":{"message":"content policy","code":"moderation_blocked"}}`, "content policy", "moderation_blocked"},
		{"error event", "event: error\ndata: {\"message\":\"boom\"}", "boom", ""},
		{"error string", `data: {"error":"rate limited"}`, "rate limited", ""},
		{"error event without message", "event: response.error\ndata: {\"type\":\"x\"}", "upstream returned an error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := decodeAll([][]byte{[]byte(tt.raw + "\n\n")})
			require.Len(t, records, 1)
			rec := records[0]
			assert.Equal(t, KindError, rec.Kind)
			require.NotNil(t, rec.Err)
			assert.Equal(t, tt.message, rec.Err.Message)
			assert.Equal(t, tt.code, rec.Err.Code)
			assert.True(t, errors.Is(rec.Err, domain.ErrUpstreamReported))
		})
	}
}

func TestWriteError_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteError(&buf, "Upstream connection failed"))

	records := decodeAll([][]byte{buf.Bytes()})
	require.Len(t, records, 1)
	assert.Equal(t, KindError, records[0].Kind)
	assert.Equal(t, ErrorEvent, records[0].Event)
	assert.Equal(t, "Upstream connection failed", records[0].Err.Message)
}

func TestRecord_ImageBytesErrors(t *testing.T) {
	_, err := Record{Event: "image_generation.completed"}.ImageBytes()
	assert.Error(t, err)

	_, err = Record{Image: "%%%"}.ImageBytes()
	assert.Error(t, err)
}
