package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/relay"
	"github.com/basel-ax/streamgen/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeGenerator struct {
	generate func(ctx context.Context, req domain.ImageGenerationRequest) ([]byte, error)
	stream   func(ctx context.Context, req domain.ImageGenerationRequest, w io.Writer) (relay.Result, error)
	runBatch func(ctx context.Context, req domain.BatchRequest, onPartial domain.PartialFunc) (domain.BatchOutcome, error)
	promote  func(ctx context.Context, batchID string, imageNumber int) error
}

func (f *fakeGenerator) GenerateImage(ctx context.Context, req domain.ImageGenerationRequest) ([]byte, error) {
	return f.generate(ctx, req)
}

func (f *fakeGenerator) StreamImage(ctx context.Context, req domain.ImageGenerationRequest, w io.Writer) (relay.Result, error) {
	return f.stream(ctx, req, w)
}

func (f *fakeGenerator) Validate(req *domain.BatchRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return service.ErrEmptyPrompt
	}
	if req.Count > 4 {
		return service.ErrInvalidCount
	}
	if req.BatchID == "" {
		req.BatchID = "batch-test"
	}
	return nil
}

func (f *fakeGenerator) RunBatch(ctx context.Context, req domain.BatchRequest, onPartial domain.PartialFunc) (domain.BatchOutcome, error) {
	return f.runBatch(ctx, req, onPartial)
}

func (f *fakeGenerator) PromoteMainImage(ctx context.Context, batchID string, imageNumber int) error {
	return f.promote(ctx, batchID, imageNumber)
}

type fakePrompter struct{}

func (fakePrompter) Optimize(_ context.Context, text string) (string, error) {
	if text == "" {
		return "", service.ErrEmptyPrompt
	}
	return "detailed " + text, nil
}

func (fakePrompter) Random(_ context.Context, theme string) (string, error) {
	return "random " + theme, nil
}

type fakeBatches struct {
	batches map[string]*domain.Batch
	images  map[string][]domain.GenerationImage
}

func (f *fakeBatches) GetBatch(_ context.Context, batchID string) (*domain.Batch, error) {
	b, ok := f.batches[batchID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (f *fakeBatches) ListBatchImages(_ context.Context, batchID string) ([]domain.GenerationImage, error) {
	return f.images[batchID], nil
}

type prefixRefs string

func (p prefixRefs) FileRef(name string) string { return string(p) + name }

func newTestRouter(gen *fakeGenerator, batches *fakeBatches) *gin.Engine {
	if batches == nil {
		batches = &fakeBatches{}
	}
	return NewHandler(gen, fakePrompter{}, batches, prefixRefs("/img/"), zap.NewNop()).Router()
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRelay_GenerateStreaming(t *testing.T) {
	gen := &fakeGenerator{
		stream: func(_ context.Context, req domain.ImageGenerationRequest, w io.Writer) (relay.Result, error) {
			assert.Equal(t, "a fox", req.Prompt)
			io.WriteString(w, "event: image_generation.partial_image\ndata: {}\n\n")
			w.(http.Flusher).Flush()
			io.WriteString(w, "data: [DONE]\n\n")
			return relay.Result{StatusCode: http.StatusOK}, nil
		},
	}

	w := doJSON(t, newTestRouter(gen, nil), http.MethodPost, "/api/relay/generate_streaming", gin.H{"prompt": "a fox"}, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
	assert.Equal(t, "event: image_generation.partial_image\ndata: {}\n\ndata: [DONE]\n\n", w.Body.String())
	assert.True(t, w.Flushed)
}

func TestRelay_GenerateStreamingFailsBeforeOutput(t *testing.T) {
	gen := &fakeGenerator{
		stream: func(context.Context, domain.ImageGenerationRequest, io.Writer) (relay.Result, error) {
			return relay.Result{}, domain.ErrStreamingUnsupported
		},
	}

	w := doJSON(t, newTestRouter(gen, nil), http.MethodPost, "/api/relay/generate_streaming", gin.H{"prompt": "x"}, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
}

func TestRelay_Generate(t *testing.T) {
	gen := &fakeGenerator{
		generate: func(_ context.Context, req domain.ImageGenerationRequest) ([]byte, error) {
			assert.Equal(t, domain.ModeGemini, req.Mode)
			return []byte("png-bytes"), nil
		},
	}

	w := doJSON(t, newTestRouter(gen, nil), http.MethodPost, "/api/relay/generate", gin.H{"prompt": "x", "mode": "gemini"}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp imageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), resp.B64JSON)
}

func TestRelay_EditWithReferenceImages(t *testing.T) {
	var got domain.ImageGenerationRequest
	gen := &fakeGenerator{
		generate: func(_ context.Context, req domain.ImageGenerationRequest) ([]byte, error) {
			got = req
			return []byte("edited"), nil
		},
	}
	r := newTestRouter(gen, nil)

	w := doJSON(t, r, http.MethodPost, "/api/relay/edit-with-reference-images", gin.H{"prompt": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ref := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))
	w = doJSON(t, r, http.MethodPost, "/api/relay/edit-with-reference-images", gin.H{
		"prompt":          "x",
		"referenceImages": []gin.H{{"data": ref}},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, got.ReferenceImages, 1)
	assert.Equal(t, "image/jpeg", got.ReferenceImages[0].MimeType)
	assert.Equal(t, []byte("jpeg-bytes"), got.ReferenceImages[0].Data)
}

func TestRelay_UpstreamErrorMapsToBadGateway(t *testing.T) {
	gen := &fakeGenerator{
		generate: func(context.Context, domain.ImageGenerationRequest) ([]byte, error) {
			return nil, &domain.UpstreamError{Code: "rate_limit", Message: "slow down"}
		},
	}

	w := doJSON(t, newTestRouter(gen, nil), http.MethodPost, "/api/relay/generate", gin.H{"prompt": "x"}, nil)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ErrorResponse{Code: ErrCodeUpstream, Message: "slow down"}, resp)
}

func TestRelay_PromptOperations(t *testing.T) {
	r := newTestRouter(&fakeGenerator{}, nil)

	w := doJSON(t, r, http.MethodPost, "/api/relay/optimize-prompt-text", gin.H{"text": "cat"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"prompt":"detailed cat"}`, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/api/relay/random-prompt-text", gin.H{"theme": "sea"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"prompt":"random sea"}`, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/api/relay/optimize-prompt-text", gin.H{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/relay/upscale", gin.H{}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateBatch_JSON(t *testing.T) {
	gen := &fakeGenerator{
		runBatch: func(_ context.Context, req domain.BatchRequest, onPartial domain.PartialFunc) (domain.BatchOutcome, error) {
			assert.Equal(t, "u1", req.UserID)
			assert.Equal(t, 3, req.Count)
			assert.True(t, req.IsPrivate)
			assert.Nil(t, onPartial)
			return domain.BatchOutcome{
				Success: true,
				BatchID: req.BatchID,
				Images: []domain.OutcomeImage{
					{SlotIndex: 0, FileRef: "/img/a_1.png", CostCents: 17, AspectClass: "1:1", IsMainImage: true},
					{SlotIndex: 2, FileRef: "/img/a_3.png", CostCents: 17, AspectClass: "1:1"},
				},
				FailedSlotCount: 1,
			}, nil
		},
	}

	w := doJSON(t, newTestRouter(gen, nil), http.MethodPost, "/api/batches",
		gin.H{"prompt": "three foxes", "count": 3, "quality": "high", "private": true},
		map[string]string{userIDHeader: "u1"})

	require.Equal(t, http.StatusOK, w.Code)
	var resp batchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "batch-test", resp.BatchID)
	assert.Equal(t, 1, resp.FailedSlotCount)
	require.Len(t, resp.Images, 2)
	assert.Equal(t, 2, resp.Images[1].SlotIndex)
}

func TestCreateBatch_AllFailed(t *testing.T) {
	gen := &fakeGenerator{
		runBatch: func(_ context.Context, req domain.BatchRequest, _ domain.PartialFunc) (domain.BatchOutcome, error) {
			return domain.BatchOutcome{BatchID: req.BatchID, FailedSlotCount: 2}, domain.ErrAllSlotsFailed
		},
	}

	w := doJSON(t, newTestRouter(gen, nil), http.MethodPost, "/api/batches",
		gin.H{"prompt": "x", "count": 2}, map[string]string{userIDHeader: "u1"})

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var resp batchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, 2, resp.FailedSlotCount)
	assert.Equal(t, GenericFailureMessage, resp.Message)
}

func TestCreateBatch_RejectsBadInput(t *testing.T) {
	r := newTestRouter(&fakeGenerator{}, nil)
	user := map[string]string{userIDHeader: "u1"}

	w := doJSON(t, r, http.MethodPost, "/api/batches", gin.H{"prompt": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/batches", gin.H{"prompt": "x", "mode": "dalle"}, user)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/batches", gin.H{"prompt": " "}, user)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/batches", gin.H{"prompt": "x", "count": 9}, user)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/batches", gin.H{"prompt": "x", "referenceImages": []gin.H{{"data": "%%%"}}}, user)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateBatch_EventStream(t *testing.T) {
	gen := &fakeGenerator{
		runBatch: func(_ context.Context, req domain.BatchRequest, onPartial domain.PartialFunc) (domain.BatchOutcome, error) {
			require.NotNil(t, onPartial)
			onPartial(0, []byte("preview"))
			return domain.BatchOutcome{Success: true, BatchID: req.BatchID, Images: []domain.OutcomeImage{{SlotIndex: 0}}}, nil
		},
	}

	w := doJSON(t, newTestRouter(gen, nil), http.MethodPost, "/api/batches",
		gin.H{"prompt": "x", "stream": true},
		map[string]string{userIDHeader: "u1", "Accept": "text/event-stream"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	preview := strings.Index(body, "event:"+EventPreview)
	outcome := strings.Index(body, "event:"+EventOutcome)
	require.GreaterOrEqual(t, preview, 0)
	require.Greater(t, outcome, preview)
	assert.Contains(t, body, base64.StdEncoding.EncodeToString([]byte("preview")))
	assert.Contains(t, body, `"success":true`)
}

func TestCreateBatch_EventStreamAllFailed(t *testing.T) {
	gen := &fakeGenerator{
		runBatch: func(_ context.Context, req domain.BatchRequest, _ domain.PartialFunc) (domain.BatchOutcome, error) {
			return domain.BatchOutcome{BatchID: req.BatchID, FailedSlotCount: 1}, domain.ErrAllSlotsFailed
		},
	}

	w := doJSON(t, newTestRouter(gen, nil), http.MethodPost, "/api/batches",
		gin.H{"prompt": "x"},
		map[string]string{userIDHeader: "u1", "Accept": "text/event-stream"})

	body := w.Body.String()
	assert.Contains(t, body, "event:"+EventOutcome)
	assert.Contains(t, body, `"success":false`)
	assert.Contains(t, body, GenericFailureMessage)
}

func testBatches() *fakeBatches {
	return &fakeBatches{
		batches: map[string]*domain.Batch{
			"pub":  {ID: "pub", UserID: "owner", Prompt: "p", Mode: domain.ModeOpenAI, RequestedCount: 2, CreatedAt: time.Unix(0, 0)},
			"priv": {ID: "priv", UserID: "owner", IsPrivate: true, RequestedCount: 1},
		},
		images: map[string][]domain.GenerationImage{
			"pub": {
				{BatchID: "pub", ImageNumber: 1, Filename: "pub_1.png", IsMainImage: true, AspectClass: "1:1"},
				{BatchID: "pub", ImageNumber: 2, Filename: "pub_2.png", AspectClass: "3:2"},
			},
		},
	}
}

func TestGetBatch(t *testing.T) {
	r := newTestRouter(&fakeGenerator{}, testBatches())

	w := doJSON(t, r, http.MethodGet, "/api/batches/pub", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view batchView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Images, 2)
	assert.Equal(t, "/img/pub_2.png", view.Images[1].FileRef)
	assert.Equal(t, 1, view.Images[1].SlotIndex)
	assert.True(t, view.Images[0].IsMainImage)

	w = doJSON(t, r, http.MethodGet, "/api/batches/priv", nil, map[string]string{userIDHeader: "someone"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/batches/priv", nil, map[string]string{userIDHeader: "owner"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/batches/none", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPromoteMainImage(t *testing.T) {
	var promoted []int
	gen := &fakeGenerator{
		promote: func(_ context.Context, batchID string, imageNumber int) error {
			if imageNumber > 2 {
				return domain.ErrNotFound
			}
			promoted = append(promoted, imageNumber)
			return nil
		},
	}
	r := newTestRouter(gen, testBatches())
	owner := map[string]string{userIDHeader: "owner"}

	w := doJSON(t, r, http.MethodPost, "/api/batches/pub/main/2", nil, owner)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int{2}, promoted)

	w = doJSON(t, r, http.MethodPost, "/api/batches/pub/main/2", nil, map[string]string{userIDHeader: "intruder"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/batches/pub/main/abc", nil, owner)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/batches/pub/main/7", nil, owner)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, []int{2}, promoted)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(&fakeGenerator{}, nil)

	w := doJSON(t, r, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(requestIDHeader))

	w = doJSON(t, r, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestErrorMapping(t *testing.T) {
	h := NewHandler(&fakeGenerator{}, fakePrompter{}, &fakeBatches{}, prefixRefs(""), zap.NewNop())

	tests := []struct {
		err    error
		status int
	}{
		{service.ErrInvalidCount, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrTransport, http.StatusBadGateway},
		{&domain.UpstreamError{Message: "m"}, http.StatusBadGateway},
		{errors.Join(domain.ErrNoImageProduced, io.EOF), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		h.handleServiceError(c, tt.err)
		assert.Equal(t, tt.status, w.Code, tt.err.Error())
	}
}
