package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/relay"
)

const maxErrorBodyBytes = 64 * 1024

// Config holds the upstream endpoints and credentials
type Config struct {
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
	GeminiBaseURL string
	GeminiAPIKey  string
	GeminiModel   string
	ImageSize     string
	PartialImages int
	Timeout       time.Duration
}

// Client represents the image generation API client
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// NewClient creates a new upstream API client
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.ImageSize == "" {
		cfg.ImageSize = "auto"
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		cfg: cfg,
	}
}

// SupportsStreaming reports whether req can be served by a single streaming call
func (c *Client) SupportsStreaming(req domain.ImageGenerationRequest) bool {
	return req.Mode == domain.ModeOpenAI && len(req.ReferenceImages) == 0
}

type openAIGenerateRequest struct {
	Model         string `json:"model"`
	Prompt        string `json:"prompt"`
	N             int    `json:"n"`
	Quality       string `json:"quality,omitempty"`
	Size          string `json:"size,omitempty"`
	Stream        bool   `json:"stream,omitempty"`
	PartialImages int    `json:"partial_images,omitempty"`
}

type openAIImageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// StreamRequest builds the relay request for a streaming generation
func (c *Client) StreamRequest(req domain.ImageGenerationRequest) (relay.Request, error) {
	if !c.SupportsStreaming(req) {
		return relay.Request{}, domain.ErrStreamingUnsupported
	}

	body, err := json.Marshal(openAIGenerateRequest{
		Model:         c.cfg.OpenAIModel,
		Prompt:        req.Prompt,
		N:             1,
		Quality:       req.Quality,
		Size:          c.size(req),
		Stream:        true,
		PartialImages: c.cfg.PartialImages,
	})
	if err != nil {
		return relay.Request{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	header := c.openAIHeader()
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "text/event-stream")

	return relay.Request{
		Method: http.MethodPost,
		URL:    c.openAIURL("/images/generations"),
		Header: header,
		Body:   body,
	}, nil
}

// GenerateImage performs one non-streaming generation and returns the image bytes
func (c *Client) GenerateImage(ctx context.Context, req domain.ImageGenerationRequest) ([]byte, error) {
	switch req.Mode {
	case domain.ModeGemini:
		return c.generateGemini(ctx, req)
	case domain.ModeOpenAI, "":
		if len(req.ReferenceImages) > 0 {
			return c.editOpenAI(ctx, req)
		}
		return c.generateOpenAI(ctx, req)
	}
	return nil, fmt.Errorf("unsupported mode %q", req.Mode)
}

func (c *Client) generateOpenAI(ctx context.Context, req domain.ImageGenerationRequest) ([]byte, error) {
	body, err := json.Marshal(openAIGenerateRequest{
		Model:   c.cfg.OpenAIModel,
		Prompt:  req.Prompt,
		N:       1,
		Quality: req.Quality,
		Size:    c.size(req),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.openAIURL("/images/generations"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header = c.openAIHeader()
	httpReq.Header.Set("Content-Type", "application/json")

	return c.doOpenAI(httpReq)
}

// editOpenAI sends the prompt with reference images as a multipart form
func (c *Client) editOpenAI(ctx context.Context, req domain.ImageGenerationRequest) ([]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	fields := map[string]string{
		"model":  c.cfg.OpenAIModel,
		"prompt": req.Prompt,
		"n":      "1",
		"size":   c.size(req),
	}
	if req.Quality != "" {
		fields["quality"] = req.Quality
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", k, err)
		}
	}

	for i, ref := range req.ReferenceImages {
		mimeType := ref.MimeType
		if mimeType == "" {
			mimeType = http.DetectContentType(ref.Data)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image[]"; filename="reference_%d%s"`, i+1, ref.Extension()))
		h.Set("Content-Type", mimeType)
		part, err := writer.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("failed to create reference part: %w", err)
		}
		if _, err := part.Write(ref.Data); err != nil {
			return nil, fmt.Errorf("failed to write reference part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.openAIURL("/images/edits"), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header = c.openAIHeader()
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	return c.doOpenAI(httpReq)
}

func (c *Client) doOpenAI(httpReq *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamStatusError(resp)
	}

	var result openAIImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) == 0 || result.Data[0].B64JSON == "" {
		return nil, domain.ErrNoImageProduced
	}

	img, err := base64.StdEncoding.DecodeString(result.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrImageDecode, err)
	}
	return img, nil
}

type geminiInlineData struct {
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiRequest struct {
	Contents []struct {
		Parts []geminiPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		ResponseModalities []string `json:"responseModalities"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string            `json:"text"`
				InlineData   *geminiInlineData `json:"inlineData"`
				LegacyInline *geminiInlineData `json:"inline_data"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// generateGemini calls generateContent with the prompt and any reference images
func (c *Client) generateGemini(ctx context.Context, req domain.ImageGenerationRequest) ([]byte, error) {
	parts := []geminiPart{{Text: req.Prompt}}
	for _, ref := range req.ReferenceImages {
		mimeType := ref.MimeType
		if mimeType == "" {
			mimeType = http.DetectContentType(ref.Data)
		}
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(ref.Data),
		}})
	}

	var payload geminiRequest
	payload.Contents = append(payload.Contents, struct {
		Parts []geminiPart `json:"parts"`
	}{Parts: parts})
	payload.GenerationConfig.ResponseModalities = []string{"TEXT", "IMAGE"}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(c.cfg.GeminiBaseURL, "/"), c.cfg.GeminiModel)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.cfg.GeminiAPIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamStatusError(resp)
	}

	var result geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	for _, cand := range result.Candidates {
		for _, part := range cand.Content.Parts {
			inline := part.InlineData
			if inline == nil {
				inline = part.LegacyInline
			}
			if inline == nil || inline.Data == "" {
				continue
			}
			img, err := base64.StdEncoding.DecodeString(inline.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrImageDecode, err)
			}
			return img, nil
		}
	}
	return nil, domain.ErrNoImageProduced
}

func (c *Client) openAIHeader() http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+c.cfg.OpenAIAPIKey)
	return h
}

func (c *Client) openAIURL(path string) string {
	return strings.TrimRight(c.cfg.OpenAIBaseURL, "/") + path
}

func (c *Client) size(req domain.ImageGenerationRequest) string {
	if req.Size != "" {
		return req.Size
	}
	return c.cfg.ImageSize
}

func upstreamStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var payload struct {
		Error struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	upstreamErr := &domain.UpstreamError{
		Code:    fmt.Sprintf("http_%d", resp.StatusCode),
		Message: fmt.Sprintf("unexpected status code: %d, body: %s", resp.StatusCode, string(body)),
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		upstreamErr.Message = payload.Error.Message
		if code, ok := payload.Error.Code.(string); ok && code != "" {
			upstreamErr.Code = code
		}
		if payload.Error.Status != "" {
			upstreamErr.Code = payload.Error.Status
		}
	}
	return upstreamErr
}
