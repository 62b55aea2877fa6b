// Package relay forwards an upstream streaming response to a sink byte for byte.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/basel-ax/streamgen/internal/domain"
	"github.com/basel-ax/streamgen/internal/sse"
)

// FailureMessage is the generic message sent when the upstream cannot be reached
const FailureMessage = "Upstream connection failed"

const recordSeparator = "\n\n"

const (
	readBufferSize    = 32 * 1024
	maxErrorBodyBytes = 64 * 1024
)

// Request describes one upstream call
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Result reports what happened during a Forward call. Transport failures have
// already been reported on the wire when Err is set.
type Result struct {
	StatusCode int
	Written    int64
	Err        error
}

// Proxy opens one upstream request per Forward call and pipes the response
type Proxy struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient returns a client suited to long-lived streaming responses. The
// overall lifetime is controlled by the request context, compression is
// disabled so bytes pass through untouched.
func NewHTTPClient(responseHeaderTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			DisableCompression:    true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: responseHeaderTimeout,
		},
	}
}

// NewProxy creates a new relay proxy
func NewProxy(httpClient *http.Client, logger *zap.Logger) *Proxy {
	if httpClient == nil {
		httpClient = NewHTTPClient(60 * time.Second)
	}
	return &Proxy{
		httpClient: httpClient,
		logger:     logger.Named("relay"),
	}
}

// Forward performs req and copies every chunk of the response body to w as
// soon as it is read, flushing w after each write when it supports
// http.Flusher. Connection failures and non-2xx answers end the output with a
// single synthetic error record instead of an error return. Cancelling ctx
// stops the relay without a record and reports the context error.
func (p *Proxy) Forward(ctx context.Context, req Request, w io.Writer) Result {
	log := p.logger.With(zap.String("url", req.URL))

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		log.Error("Failed to create upstream request", zap.Error(err))
		return p.fail(w, FailureMessage, fmt.Errorf("%w: %v", domain.ErrTransport, err))
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Debug("Relay cancelled before upstream answered", zap.Error(ctxErr))
			return Result{Err: ctxErr}
		}
		log.Warn("Upstream connection failed", zap.Error(err))
		return p.fail(w, FailureMessage, fmt.Errorf("%w: %v", domain.ErrTransport, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		message := upstreamErrorMessage(body)
		log.Warn("Upstream returned non-OK status",
			zap.Int("status_code", resp.StatusCode),
			zap.ByteString("response_body", body),
		)
		res := p.fail(w, message, &domain.UpstreamError{
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: message,
		})
		res.StatusCode = resp.StatusCode
		return res
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, readBufferSize)
	var written int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr != nil {
				// The reader went away; nothing more can be delivered.
				log.Debug("Relay sink closed", zap.Error(writeErr), zap.Int64("written", written))
				return Result{StatusCode: resp.StatusCode, Written: written, Err: writeErr}
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(readErr, io.EOF) {
			log.Debug("Upstream stream finished", zap.Int64("written", written))
			return Result{StatusCode: resp.StatusCode, Written: written}
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				// Cancelled by the caller, not an upstream failure.
				log.Debug("Relay cancelled", zap.Error(ctxErr), zap.Int64("written", written))
				return Result{StatusCode: resp.StatusCode, Written: written, Err: ctxErr}
			}
			log.Warn("Upstream stream failed mid-way", zap.Error(readErr), zap.Int64("written", written))
			if written > 0 {
				// The upstream may have stopped inside a record; the error
				// record must start a frame of its own.
				n, _ := io.WriteString(w, recordSeparator)
				written += int64(n)
			}
			res := p.fail(w, FailureMessage, fmt.Errorf("%w: %v", domain.ErrTransport, readErr))
			res.StatusCode = resp.StatusCode
			res.Written += written
			return res
		}
	}
}

func (p *Proxy) fail(w io.Writer, message string, cause error) Result {
	cw := &countingWriter{w: w}
	if err := sse.WriteError(cw, message); err != nil {
		p.logger.Debug("Failed to write synthetic error record", zap.Error(err))
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return Result{Written: cw.n, Err: cause}
}

func upstreamErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return FailureMessage
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
