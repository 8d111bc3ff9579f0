// Package transport defines the narrow contract between the dispatch engine
// and the network. All retry policy lives in the engine; a sender reports
// HTTP error statuses as response codes and returns an error only when the
// request could not be made at all.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Response is the outcome of one upload attempt.
type Response struct {
	// Code is the HTTP status code.
	Code int
	// BytesUsed is the number of bytes that went over the wire, counted
	// against the cellular quota.
	BytesUsed int64
}

// Sender uploads one serialized batch.
type Sender interface {
	Send(ctx context.Context, payload []byte, mediaType string) (Response, error)
}

// HTTPSender posts gzip-compressed batches to the collection server.
type HTTPSender struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPSender creates an HTTPSender with the given request timeout.
func NewHTTPSender(url string, timeout time.Duration, logger *zap.Logger) *HTTPSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send uploads one batch. The response body is drained and discarded; only
// the status code matters to the engine.
func (h *HTTPSender) Send(ctx context.Context, payload []byte, mediaType string) (Response, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		zw.Close()
		return Response{}, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Response{}, fmt.Errorf("failed to compress payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, &buf)
	if err != nil {
		return Response{}, fmt.Errorf("failed to build upload request: %w", err)
	}
	compressed := int64(buf.Len())
	req.Header.Set("Content-Type", mediaType)
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("X-Timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	resp, err := h.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to upload batch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	h.logger.Debug("uploaded batch",
		zap.Int("code", resp.StatusCode),
		zap.Int64("bytes", compressed))
	return Response{Code: resp.StatusCode, BytesUsed: compressed}, nil
}
