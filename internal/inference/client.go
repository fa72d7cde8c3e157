// Package inference talks to the object detection and captioning services
// over HTTP. Both services read media from the shared content mount, so
// requests carry paths rather than file bytes.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/your-org/mediaflow/internal/observability"
	"github.com/your-org/mediaflow/internal/pipeline"
)

// StatusError is a non-2xx answer from an inference service.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Service, e.StatusCode, e.Body)
}

// Unwrap classifies the status: 404 means the service could not find the
// file, 408/429/5xx are worth retrying, the rest are the file's fault.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return fs.ErrNotExist
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return pipeline.ErrUnavailable
	default:
		return nil
	}
}

type client struct {
	service string
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func newClient(service, baseURL string, timeout time.Duration, logger *slog.Logger) (*client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%s url not configured", service)
	}
	return &client{
		service: service,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     observability.WithComponent(logger, service),
	}, nil
}

// post sends req as JSON and decodes the answer into resp. Transport
// failures are reported as pipeline.ErrUnavailable.
func (c *client) post(ctx context.Context, endpoint string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", c.service, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.service, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s request: %w: %w", c.service, pipeline.ErrUnavailable, err)
	}
	defer httpResp.Body.Close()
	observability.InferenceDuration.WithLabelValues(c.service).Observe(time.Since(start).Seconds())

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w: %w", c.service, pipeline.ErrUnavailable, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return &StatusError{Service: c.service, StatusCode: httpResp.StatusCode, Body: snippet(data)}
	}
	if err := json.Unmarshal(data, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", c.service, err)
	}
	return nil
}

func (c *client) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s health: %w", c.service, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s health: http %d", c.service, resp.StatusCode)
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// IsUnavailable reports whether err should be retried later.
func IsUnavailable(err error) bool {
	return errors.Is(err, pipeline.ErrUnavailable)
}
