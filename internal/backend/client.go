// Package backend is the HTTP sink the sync worker ships queue batches to.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
)

const (
	service = "sync_backend"

	batchPath = "v1/sync/batch"

	// Bodies above this size are sent zstd-encoded.
	compressAbove = 8 << 10
)

// Client posts sync batches to the backend.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	UserAgent   string
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:   baseURL,
		Timeout:   10 * time.Second,
		UserAgent: "pulsearc-agent",
	}
}

// Record is one queued result as shipped on the wire.
type Record struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	PartitionKey  string            `json:"partition_key,omitempty"`
	Priority      string            `json:"priority"`
	Attempt       int               `json:"attempt"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

type Batch struct {
	DeviceID string   `json:"device_id,omitempty"`
	SentAt   string   `json:"sent_at"`
	Records  []Record `json:"records"`
}

type Rejection struct {
	ID        string `json:"id"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// Result lists per-record outcomes. Records absent from both lists are
// treated as accepted.
type Result struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error: status=%d body=%s", e.StatusCode, e.Body)
}

// SendBatch posts the batch. Transport failures, 5xx and 408 are retryable
// backend errors, 429 is a rate limit honoring Retry-After and other 4xx are
// final.
func (c *Client) SendBatch(ctx context.Context, b Batch) (Result, error) {
	if len(b.Records) == 0 {
		return Result{}, nil
	}
	if b.SentAt == "" {
		b.SentAt = time.Now().UTC().Format(time.RFC3339)
	}
	var res Result
	err := c.do(ctx, http.MethodPost, batchPath, b, &res)
	return res, err
}

// Health reports whether the backend answers on its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v1/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	encoding := ""
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errs.Serialization(err.Error(), "json").WithCause(err)
		}
		if len(raw) > compressAbove {
			enc, err := zstd.NewWriter(&buf)
			if err != nil {
				return errs.Internal(err.Error(), "backend.compress")
			}
			if _, err := enc.Write(raw); err != nil {
				enc.Close()
				return errs.Internal(err.Error(), "backend.compress")
			}
			if err := enc.Close(); err != nil {
				return errs.Internal(err.Error(), "backend.compress")
			}
			encoding = "zstd"
		} else {
			buf.Write(raw)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return errs.Config(err.Error(), "backend_url")
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errs.FromContext(ctxErr, "backend."+method)
		}
		return errs.Backend(service, err.Error(), true).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp, &APIError{StatusCode: resp.StatusCode, Body: string(b)})
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return errs.Serialization(err.Error(), "json").WithCause(err)
		}
	}
	return nil
}

func statusError(resp *http.Response, apiErr *APIError) error {
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return errs.RateLimitExceeded(0, 0, retryAfter(resp.Header.Get("Retry-After"))).WithCause(apiErr)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errs.Unauthorized("sync.send", "sync:write").WithCause(apiErr)
	case code >= 500 || code == http.StatusRequestTimeout:
		return errs.Backend(service, apiErr.Error(), true).WithCause(apiErr)
	default:
		return errs.Backend(service, apiErr.Error(), false).WithCause(apiErr)
	}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(0, time.Until(t))
	}
	return 0
}
