package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"maestro/internal/errors"
	"maestro/internal/logging"
)

// Response is the sandbox service's envelope. Data is nil on failure.
type Response[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    *T     `json:"data,omitempty"`
}

// Config configures the HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  logging.Logger
}

// Client talks to a sandbox service over HTTP. It implements Executor.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logging.Logger
	retry   errors.RetryConfig
}

// NewClient returns a client for the service at cfg.BaseURL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	retry := errors.DefaultRetryConfig()
	retry.RetryOn = []errors.Kind{errors.KindTimeout}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logging.OrNop(cfg.Logger),
		retry:   retry,
	}
}

// Execute implements Executor by POSTing to /v1/execute. Transport
// timeouts are retried; sandbox-reported failures are not.
func (c *Client) Execute(ctx context.Context, req Request) (Result, error) {
	return errors.RetryWithResult(ctx, c.retry, c.logger, func(ctx context.Context) (Result, error) {
		return c.executeOnce(ctx, req)
	})
}

func (c *Client) executeOnce(ctx context.Context, req Request) (Result, error) {
	var envelope Response[Result]
	if err := c.doJSON(ctx, http.MethodPost, "/v1/execute", req, &envelope); err != nil {
		return Result{}, err
	}
	if !envelope.Success {
		return Result{}, errors.New(errors.KindSandbox, "sandbox rejected %s: %s", req.NodeID, envelope.Message)
	}
	if envelope.Data == nil {
		return Result{}, errors.New(errors.KindSandbox, "sandbox returned empty payload for %s", req.NodeID)
	}
	return *envelope.Data, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(errors.KindSandbox, err, "encode sandbox request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.KindSandbox, err, "build sandbox request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(errors.KindCancelled, err, "sandbox call cancelled")
		}
		return errors.Wrap(errors.KindTimeout, err, "sandbox call to %s", endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errors.Wrap(errors.KindSandbox, err, "read sandbox response")
	}
	if resp.StatusCode >= 500 {
		return errors.New(errors.KindTimeout, "sandbox %s returned %d", endpoint, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.KindSandbox, "sandbox %s returned %d: %s", endpoint, resp.StatusCode, firstLine(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(errors.KindSandbox, err, "decode sandbox response")
	}
	return nil
}

func firstLine(data []byte) string {
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		data = data[:idx]
	}
	if len(data) > 200 {
		data = data[:200]
	}
	return string(data)
}
