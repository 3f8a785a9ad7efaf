package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

const maxResponseBytes = 16 << 20

// Timeouts per endpoint family. Listing calls are cheap; multi-turn chat and
// media generation are not.
const (
	TimeoutList  = 15 * time.Second
	TimeoutChat  = 120 * time.Second
	TimeoutMedia = 180 * time.Second
)

// Response is a fully drained HTTP exchange result.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client executes HTTP calls with a bounded retry budget and exponential
// backoff with jitter. It holds no mutable state and is safe for concurrent
// use.
type Client struct {
	httpClient  *http.Client
	maxRetries  uint64
	backoffBase time.Duration
}

type ClientConfig struct {
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	return &Client{
		httpClient:  cfg.HTTPClient,
		maxRetries:  uint64(cfg.MaxRetries),
		backoffBase: cfg.BackoffBase,
	}
}

// RetryableStatus reports whether an HTTP status signals a transient
// condition worth another attempt.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do issues the request built by build, retrying transient failures. The
// request is rebuilt per attempt so body readers start fresh. Non-2xx
// responses are returned to the caller for classification; only network
// errors surfaced past the retry budget become an error.
func (c *Client) Do(ctx context.Context, timeout time.Duration, build func(ctx context.Context) (*http.Request, error)) (Response, error) {
	var last Response

	b := retry.WithMaxRetries(c.maxRetries, retry.WithJitter(200*time.Millisecond, retry.NewExponential(c.backoffBase)))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		callCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		req, err := build(callCtx)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Connection resets, timeouts and DNS failures all land
			// here; no response arrived, so another attempt is fair.
			return retry.RetryableError(fmt.Errorf("request failed: %w", err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("read response body: %w", err))
		}

		last = Response{StatusCode: resp.StatusCode, Body: body}
		if RetryableStatus(resp.StatusCode) {
			return retry.RetryableError(fmt.Errorf("transient status %d", resp.StatusCode))
		}
		return nil
	})

	if err != nil {
		if last.StatusCode != 0 {
			// Budget exhausted on a retryable status: hand the last
			// response back so the adapter can report it properly.
			return last, nil
		}
		return Response{}, err
	}
	return last, nil
}
