package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DoWithAuth walks the auth attempt list: each attempt issues the same
// method/URL/body with that attempt's headers and query parameters. The
// first response that is not a credentials rejection is returned; 401/403
// responses advance to the next attempt.
func (c *Client) DoWithAuth(ctx context.Context, timeout time.Duration, method, rawURL string, body []byte, attempts []AuthAttempt) (Response, error) {
	var last Response
	var lastErr error

	for _, attempt := range attempts {
		target, err := applyQuery(rawURL, attempt.Query)
		if err != nil {
			return Response{}, err
		}
		resp, err := c.Do(ctx, timeout, func(ctx context.Context) (*http.Request, error) {
			var reader *bytes.Reader
			if body != nil {
				reader = bytes.NewReader(body)
			} else {
				reader = bytes.NewReader(nil)
			}
			req, err := http.NewRequestWithContext(ctx, method, target, reader)
			if err != nil {
				return nil, err
			}
			for k, v := range attempt.Headers {
				req.Header.Set(k, v)
			}
			return req, nil
		})
		if err != nil {
			lastErr = err
			continue
		}
		last = resp
		if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
			return resp, nil
		}
	}

	if last.StatusCode != 0 {
		return last, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no auth attempts available")
	}
	return Response{}, lastErr
}

func applyQuery(rawURL string, query map[string]string) (string, error) {
	if len(query) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ErrorMessage pulls a human-readable message out of a vendor error body.
// All three families nest it under an "error" object; plain text bodies are
// returned truncated.
func ErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 300 {
		text = text[:300]
	}
	if text == "" {
		text = "empty response body"
	}
	return text
}

// ClassifyFailure converts a terminal non-2xx response into the gateway
// error taxonomy.
func ClassifyFailure(adapter, model string, resp Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Adapter: adapter, Model: model, Status: resp.StatusCode}
	default:
		return &UpstreamError{Adapter: adapter, Model: model, Status: resp.StatusCode, Msg: ErrorMessage(resp.Body)}
	}
}
