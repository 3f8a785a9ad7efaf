package providers

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnsupported marks an operation a family has no endpoint for.
var ErrUnsupported = errors.New("operation not supported by this provider family")

// ConfigError is a missing provider/model/key. Never retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// AuthError means every auth attempt was rejected.
type AuthError struct {
	Adapter string
	Model   string
	Status  int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: all auth attempts rejected for %s (status %d); check the provider API key", e.Adapter, e.Model, e.Status)
}

// RouteError is an endpoint/version mismatch. Adapters use it to drive
// API-version fallback; it only surfaces when every fallback fails.
type RouteError struct {
	Adapter string
	Path    string
	Status  int
	Msg     string
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("%s: no route at %s (status %d): %s", e.Adapter, e.Path, e.Status, e.Msg)
}

// UpstreamError is a well-formed vendor error payload.
type UpstreamError struct {
	Adapter string
	Model   string
	Status  int // 0 means the failure happened before any response arrived
	Msg     string
}

func (e *UpstreamError) Error() string {
	status := "network"
	if e.Status > 0 {
		status = fmt.Sprintf("%d", e.Status)
	}
	return fmt.Sprintf("%s %s: upstream error (%s): %s", e.Adapter, e.Model, status, e.Msg)
}

// Hint maps a status class to a short remediation note for chat output.
func (e *UpstreamError) Hint() string {
	switch {
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return "check the provider credentials"
	case e.Status == http.StatusNotFound:
		return "model name or endpoint routing mismatch"
	case e.Status == http.StatusTooManyRequests:
		return "provider rate limit hit, retry later"
	case e.Status >= 500:
		return "provider outage, retry later"
	case e.Status == 0:
		return "network failure reaching the provider"
	}
	return ""
}

// Describe renders any gateway error as the single human-readable string
// handed to the transport layer.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var up *UpstreamError
	if errors.As(err, &up) {
		if hint := up.Hint(); hint != "" {
			return up.Error() + " (" + hint + ")"
		}
		return up.Error()
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Error()
	}
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return cfg.Error()
	}
	return err.Error()
}
