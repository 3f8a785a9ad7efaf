package providers

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// AuthAttempt is one concrete way of authenticating a request: headers to
// set and query parameters to append.
type AuthAttempt struct {
	Headers map[string]string
	Query   map[string]string
}

const anthropicKeyHeader = "x-api-key"

// AuthAttempts builds the ordered list of authentication attempts for a
// provider. An explicit AuthConfig yields exactly one attempt. Otherwise the
// base URL is classified by vendor domain; an unrecognized URL yields the
// full fallback chain (bearer, then x-api-key header, then key query param)
// so callers can exhaust options on 401/403.
func AuthAttempts(p Provider, extra map[string]string) []AuthAttempt {
	if p.Auth != nil {
		return []AuthAttempt{explicitAttempt(p, *p.Auth, extra)}
	}

	base := strings.ToLower(p.BaseURL)
	switch {
	case strings.Contains(base, "anthropic"):
		return []AuthAttempt{headerAttempt(anthropicKeyHeader, p.APIKey, extra)}
	case strings.Contains(base, "googleapis.com"),
		strings.Contains(base, "generativelanguage"),
		strings.Contains(base, "gemini"),
		strings.Contains(base, "vertex"),
		strings.Contains(base, "baidubce"):
		return []AuthAttempt{queryAttempt("key", p.APIKey, extra)}
	case strings.Contains(base, "openai.com"):
		return []AuthAttempt{bearerAttempt(p.APIKey, extra)}
	}

	// Unknown host: order the chain after the last compat family that
	// worked, so a Gemini-shaped proxy is not hammered with bearer first.
	attempts := []AuthAttempt{
		bearerAttempt(p.APIKey, extra),
		headerAttempt(anthropicKeyHeader, p.APIKey, extra),
		queryAttempt("key", p.APIKey, extra),
	}
	switch p.PreferredCompat {
	case CompatGemini:
		attempts[0], attempts[2] = attempts[2], attempts[0]
	case CompatClaude:
		attempts[0], attempts[1] = attempts[1], attempts[0]
	}
	return attempts
}

func explicitAttempt(p Provider, cfg AuthConfig, extra map[string]string) AuthAttempt {
	switch cfg.Method {
	case AuthHeader:
		name := cfg.HeaderName
		if name == "" {
			name = anthropicKeyHeader
		}
		return headerAttempt(name, p.APIKey, extra)
	case AuthQuery:
		name := cfg.ParamName
		if name == "" {
			name = "key"
		}
		return queryAttempt(name, p.APIKey, extra)
	case AuthBasic:
		user := cfg.Username
		pass := cfg.Password
		if pass == "" {
			pass = p.APIKey
		}
		token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		return headerAttempt("Authorization", "Basic "+token, extra)
	default:
		return bearerAttempt(p.APIKey, extra)
	}
}

func bearerAttempt(key string, extra map[string]string) AuthAttempt {
	a := newAttempt(extra)
	if key != "" {
		a.Headers["Authorization"] = "Bearer " + key
	}
	return a
}

func headerAttempt(name, value string, extra map[string]string) AuthAttempt {
	a := newAttempt(extra)
	if value != "" {
		a.Headers[http.CanonicalHeaderKey(name)] = value
	}
	return a
}

func queryAttempt(name, key string, extra map[string]string) AuthAttempt {
	a := newAttempt(extra)
	if key != "" {
		a.Query[name] = key
	}
	return a
}

func newAttempt(extra map[string]string) AuthAttempt {
	a := AuthAttempt{
		Headers: map[string]string{"Content-Type": "application/json"},
		Query:   map[string]string{},
	}
	for k, v := range extra {
		a.Headers[k] = v
	}
	return a
}
