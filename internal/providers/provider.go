package providers

import "context"

// Compat identifies which vendor wire protocol a (provider, model) pair speaks.
type Compat string

const (
	CompatOpenAI Compat = "openai"
	CompatGemini Compat = "gemini"
	CompatClaude Compat = "claude"
)

func (c Compat) Valid() bool {
	switch c {
	case CompatOpenAI, CompatGemini, CompatClaude:
		return true
	}
	return false
}

func ParseCompat(s string) (Compat, bool) {
	c := Compat(s)
	if c.Valid() {
		return c, true
	}
	return "", false
}

// Kind is the logical request class a caller asks the gateway for.
type Kind string

const (
	KindChat   Kind = "chat"
	KindSearch Kind = "search"
	KindImage  Kind = "image"
	KindTTS    Kind = "tts"
)

func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	switch k {
	case KindChat, KindSearch, KindImage, KindTTS:
		return k, true
	}
	return "", false
}

// AuthMethod selects how an API key is attached to a request.
type AuthMethod string

const (
	AuthBearer AuthMethod = "bearer"
	AuthHeader AuthMethod = "header"
	AuthQuery  AuthMethod = "query"
	AuthBasic  AuthMethod = "basic"
)

// AuthConfig is an explicit per-provider authentication override. When set,
// the attempt list contains exactly one entry built from it.
type AuthConfig struct {
	Method     AuthMethod `json:"method"`
	HeaderName string     `json:"header_name,omitempty"`
	ParamName  string     `json:"param_name,omitempty"`
	Username   string     `json:"username,omitempty"`
	Password   string     `json:"password,omitempty"`
}

// Provider is one configured upstream vendor endpoint. APIKey is decrypted
// by the time it reaches an adapter; at rest it is envelope-encrypted.
type Provider struct {
	Name            string      `json:"name"`
	BaseURL         string      `json:"base_url"`
	APIKey          string      `json:"-"`
	Auth            *AuthConfig `json:"auth,omitempty"`
	PreferredCompat Compat      `json:"preferred_compat,omitempty"`
}

// Turn is one role/content entry of a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Provider  Provider
	Model     string
	Turns     []Turn
	MaxTokens int
	UseSearch bool
}

type VisionRequest struct {
	Provider Provider
	Model    string
	Prompt   string
	Image    []byte
	MimeType string
}

type ImageRequest struct {
	Provider Provider
	Model    string
	Prompt   string
}

type SpeechRequest struct {
	Provider Provider
	Model    string
	Text     string
	Voice    string
}

type TextResult struct {
	Text string
}

// BinaryResult carries image or audio payloads. Text is set instead when a
// vendor answered an image request with prose.
type BinaryResult struct {
	Data     []byte
	MimeType string
	Text     string
}

// Adapter translates normalized requests into one vendor family's wire shape.
// Implementations walk the auth attempt list in order and return on the
// first successful attempt.
type Adapter interface {
	Compat() Compat
	Chat(ctx context.Context, req ChatRequest) (TextResult, error)
	Vision(ctx context.Context, req VisionRequest) (TextResult, error)
	Image(ctx context.Context, req ImageRequest) (BinaryResult, error)
	Speech(ctx context.Context, req SpeechRequest) (BinaryResult, error)
	ListModels(ctx context.Context, p Provider) ([]string, error)
}
