package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ModeAll     = "ALL"
	ModeWebhook = "WEBHOOK"
	ModeWorker  = "WORKER"

	AccessModePublic  = "public"
	AccessModePrivate = "private"
)

var (
	ErrMissingBotToken    = errors.New("BOT_TOKEN is required")
	ErrMissingAdminUserID = errors.New("ADMIN_USER_ID is required and must be > 0")
	ErrInvalidAccessMode  = errors.New("BOT_ACCESS_MODE must be 'public' or 'private'")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
)

type Config struct {
	BotToken      string
	AppMode       string
	BotAccessMode string
	AdminUserID   int64

	DevPolling bool

	Webhook WebhookConfig
	Redis   RedisConfig
	DB      DBConfig
	Worker  WorkerConfig
	HTTP    HTTPConfig
	Rate    RateConfig
	Crypto  CryptoConfig
	Gateway GatewayConfig
	Log     LogConfig
}

type WebhookConfig struct {
	ListenAddr     string
	PublicURL      string
	SecretPath     string
	SecretToken    string
	HealthPath     string
	MetricsPath    string
	WebhookTimeout time.Duration
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	QueueStream   string
	QueueGroup    string
	QueueBlock    time.Duration
	UpdateTTL     time.Duration
	WizardTTL     time.Duration
	AdminCacheTTL time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type HTTPConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
}

type RateConfig struct {
	Limit  int64
	Window time.Duration
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

// GatewayConfig covers the AI gateway: persisted state location, debounce,
// answer sizing and the long-form overflow threshold.
type GatewayConfig struct {
	StatePath          string
	StateDebounce      time.Duration
	MaxTokens          int
	TelegraphThreshold int
	TelegraphAuthor    string
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		BotToken:      envStr("BOT_TOKEN", ""),
		AppMode:       strings.ToUpper(envStr("APP_MODE", ModeAll)),
		BotAccessMode: strings.ToLower(envStr("BOT_ACCESS_MODE", AccessModePublic)),
		AdminUserID:   envInt64("ADMIN_USER_ID", 0),
		DevPolling:    envBool("DEV_POLLING", false),
		Webhook: WebhookConfig{
			ListenAddr:     envStr("WEBHOOK_LISTEN_ADDR", ":8080"),
			PublicURL:      envStr("WEBHOOK_URL", ""),
			SecretPath:     strings.Trim(envStr("WEBHOOK_SECRET_PATH", "telegram"), "/"),
			SecretToken:    envStr("WEBHOOK_SECRET_TOKEN", ""),
			HealthPath:     envStr("HEALTH_PATH", "/healthz"),
			MetricsPath:    envStr("METRICS_PATH", "/metrics"),
			WebhookTimeout: envDuration("WEBHOOK_TIMEOUT", 8*time.Second),
		},
		Redis: RedisConfig{
			Addr:          envStr("REDIS_ADDR", "127.0.0.1:6379"),
			Password:      envStr("REDIS_PASSWORD", ""),
			DB:            envInt("REDIS_DB", 0),
			QueueStream:   envStr("QUEUE_STREAM", "polybot:jobs"),
			QueueGroup:    envStr("QUEUE_GROUP", "polybot-workers"),
			QueueBlock:    envDuration("QUEUE_BLOCK", 5*time.Second),
			UpdateTTL:     envDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
			WizardTTL:     envDuration("WIZARD_TTL", 20*time.Minute),
			AdminCacheTTL: envDuration("ADMIN_CACHE_TTL", 10*time.Minute),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(envStr("DB_DRIVER", "sqlite")),
			DSN:         envStr("DB_DSN", "file:polybot.db?_pragma=busy_timeout(5000)"),
			AutoMigrate: envBool("AUTO_MIGRATE", true),
		},
		Worker: WorkerConfig{
			Concurrency:  envInt("WORKER_CONCURRENCY", 4),
			ConsumerName: envStr("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   envInt("WORKER_MAX_RETRIES", 1),
		},
		HTTP: HTTPConfig{
			MaxRetries:  envInt("HTTP_MAX_RETRIES", 2),
			BackoffBase: envDuration("HTTP_BACKOFF_BASE", 500*time.Millisecond),
		},
		Rate: RateConfig{
			Limit:  envInt64("RATE_LIMIT", 30),
			Window: envDuration("RATE_LIMIT_WINDOW", time.Hour),
		},
		Gateway: GatewayConfig{
			StatePath:          envStr("STATE_PATH", "data/state.json"),
			StateDebounce:      envDuration("STATE_DEBOUNCE", 300*time.Millisecond),
			MaxTokens:          envInt("GATEWAY_MAX_TOKENS", 1024),
			TelegraphThreshold: envInt("TELEGRAPH_THRESHOLD", 12000),
			TelegraphAuthor:    envStr("TELEGRAPH_AUTHOR", "polybot"),
		},
		Log: LogConfig{
			Level: strings.ToLower(envStr("LOG_LEVEL", "info")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BotToken == "" {
		return ErrMissingBotToken
	}
	if c.BotAccessMode != AccessModePublic && c.BotAccessMode != AccessModePrivate {
		return ErrInvalidAccessMode
	}
	if c.BotAccessMode == AccessModePrivate && c.AdminUserID <= 0 {
		return ErrMissingAdminUserID
	}
	if c.DB.DSN == "" {
		return ErrMissingDatabaseDSN
	}
	switch c.AppMode {
	case ModeAll, ModeWebhook, ModeWorker:
		return nil
	default:
		return fmt.Errorf("unsupported APP_MODE %q", c.AppMode)
	}
}

// loadCryptoConfig assembles the master key ring from three sources, in
// increasing precedence: MASTER_KEYS_JSON, per-ID MASTER_KEY_<ID>_B64
// variables, and the MASTER_KEY_B64 singleton. The singleton binds to
// MASTER_KEY_CURRENT_ID when set, otherwise to the id "default".
func loadCryptoConfig() (CryptoConfig, error) {
	encoded := map[string]string{}

	if raw := envStr("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) != "" && strings.TrimSpace(val) != "" {
				encoded[id] = val
			}
		}
	}
	collectKeyEnv(encoded)

	current := envStr("MASTER_KEY_CURRENT_ID", "")
	if singleton := envStr("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		encoded[current] = singleton
	}
	if len(encoded) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys, err := decodeKeys(encoded)
	if err != nil {
		return CryptoConfig{}, err
	}
	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}
	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

// collectKeyEnv scans the environment for MASTER_KEY_<ID>_B64 variables.
// The plain MASTER_KEY_B64 singleton is handled separately by the caller.
func collectKeyEnv(into map[string]string) {
	for _, entry := range os.Environ() {
		name, value, found := strings.Cut(entry, "=")
		if !found || value == "" {
			continue
		}
		if name == "MASTER_KEY_B64" {
			continue
		}
		if !strings.HasPrefix(name, "MASTER_KEY_") || !strings.HasSuffix(name, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "MASTER_KEY_"), "_B64")
		if id != "" {
			into[id] = value
		}
	}
}

func decodeKeys(encoded map[string]string) (map[string][]byte, error) {
	keys := make(map[string][]byte, len(encoded))
	for id, b64 := range encoded {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}
	return keys, nil
}

func envStr(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func envInt(key string, def int) int {
	n, err := strconv.Atoi(envStr(key, ""))
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	n, err := strconv.ParseInt(envStr(key, ""), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	b, err := strconv.ParseBool(envStr(key, ""))
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(envStr(key, ""))
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
