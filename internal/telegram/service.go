package telegram

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"polybot/internal/gateway"
	"polybot/internal/metrics"
	"polybot/internal/queue"
	"polybot/internal/state"
	"polybot/internal/storage"
)

type Service struct {
	store         *storage.Store
	state         *state.Store
	gateway       *gateway.Gateway
	queue         *queue.StreamQueue
	rateLimiter   *queue.RateLimiter
	wizard        *wizardStore
	redis         *redis.Client
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	adminCacheTTL time.Duration
	botUsername   string
	accessMode    string
	adminUserID   int64
}

type Config struct {
	Store         *storage.Store
	State         *state.Store
	Gateway       *gateway.Gateway
	Queue         *queue.StreamQueue
	RateLimiter   *queue.RateLimiter
	Redis         *redis.Client
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	AdminCacheTTL time.Duration
	WizardTTL     time.Duration
	BotUsername   string
	AccessMode    string
	AdminUserID   int64
}

func NewService(cfg Config) *Service {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.AdminCacheTTL <= 0 {
		cfg.AdminCacheTTL = 10 * time.Minute
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 20 * time.Minute
	}
	return &Service{
		store:         cfg.Store,
		state:         cfg.State,
		gateway:       cfg.Gateway,
		queue:         cfg.Queue,
		rateLimiter:   cfg.RateLimiter,
		wizard:        newWizardStore(cfg.Redis, cfg.WizardTTL),
		redis:         cfg.Redis,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		adminCacheTTL: cfg.AdminCacheTTL,
		botUsername:   cfg.BotUsername,
		accessMode:    cfg.AccessMode,
		adminUserID:   cfg.AdminUserID,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	commands := []struct {
		name string
		fn   handlers.Response
	}{
		{"help", s.help},
		{"start", s.start},
		{"menu", s.menu},
		{"status", s.status},
		{"cancel", s.cancelWizard},
		{"ask", s.ask},
		{"search", s.search},
		{"img", s.img},
		{"tts", s.tts},
		{"reset", s.reset},
		{"llm_add", s.llmAdd},
		{"llm_list", s.llmList},
		{"llm_del", s.llmDel},
		{"model_set", s.modelSet},
		{"model_list", s.modelList},
		{"models", s.models},
	}
	for _, c := range commands {
		d.AddHandler(handlers.NewCommand(c.name, c.fn))
	}
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg)
	}, s.privateText))
}

func (s *Service) deepLink(bot *gotgbot.Bot, param string) string {
	username := s.botUsername
	if username == "" {
		username = bot.User.Username
	}
	if strings.TrimSpace(username) == "" {
		return ""
	}
	return "https://t.me/" + username + "?start=" + url.QueryEscape(param)
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

func (s *Service) ensureChat(ctx context.Context, msg *gotgbot.Message) {
	_ = s.store.EnsureChat(ctx, msg.Chat.Id, msg.Chat.Type, msg.Chat.Title)
}

// sessionID scopes conversation history to one chat.
func sessionID(chatID int64) string {
	return "chat:" + formatInt(chatID)
}
