package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/redis/go-redis/v9"

	"polybot/internal/providers"
	"polybot/internal/queue"
	"polybot/internal/storage"
)

var providerNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	text := strings.Join([]string{
		"Commands:",
		"/ask <text> - chat with the configured model",
		"/search <text> - chat with web search",
		"/img <prompt> - generate an image",
		"/tts [voice=name] <text> - synthesize speech",
		"/reset - clear this chat's conversation history",
		"/model_list - show which model serves each command",
		"/models - show the known model catalog",
		"/status",
		"Admin:",
		"/llm_add - add or update a provider (private wizard)",
		"/llm_list",
		"/llm_del <name>",
		"/model_set <chat|search|image|tts> <provider> <model> [compat]",
		"Private wizard:",
		"/start llmadd_<chat_id>",
		"/cancel",
	}, "\n")
	return s.reply(ctx, b, text)
}

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	args := ctx.Args()
	if ctx.EffectiveChat.Type == "private" && len(args) > 1 && strings.HasPrefix(args[1], "llmadd_") {
		chatID, err := strconv.ParseInt(strings.TrimPrefix(args[1], "llmadd_"), 10, 64)
		if err != nil {
			return s.reply(ctx, b, "Invalid deep-link payload.")
		}
		return s.beginProviderWizard(ctx, b, chatID)
	}
	return s.help(b, ctx)
}

func (s *Service) cancelWizard(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveChat.Type != "private" {
		return nil
	}
	if err := s.wizard.Clear(context.Background(), ctx.EffectiveUser.Id); err != nil {
		return s.reply(ctx, b, "Failed to cancel wizard right now.")
	}
	return s.reply(ctx, b, "Wizard canceled.")
}

func (s *Service) ask(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.enqueueAsk(b, ctx, providers.KindChat, "Usage: /ask <text>")
}

func (s *Service) search(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.enqueueAsk(b, ctx, providers.KindSearch, "Usage: /search <text>")
}

func (s *Service) img(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.enqueueAsk(b, ctx, providers.KindImage, "Usage: /img <prompt>")
}

func (s *Service) tts(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.enqueueAsk(b, ctx, providers.KindTTS, "Usage: /tts [voice=name] <text>")
}

func (s *Service) enqueueAsk(b *gotgbot.Bot, ctx *ext.Context, kind providers.Kind, usage string) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil {
		return nil
	}
	if !s.accessAllowed(userID(ctx)) {
		return nil
	}

	prompt := strings.TrimSpace(commandRemainder(msg.GetText()))
	photoID := replyPhotoID(msg)
	if prompt == "" && photoID == "" {
		return s.reply(ctx, b, usage)
	}

	if !s.allowRate(ctx.EffectiveChat.Id, userID(ctx), b, ctx) {
		return nil
	}

	s.ensureChat(context.Background(), msg)
	job := queue.AskJob{
		Kind:        string(kind),
		ChatID:      ctx.EffectiveChat.Id,
		ChatType:    ctx.EffectiveChat.Type,
		UserID:      userID(ctx),
		MessageID:   msg.MessageId,
		Prompt:      prompt,
		PhotoFileID: photoID,
		SessionID:   sessionID(ctx.EffectiveChat.Id),
	}
	if _, err := s.queue.Enqueue(context.Background(), job); err != nil {
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to enqueue job")
		return s.reply(ctx, b, "Queue is unavailable right now.")
	}
	s.metrics.EnqueuedJobs.Inc()
	return s.reply(ctx, b, "Accepted. Processing in queue.")
}

// replyPhotoID picks the largest photo from the replied-to message, if any.
func replyPhotoID(msg *gotgbot.Message) string {
	if msg == nil || msg.ReplyToMessage == nil || len(msg.ReplyToMessage.Photo) == 0 {
		return ""
	}
	photos := msg.ReplyToMessage.Photo
	best := photos[0]
	for _, p := range photos[1:] {
		if p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best.FileId
}

func (s *Service) reset(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	if !s.accessAllowed(userID(ctx)) {
		return nil
	}
	s.state.ClearHistory(sessionID(ctx.EffectiveChat.Id))
	return s.reply(ctx, b, "Conversation history cleared.")
}

func (s *Service) llmAdd(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if ctx.EffectiveChat.Type == "private" {
		return s.beginProviderWizard(ctx, b, ctx.EffectiveChat.Id)
	}

	chatID, _, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	s.ensureChat(context.Background(), ctx.EffectiveMessage)
	link := s.deepLink(b, fmt.Sprintf("llmadd_%d", chatID))
	if link == "" {
		return s.reply(ctx, b, "Unable to generate deep-link. Check bot username.")
	}

	return s.reply(ctx, b, "Continue in private chat: "+link)
}

func (s *Service) llmList(b *gotgbot.Bot, ctx *ext.Context) error {
	if _, _, ok := s.requireAdmin(b, ctx); !ok {
		return nil
	}
	text, err := s.buildProviderListText()
	if err != nil {
		s.logger.Error().Err(err).Msg("list providers failed")
		return s.reply(ctx, b, "Failed to list providers.")
	}
	return s.reply(ctx, b, text)
}

func (s *Service) llmDel(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	name := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if name == "" {
		return s.reply(ctx, b, "Usage: /llm_del <name>")
	}
	if err := s.gateway.DeleteProvider(name); err != nil {
		return s.reply(ctx, b, "Provider not found.")
	}
	_ = s.audit(chatID, uid, "provider_del", map[string]any{"name": name})
	return s.reply(ctx, b, "Provider deleted.")
}

func (s *Service) modelSet(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, uid, ok := s.requireAdmin(b, ctx)
	if !ok {
		return nil
	}
	rem := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	kindArg, rem := splitFirstWord(rem)
	providerName, rem := splitFirstWord(rem)
	model, compatArg := splitFirstWord(rem)
	if kindArg == "" || providerName == "" || model == "" {
		return s.reply(ctx, b, "Usage: /model_set <chat|search|image|tts> <provider> <model> [openai|gemini|claude]")
	}

	kind, ok2 := providers.ParseKind(strings.ToLower(kindArg))
	if !ok2 {
		return s.reply(ctx, b, "Unknown kind. Expected chat, search, image or tts.")
	}
	if _, err := s.state.Provider(providerName); err != nil {
		return s.reply(ctx, b, "Provider not found. Add it with /llm_add first.")
	}

	compatArg = strings.TrimSpace(compatArg)
	if compatArg != "" {
		compat, ok3 := providers.ParseCompat(strings.ToLower(compatArg))
		if !ok3 {
			return s.reply(ctx, b, "Unknown compat. Expected openai, gemini or claude.")
		}
		s.state.SetOverride(providerName, model, compat)
	}

	s.state.SetSelector(kind, providerName, model)
	_ = s.audit(chatID, uid, "model_set", map[string]any{
		"kind":     string(kind),
		"provider": providerName,
		"model":    model,
		"compat":   compatArg,
	})
	return s.reply(ctx, b, fmt.Sprintf("%s now uses %s/%s", kind, providerName, model))
}

func (s *Service) modelList(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	return s.reply(ctx, b, s.buildModelListText())
}

func (s *Service) models(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	arg := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if strings.EqualFold(arg, "refresh") {
		if _, _, ok := s.requireAdmin(b, ctx); !ok {
			return nil
		}
		refreshCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := s.gateway.RefreshCatalog(refreshCtx, true); err != nil {
			s.logger.Error().Err(err).Msg("catalog refresh failed")
			return s.reply(ctx, b, "Catalog refresh failed: "+providers.Describe(err))
		}
	}

	size, updated := s.state.CatalogSize()
	if size == 0 {
		return s.reply(ctx, b, "Model catalog is empty. Configure a provider and run /models refresh.")
	}
	when := "never"
	if !updated.IsZero() {
		when = updated.UTC().Format("2006-01-02 15:04 UTC")
	}
	return s.reply(ctx, b, fmt.Sprintf("Model catalog: %d entries, refreshed %s.\nUse /models refresh to re-probe providers.", size, when))
}

func (s *Service) buildProviderListText() (string, error) {
	items, err := s.state.Providers()
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No providers configured.", nil
	}
	lines := []string{"Providers:"}
	for _, p := range items {
		line := fmt.Sprintf("- %s %s", p.Name, p.BaseURL)
		if p.PreferredCompat != "" {
			line += " [" + string(p.PreferredCompat) + "]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}

	wiz, err := s.wizard.Get(context.Background(), ctx.EffectiveUser.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("wizard load failed")
		return s.reply(ctx, b, "Wizard state error. Start again with /llm_add.")
	}
	if wiz == nil {
		return nil
	}

	switch wiz.Step {
	case "name":
		if !providerNameRegex.MatchString(text) {
			return s.reply(ctx, b, "Invalid provider name. Use letters, digits, _ or -.")
		}
		wiz.Name = text
		wiz.Step = "base_url"
		if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, *wiz); err != nil {
			return s.reply(ctx, b, "Failed to persist wizard state.")
		}
		return s.reply(ctx, b, "Send base URL (example: https://api.openai.com)")

	case "base_url":
		if !strings.HasPrefix(text, "http://") && !strings.HasPrefix(text, "https://") {
			return s.reply(ctx, b, "Base URL must start with http:// or https://")
		}
		wiz.BaseURL = strings.TrimRight(text, "/")
		wiz.Step = "auth"
		if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, *wiz); err != nil {
			return s.reply(ctx, b, "Failed to persist wizard state.")
		}
		return s.reply(ctx, b, "Send auth method: auto, bearer, header, query or basic. 'auto' detects from the URL.")

	case "auth":
		method := strings.ToLower(strings.TrimSpace(text))
		switch method {
		case "auto", string(providers.AuthBearer), string(providers.AuthHeader), string(providers.AuthQuery), string(providers.AuthBasic):
		default:
			return s.reply(ctx, b, "Supported auth methods: auto, bearer, header, query, basic")
		}
		wiz.AuthMethod = method
		wiz.Step = "api_key"
		if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, *wiz); err != nil {
			return s.reply(ctx, b, "Failed to persist wizard state.")
		}
		return s.reply(ctx, b, "Send API key (or '-' for empty).")

	case "api_key":
		apiKey := text
		if apiKey == "-" {
			apiKey = ""
		}
		wiz.APIKeySet = apiKey != ""
		wiz.Step = "compat"
		if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, *wiz); err != nil {
			return s.reply(ctx, b, "Failed to persist wizard state.")
		}
		if err := s.finishWizard(ctx.EffectiveUser.Id, wiz, apiKey); err != nil {
			s.logger.Error().Err(err).Msg("finish wizard failed")
			return s.reply(ctx, b, "Failed to save provider. Try again with /llm_add.")
		}
		return s.reply(ctx, b, "Send preferred compat: auto, openai, gemini or claude. 'auto' detects per model.")

	case "compat":
		choice := strings.ToLower(strings.TrimSpace(text))
		if choice != "auto" {
			compat, ok := providers.ParseCompat(choice)
			if !ok {
				return s.reply(ctx, b, "Supported values: auto, openai, gemini, claude")
			}
			s.state.SetPreferredCompat(wiz.Name, compat)
		}
		_ = s.wizard.Clear(context.Background(), ctx.EffectiveUser.Id)
		return s.reply(ctx, b, "Provider saved. Pick models with /model_set in your chat.")
	}

	return nil
}

func (s *Service) beginProviderWizard(ctx *ext.Context, b *gotgbot.Bot, targetChatID int64) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveChat == nil || ctx.EffectiveChat.Type != "private" {
		return nil
	}
	if targetChatID != ctx.EffectiveChat.Id {
		admin, err := s.isAdmin(context.Background(), b, targetChatID, ctx.EffectiveUser.Id)
		if err != nil {
			s.logger.Error().Err(err).Int64("chat_id", targetChatID).Msg("admin check failed in dm wizard")
			return s.reply(ctx, b, "Could not verify admin rights. Please retry.")
		}
		if !admin {
			return s.reply(ctx, b, "You are not an admin in that chat.")
		}
	}
	_ = s.store.EnsureChat(context.Background(), targetChatID, "group", "")
	wiz := providerWizardState{TargetChatID: targetChatID, Step: "name"}
	if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, wiz); err != nil {
		return s.reply(ctx, b, "Failed to start wizard.")
	}
	return s.reply(ctx, b, "Wizard started. Send provider name (letters, digits, _ or -, max 64).")
}

func (s *Service) finishWizard(actorUserID int64, wiz *providerWizardState, apiKey string) error {
	// The key itself travels as Provider.APIKey; AuthConfig only selects
	// how the adapter attaches it.
	var auth *providers.AuthConfig
	if wiz.AuthMethod != "" && wiz.AuthMethod != "auto" {
		auth = &providers.AuthConfig{
			Method: providers.AuthMethod(wiz.AuthMethod),
		}
	}
	if err := s.gateway.UpsertProvider(wiz.Name, wiz.BaseURL, apiKey, auth); err != nil {
		return err
	}
	_ = s.audit(wiz.TargetChatID, actorUserID, "provider_add", map[string]any{
		"name": wiz.Name,
		"auth": wiz.AuthMethod,
	})
	return nil
}

func (s *Service) requireAdmin(b *gotgbot.Bot, ctx *ext.Context) (chatID int64, uid int64, ok bool) {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return 0, 0, false
	}
	chatID = ctx.EffectiveChat.Id
	uid = ctx.EffectiveUser.Id

	if ctx.EffectiveChat.Type == "private" {
		if s.adminUserID > 0 && uid == s.adminUserID {
			return chatID, uid, true
		}
		_ = s.reply(ctx, b, "Run this command in group/supergroup.")
		return 0, 0, false
	}

	admin, err := s.isAdmin(context.Background(), b, chatID, uid)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Int64("user_id", uid).Msg("admin check failed")
		_ = s.reply(ctx, b, "Failed to verify admin rights.")
		return 0, 0, false
	}
	if !admin {
		_ = s.reply(ctx, b, "Only chat admins can run this command.")
		return 0, 0, false
	}
	if ctx.EffectiveMessage != nil {
		s.ensureChat(context.Background(), ctx.EffectiveMessage)
	}
	return chatID, uid, true
}

func (s *Service) isAdmin(ctx context.Context, b *gotgbot.Bot, chatID, userID int64) (bool, error) {
	if s.adminUserID > 0 && userID == s.adminUserID {
		return true, nil
	}

	cacheKey := fmt.Sprintf("polybot:admin:%d:%d", chatID, userID)
	if v, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
		return v == "1", nil
	} else if err != redis.Nil {
		s.logger.Warn().Err(err).Msg("failed to read admin cache")
	}

	member, err := b.GetChatMemberWithContext(ctx, chatID, userID, nil)
	if err != nil {
		return false, err
	}
	status := member.GetStatus()
	admin := status == "administrator" || status == "creator"

	value := "0"
	if admin {
		value = "1"
	}
	_ = s.redis.Set(ctx, cacheKey, value, s.adminCacheTTL).Err()
	_ = s.store.SetAdminCache(ctx, chatID, userID, admin)
	return admin, nil
}

func (s *Service) accessAllowed(userID int64) bool {
	if s.accessMode != "private" {
		return true
	}
	return userID != 0 && userID == s.adminUserID
}

func (s *Service) allowRate(chatID, userID int64, b *gotgbot.Bot, ctx *ext.Context) bool {
	if userID == 0 || s.rateLimiter == nil {
		return true
	}
	ok, _, resetAt, err := s.rateLimiter.Allow(context.Background(), chatID, userID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if ok {
		return true
	}
	_ = s.reply(ctx, b, "Rate limit exceeded. Try again after "+resetAt.Format("15:04 UTC"))
	return false
}

func (s *Service) audit(chatID, userID int64, action string, meta map[string]any) error {
	b, _ := json.Marshal(meta)
	return s.store.LogAction(context.Background(), storage.AuditEntry{
		ChatID:   chatID,
		UserID:   userID,
		Action:   action,
		MetaJSON: string(b),
	})
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
