package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"polybot/internal/providers"
)

const (
	cbPrefix = "pb:"

	cbMenu          = cbPrefix + "menu"
	cbHowAsk        = cbPrefix + "how_ask"
	cbHowMedia      = cbPrefix + "how_media"
	cbStatus        = cbPrefix + "status"
	cbListModels    = cbPrefix + "list_models"
	cbListProviders = cbPrefix + "list_providers"
	cbAdminHelp     = cbPrefix + "admin_help"
	cbActLlmAdd     = cbPrefix + "act_llm_add"
	cbActReset      = cbPrefix + "act_reset"
)

func (s *Service) menu(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.sendMainMenu(ctx, b)
}

func (s *Service) status(b *gotgbot.Bot, ctx *ext.Context) error {
	text := s.statusText(ctx)
	return s.replyWithMarkup(ctx, b, text, s.backToMenuKeyboard())
}

func (s *Service) sendMainMenu(ctx *ext.Context, b *gotgbot.Bot) error {
	return s.replyWithMarkup(ctx, b, s.mainMenuText(ctx), s.mainMenuKeyboard())
}

func (s *Service) mainMenuText(ctx *ext.Context) string {
	chatType := "unknown"
	if ctx != nil && ctx.EffectiveChat != nil {
		chatType = ctx.EffectiveChat.Type
	}

	lines := []string{
		"Polybot menu",
		"",
		"Quick commands:",
		"/ask <text> - chat with the configured model",
		"/search <text> - chat with web search",
		"/img <prompt> - generate an image",
		"/tts <text> - synthesize speech",
		"/reset - clear conversation history",
		"/model_list - show model assignments",
		"",
		"Admin commands:",
		"/llm_add, /llm_list, /llm_del",
		"/model_set, /models refresh",
		"",
		fmt.Sprintf("Chat type: %s", chatType),
		fmt.Sprintf("Access mode: %s", s.accessMode),
		"Use the inline buttons below for navigation.",
	}
	return strings.Join(lines, "\n")
}

func (s *Service) askUsageText() string {
	return strings.Join([]string{
		"How to use /ask and /search",
		"",
		"Syntax:",
		"/ask <text>",
		"/search <text>",
		"",
		"Behavior:",
		"- Conversation history is kept per chat until /reset",
		"- Reply to a photo with /ask to analyze the image",
		"- /search lets the model use web search where supported",
		"- Requests run asynchronously through a queue",
	}, "\n")
}

func (s *Service) mediaUsageText() string {
	return strings.Join([]string{
		"How to use /img and /tts",
		"",
		"Syntax:",
		"/img <prompt>",
		"/tts [voice=name] <text>",
		"",
		"Behavior:",
		"- /img replies with a generated picture",
		"- /tts replies with an audio file",
		"- Both use the model assigned via /model_set",
	}, "\n")
}

func (s *Service) adminHelpText() string {
	return strings.Join([]string{
		"Admin quick reference",
		"",
		"Providers:",
		"/llm_add",
		"/llm_list",
		"/llm_del <name>",
		"",
		"Models:",
		"/model_set <chat|search|image|tts> <provider> <model> [compat]",
		"/model_list",
		"/models refresh",
	}, "\n")
}

func (s *Service) statusText(ctx *ext.Context) string {
	if ctx == nil || ctx.EffectiveChat == nil {
		return "Chat is not available for status."
	}

	chatID := ctx.EffectiveChat.Id
	chatType := ctx.EffectiveChat.Type

	providerCount := 0
	if provs, err := s.state.Providers(); err == nil {
		providerCount = len(provs)
	}
	selectorCount := len(s.state.Selectors())
	catalogSize, _ := s.state.CatalogSize()
	turns := len(s.state.History(sessionID(chatID)))

	lines := []string{
		"Chat status",
		fmt.Sprintf("chat_id: %d", chatID),
		fmt.Sprintf("chat_type: %s", chatType),
		fmt.Sprintf("providers: %d", providerCount),
		fmt.Sprintf("model assignments: %d", selectorCount),
		fmt.Sprintf("catalog entries: %d", catalogSize),
		fmt.Sprintf("history turns: %d", turns),
		fmt.Sprintf("access_mode: %s", s.accessMode),
	}

	if stats, err := s.store.UsageStats(context.Background(), chatID, 3); err == nil && len(stats) > 0 {
		lines = append(lines, "", "Recent usage:")
		for _, st := range stats {
			lines = append(lines, fmt.Sprintf("- %s %s/%s: %d calls, %d failed", st.Kind, st.Provider, st.Model, st.Count, st.Failures))
		}
	}

	return strings.Join(lines, "\n")
}

func (s *Service) buildModelListText() string {
	selectors := s.state.Selectors()
	if len(selectors) == 0 {
		return "No models configured. Use /model_set."
	}
	lines := []string{"Configured models:"}
	for _, kind := range []providers.Kind{providers.KindChat, providers.KindSearch, providers.KindImage, providers.KindTTS} {
		sel, ok := selectors[kind]
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s/%s", kind, sel.Provider, sel.Model))
	}
	return strings.Join(lines, "\n")
}

func (s *Service) mainMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "How /ask works", CallbackData: cbHowAsk},
			{Text: "Images and speech", CallbackData: cbHowMedia},
		},
		{
			{Text: "Model assignments", CallbackData: cbListModels},
			{Text: "Chat status", CallbackData: cbStatus},
		},
		{
			{Text: "List providers", CallbackData: cbListProviders},
			{Text: "Admin help", CallbackData: cbAdminHelp},
		},
		{
			{Text: "Add provider", CallbackData: cbActLlmAdd},
			{Text: "Reset history", CallbackData: cbActReset},
		},
		{
			{Text: "Refresh", CallbackData: cbMenu},
		},
	}}
}

func (s *Service) backToMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "Back to menu", CallbackData: cbMenu}},
	}}
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
