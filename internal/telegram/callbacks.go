package telegram

import (
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

// onCallback routes inline keyboard presses. Every branch that renders a
// panel edits the menu message in place; destructive or admin actions ack
// through the callback toast instead.
func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}
	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	s.ack(b, ctx, "", false)

	switch data {
	case cbMenu:
		return s.editMenu(b, ctx, s.mainMenuText(ctx), s.mainMenuKeyboard())
	case cbHowAsk:
		return s.editMenu(b, ctx, s.askUsageText(), s.backToMenuKeyboard())
	case cbHowMedia:
		return s.editMenu(b, ctx, s.mediaUsageText(), s.backToMenuKeyboard())
	case cbStatus:
		return s.editMenu(b, ctx, s.statusText(ctx), s.backToMenuKeyboard())
	case cbListModels:
		return s.editMenu(b, ctx, s.buildModelListText(), s.backToMenuKeyboard())
	case cbAdminHelp:
		return s.editMenu(b, ctx, s.adminHelpText(), s.backToMenuKeyboard())
	case cbListProviders:
		return s.cbProviders(b, ctx)
	case cbActLlmAdd:
		return s.cbProviderAdd(b, ctx)
	case cbActReset:
		return s.cbResetHistory(b, ctx)
	default:
		s.ack(b, ctx, fmt.Sprintf("Unknown action: %s", data), true)
		return nil
	}
}

func (s *Service) cbProviders(b *gotgbot.Bot, ctx *ext.Context) error {
	if _, _, ok := s.requireAdmin(b, ctx); !ok {
		s.ack(b, ctx, "Only chat admins can view providers.", true)
		return nil
	}
	text, err := s.buildProviderListText()
	if err != nil {
		s.ack(b, ctx, "Failed to load providers.", true)
		return nil
	}
	return s.editMenu(b, ctx, text, s.backToMenuKeyboard())
}

func (s *Service) cbProviderAdd(b *gotgbot.Bot, ctx *ext.Context) error {
	if _, _, ok := s.requireAdmin(b, ctx); !ok {
		s.ack(b, ctx, "Only chat admins can add providers.", true)
		return nil
	}
	if err := s.llmAdd(b, ctx); err != nil {
		return err
	}
	s.ack(b, ctx, "Deep-link sent to chat.", false)
	return nil
}

func (s *Service) cbResetHistory(b *gotgbot.Bot, ctx *ext.Context) error {
	chatID, ok := chatFromCallback(ctx)
	if !ok {
		s.ack(b, ctx, "Chat is unavailable for this action.", true)
		return nil
	}
	s.state.ClearHistory(sessionID(chatID))
	s.ack(b, ctx, "Conversation history cleared.", false)
	return nil
}

func (s *Service) ack(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, &gotgbot.AnswerCallbackQueryOpts{
		Text:      text,
		ShowAlert: alert,
	})
}

// editMenu edits the message the keyboard hangs off. When the edit is
// rejected for any reason other than "not modified" it falls back to a
// fresh reply so the user still sees the panel.
func (s *Service) editMenu(b *gotgbot.Bot, ctx *ext.Context, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.CallbackQuery == nil || ctx.CallbackQuery.Message == nil {
		return s.replyWithMarkup(ctx, b, text, markup)
	}
	opts := &gotgbot.EditMessageTextOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
	switch {
	case err == nil:
		return nil
	case strings.Contains(strings.ToLower(err.Error()), "message is not modified"):
		return nil
	default:
		return s.replyWithMarkup(ctx, b, text, markup)
	}
}

func chatFromCallback(ctx *ext.Context) (int64, bool) {
	if ctx != nil && ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		return ctx.CallbackQuery.Message.GetChat().Id, true
	}
	return 0, false
}
