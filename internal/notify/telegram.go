package notify

import (
	"context"
	"fmt"
	"html"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/rishik-ashili/email-outbox/pkg/models"
)

// TelegramChannel sends alerts to a Telegram chat
type TelegramChannel struct {
	bot    *bot.Bot
	chatID int64
}

// NewTelegramChannel creates a telegram channel
func NewTelegramChannel(token string, chatID int64) (*TelegramChannel, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramChannel{bot: b, chatID: chatID}, nil
}

// Name implements Channel
func (t *TelegramChannel) Name() string { return "telegram" }

// Send implements Channel
func (t *TelegramChannel) Send(ctx context.Context, email *models.Email, category models.Category) error {
	sender := email.Sender()
	from := sender.Address
	if sender.Name != "" {
		from = fmt.Sprintf("%s <%s>", sender.Name, sender.Address)
	}

	text := fmt.Sprintf("<b>%s</b>\n\n<b>Account:</b> %s\n<b>From:</b> %s\n<b>Subject:</b> %s",
		html.EscapeString(string(category)),
		html.EscapeString(email.AccountLabel),
		html.EscapeString(from),
		html.EscapeString(email.Subject),
	)

	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}
