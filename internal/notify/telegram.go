package notify

import (
	"context"
	"errors"
	"fmt"

	"villaops/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender is the part of the bot API the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier delivers notifications to every manager with a chat id.
type TelegramNotifier struct {
	bot    Sender
	staff  domain.StaffDirectory
	logger *zerolog.Logger
}

func NewTelegramNotifier(bot Sender, staff domain.StaffDirectory, logger *zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, staff: staff, logger: logger}
}

// NewBot connects to the Bot API.
func NewBot(token string, debug bool) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	bot.Debug = debug
	return bot, nil
}

// Notify sends to all managers. It fails only when no manager could be
// reached, so a single stale chat does not block retries for the rest.
func (n *TelegramNotifier) Notify(ctx context.Context, subject, text string) error {
	managers, err := n.staff.ListManagers(ctx)
	if err != nil {
		return err
	}

	body := fmt.Sprintf("*%s*\n%s", tgbotapi.EscapeText(tgbotapi.ModeMarkdown, subject), tgbotapi.EscapeText(tgbotapi.ModeMarkdown, text))

	var (
		sent int
		errs []error
	)
	for _, m := range managers {
		if m.TelegramChatID == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(m.TelegramChatID, body)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Warn().Err(err).Str("staff_id", m.ID).Msg("Telegram delivery failed")
			errs = append(errs, fmt.Errorf("manager %s: %w", m.ID, err))
			continue
		}
		sent++
	}

	if sent == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier writes notifications to the log when no bot is configured.
type LogNotifier struct {
	logger *zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, subject, text string) error {
	n.logger.Warn().Str("subject", subject).Msg(text)
	return nil
}
