package bot

import (
	"context"
	"sync"
	"time"

	"villaops/internal/config"
	"villaops/internal/logging"
	"villaops/internal/metrics"
	"villaops/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TelegramService is the part of the Bot API the staff bot drives.
type TelegramService interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	GetSelf() tgbotapi.User
	StopReceivingUpdates()
}

// JobActions is what staff may do to their own jobs.
type JobActions interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	Transition(ctx context.Context, jobID string, to models.JobStatus, actor, notes string) (*models.Job, error)
}

// TelemetrySink accepts GPS and progress reports.
type TelemetrySink interface {
	HandleTelemetry(ctx context.Context, ping models.TelemetryPing) ([]*models.ProgressSnapshot, error)
}

// StaffLookup maps Telegram users to staff records.
type StaffLookup interface {
	StaffByTelegramID(ctx context.Context, telegramID int64) (*models.Staff, error)
}

// Bot is the field staff interface: listing assigned jobs, moving them
// along the workflow and reporting location and progress.
type Bot struct {
	tg        TelegramService
	jobs      JobActions
	telemetry TelemetrySink
	staff     StaffLookup
	cfg       config.TelegramConfig
	limiters  sync.Map
	logger    *zerolog.Logger
}

func NewBot(
	tg TelegramService,
	jobs JobActions,
	telemetry TelemetrySink,
	staff StaffLookup,
	cfg config.TelegramConfig,
	logger *zerolog.Logger,
) *Bot {
	return &Bot{
		tg:        tg,
		jobs:      jobs,
		telemetry: telemetry,
		staff:     staff,
		cfg:       cfg,
		logger:    logging.Component(logger, "staff-bot"),
	}
}

func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.tg.GetUpdatesChan(u)

	b.logger.Info().Str("username", b.tg.GetSelf().UserName).Msg("Authorized on account")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Bot stopping...")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.processUpdate(ctx, update)
		}
	}
}

func (b *Bot) processUpdate(ctx context.Context, update tgbotapi.Update) {
	updateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	l := b.logger.With().Str("request_id", uuid.New().String()).Logger()
	updateCtx = l.WithContext(updateCtx)

	b.withRecovery(func() {
		var userID int64
		switch {
		case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
			userID = update.CallbackQuery.From.ID
		case update.Message != nil && update.Message.From != nil:
			userID = update.Message.From.ID
		case update.EditedMessage != nil && update.EditedMessage.From != nil:
			userID = update.EditedMessage.From.ID
		}
		if userID == 0 {
			return
		}

		if !b.allow(userID) {
			metrics.IncBotUpdate(updateKind(update), "rate_limited")
			l.Warn().Int64("user_id", userID).Msg("Rate limit exceeded")
			if update.Message != nil {
				b.sendMessage(update.Message.Chat.ID, msgSlowDown)
			}
			return
		}

		staff, err := b.staff.StaffByTelegramID(updateCtx, userID)
		if err != nil {
			metrics.IncBotUpdate(updateKind(update), "unknown_user")
			if update.Message != nil {
				b.sendMessage(update.Message.Chat.ID, msgUnknownStaff)
			}
			return
		}

		if update.CallbackQuery != nil {
			b.handleCallbackQuery(updateCtx, staff, update.CallbackQuery)
			return
		}
		if update.Message != nil {
			b.handleMessage(updateCtx, staff, update.Message)
			return
		}
		if update.EditedMessage.Location != nil {
			b.handleLocation(updateCtx, staff, update.EditedMessage)
		}
	})
}

func (b *Bot) allow(userID int64) bool {
	if b.cfg.RateLimitMessages <= 0 || b.cfg.RateLimitWindow <= 0 {
		return true
	}
	if v, ok := b.limiters.Load(userID); ok {
		return v.(*rate.Limiter).Allow()
	}
	every := rate.Every(b.cfg.RateLimitWindow / time.Duration(b.cfg.RateLimitMessages))
	lim, _ := b.limiters.LoadOrStore(userID, rate.NewLimiter(every, b.cfg.RateLimitMessages))
	return lim.(*rate.Limiter).Allow()
}

func updateKind(update tgbotapi.Update) string {
	switch {
	case update.CallbackQuery != nil:
		return "callback"
	case update.Message != nil && update.Message.Location != nil,
		update.EditedMessage != nil && update.EditedMessage.Location != nil:
		return "location"
	case update.Message != nil && update.Message.IsCommand():
		return "command"
	default:
		return "message"
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.tg.Send(msg); err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Telegram send failed")
	}
}
