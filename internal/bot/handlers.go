package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"villaops/internal/metrics"
	"villaops/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const (
	callbackJobPrefix = "job:"
	callbackRefresh   = "jobs:refresh"
	maxJobCards       = 10
	actorNote         = "via telegram"
)

// staffActions are the transitions field staff may trigger themselves.
var staffActions = map[string]models.JobStatus{
	"accept":   models.JobAccepted,
	"decline":  models.JobPending,
	"start":    models.JobInProgress,
	"complete": models.JobCompleted,
}

var actionLabels = map[string]string{
	"accept":   "✅ Accept",
	"decline":  "↩️ Decline",
	"start":    "▶️ Start",
	"complete": "🏁 Complete",
}

func actionsFor(status models.JobStatus) []string {
	switch status {
	case models.JobAssigned:
		return []string{"accept", "decline"}
	case models.JobAccepted:
		return []string{"start"}
	case models.JobInProgress:
		return []string{"complete"}
	default:
		return nil
	}
}

func (b *Bot) handleMessage(ctx context.Context, staff *models.Staff, msg *tgbotapi.Message) {
	if msg == nil {
		return
	}
	if msg.Location != nil {
		b.handleLocation(ctx, staff, msg)
		return
	}

	switch msg.Command() {
	case "start", "help":
		metrics.IncBotUpdate("command", "ok")
		b.sendMessage(msg.Chat.ID, fmt.Sprintf(
			"Hi %s!\n\n/jobs shows your active jobs with buttons to accept, start and complete them.\n"+
				"Share your live location while working so dispatch can see your progress.", staff.Name))
	case "jobs":
		metrics.IncBotUpdate("command", "ok")
		b.sendJobs(ctx, staff, msg.Chat.ID)
	default:
		metrics.IncBotUpdate("message", "ignored")
		b.sendMessage(msg.Chat.ID, "Unknown command. Try /jobs or /help.")
	}
}

func (b *Bot) sendJobs(ctx context.Context, staff *models.Staff, chatID int64) {
	jobs, err := b.jobs.ListJobs(ctx, models.JobFilter{
		StaffID:  staff.ID,
		Statuses: []models.JobStatus{models.JobAssigned, models.JobAccepted, models.JobInProgress},
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("staff_id", staff.ID).Msg("List staff jobs failed")
		b.sendMessage(chatID, userMessage(err))
		return
	}
	if len(jobs) == 0 {
		b.sendMessage(chatID, "You have no active jobs. 🎉")
		return
	}

	for i, job := range jobs {
		if i == maxJobCards {
			b.sendMessage(chatID, fmt.Sprintf("…and %d more. Finish some jobs to see the rest.", len(jobs)-maxJobCards))
			break
		}
		msg := tgbotapi.NewMessage(chatID, jobCard(job))
		if kb := jobKeyboard(job); kb != nil {
			msg.ReplyMarkup = kb
		}
		if _, err := b.tg.Send(msg); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", job.ID).Msg("Send job card failed")
		}
	}
}

func (b *Bot) handleCallbackQuery(ctx context.Context, staff *models.Staff, callback *tgbotapi.CallbackQuery) {
	if _, err := b.tg.Request(tgbotapi.NewCallback(callback.ID, "")); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("Answer callback failed")
	}
	if callback.Message == nil {
		return
	}
	chatID := callback.Message.Chat.ID

	if callback.Data == callbackRefresh {
		metrics.IncBotUpdate("callback", "ok")
		b.sendJobs(ctx, staff, chatID)
		return
	}

	action, jobID, ok := parseJobCallback(callback.Data)
	if !ok {
		metrics.IncBotUpdate("callback", "ignored")
		return
	}

	job, err := b.jobs.GetJob(ctx, jobID)
	if err != nil {
		metrics.IncBotUpdate("callback", "error")
		b.sendMessage(chatID, userMessage(err))
		return
	}
	if job.AssignedStaffID != staff.ID {
		metrics.IncBotUpdate("callback", "forbidden")
		b.sendMessage(chatID, msgNotYourJob)
		return
	}

	updated, err := b.jobs.Transition(ctx, jobID, staffActions[action], staff.ID, actorNote)
	if err != nil {
		metrics.IncBotUpdate("callback", "error")
		zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", jobID).Str("action", action).Msg("Staff transition rejected")
		b.sendMessage(chatID, userMessage(err))
		return
	}
	metrics.IncBotUpdate("callback", "ok")
	zerolog.Ctx(ctx).Info().
		Str("job_id", jobID).
		Str("staff_id", staff.ID).
		Str("status", string(updated.Status)).
		Msg("Staff moved job")

	edit := tgbotapi.NewEditMessageText(chatID, callback.Message.MessageID, jobCard(updated))
	if action == "decline" {
		edit.Text += "\n\nReturned to dispatch."
	} else if kb := jobKeyboard(updated); kb != nil {
		edit.ReplyMarkup = kb
	}
	if _, err := b.tg.Send(edit); err != nil {
		b.sendMessage(chatID, jobCard(updated))
	}
}

func parseJobCallback(data string) (action, jobID string, ok bool) {
	rest, found := strings.CutPrefix(data, callbackJobPrefix)
	if !found {
		return "", "", false
	}
	action, jobID, found = strings.Cut(rest, ":")
	if !found || jobID == "" {
		return "", "", false
	}
	if _, known := staffActions[action]; !known {
		return "", "", false
	}
	return action, jobID, true
}

// handleLocation turns a shared (or live-updated) location into a telemetry
// ping covering every active job of the staff member.
func (b *Bot) handleLocation(ctx context.Context, staff *models.Staff, msg *tgbotapi.Message) {
	recordedAt := time.Now().UTC()
	if msg.EditDate != 0 {
		recordedAt = time.Unix(int64(msg.EditDate), 0).UTC()
	} else if msg.Date != 0 {
		recordedAt = time.Unix(int64(msg.Date), 0).UTC()
	}

	snapshots, err := b.telemetry.HandleTelemetry(ctx, models.TelemetryPing{
		StaffID:    staff.ID,
		Latitude:   msg.Location.Latitude,
		Longitude:  msg.Location.Longitude,
		RecordedAt: recordedAt,
	})
	if err != nil {
		metrics.IncBotUpdate("location", "error")
		zerolog.Ctx(ctx).Warn().Err(err).Str("staff_id", staff.ID).Msg("Telemetry from bot rejected")
		b.sendMessage(msg.Chat.ID, userMessage(err))
		return
	}
	metrics.IncBotUpdate("location", "ok")

	// Live location refreshes arrive as edits and are acknowledged silently.
	if msg.EditDate != 0 {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📍 Location received. %d active job(s) updated.", len(snapshots))
	for _, s := range snapshots {
		fmt.Fprintf(&sb, "\n• %s: %d%% (%s)", s.JobID, s.ProgressPercentage, s.CurrentStage)
	}
	b.sendMessage(msg.Chat.ID, sb.String())
}

func jobCard(job *models.Job) string {
	var sb strings.Builder
	title := job.Title
	if title == "" {
		title = string(job.JobType)
	}
	fmt.Fprintf(&sb, "🧹 %s\n", title)
	fmt.Fprintf(&sb, "Property: %s\n", job.PropertyID)
	fmt.Fprintf(&sb, "When: %s %s\n", job.ScheduledDate.Format("02 Jan 2006"), job.ScheduledStartTime)
	fmt.Fprintf(&sb, "Status: %s", job.Status)
	if job.SpecialInstructions != "" {
		fmt.Fprintf(&sb, "\nNotes: %s", job.SpecialInstructions)
	}
	return sb.String()
}

func jobKeyboard(job *models.Job) *tgbotapi.InlineKeyboardMarkup {
	actions := actionsFor(job.Status)
	if len(actions) == 0 {
		return nil
	}
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, a := range actions {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(actionLabels[a], callbackJobPrefix+a+":"+job.ID))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(
		row,
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", callbackRefresh)),
	)
	return &markup
}
