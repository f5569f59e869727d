package bot

import (
	"errors"

	"villaops/internal/domain"
)

const (
	msgSlowDown     = "⚠️ You are sending messages too quickly. Please wait a moment."
	msgUnknownStaff = "This Telegram account is not linked to a staff profile. Ask your manager to add your chat id."
	msgNotYourJob   = "⚠️ This job is not assigned to you."
)

func userMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		terr *domain.InvalidTransitionError
		nerr *domain.NotFoundError
		verr *domain.ValidationError
	)
	switch {
	case errors.As(err, &terr):
		return "⚠️ The job cannot move from " + string(terr.From) + " to " + string(terr.To) + ". Refresh with /jobs."
	case errors.As(err, &nerr):
		return "⚠️ The " + nerr.Entity + " no longer exists."
	case errors.As(err, &verr):
		return "⚠️ " + verr.Error()
	case errors.Is(err, domain.ErrConcurrentModification):
		return "⚠️ Someone else updated this job at the same time. Please try again."
	}
	return "❌ Something went wrong. Please try again later or contact your manager."
}
