package domain

import (
	"errors"
	"fmt"
	"strings"

	"villaops/internal/models"
)

var ErrConcurrentModification = errors.New("concurrent modification")

type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every offending field of a malformed input.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field error.
func (e *ValidationError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// OrNil returns nil when no field failed.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

type InvalidTransitionError struct {
	From models.JobStatus `json:"from"`
	To   models.JobStatus `json:"to"`
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ConflictError carries the conflicts that blocked a commit. It can be
// overridden by callers that pass an explicit override flag.
type ConflictError struct {
	Conflicts []models.Conflict `json:"conflicts"`
}

func (e *ConflictError) Error() string {
	types := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		types = append(types, string(c.Type))
	}
	return "scheduling conflict: " + strings.Join(types, ", ")
}

// Type returns the type of the first conflict.
func (e *ConflictError) Type() models.ConflictType {
	if len(e.Conflicts) == 0 {
		return ""
	}
	return e.Conflicts[0].Type
}

func (e *ConflictError) JobIDs() []string {
	var ids []string
	for _, c := range e.Conflicts {
		ids = append(ids, c.JobIDs...)
	}
	return ids
}

func (e *ConflictError) BookingIDs() []string {
	var ids []string
	for _, c := range e.Conflicts {
		ids = append(ids, c.BookingIDs...)
	}
	return ids
}

type NotFoundError struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TierFailure records why one sync tier could not be used.
type TierFailure struct {
	Tier   string `json:"tier"`
	Reason string `json:"reason"`
}

// SyncUnavailableError is raised once all subscription tiers failed.
type SyncUnavailableError struct {
	SessionID string        `json:"session_id"`
	Failures  []TierFailure `json:"failures"`
}

func (e *SyncUnavailableError) Error() string {
	return fmt.Sprintf("real-time updates unavailable for session %s (%d tiers failed)", e.SessionID, len(e.Failures))
}

// ConfirmationRequiredError guards destructive operations on jobs that hold
// completion or verification records.
type ConfirmationRequiredError struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
	Phrase string           `json:"phrase"`
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("deleting job %s in status %s erases its completion records; type %q to confirm", e.JobID, e.Status, e.Phrase)
}

// SchedulingFailedError reports that a booking was approved but its jobs
// could not be created.
type SchedulingFailedError struct {
	BookingID string `json:"booking_id"`
	Err       error  `json:"-"`
}

func (e *SchedulingFailedError) Error() string {
	return fmt.Sprintf("booking %s approved but scheduling failed: %v", e.BookingID, e.Err)
}

func (e *SchedulingFailedError) Unwrap() error {
	return e.Err
}
