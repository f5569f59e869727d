package service

import (
	"villaops/internal/domain"
	"villaops/internal/models"
)

// allowedTransitions is the complete job lifecycle. Rollbacks are listed
// explicitly: un-assignment (assigned/accepted -> pending) and re-opening
// finished work (completed -> in_progress).
var allowedTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobPending:    {models.JobAssigned, models.JobCancelled},
	models.JobAssigned:   {models.JobAccepted, models.JobPending, models.JobCancelled},
	models.JobAccepted:   {models.JobInProgress, models.JobPending, models.JobCancelled},
	models.JobInProgress: {models.JobCompleted, models.JobCancelled},
	models.JobCompleted:  {models.JobVerified, models.JobInProgress, models.JobCancelled},
	models.JobVerified:   {},
	models.JobCancelled:  {},
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to models.JobStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransitionError for a missing edge.
func ValidateTransition(from, to models.JobStatus) error {
	if !CanTransition(from, to) {
		return &domain.InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// AllowedFrom lists the statuses reachable from the given one.
func AllowedFrom(from models.JobStatus) []models.JobStatus {
	return append([]models.JobStatus(nil), allowedTransitions[from]...)
}
