package service

import (
	"errors"
	"testing"

	"villaops/internal/domain"
	"villaops/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []models.JobStatus{
		models.JobPending, models.JobAssigned, models.JobAccepted, models.JobInProgress,
		models.JobCompleted, models.JobVerified, models.JobCancelled,
	}
	allowed := map[[2]models.JobStatus]bool{
		{models.JobPending, models.JobAssigned}:     true,
		{models.JobPending, models.JobCancelled}:    true,
		{models.JobAssigned, models.JobAccepted}:    true,
		{models.JobAssigned, models.JobPending}:     true,
		{models.JobAssigned, models.JobCancelled}:   true,
		{models.JobAccepted, models.JobInProgress}:  true,
		{models.JobAccepted, models.JobPending}:     true,
		{models.JobAccepted, models.JobCancelled}:   true,
		{models.JobInProgress, models.JobCompleted}: true,
		{models.JobInProgress, models.JobCancelled}: true,
		{models.JobCompleted, models.JobVerified}:   true,
		{models.JobCompleted, models.JobInProgress}: true,
		{models.JobCompleted, models.JobCancelled}:  true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]models.JobStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)

			err := ValidateTransition(from, to)
			if want {
				assert.NoError(t, err)
				continue
			}
			var terr *domain.InvalidTransitionError
			if assert.True(t, errors.As(err, &terr), "%s -> %s", from, to) {
				assert.Equal(t, from, terr.From)
				assert.Equal(t, to, terr.To)
			}
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	for _, s := range []models.JobStatus{models.JobVerified, models.JobCancelled} {
		assert.True(t, s.IsTerminal())
		assert.Empty(t, AllowedFrom(s))
	}
}

func TestAllowedFromReturnsCopy(t *testing.T) {
	edges := AllowedFrom(models.JobPending)
	edges[0] = models.JobVerified
	assert.True(t, CanTransition(models.JobPending, models.JobAssigned))
}
