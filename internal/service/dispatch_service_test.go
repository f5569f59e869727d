package service

import (
	"context"
	"testing"
	"time"

	"villaops/internal/domain"
	"villaops/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confirmedBooking(t *testing.T, env *testEnv, propertyID string, in, out time.Time, guests int) *models.Booking {
	t.Helper()
	b, err := env.bookings.CreateBooking(context.Background(), &models.Booking{
		PropertyID: propertyID,
		GuestName:  "Guest " + in.Format("0102"),
		GuestCount: guests,
		CheckIn:    in,
		CheckOut:   out,
		Status:     models.BookingConfirmed,
	}, false)
	require.NoError(t, err)
	return b
}

func TestCreateJobsFromBooking_Checkout(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	booking := confirmedBooking(t, env, "villa-sunset", day(2025, 1, 10), day(2025, 1, 15), 2)

	jobs, err := env.dispatch.CreateJobsFromBooking(ctx, booking, "system")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, models.JobTypeCheckout, job.JobType)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, booking.ID, job.BookingID)
	assert.True(t, job.ScheduledDate.Equal(day(2025, 1, 15)))
	assert.Equal(t, "11:00", job.ScheduledStartTime)
	assert.Equal(t, 180, job.EstimatedDuration)
	assert.Equal(t, models.PriorityMedium, job.Priority)
	require.NotNil(t, job.Deadline)
	assert.True(t, job.Deadline.Equal(day(2025, 1, 15).Add(15*time.Hour)))

	t.Run("Idempotent", func(t *testing.T) {
		again, err := env.dispatch.CreateJobsFromBooking(ctx, booking, "system")
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, job.ID, again[0].ID)

		all, err := env.jobs.ListJobs(ctx, models.JobFilter{BookingID: booking.ID})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("StaffBusyElsewhere", func(t *testing.T) {
		other, err := env.jobs.CreateJob(ctx, cleaningSpec("villa-ocean", day(2025, 1, 15), "10:00"), "dispatcher")
		require.NoError(t, err)
		env.walk(t, other.ID, "s1", models.JobAssigned)

		_, err = env.jobs.AssignStaff(ctx, domain.AssignRequest{JobID: job.ID, StaffID: "s1", Actor: "dispatcher"})
		var cerr *domain.ConflictError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, models.ConflictStaffScheduleOverlap, cerr.Type())
	})
}

func TestCreateJobsFromBooking_InspectionAndTurnover(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	first := confirmedBooking(t, env, "villa-ocean", day(2025, 2, 1), day(2025, 2, 5), 2)
	confirmedBooking(t, env, "villa-ocean", day(2025, 2, 5), day(2025, 2, 8), 3)

	jobs, err := env.dispatch.CreateJobsFromBooking(ctx, first, "system")
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	checkout, inspection := jobs[0], jobs[1]
	assert.Equal(t, models.JobTypeCheckout, checkout.JobType)
	assert.Equal(t, 120, checkout.EstimatedDuration)
	assert.Equal(t, models.PriorityHigh, checkout.Priority)

	assert.Equal(t, models.JobTypeInspection, inspection.JobType)
	assert.Equal(t, "13:00", inspection.ScheduledStartTime)
	assert.Equal(t, 30, inspection.EstimatedDuration)
	assert.Equal(t, models.PriorityHigh, inspection.Priority)
}

func TestCreateJobsFromBooking_RequiresConfirmed(t *testing.T) {
	env := setupEnv(t)

	booking, err := env.bookings.CreateBooking(context.Background(), &models.Booking{
		PropertyID: "villa-sunset",
		GuestName:  "Pending Guest",
		CheckIn:    day(2025, 3, 1),
		CheckOut:   day(2025, 3, 4),
	}, false)
	require.NoError(t, err)

	_, err = env.dispatch.CreateJobsFromBooking(context.Background(), booking, "system")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "status", verr.Fields[0].Field)
}

func TestBulkTransition_PartialFailure(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		job, err := env.jobs.CreateJob(ctx, cleaningSpec("villa-sunset", day(2025, 1, 20+i), "11:00"), "dispatcher")
		require.NoError(t, err)
		env.walk(t, job.ID, "s1", models.JobAssigned, models.JobAccepted, models.JobInProgress)
		ids = append(ids, job.ID)
	}

	input := []string{ids[0], ids[1], "missing", ids[2], ids[3], ids[1]}
	result := env.dispatch.BulkTransition(ctx, input, models.JobCompleted, "s1", "done")

	assert.Equal(t, ids, result.Succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "missing", result.Failed[0].ID)
	assert.True(t, domain.IsNotFound(result.Failed[0].Err))
	assert.NotEmpty(t, result.Failed[0].Error)

	for _, id := range ids {
		job, err := env.jobs.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobCompleted, job.Status)
		last, _ := job.LastChange()
		assert.Equal(t, "done", last.Notes)
	}
}

func TestBulkTransition_InvalidEdgesReported(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	job, err := env.jobs.CreateJob(ctx, cleaningSpec("villa-sunset", day(2025, 1, 20), "11:00"), "dispatcher")
	require.NoError(t, err)

	result := env.dispatch.BulkTransition(ctx, []string{job.ID}, models.JobVerified, "dispatcher", "")
	assert.Empty(t, result.Succeeded)
	require.Len(t, result.Failed, 1)
	var terr *domain.InvalidTransitionError
	assert.ErrorAs(t, result.Failed[0].Err, &terr)
}

func TestConflicts(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	confirmedBooking(t, env, "villa-sunset", day(2025, 1, 10), day(2025, 1, 15), 2)
	_, err := env.bookings.CreateBooking(ctx, &models.Booking{
		PropertyID: "villa-sunset",
		GuestName:  "Overlapping",
		GuestCount: 2,
		CheckIn:    day(2025, 1, 14),
		CheckOut:   day(2025, 1, 18),
		Status:     models.BookingConfirmed,
	}, true)
	require.NoError(t, err)

	found, err := env.dispatch.Conflicts(ctx, day(2025, 1, 1), day(2025, 2, 1))
	require.NoError(t, err)

	var types []models.ConflictType
	for _, c := range found {
		types = append(types, c.Type)
	}
	assert.Contains(t, types, models.ConflictDoubleBooking)
}
