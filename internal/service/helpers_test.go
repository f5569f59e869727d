package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"villaops/internal/config"
	"villaops/internal/database"
	"villaops/internal/domain"
	"villaops/internal/events"
	"villaops/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockNotifyQueue struct {
	mock.Mock
}

func (m *mockNotifyQueue) EnqueueTask(ctx context.Context, taskType, entityID string, payload interface{}) error {
	args := m.Called(ctx, taskType, entityID, payload)
	return args.Error(0)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (p *recordingPublisher) Publish(event models.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) all() []models.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ChangeEvent(nil), p.events...)
}

type testEnv struct {
	db        *database.DB
	directory *StaticDirectory
	notify    *mockNotifyQueue
	published *recordingPublisher
	jobs      *JobService
	dispatch  *DispatchService
	bookings  *BookingService
}

var testProperties = []models.Property{
	{ID: "villa-sunset", Name: "Villa Sunset", MaxGuests: 6},
	{ID: "villa-ocean", Name: "Villa Ocean", MaxGuests: 4, RequiresInspection: true, CleaningMinutes: 120},
	{ID: "villa-broken", Name: "Villa Broken", MaxGuests: 4, CleaningStartTime: "late"},
}

var testStaff = []models.Staff{
	{ID: "s1", Name: "Ana"},
	{ID: "s2", Name: "Budi"},
	{ID: "m1", Name: "Manager", IsManager: true, TelegramChatID: 42},
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "service.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	notify := new(mockNotifyQueue)
	notify.On("EnqueueTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	published := &recordingPublisher{}
	bus := events.NewBus(nil)
	bus.Subscribe(events.AllEntities, func(e models.ChangeEvent) error {
		published.Publish(e)
		return nil
	})

	dir := NewStaticDirectory(testProperties, testStaff)
	cfg := config.DispatchConfig{
		CheckoutStartTime: models.DefaultCheckoutTime,
		CheckInTime:       models.DefaultCheckInTime,
		CleaningMinutes:   180,
		InspectionMinutes: 30,
		BulkConcurrency:   3,
	}

	jobs := NewJobService(db, dir, dir, bus, notify, cfg, &logger)
	dispatch := NewDispatchService(jobs, db, dir, cfg, &logger)
	bookings := NewBookingService(db, jobs, dispatch, dir, notify, &logger)

	return &testEnv{
		db:        db,
		directory: dir,
		notify:    notify,
		published: published,
		jobs:      jobs,
		dispatch:  dispatch,
		bookings:  bookings,
	}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func cleaningSpec(propertyID string, date time.Time, start string) models.JobSpec {
	return models.JobSpec{
		PropertyID:         propertyID,
		JobType:            models.JobTypeCleaning,
		EstimatedDuration:  180,
		ScheduledDate:      date,
		ScheduledStartTime: start,
	}
}

// walk drives a job through the given statuses, assigning staffID when the
// path reaches assigned.
func (e *testEnv) walk(t *testing.T, jobID, staffID string, path ...models.JobStatus) *models.Job {
	t.Helper()
	ctx := context.Background()
	var (
		job *models.Job
		err error
	)
	for _, to := range path {
		if to == models.JobAssigned {
			job, err = e.jobs.AssignStaff(ctx, domain.AssignRequest{JobID: jobID, StaffID: staffID, Actor: "dispatcher"})
		} else {
			job, err = e.jobs.Transition(ctx, jobID, to, "dispatcher", "")
		}
		require.NoError(t, err, "transition to %s", to)
	}
	return job
}
