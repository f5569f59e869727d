package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"villaops/internal/config"
	"villaops/internal/domain"
	"villaops/internal/models"
	"villaops/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func (f *fakeJobs) put(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job.Clone()
}

func (f *fakeJobs) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
}

func (f *fakeJobs) GetJob(_ context.Context, id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "job", ID: id}
	}
	return job.Clone(), nil
}

func (f *fakeJobs) ListJobs(_ context.Context, filter models.JobFilter) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Job
	for _, job := range f.jobs {
		if filter.StaffID != "" && job.AssignedStaffID != filter.StaffID {
			continue
		}
		if len(filter.Statuses) > 0 && !job.Status.IsActive() {
			continue
		}
		out = append(out, job.Clone())
	}
	return out, nil
}

type fakeDirectory struct{}

func (fakeDirectory) GetProperty(_ context.Context, id string) (*models.Property, error) {
	if id != "villa-1" {
		return nil, &domain.NotFoundError{Entity: "property", ID: id}
	}
	return &models.Property{ID: "villa-1", Latitude: -8.65, Longitude: 115.13}, nil
}

func (fakeDirectory) ListProperties(_ context.Context) ([]*models.Property, error) {
	return nil, nil
}

type changeRecorder struct {
	mu     sync.Mutex
	seq    int64
	events []models.ChangeEvent
}

func (c *changeRecorder) AppendChange(_ context.Context, event *models.ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	event.Seq = c.seq
	c.events = append(c.events, *event)
	return nil
}

func (c *changeRecorder) all() []models.ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ChangeEvent(nil), c.events...)
}

type mockNotifyQueue struct {
	mock.Mock
}

func (m *mockNotifyQueue) EnqueueTask(ctx context.Context, taskType, entityID string, payload interface{}) error {
	return m.Called(ctx, taskType, entityID, payload).Error(0)
}

type fixture struct {
	tracker *Tracker
	jobs    *fakeJobs
	changes *changeRecorder
	notify  *mockNotifyQueue
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &fixture{
		jobs:    &fakeJobs{jobs: make(map[string]*models.Job)},
		changes: &changeRecorder{},
		notify:  new(mockNotifyQueue),
		now:     time.Date(2025, 1, 15, 11, 30, 0, 0, time.UTC),
	}
	f.tracker = New(f.jobs, fakeDirectory{}, repository.NewMemorySnapshotRepository(time.Hour), f.changes, nil, f.notify,
		config.TrackerConfig{
			Interval:           20 * time.Millisecond,
			StaleAfter:         10 * time.Minute,
			StalenessPenalty:   20,
			OnSiteRadiusMeters: 150,
			Concurrency:        2,
		}, &logger)
	f.tracker.now = func() time.Time { return f.now }
	return f
}

func testJob(id string, status models.JobStatus, deadlineIn time.Duration, now time.Time) *models.Job {
	deadline := now.Add(deadlineIn)
	return &models.Job{
		ID:                 id,
		PropertyID:         "villa-1",
		JobType:            models.JobTypeCheckout,
		Title:              "Checkout " + id,
		EstimatedDuration:  180,
		ScheduledDate:      time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		ScheduledStartTime: "11:00",
		Deadline:           &deadline,
		AssignedStaffID:    "s1",
		Status:             status,
	}
}

func TestHandleTelemetry_OnSite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.jobs.put(testJob("j1", models.JobAccepted, 6*time.Hour, f.now))

	snapshots, err := f.tracker.HandleTelemetry(ctx, models.TelemetryPing{
		StaffID: "s1", JobID: "j1", Latitude: -8.6502, Longitude: 115.1301,
	})
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	s := snapshots[0]
	assert.Equal(t, models.StageOnSite, s.CurrentStage)
	assert.Equal(t, 40, s.ProgressPercentage)
	assert.Equal(t, models.RiskNormal, s.RiskLevel)
	assert.Equal(t, "s1", s.StaffID)

	events := f.changes.all()
	require.Len(t, events, 1)
	assert.Equal(t, models.EntityProgress, events[0].EntityType)
	assert.Equal(t, models.ChangeAdded, events[0].ChangeType)
	assert.Equal(t, "villa-1", events[0].PropertyID)
	require.NotNil(t, events[0].Progress)
	assert.Equal(t, 40, events[0].Progress.ProgressPercentage)

	cached, err := f.tracker.Progress(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 40, cached.ProgressPercentage)
}

func TestHandleTelemetry_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.tracker.HandleTelemetry(context.Background(), models.TelemetryPing{
		Latitude: 120, Longitude: 200, ReportedProgress: 150, Stage: "napping",
	})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Fields, 5)

	_, err = f.tracker.HandleTelemetry(context.Background(), models.TelemetryPing{StaffID: "s1", ReportedProgress: -1})
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "reported_progress", verr.Fields[0].Field)
}

func TestHandleTelemetry_AllActiveJobsOfStaff(t *testing.T) {
	f := newFixture(t)
	f.jobs.put(testJob("j1", models.JobAssigned, 6*time.Hour, f.now))
	f.jobs.put(testJob("j2", models.JobAccepted, 6*time.Hour, f.now))
	done := testJob("j3", models.JobVerified, 6*time.Hour, f.now)
	f.jobs.put(done)

	snapshots, err := f.tracker.HandleTelemetry(context.Background(), models.TelemetryPing{StaffID: "s1", Latitude: -8.9, Longitude: 115.5})
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	for _, s := range snapshots {
		assert.Equal(t, models.StageTraveling, s.CurrentStage)
	}
}

func TestRecompute_MonotonicProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.jobs.put(testJob("j1", models.JobInProgress, 6*time.Hour, f.now))

	_, err := f.tracker.HandleTelemetry(ctx, models.TelemetryPing{StaffID: "s1", JobID: "j1", ReportedProgress: 75})
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	snapshots, err := f.tracker.HandleTelemetry(ctx, models.TelemetryPing{StaffID: "s1", JobID: "j1", ReportedProgress: 65})
	require.NoError(t, err)
	assert.Equal(t, 75, snapshots[0].ProgressPercentage)

	events := f.changes.all()
	require.Len(t, events, 1, "unchanged snapshot must not be broadcast")
}

func TestRecompute_StageHeldWhileJobMovesForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.jobs.put(testJob("j1", models.JobInProgress, 6*time.Hour, f.now))

	snapshots, err := f.tracker.HandleTelemetry(ctx, models.TelemetryPing{
		StaffID: "s1", JobID: "j1", Stage: models.StageQualityCheck, ReportedProgress: 85,
		Latitude: -8.6502, Longitude: 115.1301,
	})
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, models.StageQualityCheck, snapshots[0].CurrentStage)
	assert.Equal(t, 85, snapshots[0].ProgressPercentage)
	assert.Equal(t, models.JobInProgress, snapshots[0].JobStatus)

	// A bare location share names neither job nor stage.
	f.now = f.now.Add(time.Minute)
	snapshots, err = f.tracker.HandleTelemetry(ctx, models.TelemetryPing{
		StaffID: "s1", Latitude: -8.6502, Longitude: 115.1301,
	})
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, models.StageQualityCheck, snapshots[0].CurrentStage)
	assert.Equal(t, 85, snapshots[0].ProgressPercentage)

	f.jobs.put(testJob("j1", models.JobCompleted, 6*time.Hour, f.now))
	f.now = f.now.Add(time.Minute)
	done, err := f.tracker.Recompute(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 100, done.ProgressPercentage)

	// Re-opening finished work starts over from the derived stage.
	f.jobs.put(testJob("j1", models.JobInProgress, 6*time.Hour, f.now))
	f.now = f.now.Add(time.Minute)
	reopened, err := f.tracker.Recompute(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StageInProgress, reopened.CurrentStage)
	assert.Equal(t, 60, reopened.ProgressPercentage)
}

func TestRecompute_OnSiteHeldWhenStaffStepsAway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.jobs.put(testJob("j1", models.JobAccepted, 6*time.Hour, f.now))

	snapshots, err := f.tracker.HandleTelemetry(ctx, models.TelemetryPing{
		StaffID: "s1", JobID: "j1", Latitude: -8.6502, Longitude: 115.1301,
	})
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, models.StageOnSite, snapshots[0].CurrentStage)

	f.now = f.now.Add(time.Minute)
	snapshots, err = f.tracker.HandleTelemetry(ctx, models.TelemetryPing{
		StaffID: "s1", JobID: "j1", Latitude: -8.70, Longitude: 115.20,
	})
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, models.StageOnSite, snapshots[0].CurrentStage)
	assert.Equal(t, 40, snapshots[0].ProgressPercentage)

	// Handing the job back to dispatch resets it.
	unassigned := testJob("j1", models.JobPending, 6*time.Hour, f.now)
	unassigned.AssignedStaffID = ""
	f.jobs.put(unassigned)
	f.now = f.now.Add(time.Minute)
	reset, err := f.tracker.Recompute(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StageNotStarted, reset.CurrentStage)
	assert.Equal(t, 0, reset.ProgressPercentage)
}

func TestRecompute_CriticalEscalatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.jobs.put(testJob("j1", models.JobInProgress, 10*time.Minute, f.now))
	f.notify.On("EnqueueTask", mock.Anything, models.NotifyRiskEscalation, "j1", mock.Anything).Return(nil).Once()

	s, err := f.tracker.Recompute(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.RiskCritical, s.RiskLevel)
	assert.Equal(t, 100, s.DelayRiskPercent)

	f.now = f.now.Add(time.Minute)
	_, err = f.tracker.Recompute(ctx, "j1")
	require.NoError(t, err)

	f.notify.AssertNumberOfCalls(t, "EnqueueTask", 1)
}

func TestRecompute_StaleTelemetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.jobs.put(testJob("j1", models.JobAccepted, 8*time.Hour, f.now))

	s, err := f.tracker.Recompute(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 20, s.DelayRiskPercent, "no ping after the scheduled start")

	_, err = f.tracker.HandleTelemetry(ctx, models.TelemetryPing{StaffID: "s1", JobID: "j1", Latitude: -8.65, Longitude: 115.13})
	require.NoError(t, err)
	s, err = f.tracker.Progress(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.DelayRiskPercent)

	f.now = f.now.Add(30 * time.Minute)
	s, err = f.tracker.Recompute(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 20, s.DelayRiskPercent)
	assert.Equal(t, models.StageOnSite, s.CurrentStage, "stage never falls back on staleness alone")
}

func TestRecompute_DeletedAndCancelledJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.jobs.put(testJob("j1", models.JobAssigned, 6*time.Hour, f.now))
	f.jobs.put(testJob("j2", models.JobAssigned, 6*time.Hour, f.now))

	_, err := f.tracker.Recompute(ctx, "j1")
	require.NoError(t, err)
	_, err = f.tracker.Recompute(ctx, "j2")
	require.NoError(t, err)

	f.jobs.remove("j1")
	_, err = f.tracker.Recompute(ctx, "j1")
	assert.True(t, domain.IsNotFound(err))

	cancelled := testJob("j2", models.JobCancelled, 6*time.Hour, f.now)
	f.jobs.put(cancelled)
	s, err := f.tracker.Recompute(ctx, "j2")
	require.NoError(t, err)
	assert.Nil(t, s)

	events := f.changes.all()
	require.Len(t, events, 4)
	assert.Equal(t, models.ChangeDeleted, events[2].ChangeType)
	assert.Equal(t, "j1", events[2].EntityID)
	assert.Equal(t, models.ChangeDeleted, events[3].ChangeType)
	assert.Equal(t, "j2", events[3].EntityID)
}

func TestRun_JobChangeTriggersRecompute(t *testing.T) {
	f := newFixture(t)
	f.tracker.now = time.Now
	f.jobs.put(testJob("j1", models.JobPending, 6*time.Hour, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.tracker.Run(ctx) }()

	require.NoError(t, f.tracker.HandleJobChange(models.ChangeEvent{EntityType: models.EntityJob, EntityID: "j1"}))
	require.NoError(t, f.tracker.HandleJobChange(models.ChangeEvent{EntityType: models.EntityProgress, EntityID: "ignored"}))

	assert.Eventually(t, func() bool {
		s, err := f.tracker.snapshots.GetSnapshot(context.Background(), "j1")
		return err == nil && s != nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("tracker did not stop")
	}
}

func TestWatch(t *testing.T) {
	f := newFixture(t)
	f.jobs.put(testJob("j1", models.JobAssigned, 6*time.Hour, f.now))

	ctx, cancel := context.WithCancel(context.Background())
	updates := f.tracker.Watch(ctx, []string{"j1", "missing"}, 10*time.Millisecond)

	first := <-updates
	require.Len(t, first, 1)
	assert.Equal(t, "j1", first[0].JobID)

	<-updates
	cancel()

	for range updates {
	}
	_, ok := <-updates
	assert.False(t, ok)
}

func TestRecompute_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.jobs.put(testJob("j1", models.JobAssigned, 6*time.Hour, f.now))
	f.tracker.changes = failingAppender{}

	_, err := f.tracker.Recompute(context.Background(), "j1")
	assert.ErrorContains(t, err, "append progress change")
}

type failingAppender struct{}

func (failingAppender) AppendChange(context.Context, *models.ChangeEvent) error {
	return errors.New("disk full")
}
