package tracker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"villaops/internal/config"
	"villaops/internal/domain"
	"villaops/internal/metrics"
	"villaops/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const lockStripes = 32

var activeStatuses = []models.JobStatus{
	models.JobPending,
	models.JobAssigned,
	models.JobAccepted,
	models.JobInProgress,
}

// JobReader is the read side of the job store.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
}

// ChangeAppender records progress changes in the shared change log.
type ChangeAppender interface {
	AppendChange(ctx context.Context, event *models.ChangeEvent) error
}

// Tracker derives progress and delay risk for active jobs.
type Tracker struct {
	jobs       JobReader
	properties domain.PropertyDirectory
	snapshots  domain.SnapshotRepository
	changes    ChangeAppender
	publisher  domain.EventPublisher
	notify     domain.NotifyQueue
	cfg        config.TrackerConfig
	pending    chan string
	locks      [lockStripes]sync.Mutex
	now        func() time.Time
	logger     *zerolog.Logger
}

func New(
	jobs JobReader,
	properties domain.PropertyDirectory,
	snapshots domain.SnapshotRepository,
	changes ChangeAppender,
	publisher domain.EventPublisher,
	notify domain.NotifyQueue,
	cfg config.TrackerConfig,
	logger *zerolog.Logger,
) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.OnSiteRadiusMeters <= 0 {
		cfg.OnSiteRadiusMeters = 150
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Tracker{
		jobs:       jobs,
		properties: properties,
		snapshots:  snapshots,
		changes:    changes,
		publisher:  publisher,
		notify:     notify,
		cfg:        cfg,
		pending:    make(chan string, 256),
		now:        time.Now,
		logger:     logger,
	}
}

// Run recomputes every active job on the configured interval and any job
// whose change arrived through HandleJobChange. It returns when ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	t.logger.Info().Dur("interval", t.cfg.Interval).Msg("Progress tracker started")
	defer t.logger.Info().Msg("Progress tracker stopped")

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.RecomputeActive(ctx); err != nil && ctx.Err() == nil {
				t.logger.Error().Err(err).Msg("Periodic risk recompute failed")
			}
		case jobID := <-t.pending:
			if _, err := t.Recompute(ctx, jobID); err != nil && !domain.IsNotFound(err) && ctx.Err() == nil {
				t.logger.Error().Err(err).Str("job_id", jobID).Msg("Recompute after job change failed")
			}
		}
	}
}

// HandleJobChange queues a recompute for the changed job. It never blocks
// the publisher; a full queue is caught up by the next interval.
func (t *Tracker) HandleJobChange(event models.ChangeEvent) error {
	if event.EntityType != models.EntityJob {
		return nil
	}
	select {
	case t.pending <- event.EntityID:
	default:
		t.logger.Warn().Str("job_id", event.EntityID).Msg("Tracker queue full, deferring to next interval")
	}
	return nil
}

// RecomputeActive refreshes every active job in parallel.
func (t *Tracker) RecomputeActive(ctx context.Context) error {
	jobs, err := t.jobs.ListJobs(ctx, models.JobFilter{Statuses: activeStatuses})
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	_, err = t.recomputeAll(ctx, jobs)
	return err
}

func (t *Tracker) recomputeAll(ctx context.Context, jobs []*models.Job) ([]*models.ProgressSnapshot, error) {
	out := make([]*models.ProgressSnapshot, len(jobs))
	errs := make([]error, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			out[i], errs[i] = t.recompute(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}

// Recompute refreshes one job's snapshot. A job that no longer exists has
// its snapshot removed and a NotFoundError returned.
func (t *Tracker) Recompute(ctx context.Context, jobID string) (*models.ProgressSnapshot, error) {
	job, err := t.jobs.GetJob(ctx, jobID)
	if domain.IsNotFound(err) {
		if derr := t.forget(ctx, jobID, "", ""); derr != nil {
			t.logger.Warn().Err(derr).Str("job_id", jobID).Msg("Failed to drop snapshot of deleted job")
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	return t.recompute(ctx, job)
}

// Progress returns the cached snapshot, computing it on first use.
func (t *Tracker) Progress(ctx context.Context, jobID string) (*models.ProgressSnapshot, error) {
	snapshot, err := t.snapshots.GetSnapshot(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		return snapshot, nil
	}
	return t.Recompute(ctx, jobID)
}

// HandleTelemetry stores a staff ping and recomputes the jobs it affects:
// the job named in the ping or every active job of the staff member.
func (t *Tracker) HandleTelemetry(ctx context.Context, ping models.TelemetryPing) ([]*models.ProgressSnapshot, error) {
	verr := &domain.ValidationError{}
	if ping.StaffID == "" {
		verr.Add("staff_id", "is required")
	}
	if ping.Latitude < -90 || ping.Latitude > 90 {
		verr.Add("latitude", "must be between -90 and 90")
	}
	if ping.Longitude < -180 || ping.Longitude > 180 {
		verr.Add("longitude", "must be between -180 and 180")
	}
	if ping.ReportedProgress < 0 || ping.ReportedProgress > 100 {
		verr.Add("reported_progress", "must be between 0 and 100")
	}
	if ping.Stage != "" && !ping.Stage.Valid() {
		verr.Add("stage", "unknown stage "+string(ping.Stage))
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	if ping.RecordedAt.IsZero() {
		ping.RecordedAt = t.now()
	}
	ping.RecordedAt = ping.RecordedAt.UTC()
	if err := t.snapshots.SetTelemetry(ctx, &ping); err != nil {
		return nil, fmt.Errorf("store telemetry: %w", err)
	}

	var jobs []*models.Job
	if ping.JobID != "" {
		job, err := t.jobs.GetJob(ctx, ping.JobID)
		if err != nil {
			return nil, err
		}
		jobs = []*models.Job{job}
	} else {
		var err error
		jobs, err = t.jobs.ListJobs(ctx, models.JobFilter{StaffID: ping.StaffID, Statuses: activeStatuses})
		if err != nil {
			return nil, err
		}
	}
	return t.recomputeAll(ctx, jobs)
}

// Watch refreshes the given jobs every interval for one dashboard session.
// The channel closes when ctx ends, which also releases the timer.
func (t *Tracker) Watch(ctx context.Context, jobIDs []string, every time.Duration) <-chan []*models.ProgressSnapshot {
	if every <= 0 {
		every = t.cfg.Interval
	}
	out := make(chan []*models.ProgressSnapshot, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			snapshots := make([]*models.ProgressSnapshot, 0, len(jobIDs))
			for _, id := range jobIDs {
				s, err := t.Recompute(ctx, id)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				snapshots = append(snapshots, s)
			}

			select {
			case out <- snapshots:
			case <-ctx.Done():
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (t *Tracker) lockFor(jobID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return &t.locks[h.Sum32()%lockStripes]
}

func (t *Tracker) recompute(ctx context.Context, job *models.Job) (*models.ProgressSnapshot, error) {
	mu := t.lockFor(job.ID)
	mu.Lock()
	defer mu.Unlock()

	if job.Status == models.JobCancelled {
		return nil, t.forget(ctx, job.ID, job.PropertyID, job.AssignedStaffID)
	}

	prev, err := t.snapshots.GetSnapshot(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot of %s: %w", job.ID, err)
	}

	var ping *models.TelemetryPing
	if job.AssignedStaffID != "" {
		if ping, err = t.snapshots.GetTelemetry(ctx, job.AssignedStaffID); err != nil {
			return nil, fmt.Errorf("load telemetry of %s: %w", job.AssignedStaffID, err)
		}
	}

	property, err := t.properties.GetProperty(ctx, job.PropertyID)
	if err != nil && !domain.IsNotFound(err) {
		return nil, err
	}

	now := t.now().UTC()
	if prev != nil && !now.After(prev.LastUpdate) {
		now = prev.LastUpdate.Add(time.Nanosecond)
	}

	stage := HoldStage(DeriveStage(job, ping, property, t.cfg.OnSiteRadiusMeters), job, prev)
	reported := 0
	if ping != nil && ping.JobID == job.ID {
		reported = ping.ReportedProgress
	}
	progress := Progress(stage, reported, prev)

	// Stale telemetry only raises the risk; the last known position still
	// decides the stage.
	stale := false
	if stage != models.StageCompleted {
		if ping == nil {
			stale = !now.Before(job.ScheduledStart())
		} else {
			stale = now.Sub(ping.RecordedAt) > t.cfg.StaleAfter
		}
	}

	risk := DelayRisk(RiskInput{
		DurationMinutes: job.EstimatedDuration,
		Progress:        progress,
		Deadline:        job.EffectiveDeadline(),
		Now:             now,
		Stale:           stale,
		Penalty:         t.cfg.StalenessPenalty,
	})

	snapshot := &models.ProgressSnapshot{
		JobID:               job.ID,
		StaffID:             job.AssignedStaffID,
		JobStatus:           job.Status,
		ProgressPercentage:  progress,
		CurrentStage:        stage,
		DelayRiskPercent:    risk,
		RiskLevel:           models.LevelFor(risk),
		EstimatedCompletion: EstimatedCompletion(job, progress, now),
		LastUpdate:          now,
	}
	metrics.IncRisk(string(snapshot.RiskLevel))

	if !materialChange(prev, snapshot) {
		return prev, nil
	}

	if err := t.snapshots.SetSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("store snapshot of %s: %w", job.ID, err)
	}

	changeType := models.ChangeModified
	if prev == nil {
		changeType = models.ChangeAdded
	}
	event := models.ChangeEvent{
		EntityType: models.EntityProgress,
		EntityID:   job.ID,
		ChangeType: changeType,
		Timestamp:  now,
		PropertyID: job.PropertyID,
		StaffID:    job.AssignedStaffID,
		Status:     string(job.Status),
		Progress:   snapshot,
	}
	if err := t.changes.AppendChange(ctx, &event); err != nil {
		return nil, fmt.Errorf("append progress change of %s: %w", job.ID, err)
	}
	if t.publisher != nil {
		t.publisher.Publish(event)
	}

	if snapshot.RiskLevel == models.RiskCritical && (prev == nil || prev.RiskLevel != models.RiskCritical) {
		t.escalate(ctx, job, snapshot)
	}
	return snapshot, nil
}

// forget removes a snapshot and records the deletion when one existed.
func (t *Tracker) forget(ctx context.Context, jobID, propertyID, staffID string) error {
	prev, err := t.snapshots.GetSnapshot(ctx, jobID)
	if err != nil || prev == nil {
		return err
	}
	if err := t.snapshots.DeleteSnapshot(ctx, jobID); err != nil {
		return err
	}

	now := t.now().UTC()
	if !now.After(prev.LastUpdate) {
		now = prev.LastUpdate.Add(time.Nanosecond)
	}
	if staffID == "" {
		staffID = prev.StaffID
	}
	event := models.ChangeEvent{
		EntityType: models.EntityProgress,
		EntityID:   jobID,
		ChangeType: models.ChangeDeleted,
		Timestamp:  now,
		PropertyID: propertyID,
		StaffID:    staffID,
	}
	if err := t.changes.AppendChange(ctx, &event); err != nil {
		return err
	}
	if t.publisher != nil {
		t.publisher.Publish(event)
	}
	return nil
}

func (t *Tracker) escalate(ctx context.Context, job *models.Job, snapshot *models.ProgressSnapshot) {
	t.logger.Warn().
		Str("job_id", job.ID).
		Str("staff_id", job.AssignedStaffID).
		Int("risk", snapshot.DelayRiskPercent).
		Msg("Job at critical delay risk")

	if t.notify == nil {
		return
	}
	payload := map[string]string{
		"job_id":      job.ID,
		"title":       job.Title,
		"property_id": job.PropertyID,
		"staff_id":    job.AssignedStaffID,
		"risk":        fmt.Sprintf("%d", snapshot.DelayRiskPercent),
		"deadline":    job.EffectiveDeadline().Format(time.RFC3339),
	}
	if err := t.notify.EnqueueTask(ctx, models.NotifyRiskEscalation, job.ID, payload); err != nil {
		t.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to enqueue risk escalation")
	}
}
