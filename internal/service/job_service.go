package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"villaops/internal/config"
	"villaops/internal/conflict"
	"villaops/internal/domain"
	"villaops/internal/metrics"
	"villaops/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var activeStatuses = []models.JobStatus{
	models.JobPending,
	models.JobAssigned,
	models.JobAccepted,
	models.JobInProgress,
}

// JobService is the only writer of job state.
type JobService struct {
	repo       domain.JobRepository
	properties domain.PropertyDirectory
	staff      domain.StaffDirectory
	publisher  domain.EventPublisher
	notify     domain.NotifyQueue
	cfg        config.DispatchConfig
	validate   *validator.Validate
	locks      *keyedMutex
	now        func() time.Time
	logger     *zerolog.Logger
}

func NewJobService(
	repo domain.JobRepository,
	properties domain.PropertyDirectory,
	staff domain.StaffDirectory,
	publisher domain.EventPublisher,
	notify domain.NotifyQueue,
	cfg config.DispatchConfig,
	logger *zerolog.Logger,
) *JobService {
	if cfg.CheckoutStartTime == "" {
		cfg.CheckoutStartTime = models.DefaultCheckoutTime
	}
	return &JobService{
		repo:       repo,
		properties: properties,
		staff:      staff,
		publisher:  publisher,
		notify:     notify,
		cfg:        cfg,
		validate:   newValidator(),
		locks:      newKeyedMutex(),
		now:        time.Now,
		logger:     logger,
	}
}

func (s *JobService) CreateJob(ctx context.Context, spec models.JobSpec, actor string) (*models.Job, error) {
	verr, err := validateStruct(s.validate, spec)
	if err != nil {
		return nil, err
	}

	if spec.ScheduledStartTime == "" {
		spec.ScheduledStartTime = s.cfg.CheckoutStartTime
	}

	var property *models.Property
	if spec.PropertyID != "" {
		property, err = s.properties.GetProperty(ctx, spec.PropertyID)
		if domain.IsNotFound(err) {
			verr.Add("property_id", "unknown property")
		} else if err != nil {
			return nil, err
		}
	}
	if spec.AssignedStaffID != "" {
		if _, err := s.staff.GetStaff(ctx, spec.AssignedStaffID); domain.IsNotFound(err) {
			verr.Add("assigned_staff_id", "unknown staff member")
		} else if err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:                  uuid.NewString(),
		BookingID:           spec.BookingID,
		PropertyID:          spec.PropertyID,
		JobType:             spec.JobType,
		Title:               strings.TrimSpace(spec.Title),
		Description:         spec.Description,
		Priority:            spec.Priority,
		EstimatedDuration:   spec.EstimatedDuration,
		ScheduledDate:       dateOnly(spec.ScheduledDate),
		ScheduledStartTime:  spec.ScheduledStartTime,
		AssignedStaffID:     spec.AssignedStaffID,
		RequiredSkills:      spec.RequiredSkills,
		RequiredSupplies:    spec.RequiredSupplies,
		SpecialInstructions: spec.SpecialInstructions,
		DecisionRef:         spec.DecisionRef,
		Status:              models.JobPending,
		StatusHistory: []models.StatusChange{
			{Status: models.JobPending, Timestamp: now, ActorID: actor, Notes: "created"},
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if spec.Deadline != nil {
		d := spec.Deadline.UTC()
		job.Deadline = &d
		if !spec.ScheduledDate.IsZero() && d.Before(job.ScheduledStart()) {
			verr.Add("deadline", "must not be before the scheduled start")
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	if job.Priority == "" {
		job.Priority = models.PriorityMedium
	}
	if job.Title == "" {
		job.Title = defaultTitle(job.JobType, property)
	}

	if job.AssignedStaffID != "" {
		unlockStaff := s.locks.Lock(staffLockKey(job.AssignedStaffID))
		defer unlockStaff()

		conflicts, err := s.checkSchedule(ctx, job, job.AssignedStaffID)
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 0 {
			cerr := &domain.ConflictError{Conflicts: conflicts}
			if !spec.Override {
				return nil, cerr
			}
			job.StatusHistory[0].Notes = overrideNotes(cerr, job.ID, "created")
			s.logger.Warn().
				Str("job_id", job.ID).
				Str("staff_id", job.AssignedStaffID).
				Str("actor", actor).
				Msg("Staff overlap overridden")
		}
	}

	event, err := s.repo.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.publish(event)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("property_id", job.PropertyID).
		Str("job_type", string(job.JobType)).
		Str("actor", actor).
		Msg("Job created")
	return job.Clone(), nil
}

func (s *JobService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.repo.GetJob(ctx, id)
}

func (s *JobService) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	return s.repo.ListJobs(ctx, filter)
}

// ActiveJobs returns jobs still holding their assignee's time.
func (s *JobService) ActiveJobs(ctx context.Context) ([]*models.Job, error) {
	return s.repo.ListJobs(ctx, models.JobFilter{Statuses: activeStatuses})
}

// Transition moves a job along one edge of the lifecycle. Status and
// history are written together or not at all.
func (s *JobService) Transition(ctx context.Context, jobID string, to models.JobStatus, actor, notes string) (*models.Job, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(job.Status, to); err != nil {
		return nil, err
	}

	updated := job.Clone()
	switch to {
	case models.JobAssigned:
		if updated.AssignedStaffID == "" {
			verr := &domain.ValidationError{}
			verr.Add("assigned_staff_id", "is required to assign a job")
			return nil, verr
		}
		unlockStaff := s.locks.Lock(staffLockKey(updated.AssignedStaffID))
		defer unlockStaff()

		conflicts, err := s.checkSchedule(ctx, job, updated.AssignedStaffID)
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 0 {
			return nil, &domain.ConflictError{Conflicts: conflicts}
		}
	case models.JobPending:
		updated.AssignedStaffID = ""
	}

	return s.commit(ctx, job, updated, to, actor, notes)
}

// AssignStaff sets the assignee of a pending or assigned job after checking
// the staff member's schedule.
func (s *JobService) AssignStaff(ctx context.Context, req domain.AssignRequest) (*models.Job, error) {
	unlock := s.locks.Lock(req.JobID)
	defer unlock()

	job, err := s.repo.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobPending && job.Status != models.JobAssigned {
		return nil, &domain.InvalidTransitionError{From: job.Status, To: models.JobAssigned}
	}
	if _, err := s.staff.GetStaff(ctx, req.StaffID); err != nil {
		return nil, err
	}

	unlockStaff := s.locks.Lock(staffLockKey(req.StaffID))
	defer unlockStaff()

	conflicts, err := s.checkSchedule(ctx, job, req.StaffID)
	if err != nil {
		return nil, err
	}

	notes := req.Notes
	if len(conflicts) > 0 {
		cerr := &domain.ConflictError{Conflicts: conflicts}
		if !req.Override {
			return nil, cerr
		}
		notes = overrideNotes(cerr, job.ID, notes)
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("staff_id", req.StaffID).
			Str("actor", req.Actor).
			Msg("Staff overlap overridden")
	}

	updated := job.Clone()
	updated.AssignedStaffID = req.StaffID
	result, err := s.commit(ctx, job, updated, models.JobAssigned, req.Actor, notes)
	if err != nil {
		return nil, err
	}

	if s.notify != nil {
		payload := map[string]string{
			"job_id":   result.ID,
			"staff_id": req.StaffID,
			"title":    result.Title,
			"start":    result.ScheduledStart().Format(time.RFC3339),
		}
		if err := s.notify.EnqueueTask(ctx, models.NotifyStaffAssigned, result.ID, payload); err != nil {
			s.logger.Error().Err(err).Str("job_id", result.ID).Msg("Failed to enqueue assignment notification")
		}
	}
	return result, nil
}

// DeleteJob removes a job. Jobs past the assignment stage hold completion
// records and need the confirmation phrase.
func (s *JobService) DeleteJob(ctx context.Context, jobID, actor, confirmation string) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.Status {
	case models.JobPending, models.JobAssigned, models.JobCancelled:
	default:
		phrase := job.DeleteConfirmationPhrase()
		if confirmation != phrase {
			return &domain.ConfirmationRequiredError{JobID: job.ID, Status: job.Status, Phrase: phrase}
		}
	}

	deleted := job.Clone()
	deleted.UpdatedAt = s.nextTimestamp(job)
	event, err := s.repo.DeleteJobWithVersion(ctx, deleted, job.Version)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	s.publish(event)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Str("actor", actor).
		Msg("Job deleted")
	return nil
}

func (s *JobService) commit(ctx context.Context, job, updated *models.Job, to models.JobStatus, actor, notes string) (*models.Job, error) {
	change := models.StatusChange{
		Status:    to,
		Timestamp: s.nextTimestamp(job),
		ActorID:   actor,
		Notes:     notes,
	}
	updated.Status = to
	updated.StatusHistory = append(updated.StatusHistory, change)
	updated.UpdatedAt = change.Timestamp

	event, err := s.repo.UpdateJobWithVersion(ctx, updated, job.Version, &change)
	if err != nil {
		return nil, fmt.Errorf("transition %s %s -> %s: %w", job.ID, job.Status, to, err)
	}
	s.publish(event)
	metrics.IncTransition(string(job.Status), string(to))

	s.logger.Info().
		Str("job_id", job.ID).
		Str("from", string(job.Status)).
		Str("to", string(to)).
		Str("actor", actor).
		Msg("Job transitioned")
	return updated.Clone(), nil
}

// nextTimestamp keeps history and change timestamps strictly increasing
// per job even when the wall clock stalls or steps back.
func (s *JobService) nextTimestamp(job *models.Job) time.Time {
	last := job.UpdatedAt
	if change, ok := job.LastChange(); ok && change.Timestamp.After(last) {
		last = change.Timestamp
	}
	now := s.now().UTC()
	if !now.After(last) {
		now = last.Add(time.Nanosecond)
	}
	return now
}

func (s *JobService) publish(event models.ChangeEvent) {
	if s.publisher != nil {
		s.publisher.Publish(event)
	}
}

// checkSchedule returns the overlaps job would create in the staff
// member's active schedule. Callers hold the staff lock.
func (s *JobService) checkSchedule(ctx context.Context, job *models.Job, staffID string) ([]models.Conflict, error) {
	busy, err := s.repo.ListJobs(ctx, models.JobFilter{StaffID: staffID, Statuses: activeStatuses})
	if err != nil {
		return nil, fmt.Errorf("load staff schedule: %w", err)
	}
	conflicts := conflict.DetectStaffOverlap(
		models.AssignmentFor(*job, staffID),
		conflict.Assignments(busy),
		conflict.Options{AllowSameProperty: s.cfg.AllowSamePropertyOverlap},
	)
	for _, c := range conflicts {
		metrics.IncConflict(string(c.Type))
	}
	return conflicts, nil
}

// overrideNotes prefixes notes with the audit line of a forced overlap.
func overrideNotes(cerr *domain.ConflictError, jobID, notes string) string {
	audit := fmt.Sprintf("override: %s with jobs %s", cerr.Type(), strings.Join(otherJobIDs(cerr, jobID), ", "))
	if notes == "" {
		return audit
	}
	return audit + "; " + notes
}

func otherJobIDs(cerr *domain.ConflictError, self string) []string {
	seen := map[string]bool{self: true}
	var ids []string
	for _, id := range cerr.JobIDs() {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func defaultTitle(jobType models.JobType, property *models.Property) string {
	name := ""
	if property != nil {
		name = property.Name
		if name == "" {
			name = property.ID
		}
	}
	label := strings.ToUpper(string(jobType[:1])) + string(jobType[1:])
	if name == "" {
		return label
	}
	return label + ": " + name
}

func dateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
