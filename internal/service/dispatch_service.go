package service

import (
	"context"
	"fmt"
	"time"

	"villaops/internal/config"
	"villaops/internal/conflict"
	"villaops/internal/domain"
	"villaops/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BulkFailure is one id that could not be transitioned.
type BulkFailure struct {
	ID    string `json:"id"`
	Err   error  `json:"-"`
	Error string `json:"error"`
}

// BulkResult lists outcomes in input order.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// DispatchService turns confirmed bookings into jobs and runs bulk operations.
type DispatchService struct {
	jobs       *JobService
	bookings   domain.BookingRepository
	properties domain.PropertyDirectory
	cfg        config.DispatchConfig
	locks      *keyedMutex
	logger     *zerolog.Logger
}

func NewDispatchService(
	jobs *JobService,
	bookings domain.BookingRepository,
	properties domain.PropertyDirectory,
	cfg config.DispatchConfig,
	logger *zerolog.Logger,
) *DispatchService {
	if cfg.CheckoutStartTime == "" {
		cfg.CheckoutStartTime = models.DefaultCheckoutTime
	}
	if cfg.CheckInTime == "" {
		cfg.CheckInTime = models.DefaultCheckInTime
	}
	if cfg.CleaningMinutes <= 0 {
		cfg.CleaningMinutes = models.DefaultCleaningMinutes
	}
	if cfg.InspectionMinutes <= 0 {
		cfg.InspectionMinutes = models.DefaultInspectionMinutes
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 4
	}
	return &DispatchService{
		jobs:       jobs,
		bookings:   bookings,
		properties: properties,
		cfg:        cfg,
		locks:      newKeyedMutex(),
		logger:     logger,
	}
}

// CreateJobsFromBooking creates the turnover jobs of a confirmed booking.
// Calling it again returns the existing jobs instead of creating duplicates.
func (s *DispatchService) CreateJobsFromBooking(ctx context.Context, booking *models.Booking, actor string) ([]*models.Job, error) {
	if booking == nil {
		return nil, &domain.NotFoundError{Entity: "booking", ID: ""}
	}
	if booking.Status != models.BookingConfirmed {
		verr := &domain.ValidationError{}
		verr.Add("status", fmt.Sprintf("booking must be confirmed, got %s", booking.Status))
		return nil, verr
	}

	unlock := s.locks.Lock(booking.ID)
	defer unlock()

	property, err := s.properties.GetProperty(ctx, booking.PropertyID)
	if err != nil {
		return nil, err
	}

	specs, err := s.planJobs(ctx, booking, property)
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, 0, len(specs))
	for _, spec := range specs {
		existing, err := s.jobs.repo.FindJobByBookingAndType(ctx, booking.ID, spec.JobType)
		if err != nil {
			return jobs, fmt.Errorf("lookup %s job of booking %s: %w", spec.JobType, booking.ID, err)
		}
		if existing != nil {
			jobs = append(jobs, existing)
			continue
		}

		job, err := s.jobs.CreateJob(ctx, spec, actor)
		if err != nil {
			// Another process may have won the unique (booking, type) index.
			if existing, lookupErr := s.jobs.repo.FindJobByBookingAndType(ctx, booking.ID, spec.JobType); lookupErr == nil && existing != nil {
				jobs = append(jobs, existing)
				continue
			}
			return jobs, fmt.Errorf("create %s job for booking %s: %w", spec.JobType, booking.ID, err)
		}
		jobs = append(jobs, job)
	}

	s.logger.Info().
		Str("booking_id", booking.ID).
		Int("jobs", len(jobs)).
		Msg("Booking dispatched")
	return jobs, nil
}

func (s *DispatchService) planJobs(ctx context.Context, booking *models.Booking, property *models.Property) ([]models.JobSpec, error) {
	date := dateOnly(booking.CheckOut)

	startTime := s.cfg.CheckoutStartTime
	if property.CleaningStartTime != "" {
		startTime = property.CleaningStartTime
	}
	duration := s.cfg.CleaningMinutes
	if property.CleaningMinutes > 0 {
		duration = property.CleaningMinutes
	}
	deadline, err := atClock(date, s.cfg.CheckInTime)
	if err != nil {
		return nil, err
	}

	priority := models.PriorityMedium
	turnover, err := s.sameDayTurnover(ctx, booking, date)
	if err != nil {
		return nil, err
	}
	if turnover {
		priority = models.PriorityHigh
	}

	name := property.Name
	if name == "" {
		name = property.ID
	}

	specs := []models.JobSpec{{
		BookingID:          booking.ID,
		PropertyID:         booking.PropertyID,
		JobType:            models.JobTypeCheckout,
		Title:              fmt.Sprintf("Checkout cleaning: %s (%s)", name, booking.GuestName),
		Description:        fmt.Sprintf("Turnover after %s, %d guests", booking.GuestName, booking.GuestCount),
		Priority:           priority,
		EstimatedDuration:  duration,
		ScheduledDate:      date,
		ScheduledStartTime: startTime,
		Deadline:           &deadline,
		RequiredSkills:     []string{"cleaning"},
	}}

	if property.RequiresInspection {
		inspectAt, err := addMinutes(startTime, duration)
		if err != nil {
			return nil, err
		}
		specs = append(specs, models.JobSpec{
			BookingID:          booking.ID,
			PropertyID:         booking.PropertyID,
			JobType:            models.JobTypeInspection,
			Title:              fmt.Sprintf("Inspection: %s (%s)", name, booking.GuestName),
			Priority:           priority,
			EstimatedDuration:  s.cfg.InspectionMinutes,
			ScheduledDate:      date,
			ScheduledStartTime: inspectAt,
			Deadline:           &deadline,
			RequiredSkills:     []string{"inspection"},
		})
	}
	return specs, nil
}

// sameDayTurnover reports whether another confirmed guest arrives at the
// property on the checkout date.
func (s *DispatchService) sameDayTurnover(ctx context.Context, booking *models.Booking, date time.Time) (bool, error) {
	next, err := s.bookings.ListBookingsByProperty(ctx, booking.PropertyID, date, date.AddDate(0, 0, 1))
	if err != nil {
		return false, fmt.Errorf("load bookings of %s: %w", booking.PropertyID, err)
	}
	for _, b := range next {
		if b.ID != booking.ID && b.Occupies() && dateOnly(b.CheckIn).Equal(date) {
			return true, nil
		}
	}
	return false, nil
}

// BulkTransition applies one transition to many jobs concurrently. Writes
// to a single job stay serialised by the job lock; a failure on one id does
// not stop the rest.
func (s *DispatchService) BulkTransition(ctx context.Context, ids []string, to models.JobStatus, actor, notes string) BulkResult {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	errs := make([]error, len(unique))
	var g errgroup.Group
	g.SetLimit(s.cfg.BulkConcurrency)
	for i, id := range unique {
		g.Go(func() error {
			_, errs[i] = s.jobs.Transition(ctx, id, to, actor, notes)
			return nil
		})
	}
	_ = g.Wait()

	result := BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for i, id := range unique {
		if errs[i] != nil {
			result.Failed = append(result.Failed, BulkFailure{ID: id, Err: errs[i], Error: errs[i].Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}

	s.logger.Info().
		Str("to", string(to)).
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Str("actor", actor).
		Msg("Bulk transition finished")
	return result
}

// Conflicts scans bookings and active jobs overlapping [from, to).
func (s *DispatchService) Conflicts(ctx context.Context, from, to time.Time) ([]models.Conflict, error) {
	bookings, err := s.bookings.ListBookings(ctx, from, to)
	if err != nil {
		return nil, err
	}
	properties, err := s.properties.ListProperties(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Property, len(properties))
	for _, p := range properties {
		byID[p.ID] = p
	}

	jobs, err := s.jobs.ListJobs(ctx, models.JobFilter{Statuses: activeStatuses, From: from, To: to})
	if err != nil {
		return nil, err
	}

	opts := conflict.Options{AllowSameProperty: s.cfg.AllowSamePropertyOverlap}
	found := conflict.ScanBookings(bookings, byID)
	found = append(found, conflict.ScanJobs(jobs, bookings, opts)...)
	return found, nil
}

func atClock(date time.Time, clock string) (time.Time, error) {
	t, err := time.Parse(models.ScheduleTimeLayout, clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", clock, err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, date.Location()), nil
}

func addMinutes(clock string, minutes int) (string, error) {
	t, err := time.Parse(models.ScheduleTimeLayout, clock)
	if err != nil {
		return "", fmt.Errorf("invalid time %q: %w", clock, err)
	}
	return t.Add(time.Duration(minutes) * time.Minute).Format(models.ScheduleTimeLayout), nil
}
