package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"villaops/internal/conflict"
	"villaops/internal/domain"
	"villaops/internal/metrics"
	"villaops/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ApprovalResult is the outcome of the quick-approval path. Approved can be
// true while Jobs is incomplete; the accompanying error says why.
type ApprovalResult struct {
	Booking  *models.Booking `json:"booking"`
	Approved bool            `json:"approved"`
	Jobs     []*models.Job   `json:"jobs"`
	Warning  string          `json:"warning,omitempty"`
}

type BookingService struct {
	repo       domain.BookingRepository
	jobs       *JobService
	dispatch   *DispatchService
	properties domain.PropertyDirectory
	notify     domain.NotifyQueue
	validate   *validator.Validate
	locks      *keyedMutex
	logger     *zerolog.Logger
}

func NewBookingService(
	repo domain.BookingRepository,
	jobs *JobService,
	dispatch *DispatchService,
	properties domain.PropertyDirectory,
	notify domain.NotifyQueue,
	logger *zerolog.Logger,
) *BookingService {
	return &BookingService{
		repo:       repo,
		jobs:       jobs,
		dispatch:   dispatch,
		properties: properties,
		notify:     notify,
		validate:   newValidator(),
		locks:      newKeyedMutex(),
		logger:     logger,
	}
}

// CreateBooking stores an incoming booking. Bookings arriving already
// confirmed go through the same conflict checks as an approval.
func (s *BookingService) CreateBooking(ctx context.Context, booking *models.Booking, override bool) (*models.Booking, error) {
	booking.Status = models.NormalizeBookingStatus(string(booking.Status))

	verr, err := validateStruct(s.validate, booking)
	if err != nil {
		return nil, err
	}
	switch booking.Status {
	case models.BookingPending, models.BookingConfirmed, models.BookingRejected, models.BookingCancelled:
	default:
		verr.Add("status", "unknown booking status "+string(booking.Status))
	}

	var property *models.Property
	if booking.PropertyID != "" {
		property, err = s.properties.GetProperty(ctx, booking.PropertyID)
		if domain.IsNotFound(err) {
			verr.Add("property_id", "unknown property")
		} else if err != nil {
			return nil, err
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	if booking.ID == "" {
		booking.ID = uuid.NewString()
	}
	booking.CheckIn = booking.CheckIn.UTC()
	booking.CheckOut = booking.CheckOut.UTC()

	if booking.Status == models.BookingConfirmed {
		unlockProperty := s.locks.Lock(propertyLockKey(booking.PropertyID))
		defer unlockProperty()
		if err := s.checkConflicts(ctx, booking, property, override); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		booking.ApprovedAt = &now
	}

	if err := s.repo.CreateBooking(ctx, booking); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("booking_id", booking.ID).
		Str("property_id", booking.PropertyID).
		Str("status", string(booking.Status)).
		Msg("Booking created")
	return booking, nil
}

func (s *BookingService) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	return s.repo.GetBooking(ctx, id)
}

func (s *BookingService) ListBookings(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	return s.repo.ListBookings(ctx, from, to)
}

// ApproveBooking confirms a pending booking unless it double-books the
// property or exceeds its capacity. Approving a confirmed booking is a no-op.
func (s *BookingService) ApproveBooking(ctx context.Context, bookingID, actor string, override bool) (*models.Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch booking.Status {
	case models.BookingConfirmed:
		return booking, nil
	case models.BookingPending:
	default:
		return nil, bookingStatusError("approve", booking.Status)
	}

	property, err := s.properties.GetProperty(ctx, booking.PropertyID)
	if err != nil {
		return nil, err
	}

	// The double-booking check and the write must not interleave with
	// another approval on the same property.
	unlockProperty := s.locks.Lock(propertyLockKey(booking.PropertyID))
	defer unlockProperty()

	if err := s.checkConflicts(ctx, booking, property, override); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateBookingStatusWithVersion(ctx, booking.ID, booking.Version, models.BookingConfirmed); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("booking_id", booking.ID).
		Str("actor", actor).
		Bool("override", override).
		Msg("Booking approved")
	return s.repo.GetBooking(ctx, booking.ID)
}

func (s *BookingService) RejectBooking(ctx context.Context, bookingID, actor string) (*models.Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.BookingPending {
		return nil, bookingStatusError("reject", booking.Status)
	}
	if err := s.repo.UpdateBookingStatusWithVersion(ctx, booking.ID, booking.Version, models.BookingRejected); err != nil {
		return nil, err
	}

	s.logger.Info().Str("booking_id", booking.ID).Str("actor", actor).Msg("Booking rejected")
	return s.repo.GetBooking(ctx, booking.ID)
}

// CancelBooking cancels the booking and every unfinished job created for it.
func (s *BookingService) CancelBooking(ctx context.Context, bookingID, actor, reason string) (*models.Booking, error) {
	unlock := s.locks.Lock(bookingID)
	defer unlock()

	booking, err := s.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.BookingPending && booking.Status != models.BookingConfirmed {
		return nil, bookingStatusError("cancel", booking.Status)
	}
	if err := s.repo.UpdateBookingStatusWithVersion(ctx, booking.ID, booking.Version, models.BookingCancelled); err != nil {
		return nil, err
	}

	jobs, err := s.jobs.ListJobs(ctx, models.JobFilter{BookingID: booking.ID})
	if err != nil {
		return nil, err
	}
	notes := "booking cancelled"
	if reason != "" {
		notes += ": " + reason
	}
	var errs []error
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		if _, err := s.jobs.Transition(ctx, job.ID, models.JobCancelled, actor, notes); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info().Str("booking_id", booking.ID).Str("actor", actor).Msg("Booking cancelled")
	updated, err := s.repo.GetBooking(ctx, booking.ID)
	if err != nil {
		return nil, err
	}
	return updated, errors.Join(errs...)
}

// QuickApprove approves the booking and schedules its jobs. When scheduling
// fails after a successful approval the result is returned together with a
// SchedulingFailedError and managers are notified.
func (s *BookingService) QuickApprove(ctx context.Context, bookingID, actor string, override bool) (*ApprovalResult, error) {
	booking, err := s.ApproveBooking(ctx, bookingID, actor, override)
	if err != nil {
		return nil, err
	}

	result := &ApprovalResult{Booking: booking, Approved: true, Jobs: []*models.Job{}}
	jobs, err := s.dispatch.CreateJobsFromBooking(ctx, booking, actor)
	if jobs != nil {
		result.Jobs = jobs
	}
	if err == nil {
		return result, nil
	}

	serr := &domain.SchedulingFailedError{BookingID: booking.ID, Err: err}
	result.Warning = serr.Error()
	s.logger.Error().Err(err).Str("booking_id", booking.ID).Msg("Booking approved but scheduling failed")

	if s.notify != nil {
		payload := map[string]string{
			"booking_id":  booking.ID,
			"property_id": booking.PropertyID,
			"guest_name":  booking.GuestName,
			"error":       err.Error(),
		}
		if nerr := s.notify.EnqueueTask(ctx, models.NotifySchedulingFailed, booking.ID, payload); nerr != nil {
			s.logger.Error().Err(nerr).Str("booking_id", booking.ID).Msg("Failed to enqueue scheduling failure notification")
		}
	}
	return result, serr
}

func (s *BookingService) checkConflicts(ctx context.Context, booking *models.Booking, property *models.Property, override bool) error {
	others, err := s.repo.ListBookingsByProperty(ctx, booking.PropertyID, booking.CheckIn, booking.CheckOut)
	if err != nil {
		return fmt.Errorf("load bookings of %s: %w", booking.PropertyID, err)
	}

	conflicts := conflict.DetectDoubleBooking(booking, others)
	conflicts = append(conflicts, conflict.DetectCapacityExceeded(booking, property)...)
	if len(conflicts) == 0 {
		return nil
	}
	for _, c := range conflicts {
		metrics.IncConflict(string(c.Type))
	}
	if override {
		s.logger.Warn().Str("booking_id", booking.ID).Int("conflicts", len(conflicts)).Msg("Booking conflicts overridden")
		return nil
	}
	return &domain.ConflictError{Conflicts: conflicts}
}

func bookingStatusError(action string, status models.BookingStatus) error {
	verr := &domain.ValidationError{}
	verr.Add("status", fmt.Sprintf("cannot %s a booking in status %s", action, status))
	return verr
}
