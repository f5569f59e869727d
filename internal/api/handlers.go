package api

import (
	"context"
	"errors"
	"time"

	"villaops/internal/domain"
	"villaops/internal/models"
	"villaops/internal/realtime"
	"villaops/internal/service"
	"villaops/internal/tracker"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Services are the operations exposed over HTTP and gRPC.
type Services struct {
	Jobs     *service.JobService
	Dispatch *service.DispatchService
	Bookings *service.BookingService
	Tracker  *tracker.Tracker
	Sync     *realtime.Coordinator
}

type CreateJobRequest struct {
	Spec  models.JobSpec `json:"spec"`
	Actor string         `json:"actor"`
}

type JobRequest struct {
	ID string `json:"id"`
}

type ListJobsRequest struct {
	PropertyID string             `json:"property_id,omitempty"`
	StaffID    string             `json:"staff_id,omitempty"`
	BookingID  string             `json:"booking_id,omitempty"`
	Statuses   []models.JobStatus `json:"statuses,omitempty"`
	From       time.Time          `json:"from,omitempty"`
	To         time.Time          `json:"to,omitempty"`
}

func (r ListJobsRequest) filter() models.JobFilter {
	return models.JobFilter{
		PropertyID: r.PropertyID,
		StaffID:    r.StaffID,
		BookingID:  r.BookingID,
		Statuses:   r.Statuses,
		From:       r.From,
		To:         r.To,
	}
}

type JobList struct {
	Jobs []*models.Job `json:"jobs"`
}

type TransitionRequest struct {
	ID    string           `json:"id"`
	To    models.JobStatus `json:"to"`
	Actor string           `json:"actor"`
	Notes string           `json:"notes,omitempty"`
}

type DeleteJobRequest struct {
	ID           string `json:"id"`
	Actor        string `json:"actor"`
	Confirmation string `json:"confirmation,omitempty"`
}

type BulkTransitionRequest struct {
	IDs   []string         `json:"ids"`
	To    models.JobStatus `json:"to"`
	Actor string           `json:"actor"`
	Notes string           `json:"notes,omitempty"`
}

type CreateBookingRequest struct {
	Booking  models.Booking `json:"booking"`
	Override bool           `json:"override,omitempty"`
}

type BookingActionRequest struct {
	BookingID string `json:"booking_id"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason,omitempty"`
	Override  bool   `json:"override,omitempty"`
}

type ConflictsRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type ConflictList struct {
	Conflicts []models.Conflict `json:"conflicts"`
}

type SnapshotList struct {
	Snapshots []*models.ProgressSnapshot `json:"snapshots"`
}

type Empty struct{}

// DispatchServer is the gRPC surface of the dispatch engine.
type DispatchServer interface {
	CreateJob(ctx context.Context, req *CreateJobRequest) (*models.Job, error)
	GetJob(ctx context.Context, req *JobRequest) (*models.Job, error)
	ListJobs(ctx context.Context, req *ListJobsRequest) (*JobList, error)
	TransitionJob(ctx context.Context, req *TransitionRequest) (*models.Job, error)
	AssignStaff(ctx context.Context, req *domain.AssignRequest) (*models.Job, error)
	DeleteJob(ctx context.Context, req *DeleteJobRequest) (*Empty, error)
	BulkTransition(ctx context.Context, req *BulkTransitionRequest) (*service.BulkResult, error)
	CreateBooking(ctx context.Context, req *CreateBookingRequest) (*models.Booking, error)
	QuickApprove(ctx context.Context, req *BookingActionRequest) (*service.ApprovalResult, error)
	RejectBooking(ctx context.Context, req *BookingActionRequest) (*models.Booking, error)
	CancelBooking(ctx context.Context, req *BookingActionRequest) (*models.Booking, error)
	DispatchBooking(ctx context.Context, req *BookingActionRequest) (*JobList, error)
	ListConflicts(ctx context.Context, req *ConflictsRequest) (*ConflictList, error)
	GetProgress(ctx context.Context, req *JobRequest) (*models.ProgressSnapshot, error)
	ReportTelemetry(ctx context.Context, req *models.TelemetryPing) (*SnapshotList, error)
	Subscribe(filter *realtime.Filter, stream UpdateStream) error
}

// UpdateStream is the server side of a Subscribe call.
type UpdateStream interface {
	Context() context.Context
	Send(update *realtime.Update) error
}

type DispatchService struct {
	svc Services
}

func NewDispatchService(svc Services) *DispatchService {
	return &DispatchService{svc: svc}
}

func (s *DispatchService) CreateJob(ctx context.Context, req *CreateJobRequest) (*models.Job, error) {
	job, err := s.svc.Jobs.CreateJob(ctx, req.Spec, req.Actor)
	return job, grpcError(err)
}

func (s *DispatchService) GetJob(ctx context.Context, req *JobRequest) (*models.Job, error) {
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	job, err := s.svc.Jobs.GetJob(ctx, req.ID)
	return job, grpcError(err)
}

func (s *DispatchService) ListJobs(ctx context.Context, req *ListJobsRequest) (*JobList, error) {
	jobs, err := s.svc.Jobs.ListJobs(ctx, req.filter())
	if err != nil {
		return nil, grpcError(err)
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return &JobList{Jobs: jobs}, nil
}

func (s *DispatchService) TransitionJob(ctx context.Context, req *TransitionRequest) (*models.Job, error) {
	if req.ID == "" || req.To == "" {
		return nil, status.Error(codes.InvalidArgument, "id and to are required")
	}
	job, err := s.svc.Jobs.Transition(ctx, req.ID, req.To, req.Actor, req.Notes)
	return job, grpcError(err)
}

func (s *DispatchService) AssignStaff(ctx context.Context, req *domain.AssignRequest) (*models.Job, error) {
	if req.JobID == "" || req.StaffID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id and staff_id are required")
	}
	job, err := s.svc.Jobs.AssignStaff(ctx, *req)
	return job, grpcError(err)
}

func (s *DispatchService) DeleteJob(ctx context.Context, req *DeleteJobRequest) (*Empty, error) {
	if err := s.svc.Jobs.DeleteJob(ctx, req.ID, req.Actor, req.Confirmation); err != nil {
		return nil, grpcError(err)
	}
	return &Empty{}, nil
}

func (s *DispatchService) BulkTransition(ctx context.Context, req *BulkTransitionRequest) (*service.BulkResult, error) {
	if len(req.IDs) == 0 || req.To == "" {
		return nil, status.Error(codes.InvalidArgument, "ids and to are required")
	}
	result := s.svc.Dispatch.BulkTransition(ctx, req.IDs, req.To, req.Actor, req.Notes)
	return &result, nil
}

func (s *DispatchService) CreateBooking(ctx context.Context, req *CreateBookingRequest) (*models.Booking, error) {
	booking, err := s.svc.Bookings.CreateBooking(ctx, &req.Booking, req.Override)
	return booking, grpcError(err)
}

// QuickApprove returns the partial result with a warning when scheduling
// failed after the approval committed.
func (s *DispatchService) QuickApprove(ctx context.Context, req *BookingActionRequest) (*service.ApprovalResult, error) {
	result, err := s.svc.Bookings.QuickApprove(ctx, req.BookingID, req.Actor, req.Override)
	var serr *domain.SchedulingFailedError
	if errors.As(err, &serr) && result != nil {
		return result, nil
	}
	return result, grpcError(err)
}

func (s *DispatchService) RejectBooking(ctx context.Context, req *BookingActionRequest) (*models.Booking, error) {
	booking, err := s.svc.Bookings.RejectBooking(ctx, req.BookingID, req.Actor)
	return booking, grpcError(err)
}

func (s *DispatchService) CancelBooking(ctx context.Context, req *BookingActionRequest) (*models.Booking, error) {
	booking, err := s.svc.Bookings.CancelBooking(ctx, req.BookingID, req.Actor, req.Reason)
	return booking, grpcError(err)
}

func (s *DispatchService) DispatchBooking(ctx context.Context, req *BookingActionRequest) (*JobList, error) {
	booking, err := s.svc.Bookings.GetBooking(ctx, req.BookingID)
	if err != nil {
		return nil, grpcError(err)
	}
	jobs, err := s.svc.Dispatch.CreateJobsFromBooking(ctx, booking, req.Actor)
	if err != nil {
		return nil, grpcError(err)
	}
	return &JobList{Jobs: jobs}, nil
}

func (s *DispatchService) ListConflicts(ctx context.Context, req *ConflictsRequest) (*ConflictList, error) {
	if req.From.IsZero() || !req.To.After(req.From) {
		return nil, status.Error(codes.InvalidArgument, "from must be before to")
	}
	conflicts, err := s.svc.Dispatch.Conflicts(ctx, req.From, req.To)
	if err != nil {
		return nil, grpcError(err)
	}
	if conflicts == nil {
		conflicts = []models.Conflict{}
	}
	return &ConflictList{Conflicts: conflicts}, nil
}

func (s *DispatchService) GetProgress(ctx context.Context, req *JobRequest) (*models.ProgressSnapshot, error) {
	snapshot, err := s.svc.Tracker.Progress(ctx, req.ID)
	return snapshot, grpcError(err)
}

func (s *DispatchService) ReportTelemetry(ctx context.Context, req *models.TelemetryPing) (*SnapshotList, error) {
	snapshots, err := s.svc.Tracker.HandleTelemetry(ctx, *req)
	if err != nil {
		return nil, grpcError(err)
	}
	return &SnapshotList{Snapshots: snapshots}, nil
}

// Subscribe streams sync updates until the client goes away. A session
// that lost every tier ends the call with Unavailable after delivering the
// final update.
func (s *DispatchService) Subscribe(filter *realtime.Filter, stream UpdateStream) error {
	session, err := s.svc.Sync.Subscribe(stream.Context(), *filter)
	if err != nil {
		return grpcError(err)
	}

	for update := range session.Updates() {
		if err := stream.Send(&update); err != nil {
			_ = s.svc.Sync.Unsubscribe(session.ID)
			return err
		}
		if update.Kind == realtime.UpdateUnavailable {
			return grpcError(update.Err)
		}
	}
	return stream.Context().Err()
}
