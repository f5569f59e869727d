package domain

import (
	"context"
	"time"

	"villaops/internal/models"
)

// JobRepository is the persistence capability the Job Store writes through.
// Every mutating call appends the matching change-log record in the same
// transaction and returns it with its sequence number assigned.
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.Job) (models.ChangeEvent, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	FindJobByBookingAndType(ctx context.Context, bookingID string, jobType models.JobType) (*models.Job, error)
	UpdateJobWithVersion(ctx context.Context, job *models.Job, fromVersion int64, change *models.StatusChange) (models.ChangeEvent, error)
	DeleteJobWithVersion(ctx context.Context, job *models.Job, fromVersion int64) (models.ChangeEvent, error)
}

type BookingRepository interface {
	CreateBooking(ctx context.Context, booking *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListBookingsByProperty(ctx context.Context, propertyID string, from, to time.Time) ([]*models.Booking, error)
	ListBookings(ctx context.Context, from, to time.Time) ([]*models.Booking, error)
	UpdateBookingStatusWithVersion(ctx context.Context, id string, fromVersion int64, status models.BookingStatus) error
}

// ChangeQuery selects change-log records after a cursor. Empty filter fields
// are not applied server-side.
type ChangeQuery struct {
	AfterSeq    int64
	EntityTypes []string
	PropertyIDs []string
	StaffID     string
	Statuses    []string
	Limit       int
}

type ChangeLog interface {
	AppendChange(ctx context.Context, event *models.ChangeEvent) error
	ListChanges(ctx context.Context, q ChangeQuery) ([]models.ChangeEvent, error)
	LatestChanges(ctx context.Context, q ChangeQuery) ([]models.ChangeEvent, error)
	HeadSeq(ctx context.Context) (map[string]int64, error)
	HasIndex(ctx context.Context, name string) (bool, error)
}

type PropertyDirectory interface {
	GetProperty(ctx context.Context, id string) (*models.Property, error)
	ListProperties(ctx context.Context) ([]*models.Property, error)
}

type StaffDirectory interface {
	GetStaff(ctx context.Context, id string) (*models.Staff, error)
	ListManagers(ctx context.Context) ([]*models.Staff, error)
}

// SnapshotRepository caches derived progress snapshots and last telemetry.
type SnapshotRepository interface {
	GetSnapshot(ctx context.Context, jobID string) (*models.ProgressSnapshot, error)
	SetSnapshot(ctx context.Context, snapshot *models.ProgressSnapshot) error
	DeleteSnapshot(ctx context.Context, jobID string) error
	GetTelemetry(ctx context.Context, staffID string) (*models.TelemetryPing, error)
	SetTelemetry(ctx context.Context, ping *models.TelemetryPing) error
}

type EventPublisher interface {
	Publish(event models.ChangeEvent)
}

type NotifyQueue interface {
	EnqueueTask(ctx context.Context, taskType, entityID string, payload interface{}) error
}

// Notifier delivers a rendered notification to the outside world.
type Notifier interface {
	Notify(ctx context.Context, subject, text string) error
}

type JobService interface {
	CreateJob(ctx context.Context, spec models.JobSpec, actor string) (*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	Transition(ctx context.Context, jobID string, to models.JobStatus, actor, notes string) (*models.Job, error)
	AssignStaff(ctx context.Context, req AssignRequest) (*models.Job, error)
	DeleteJob(ctx context.Context, jobID, actor, confirmation string) error
}

type AssignRequest struct {
	JobID    string `json:"job_id"`
	StaffID  string `json:"staff_id"`
	Actor    string `json:"actor"`
	Override bool   `json:"override"`
	Notes    string `json:"notes"`
}
