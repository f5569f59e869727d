package models

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobAssigned   JobStatus = "assigned"
	JobAccepted   JobStatus = "accepted"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobVerified   JobStatus = "verified"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition can leave the status.
func (s JobStatus) IsTerminal() bool {
	return s == JobVerified || s == JobCancelled
}

// IsActive reports whether a job in this status still holds its assignee's time.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobPending, JobAssigned, JobAccepted, JobInProgress:
		return true
	}
	return false
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobAssigned, JobAccepted, JobInProgress, JobCompleted, JobVerified, JobCancelled:
		return true
	}
	return false
}

type JobType string

const (
	JobTypeCleaning    JobType = "cleaning"
	JobTypeMaintenance JobType = "maintenance"
	JobTypeInspection  JobType = "inspection"
	JobTypeSetup       JobType = "setup"
	JobTypeCheckout    JobType = "checkout"
	JobTypeEmergency   JobType = "emergency"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingRejected  BookingStatus = "rejected"
	BookingCancelled BookingStatus = "cancelled"
)

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

const (
	EntityJob      = "job"
	EntityProgress = "progress"
)

const (
	// DefaultCheckoutTime время начала уборки после выезда гостя
	DefaultCheckoutTime = "11:00"

	// DefaultCheckInTime время заезда следующего гостя, используется как дедлайн
	DefaultCheckInTime = "15:00"

	// DefaultCleaningMinutes длительность уборки по умолчанию
	DefaultCleaningMinutes = 180

	// DefaultInspectionMinutes длительность инспекции по умолчанию
	DefaultInspectionMinutes = 30

	// ScheduleTimeLayout формат времени начала работ
	ScheduleTimeLayout = "15:04"

	// DateLayout формат дат бронирований и расписания
	DateLayout = "2006-01-02"

	// WorkerQueueSize размер очереди воркера уведомлений
	WorkerQueueSize = 128
)
