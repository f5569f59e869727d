package models

type ConflictType string

const (
	ConflictDoubleBooking        ConflictType = "double_booking"
	ConflictMaintenanceOverlap   ConflictType = "maintenance_overlap"
	ConflictCapacityExceeded     ConflictType = "capacity_exceeded"
	ConflictStaffScheduleOverlap ConflictType = "staff_schedule_overlap"
)

// Conflict is a computed scheduling incompatibility. It is never persisted.
type Conflict struct {
	Type       ConflictType `json:"type"`
	JobIDs     []string     `json:"job_ids,omitempty"`
	BookingIDs []string     `json:"booking_ids,omitempty"`
	Message    string       `json:"message,omitempty"`
}
