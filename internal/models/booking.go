package models

import (
	"strings"
	"time"
)

type Booking struct {
	ID               string        `json:"id"`
	PropertyID       string        `json:"property_id" validate:"required"`
	GuestName        string        `json:"guest_name" validate:"required"`
	GuestContact     string        `json:"guest_contact"`
	GuestCount       int           `json:"guest_count" validate:"gte=0"`
	CheckIn          time.Time     `json:"check_in" validate:"required"`
	CheckOut         time.Time     `json:"check_out" validate:"required,gtfield=CheckIn"`
	Amount           float64       `json:"amount" validate:"gte=0"`
	Status           BookingStatus `json:"status"`
	Source           string        `json:"source"`
	AssignedStaffIDs []string      `json:"assigned_staff_ids,omitempty"`
	Version          int64         `json:"version"`
	ApprovedAt       *time.Time    `json:"approved_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Occupies reports whether the booking blocks its property for the given stay.
func (b Booking) Occupies() bool {
	return b.Status == BookingConfirmed
}

// NormalizeBookingStatus maps the legacy spellings used by older intake
// channels onto the four canonical statuses.
func NormalizeBookingStatus(raw string) BookingStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "pending", "pending_approval", "new":
		return BookingPending
	case "confirmed", "approved":
		return BookingConfirmed
	case "rejected", "declined":
		return BookingRejected
	case "cancelled", "canceled":
		return BookingCancelled
	default:
		return BookingStatus(strings.ToLower(strings.TrimSpace(raw)))
	}
}
