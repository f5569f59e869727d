// Package conflict detects scheduling incompatibilities between bookings,
// jobs and staff assignments. Every function is pure: it never returns an
// error and an empty result means no conflict.
package conflict

import (
	"fmt"
	"sort"
	"time"

	"villaops/internal/models"
)

// Options tunes staff overlap detection.
type Options struct {
	// AllowSameProperty lets one staff member hold overlapping jobs at the
	// same property.
	AllowSameProperty bool
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// DetectDoubleBooking reports confirmed bookings of the candidate's property
// whose [checkIn, checkOut) stay overlaps the candidate's. The candidate is
// checked as if confirmed, so approval can be tested before it happens.
func DetectDoubleBooking(candidate *models.Booking, all []*models.Booking) []models.Conflict {
	conflicts := []models.Conflict{}
	if candidate == nil {
		return conflicts
	}

	for _, other := range all {
		if other == nil || other.ID == candidate.ID || other.PropertyID != candidate.PropertyID {
			continue
		}
		if !other.Occupies() {
			continue
		}
		if !overlaps(candidate.CheckIn, candidate.CheckOut, other.CheckIn, other.CheckOut) {
			continue
		}
		conflicts = append(conflicts, models.Conflict{
			Type:       models.ConflictDoubleBooking,
			BookingIDs: []string{candidate.ID, other.ID},
			Message: fmt.Sprintf("property %s already booked %s - %s",
				other.PropertyID, other.CheckIn.Format(models.DateLayout), other.CheckOut.Format(models.DateLayout)),
		})
	}
	return conflicts
}

// DetectStaffOverlap reports assignments of the same staff member to other
// jobs whose windows overlap the candidate's.
func DetectStaffOverlap(candidate models.Assignment, all []models.Assignment, opts Options) []models.Conflict {
	conflicts := []models.Conflict{}
	if candidate.StaffID == "" {
		return conflicts
	}

	for _, other := range all {
		if other.StaffID != candidate.StaffID || other.JobID == candidate.JobID {
			continue
		}
		if opts.AllowSameProperty && other.PropertyID == candidate.PropertyID {
			continue
		}
		if !overlaps(candidate.Start, candidate.End, other.Start, other.End) {
			continue
		}
		conflicts = append(conflicts, models.Conflict{
			Type:   models.ConflictStaffScheduleOverlap,
			JobIDs: []string{candidate.JobID, other.JobID},
			Message: fmt.Sprintf("staff %s is busy with job %s from %s to %s",
				other.StaffID, other.JobID, other.Start.Format(time.RFC3339), other.End.Format(time.RFC3339)),
		})
	}
	return conflicts
}

// DetectCapacityExceeded reports a booking with more guests than the
// property sleeps. MaxGuests of zero means unlimited.
func DetectCapacityExceeded(booking *models.Booking, property *models.Property) []models.Conflict {
	conflicts := []models.Conflict{}
	if booking == nil || property == nil || property.MaxGuests <= 0 {
		return conflicts
	}
	if booking.GuestCount > property.MaxGuests {
		conflicts = append(conflicts, models.Conflict{
			Type:       models.ConflictCapacityExceeded,
			BookingIDs: []string{booking.ID},
			Message:    fmt.Sprintf("%d guests exceed capacity %d of %s", booking.GuestCount, property.MaxGuests, property.ID),
		})
	}
	return conflicts
}

// DetectMaintenanceOverlap reports confirmed stays that a maintenance,
// inspection or setup job would disturb. Emergency work is never blocked,
// and cleaning/checkout jobs are expected to touch a stay boundary.
func DetectMaintenanceOverlap(job *models.Job, bookings []*models.Booking) []models.Conflict {
	conflicts := []models.Conflict{}
	if job == nil {
		return conflicts
	}
	switch job.JobType {
	case models.JobTypeMaintenance, models.JobTypeInspection, models.JobTypeSetup:
	default:
		return conflicts
	}

	start, end := job.Window()
	for _, b := range bookings {
		if b == nil || b.PropertyID != job.PropertyID || !b.Occupies() || b.ID == job.BookingID {
			continue
		}
		if !overlaps(start, end, b.CheckIn, b.CheckOut) {
			continue
		}
		conflicts = append(conflicts, models.Conflict{
			Type:       models.ConflictMaintenanceOverlap,
			JobIDs:     []string{job.ID},
			BookingIDs: []string{b.ID},
			Message:    fmt.Sprintf("%s job during stay of %s", job.JobType, b.GuestName),
		})
	}
	return conflicts
}

// Assignments derives the active staff assignments from a job set.
func Assignments(jobs []*models.Job) []models.Assignment {
	out := make([]models.Assignment, 0, len(jobs))
	for _, j := range jobs {
		if j == nil || j.AssignedStaffID == "" || !j.Status.IsActive() {
			continue
		}
		out = append(out, models.AssignmentFor(*j, j.AssignedStaffID))
	}
	return out
}

// ScanBookings runs the booking checks over a whole set, reporting each
// overlapping pair once.
func ScanBookings(bookings []*models.Booking, properties map[string]*models.Property) []models.Conflict {
	conflicts := []models.Conflict{}

	sorted := make([]*models.Booking, 0, len(bookings))
	for _, b := range bookings {
		if b != nil {
			sorted = append(sorted, b)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PropertyID != sorted[j].PropertyID {
			return sorted[i].PropertyID < sorted[j].PropertyID
		}
		if !sorted[i].CheckIn.Equal(sorted[j].CheckIn) {
			return sorted[i].CheckIn.Before(sorted[j].CheckIn)
		}
		return sorted[i].ID < sorted[j].ID
	})

	for i, b := range sorted {
		if b.Occupies() {
			conflicts = append(conflicts, DetectDoubleBooking(b, sorted[i+1:])...)
		}
		if b.Status != models.BookingRejected && b.Status != models.BookingCancelled {
			conflicts = append(conflicts, DetectCapacityExceeded(b, properties[b.PropertyID])...)
		}
	}
	return conflicts
}

// ScanJobs reports staff overlaps and maintenance overlaps across a job set,
// each staff overlap pair once.
func ScanJobs(jobs []*models.Job, bookings []*models.Booking, opts Options) []models.Conflict {
	conflicts := []models.Conflict{}

	assignments := Assignments(jobs)
	sort.Slice(assignments, func(i, j int) bool {
		if !assignments[i].Start.Equal(assignments[j].Start) {
			return assignments[i].Start.Before(assignments[j].Start)
		}
		return assignments[i].JobID < assignments[j].JobID
	})
	for i, a := range assignments {
		conflicts = append(conflicts, DetectStaffOverlap(a, assignments[i+1:], opts)...)
	}

	for _, j := range jobs {
		if j != nil && j.Status.IsActive() {
			conflicts = append(conflicts, DetectMaintenanceOverlap(j, bookings)...)
		}
	}
	return conflicts
}
