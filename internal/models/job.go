package models

import (
	"fmt"
	"time"
)

// StatusChange is a single entry of a job's status history.
type StatusChange struct {
	Status    JobStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	Notes     string    `json:"notes,omitempty"`
}

type Job struct {
	ID                  string         `json:"id"`
	BookingID           string         `json:"booking_id,omitempty"`
	PropertyID          string         `json:"property_id"`
	JobType             JobType        `json:"job_type"`
	Title               string         `json:"title"`
	Description         string         `json:"description,omitempty"`
	Priority            Priority       `json:"priority"`
	EstimatedDuration   int            `json:"estimated_duration"`
	ScheduledDate       time.Time      `json:"scheduled_date"`
	ScheduledStartTime  string         `json:"scheduled_start_time"`
	Deadline            *time.Time     `json:"deadline,omitempty"`
	AssignedStaffID     string         `json:"assigned_staff_id,omitempty"`
	RequiredSkills      []string       `json:"required_skills,omitempty"`
	RequiredSupplies    []string       `json:"required_supplies,omitempty"`
	SpecialInstructions string         `json:"special_instructions,omitempty"`
	DecisionRef         string         `json:"decision_ref,omitempty"`
	Status              JobStatus      `json:"status"`
	StatusHistory       []StatusChange `json:"status_history"`
	Version             int64          `json:"version"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ScheduledStart combines the scheduled date and start time in the date's location.
func (j Job) ScheduledStart() time.Time {
	d := j.ScheduledDate
	t, err := time.Parse(ScheduleTimeLayout, j.ScheduledStartTime)
	if err != nil {
		return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
	}
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, d.Location())
}

// Window returns the half-open interval [start, start+duration).
func (j Job) Window() (time.Time, time.Time) {
	start := j.ScheduledStart()
	return start, start.Add(time.Duration(j.EstimatedDuration) * time.Minute)
}

// EffectiveDeadline is the explicit deadline or the end of the scheduled window.
func (j Job) EffectiveDeadline() time.Time {
	if j.Deadline != nil && !j.Deadline.IsZero() {
		return *j.Deadline
	}
	_, end := j.Window()
	return end
}

// LastChange returns the latest history entry.
func (j Job) LastChange() (StatusChange, bool) {
	if len(j.StatusHistory) == 0 {
		return StatusChange{}, false
	}
	return j.StatusHistory[len(j.StatusHistory)-1], true
}

// DeleteConfirmationPhrase is the text an operator must type to delete a job
// holding completion or verification records.
func (j Job) DeleteConfirmationPhrase() string {
	if j.Title != "" {
		return j.Title
	}
	return j.ID
}

func (j Job) String() string {
	return fmt.Sprintf("%s[%s %s]", j.ID, j.JobType, j.Status)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.RequiredSkills = append([]string(nil), j.RequiredSkills...)
	c.RequiredSupplies = append([]string(nil), j.RequiredSupplies...)
	c.StatusHistory = append([]StatusChange(nil), j.StatusHistory...)
	if j.Deadline != nil {
		d := *j.Deadline
		c.Deadline = &d
	}
	return &c
}

// JobSpec is the input of job creation.
type JobSpec struct {
	BookingID           string     `json:"booking_id"`
	PropertyID          string     `json:"property_id" validate:"required"`
	JobType             JobType    `json:"job_type" validate:"required,oneof=cleaning maintenance inspection setup checkout emergency"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	Priority            Priority   `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	EstimatedDuration   int        `json:"estimated_duration" validate:"gt=0"`
	ScheduledDate       time.Time  `json:"scheduled_date" validate:"required"`
	ScheduledStartTime  string     `json:"scheduled_start_time" validate:"omitempty,datetime=15:04"`
	Deadline            *time.Time `json:"deadline"`
	AssignedStaffID     string     `json:"assigned_staff_id"`
	RequiredSkills      []string   `json:"required_skills"`
	RequiredSupplies    []string   `json:"required_supplies"`
	SpecialInstructions string     `json:"special_instructions"`
	DecisionRef         string     `json:"decision_ref"`
	// Override lets a preset assignee keep overlapping jobs; the conflict
	// is recorded in the creation history entry.
	Override bool `json:"override"`
}

// JobFilter narrows job listings; empty fields match everything.
type JobFilter struct {
	PropertyID string
	StaffID    string
	BookingID  string
	Statuses   []JobStatus
	From       time.Time
	To         time.Time
}

// Assignment is the derived staff/job relation used by overlap detection.
type Assignment struct {
	StaffID    string    `json:"staff_id"`
	JobID      string    `json:"job_id"`
	PropertyID string    `json:"property_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// AssignmentFor builds the assignment a job would have with the given staff.
func AssignmentFor(job Job, staffID string) Assignment {
	start, end := job.Window()
	return Assignment{StaffID: staffID, JobID: job.ID, PropertyID: job.PropertyID, Start: start, End: end}
}
