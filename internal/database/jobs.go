package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"villaops/internal/domain"
	"villaops/internal/models"
)

const jobColumns = `id, booking_id, property_id, job_type, title, description, priority,
	estimated_duration, scheduled_date, scheduled_start_time, deadline, assigned_staff_id,
	required_skills, required_supplies, special_instructions, decision_ref, status, version,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// CreateJob inserts the job with its initial history and appends the
// "added" change record in one transaction.
func (db *DB) CreateJob(ctx context.Context, job *models.Job) (models.ChangeEvent, error) {
	skills, err := json.Marshal(nonNil(job.RequiredSkills))
	if err != nil {
		return models.ChangeEvent{}, fmt.Errorf("failed to encode skills: %w", err)
	}
	supplies, err := json.Marshal(nonNil(job.RequiredSupplies))
	if err != nil {
		return models.ChangeEvent{}, fmt.Errorf("failed to encode supplies: %w", err)
	}

	var event models.ChangeEvent
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.BookingID, job.PropertyID, job.JobType, job.Title, job.Description, job.Priority,
			job.EstimatedDuration, job.ScheduledDate.Format(models.DateLayout), job.ScheduledStartTime,
			nullableNanos(job.Deadline), job.AssignedStaffID, string(skills), string(supplies),
			job.SpecialInstructions, job.DecisionRef, job.Status, job.Version,
			toNanos(job.CreatedAt), toNanos(job.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}

		for _, change := range job.StatusHistory {
			if err := insertHistory(ctx, tx, job.ID, change); err != nil {
				return err
			}
		}

		event = models.JobChange(job.Clone(), models.ChangeAdded)
		return appendChangeTx(ctx, tx, &event)
	})
	return event, err
}

// UpdateJobWithVersion writes the job if its stored version still equals
// fromVersion. A non-nil change is appended to the status history.
func (db *DB) UpdateJobWithVersion(ctx context.Context, job *models.Job, fromVersion int64, change *models.StatusChange) (models.ChangeEvent, error) {
	skills, err := json.Marshal(nonNil(job.RequiredSkills))
	if err != nil {
		return models.ChangeEvent{}, fmt.Errorf("failed to encode skills: %w", err)
	}
	supplies, err := json.Marshal(nonNil(job.RequiredSupplies))
	if err != nil {
		return models.ChangeEvent{}, fmt.Errorf("failed to encode supplies: %w", err)
	}

	var event models.ChangeEvent
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE jobs SET
				booking_id = ?, property_id = ?, job_type = ?, title = ?, description = ?, priority = ?,
				estimated_duration = ?, scheduled_date = ?, scheduled_start_time = ?, deadline = ?,
				assigned_staff_id = ?, required_skills = ?, required_supplies = ?,
				special_instructions = ?, decision_ref = ?, status = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			job.BookingID, job.PropertyID, job.JobType, job.Title, job.Description, job.Priority,
			job.EstimatedDuration, job.ScheduledDate.Format(models.DateLayout), job.ScheduledStartTime,
			nullableNanos(job.Deadline), job.AssignedStaffID, string(skills), string(supplies),
			job.SpecialInstructions, job.DecisionRef, job.Status, toNanos(job.UpdatedAt),
			job.ID, fromVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if err := checkVersionedWrite(ctx, tx, result, job.ID); err != nil {
			return err
		}

		if change != nil {
			if err := insertHistory(ctx, tx, job.ID, *change); err != nil {
				return err
			}
		}

		job.Version = fromVersion + 1
		event = models.JobChange(job.Clone(), models.ChangeModified)
		return appendChangeTx(ctx, tx, &event)
	})
	return event, err
}

// DeleteJobWithVersion removes the job and its history and appends the
// "deleted" change record carrying the last snapshot.
func (db *DB) DeleteJobWithVersion(ctx context.Context, job *models.Job, fromVersion int64) (models.ChangeEvent, error) {
	var event models.ChangeEvent
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND version = ?`, job.ID, fromVersion)
		if err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		if err := checkVersionedWrite(ctx, tx, result, job.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_status_history WHERE job_id = ?`, job.ID); err != nil {
			return fmt.Errorf("failed to delete job history: %w", err)
		}

		event = models.JobChange(job.Clone(), models.ChangeDeleted)
		return appendChangeTx(ctx, tx, &event)
	})
	return event, err
}

func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if isNoRows(err) {
		return nil, &domain.NotFoundError{Entity: "job", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if job.StatusHistory, err = db.loadHistory(ctx, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

// FindJobByBookingAndType returns nil, nil when the booking has no job of that type.
func (db *DB) FindJobByBookingAndType(ctx context.Context, bookingID string, jobType models.JobType) (*models.Job, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE booking_id = ? AND job_type = ?`, bookingID, jobType)
	job, err := scanJob(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job: %w", err)
	}
	if job.StatusHistory, err = db.loadHistory(ctx, job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

func (db *DB) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.PropertyID != "" {
		where = append(where, "property_id = ?")
		args = append(args, filter.PropertyID)
	}
	if filter.StaffID != "" {
		where = append(where, "assigned_staff_id = ?")
		args = append(args, filter.StaffID)
	}
	if filter.BookingID != "" {
		where = append(where, "booking_id = ?")
		args = append(args, filter.BookingID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		clause, inArgs := inClause("status", statuses)
		where = append(where, clause)
		args = append(args, inArgs...)
	}
	if !filter.From.IsZero() {
		where = append(where, "scheduled_date >= ?")
		args = append(args, filter.From.Format(models.DateLayout))
	}
	if !filter.To.IsZero() {
		where = append(where, "scheduled_date <= ?")
		args = append(args, filter.To.Format(models.DateLayout))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scheduled_date, scheduled_start_time, id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// The pool holds one connection; release it before loading history.
	rows.Close()

	for _, job := range jobs {
		if job.StatusHistory, err = db.loadHistory(ctx, job.ID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (db *DB) loadHistory(ctx context.Context, jobID string) ([]models.StatusChange, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT status, timestamp, actor_id, notes FROM job_status_history WHERE job_id = ? ORDER BY timestamp, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var history []models.StatusChange
	for rows.Next() {
		var (
			change models.StatusChange
			ts     int64
		)
		if err := rows.Scan(&change.Status, &ts, &change.ActorID, &change.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		change.Timestamp = fromNanos(ts)
		history = append(history, change)
	}
	return history, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, jobID string, change models.StatusChange) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_status_history (job_id, status, timestamp, actor_id, notes) VALUES (?, ?, ?, ?, ?)`,
		jobID, change.Status, toNanos(change.Timestamp), change.ActorID, change.Notes)
	if err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

// checkVersionedWrite tells a lost optimistic race apart from a missing row.
func checkVersionedWrite(ctx context.Context, tx *sql.Tx, result sql.Result, jobID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, jobID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return &domain.NotFoundError{Entity: "job", ID: jobID}
	}
	return domain.ErrConcurrentModification
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                  models.Job
		scheduledDate        string
		deadline             sql.NullInt64
		skills, supplies     string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&job.ID, &job.BookingID, &job.PropertyID, &job.JobType, &job.Title, &job.Description, &job.Priority,
		&job.EstimatedDuration, &scheduledDate, &job.ScheduledStartTime, &deadline, &job.AssignedStaffID,
		&skills, &supplies, &job.SpecialInstructions, &job.DecisionRef, &job.Status, &job.Version,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.ScheduledDate, err = time.Parse(models.DateLayout, scheduledDate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse scheduled date %s: %w", scheduledDate, err)
	}
	job.Deadline = timePtr(deadline)
	job.CreatedAt = fromNanos(createdAt)
	job.UpdatedAt = fromNanos(updatedAt)
	if err := json.Unmarshal([]byte(skills), &job.RequiredSkills); err != nil {
		return nil, fmt.Errorf("failed to decode skills: %w", err)
	}
	if err := json.Unmarshal([]byte(supplies), &job.RequiredSupplies); err != nil {
		return nil, fmt.Errorf("failed to decode supplies: %w", err)
	}
	return &job, nil
}

func inClause(column string, values []string) (string, []interface{}) {
	placeholders := make([]string, len(values))
	args := make([]interface{}, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return column + " IN (" + strings.Join(placeholders, ", ") + ")", args
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
