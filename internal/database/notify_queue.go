package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"villaops/internal/models"
)

const (
	TaskStatusPending    = "pending"
	TaskStatusRetry      = "retry"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// EnqueueTask stores a notification task with a JSON payload.
func (db *DB) EnqueueTask(ctx context.Context, taskType, entityID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notify payload: %w", err)
	}
	return db.CreateNotifyTask(ctx, &models.NotifyTask{
		TaskType: taskType,
		EntityID: entityID,
		Payload:  string(data),
		Status:   TaskStatusPending,
	})
}

func (db *DB) CreateNotifyTask(ctx context.Context, task *models.NotifyTask) error {
	query := `INSERT INTO notify_queue (task_type, entity_id, payload, status, retry_count, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	result, err := db.ExecContext(ctx, query,
		task.TaskType,
		task.EntityID,
		task.Payload,
		task.Status,
		task.RetryCount,
		task.LastError,
		now,
		task.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notify task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now
	return nil
}

func (db *DB) GetPendingNotifyTasks(ctx context.Context, limit int) ([]models.NotifyTask, error) {
	query := `SELECT id, task_type, entity_id, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at
              FROM notify_queue
              WHERE status IN ('pending', 'retry') AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC, id ASC LIMIT ?`
	return db.queryNotifyTasks(ctx, query, time.Now(), limit)
}

func (db *DB) GetFailedNotifyTasks(ctx context.Context) ([]models.NotifyTask, error) {
	query := `SELECT id, task_type, entity_id, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at
              FROM notify_queue WHERE status = 'failed' ORDER BY created_at DESC`
	return db.queryNotifyTasks(ctx, query)
}

// ClaimNotifyTask moves a pending or retry task to processing. It reports
// false when another consumer already took the task.
func (db *DB) ClaimNotifyTask(ctx context.Context, id int64) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE notify_queue SET status = ? WHERE id = ? AND status IN ('pending', 'retry')`,
		TaskStatusProcessing, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim notify task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim notify task: %w", err)
	}
	return n == 1, nil
}

func (db *DB) UpdateNotifyTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var (
		query string
		args  []interface{}
	)
	now := time.Now()

	switch status {
	case TaskStatusRetry:
		query = `UPDATE notify_queue SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, id}
	case TaskStatusCompleted, TaskStatusFailed:
		query = `UPDATE notify_queue SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, &now, id}
	default:
		query = `UPDATE notify_queue SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, id}
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update notify task status: %w", err)
	}
	return nil
}

func (db *DB) queryNotifyTasks(ctx context.Context, query string, args ...interface{}) ([]models.NotifyTask, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notify tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.NotifyTask
	for rows.Next() {
		var t models.NotifyTask
		err := rows.Scan(
			&t.ID, &t.TaskType, &t.EntityID, &t.Payload, &t.Status, &t.RetryCount, &t.LastError, &t.CreatedAt, &t.ProcessedAt, &t.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notify task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
