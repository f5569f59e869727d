package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"villaops/internal/domain"
	"villaops/internal/models"
)

const changeColumns = `seq, entity_type, entity_id, change_type, timestamp, property_id, staff_id, status, payload`

// AppendChange records a change that is not tied to a job write, such as
// a progress snapshot update. Seq is assigned on return.
func (db *DB) AppendChange(ctx context.Context, event *models.ChangeEvent) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return appendChangeTx(ctx, tx, event)
	})
}

func appendChangeTx(ctx context.Context, tx *sql.Tx, event *models.ChangeEvent) error {
	payload, err := encodePayload(event)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `INSERT INTO change_log
			(entity_type, entity_id, change_type, timestamp, property_id, staff_id, status, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EntityType, event.EntityID, event.ChangeType, toNanos(event.Timestamp),
		event.PropertyID, event.StaffID, event.Status, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append change: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get change seq: %w", err)
	}
	event.Seq = seq
	return nil
}

// ListChanges returns records after q.AfterSeq in commit order.
func (db *DB) ListChanges(ctx context.Context, q domain.ChangeQuery) ([]models.ChangeEvent, error) {
	where, args := changeFilter(q)
	where = append(where, "seq > ?")
	args = append(args, q.AfterSeq)

	query := `SELECT ` + changeColumns + ` FROM change_log WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return db.queryChanges(ctx, query, args...)
}

// LatestChanges returns the newest record of every entity matching the
// query, deletions included, in commit order.
func (db *DB) LatestChanges(ctx context.Context, q domain.ChangeQuery) ([]models.ChangeEvent, error) {
	inner := `SELECT MAX(seq) FROM change_log`
	var innerArgs []interface{}
	if len(q.EntityTypes) > 0 {
		clause, args := inClause("entity_type", q.EntityTypes)
		inner += " WHERE " + clause
		innerArgs = args
	}
	inner += " GROUP BY entity_type, entity_id"

	where, args := changeFilter(domain.ChangeQuery{
		PropertyIDs: q.PropertyIDs,
		StaffID:     q.StaffID,
		Statuses:    q.Statuses,
	})
	where = append([]string{"seq IN (" + inner + ")"}, where...)
	args = append(innerArgs, args...)

	query := `SELECT ` + changeColumns + ` FROM change_log WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq`
	return db.queryChanges(ctx, query, args...)
}

// HeadSeq returns the highest committed seq per entity type.
func (db *DB) HeadSeq(ctx context.Context) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT entity_type, MAX(seq) FROM change_log GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to read change log head: %w", err)
	}
	defer rows.Close()

	head := map[string]int64{models.EntityJob: 0, models.EntityProgress: 0}
	for rows.Next() {
		var (
			entityType string
			seq        int64
		)
		if err := rows.Scan(&entityType, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan change log head: %w", err)
		}
		head[entityType] = seq
	}
	return head, rows.Err()
}

func (db *DB) queryChanges(ctx context.Context, query string, args ...interface{}) ([]models.ChangeEvent, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var events []models.ChangeEvent
	for rows.Next() {
		var (
			event   models.ChangeEvent
			ts      int64
			payload string
		)
		err := rows.Scan(&event.Seq, &event.EntityType, &event.EntityID, &event.ChangeType, &ts,
			&event.PropertyID, &event.StaffID, &event.Status, &payload)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		event.Timestamp = fromNanos(ts)
		if err := decodePayload(&event, payload); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func changeFilter(q domain.ChangeQuery) ([]string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if len(q.EntityTypes) > 0 {
		clause, inArgs := inClause("entity_type", q.EntityTypes)
		where = append(where, clause)
		args = append(args, inArgs...)
	}
	if len(q.PropertyIDs) > 0 {
		clause, inArgs := inClause("property_id", q.PropertyIDs)
		where = append(where, clause)
		args = append(args, inArgs...)
	}
	if q.StaffID != "" {
		where = append(where, "staff_id = ?")
		args = append(args, q.StaffID)
	}
	if len(q.Statuses) > 0 {
		clause, inArgs := inClause("status", q.Statuses)
		where = append(where, clause)
		args = append(args, inArgs...)
	}
	return where, args
}

func encodePayload(event *models.ChangeEvent) (string, error) {
	var v interface{}
	switch event.EntityType {
	case models.EntityJob:
		v = event.Job
	case models.EntityProgress:
		v = event.Progress
	default:
		return "", fmt.Errorf("unknown entity type %q", event.EntityType)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode change payload: %w", err)
	}
	return string(data), nil
}

func decodePayload(event *models.ChangeEvent, payload string) error {
	if payload == "" || payload == "null" {
		return nil
	}
	switch event.EntityType {
	case models.EntityJob:
		event.Job = &models.Job{}
		return json.Unmarshal([]byte(payload), event.Job)
	case models.EntityProgress:
		event.Progress = &models.ProgressSnapshot{}
		return json.Unmarshal([]byte(payload), event.Progress)
	}
	return nil
}
