package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

const (
	// ChangeLogCompositeIndex backs filtered change-log reads on property, staff and status.
	ChangeLogCompositeIndex = "idx_change_log_composite"
	// ChangeLogPropertyIndex backs property-only change-log reads.
	ChangeLogPropertyIndex = "idx_change_log_property"
)

type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer; also keeps :memory: databases on one connection.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, path: path, logger: logger}
	if err := db.createTables(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            booking_id TEXT NOT NULL DEFAULT '',
            property_id TEXT NOT NULL,
            job_type TEXT NOT NULL,
            title TEXT NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            priority TEXT NOT NULL,
            estimated_duration INTEGER NOT NULL,
            scheduled_date TEXT NOT NULL,
            scheduled_start_time TEXT NOT NULL,
            deadline INTEGER,
            assigned_staff_id TEXT NOT NULL DEFAULT '',
            required_skills TEXT NOT NULL DEFAULT '[]',
            required_supplies TEXT NOT NULL DEFAULT '[]',
            special_instructions TEXT NOT NULL DEFAULT '',
            decision_ref TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            version INTEGER NOT NULL DEFAULT 1,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS job_status_history (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            status TEXT NOT NULL,
            timestamp INTEGER NOT NULL,
            actor_id TEXT NOT NULL DEFAULT '',
            notes TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE TABLE IF NOT EXISTS bookings (
            id TEXT PRIMARY KEY,
            property_id TEXT NOT NULL,
            guest_name TEXT NOT NULL,
            guest_contact TEXT NOT NULL DEFAULT '',
            guest_count INTEGER NOT NULL DEFAULT 0,
            check_in INTEGER NOT NULL,
            check_out INTEGER NOT NULL,
            amount REAL NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            source TEXT NOT NULL DEFAULT '',
            assigned_staff_ids TEXT NOT NULL DEFAULT '[]',
            version INTEGER NOT NULL DEFAULT 1,
            approved_at INTEGER,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS change_log (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            change_type TEXT NOT NULL,
            timestamp INTEGER NOT NULL,
            property_id TEXT NOT NULL DEFAULT '',
            staff_id TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT '',
            payload TEXT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS notify_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            payload TEXT,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		// Индексы для работ
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_booking_type ON jobs(booking_id, job_type) WHERE booking_id <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_property_date ON jobs(property_id, scheduled_date)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_staff_date ON jobs(assigned_staff_id, scheduled_date)`,
		`CREATE INDEX IF NOT EXISTS idx_job_status_history_job ON job_status_history(job_id, timestamp)`,

		// Индексы для бронирований
		`CREATE INDEX IF NOT EXISTS idx_bookings_property_dates ON bookings(property_id, check_in, check_out)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,

		// Индексы журнала изменений
		`CREATE INDEX IF NOT EXISTS idx_change_log_entity ON change_log(entity_type, entity_id, seq)`,
		`CREATE INDEX IF NOT EXISTS ` + ChangeLogCompositeIndex + ` ON change_log(entity_type, property_id, staff_id, status, seq)`,
		`CREATE INDEX IF NOT EXISTS ` + ChangeLogPropertyIndex + ` ON change_log(property_id, seq)`,

		`CREATE INDEX IF NOT EXISTS idx_notify_queue_status ON notify_queue(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// HasIndex reports whether the named index exists in the schema.
func (db *DB) HasIndex(ctx context.Context, name string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check index %s: %w", name, err)
	}
	return count > 0, nil
}

// DropIndex removes an index. Used by operators to retire a subscription tier.
func (db *DB) DropIndex(ctx context.Context, name string) error {
	_, err := db.ExecContext(ctx, `DROP INDEX IF EXISTS `+quoteIdent(name))
	return err
}

func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func quoteIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, name[i])
	}
	return string(append(out, '"'))
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
