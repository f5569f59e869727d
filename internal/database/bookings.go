package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"villaops/internal/domain"
	"villaops/internal/models"
)

const bookingColumns = `id, property_id, guest_name, guest_contact, guest_count, check_in, check_out,
	amount, status, source, assigned_staff_ids, version, approved_at, created_at, updated_at`

func (db *DB) CreateBooking(ctx context.Context, booking *models.Booking) error {
	staff, err := json.Marshal(nonNil(booking.AssignedStaffIDs))
	if err != nil {
		return fmt.Errorf("failed to encode staff ids: %w", err)
	}

	now := time.Now().UTC()
	if booking.Version == 0 {
		booking.Version = 1
	}
	booking.CreatedAt = now
	booking.UpdatedAt = now

	_, err = db.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		booking.ID, booking.PropertyID, booking.GuestName, booking.GuestContact, booking.GuestCount,
		toNanos(booking.CheckIn), toNanos(booking.CheckOut), booking.Amount, booking.Status, booking.Source,
		string(staff), booking.Version, nullableNanos(booking.ApprovedAt), toNanos(now), toNanos(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

func (db *DB) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	booking, err := scanBooking(row)
	if isNoRows(err) {
		return nil, &domain.NotFoundError{Entity: "booking", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return booking, nil
}

// UpdateBookingStatusWithVersion changes the status if the stored version
// still equals fromVersion. Confirming stamps approved_at.
func (db *DB) UpdateBookingStatusWithVersion(ctx context.Context, id string, fromVersion int64, status models.BookingStatus) error {
	now := time.Now().UTC()
	var approvedAt sql.NullInt64
	if status == models.BookingConfirmed {
		approvedAt = sql.NullInt64{Int64: toNanos(now), Valid: true}
	}

	result, err := db.ExecContext(ctx, `UPDATE bookings
		SET status = ?, version = version + 1, updated_at = ?, approved_at = COALESCE(?, approved_at)
		WHERE id = ? AND version = ?`,
		status, toNanos(now), approvedAt, id, fromVersion)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return nil
	}

	if _, err := db.GetBooking(ctx, id); err != nil {
		return err
	}
	return domain.ErrConcurrentModification
}

// ListBookingsByProperty returns bookings of the property whose stay overlaps
// [from, to). Zero bounds are open.
func (db *DB) ListBookingsByProperty(ctx context.Context, propertyID string, from, to time.Time) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE property_id = ?`
	args := []interface{}{propertyID}
	query, args = bookingRange(query, args, from, to)
	return db.queryBookings(ctx, query+` ORDER BY check_in, id`, args...)
}

func (db *DB) ListBookings(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE 1 = 1`
	query, args := bookingRange(query, nil, from, to)
	return db.queryBookings(ctx, query+` ORDER BY property_id, check_in, id`, args...)
}

func bookingRange(query string, args []interface{}, from, to time.Time) (string, []interface{}) {
	if !to.IsZero() {
		query += ` AND check_in < ?`
		args = append(args, toNanos(to))
	}
	if !from.IsZero() {
		query += ` AND check_out > ?`
		args = append(args, toNanos(from))
	}
	return query, args
}

func (db *DB) queryBookings(ctx context.Context, query string, args ...interface{}) ([]*models.Booking, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b                    models.Booking
		checkIn, checkOut    int64
		staff                string
		approvedAt           sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&b.ID, &b.PropertyID, &b.GuestName, &b.GuestContact, &b.GuestCount, &checkIn, &checkOut,
		&b.Amount, &b.Status, &b.Source, &staff, &b.Version, &approvedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.CheckIn = fromNanos(checkIn)
	b.CheckOut = fromNanos(checkOut)
	b.ApprovedAt = timePtr(approvedAt)
	b.CreatedAt = fromNanos(createdAt)
	b.UpdatedAt = fromNanos(updatedAt)
	if err := json.Unmarshal([]byte(staff), &b.AssignedStaffIDs); err != nil {
		return nil, fmt.Errorf("failed to decode staff ids: %w", err)
	}
	return &b, nil
}
