package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"labbook/internal/apperr"
	"labbook/internal/model"
)

const bookingColumns = `b.id, b.facility_id, b.user_id, b.user_type, b.date, b.status, b.cost,
	b.comment, b.decided_by, b.created_at, b.updated_at,
	COALESCE(u.name, b.user_id), COALESCE(f.name, b.facility_id)`

const bookingFrom = `FROM bookings b
	LEFT JOIN users u ON u.id = b.user_id
	LEFT JOIN facilities f ON f.id = b.facility_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBookingView(s rowScanner) (*model.BookingView, error) {
	var v model.BookingView
	var userType, date, status, c string
	err := s.Scan(
		&v.ID, &v.FacilityID, &v.UserID, &userType, &date, &status, &c,
		&v.Comment, &v.DecidedBy, &v.CreatedAt, &v.UpdatedAt,
		&v.RequesterName, &v.FacilityName,
	)
	if err != nil {
		return nil, err
	}

	v.UserType = model.UserType(userType)
	v.Status = model.BookingStatus(status)
	if v.Date, err = time.Parse(model.DateLayout, date); err != nil {
		return nil, fmt.Errorf("parse booking date %q: %w", date, err)
	}
	if v.Cost, err = decimal.NewFromString(c); err != nil {
		return nil, fmt.Errorf("parse booking cost %q: %w", c, err)
	}
	return &v, nil
}

// CreateBookingIfAbsent inserts b and reserves each of its slots. If any
// (facility, date, slot) is already held by an active booking the insert
// fails with Conflict; callers run it inside InTx so nothing is kept.
func (q queries) CreateBookingIfAbsent(ctx context.Context, b *model.Booking) error {
	const op = "db.CreateBookingIfAbsent"

	date := b.Date.Format(model.DateLayout)
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO bookings (
			id, facility_id, user_id, user_type, date, status, cost,
			comment, decided_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.FacilityID, b.UserID, string(b.UserType), date, string(b.Status), b.Cost.StringFixed(2),
		b.Comment, b.DecidedBy, b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	)
	if err != nil {
		return classify(op, err)
	}

	for _, slotID := range b.SlotIDs {
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO booking_slots (booking_id, facility_id, date, slot_id, active)
			VALUES (?, ?, ?, ?, ?)`,
			b.ID, b.FacilityID, date, slotID, boolToInt(b.Status.Active()),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.E(apperr.KindConflict, op, "slot %s on %s is already booked", slotID, date)
			}
			return classify(op, err)
		}
	}
	return nil
}

// GetBooking returns a booking with its slots and display data.
func (q queries) GetBooking(ctx context.Context, id string) (*model.BookingView, error) {
	const op = "db.GetBooking"

	row := q.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` `+bookingFrom+` WHERE b.id = ?`, id)
	v, err := scanBookingView(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.E(apperr.KindNotFound, op, "booking %s not found", id)
		}
		return nil, classify(op, err)
	}

	slots, err := q.slotIDs(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	v.SlotIDs = slots[id]
	return v, nil
}

// ListBookings returns bookings matching f, oldest first.
func (q queries) ListBookings(ctx context.Context, f model.BookingFilter) ([]model.BookingView, error) {
	const op = "db.ListBookings"

	if f.FacilityIDs != nil && len(f.FacilityIDs) == 0 {
		return []model.BookingView{}, nil
	}

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "b.status = ?")
		args = append(args, string(f.Status))
	}
	if !f.DateFrom.IsZero() {
		where = append(where, "b.date >= ?")
		args = append(args, f.DateFrom.Format(model.DateLayout))
	}
	if !f.DateTo.IsZero() {
		where = append(where, "b.date <= ?")
		args = append(args, f.DateTo.Format(model.DateLayout))
	}
	if f.FacilityID != "" {
		where = append(where, "b.facility_id = ?")
		args = append(args, f.FacilityID)
	}
	if f.UserID != "" {
		where = append(where, "b.user_id = ?")
		args = append(args, f.UserID)
	}
	if len(f.FacilityIDs) > 0 {
		where = append(where, "b.facility_id IN (?"+strings.Repeat(", ?", len(f.FacilityIDs)-1)+")")
		for _, id := range f.FacilityIDs {
			args = append(args, id)
		}
	}

	query := `SELECT ` + bookingColumns + ` ` + bookingFrom
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY b.created_at ASC, b.rowid ASC"
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}

	out := []model.BookingView{}
	var ids []string
	for rows.Next() {
		v, err := scanBookingView(rows)
		if err != nil {
			_ = rows.Close()
			return nil, classify(op, err)
		}
		out = append(out, *v)
		ids = append(ids, v.ID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, classify(op, err)
	}
	_ = rows.Close()

	slots, err := q.slotIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].SlotIDs = slots[out[i].ID]
	}
	return out, nil
}

func (q queries) slotIDs(ctx context.Context, bookingIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(bookingIDs))
	if len(bookingIDs) == 0 {
		return out, nil
	}

	args := make([]any, len(bookingIDs))
	for i, id := range bookingIDs {
		args[i] = id
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT booking_id, slot_id FROM booking_slots
		WHERE booking_id IN (?`+strings.Repeat(", ?", len(bookingIDs)-1)+`)
		ORDER BY rowid`, args...)
	if err != nil {
		return nil, classify("db.slotIDs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var bookingID, slotID string
		if err := rows.Scan(&bookingID, &slotID); err != nil {
			return nil, classify("db.slotIDs", err)
		}
		out[bookingID] = append(out[bookingID], slotID)
	}
	return out, classify("db.slotIDs", rows.Err())
}

// ActiveHolds lists slots held by pending or approved bookings between two
// dates inclusive.
func (q queries) ActiveHolds(ctx context.Context, facilityID string, from, to time.Time) ([]model.SlotHold, error) {
	const op = "db.ActiveHolds"

	rows, err := q.q.QueryContext(ctx, `
		SELECT booking_id, date, slot_id FROM booking_slots
		WHERE facility_id = ? AND active = 1 AND date >= ? AND date <= ?`,
		facilityID, from.Format(model.DateLayout), to.Format(model.DateLayout),
	)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []model.SlotHold
	for rows.Next() {
		var h model.SlotHold
		var date string
		if err := rows.Scan(&h.BookingID, &date, &h.SlotID); err != nil {
			return nil, classify(op, err)
		}
		if h.Date, err = time.Parse(model.DateLayout, date); err != nil {
			return nil, classify(op, err)
		}
		out = append(out, h)
	}
	return out, classify(op, rows.Err())
}

// CountConflictingHolds counts active holds of other bookings on the slots
// of bookingID.
func (q queries) CountConflictingHolds(ctx context.Context, bookingID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM booking_slots other
		JOIN booking_slots mine
			ON mine.facility_id = other.facility_id
			AND mine.date = other.date
			AND mine.slot_id = other.slot_id
		WHERE mine.booking_id = ? AND other.booking_id <> ? AND other.active = 1`,
		bookingID, bookingID,
	).Scan(&n)
	if err != nil {
		return 0, classify("db.CountConflictingHolds", err)
	}
	return n, nil
}

// UpdateBookingWithExpectedState moves a booking from expected to next.
// It fails with InvalidTransition if the stored status is no longer expected.
// Moving to a terminal status releases the booking's slots.
func (q queries) UpdateBookingWithExpectedState(
	ctx context.Context,
	id string,
	expected, next model.BookingStatus,
	decidedBy, comment string,
	at time.Time,
) error {
	const op = "db.UpdateBookingWithExpectedState"

	res, err := q.q.ExecContext(ctx, `
		UPDATE bookings
		SET status = ?, decided_by = ?,
			comment = CASE WHEN ? = '' THEN comment ELSE ? END,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		string(next), decidedBy, comment, comment, at.UTC(), id, string(expected),
	)
	if err != nil {
		return classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return apperr.E(apperr.KindInvalidTransition, op, "booking %s is no longer %s", id, expected)
	}

	if next.Terminal() {
		if _, err := q.q.ExecContext(ctx,
			`UPDATE booking_slots SET active = 0 WHERE booking_id = ?`, id,
		); err != nil {
			return classify(op, err)
		}
	}
	return nil
}
