package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"labbook/internal/apperr"
	"labbook/internal/model"
)

const requestColumns = `id, user_id, facility_id, reason, status, requested_at, decided_at, decided_by, note`

func scanRequest(s rowScanner) (*model.SuperuserRequest, error) {
	var r model.SuperuserRequest
	var status string
	var decidedAt sql.NullTime
	if err := s.Scan(
		&r.ID, &r.UserID, &r.FacilityID, &r.Reason, &status,
		&r.RequestedAt, &decidedAt, &r.DecidedBy, &r.Note,
	); err != nil {
		return nil, err
	}
	r.Status = model.RequestStatus(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		r.DecidedAt = &t
	}
	return &r, nil
}

// CreateSuperuserRequestIfAbsent inserts a pending request. A second pending
// request for the same user and facility fails with Conflict.
func (q queries) CreateSuperuserRequestIfAbsent(ctx context.Context, r *model.SuperuserRequest) error {
	const op = "db.CreateSuperuserRequestIfAbsent"

	_, err := q.q.ExecContext(ctx, `
		INSERT INTO superuser_requests (id, user_id, facility_id, reason, status, requested_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.FacilityID, r.Reason, string(r.Status), r.RequestedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.E(apperr.KindConflict, op,
				"user %s already has a pending request for facility %s", r.UserID, r.FacilityID)
		}
		return classify(op, err)
	}
	return nil
}

// GetSuperuserRequest returns a request by id.
func (q queries) GetSuperuserRequest(ctx context.Context, id string) (*model.SuperuserRequest, error) {
	const op = "db.GetSuperuserRequest"

	r, err := scanRequest(q.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM superuser_requests WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.E(apperr.KindNotFound, op, "superuser request %s not found", id)
		}
		return nil, classify(op, err)
	}
	return r, nil
}

// RequestFilter narrows request listings. Zero values mean "any".
type RequestFilter struct {
	Status model.RequestStatus
	UserID string
}

// ListSuperuserRequests returns requests oldest first.
func (q queries) ListSuperuserRequests(ctx context.Context, f RequestFilter) ([]model.SuperuserRequest, error) {
	const op = "db.ListSuperuserRequests"

	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}

	query := `SELECT ` + requestColumns + ` FROM superuser_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at ASC, rowid ASC"

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := []model.SuperuserRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, *r)
	}
	return out, classify(op, rows.Err())
}

// UpdateSuperuserRequestWithExpectedState decides a request that is still
// in the expected status, otherwise it fails with InvalidTransition.
func (q queries) UpdateSuperuserRequestWithExpectedState(
	ctx context.Context,
	id string,
	expected, next model.RequestStatus,
	decidedBy, note string,
	at time.Time,
) error {
	const op = "db.UpdateSuperuserRequestWithExpectedState"

	res, err := q.q.ExecContext(ctx, `
		UPDATE superuser_requests
		SET status = ?, decided_at = ?, decided_by = ?, note = ?
		WHERE id = ? AND status = ?`,
		string(next), at.UTC(), decidedBy, note, id, string(expected),
	)
	if err != nil {
		return classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return apperr.E(apperr.KindInvalidTransition, op, "superuser request %s is no longer %s", id, expected)
	}
	return nil
}

const grantColumns = `user_id, facility_id, active, request_id, granted_at, granted_by, revoked_at, revoked_by`

func scanGrant(s rowScanner) (*model.SuperuserGrant, error) {
	var g model.SuperuserGrant
	var flag string
	var revokedAt sql.NullTime
	if err := s.Scan(
		&g.UserID, &g.FacilityID, &flag, &g.RequestID,
		&g.GrantedAt, &g.GrantedBy, &revokedAt, &g.RevokedBy,
	); err != nil {
		return nil, err
	}
	g.Active = flag == "Y"
	if revokedAt.Valid {
		t := revokedAt.Time
		g.RevokedAt = &t
	}
	return &g, nil
}

func (q queries) appendGrantEvent(ctx context.Context, userID, facilityID, event, requestID, actor string, at time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO superuser_grant_events (user_id, facility_id, event, request_id, actor, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, facilityID, event, requestID, actor, at.UTC(),
	)
	return err
}

// UpsertGrant activates the grant for (user, facility), reusing the row of a
// previously revoked grant. The earlier revocation stays in
// superuser_grant_events. Call it inside a transaction.
func (q queries) UpsertGrant(ctx context.Context, g *model.SuperuserGrant) error {
	const op = "db.UpsertGrant"

	_, err := q.q.ExecContext(ctx, `
		INSERT INTO superuser_grants (user_id, facility_id, active, request_id, granted_at, granted_by)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, facility_id) DO UPDATE SET
			active = excluded.active,
			request_id = excluded.request_id,
			granted_at = excluded.granted_at,
			granted_by = excluded.granted_by,
			revoked_at = NULL,
			revoked_by = ''`,
		g.UserID, g.FacilityID, g.Flag(), g.RequestID, g.GrantedAt.UTC(), g.GrantedBy,
	)
	if err != nil {
		return classify(op, err)
	}
	return classify(op, q.appendGrantEvent(ctx, g.UserID, g.FacilityID, "granted", g.RequestID, g.GrantedBy, g.GrantedAt))
}

// GetGrant returns the grant row for (user, facility), active or not.
func (q queries) GetGrant(ctx context.Context, userID, facilityID string) (*model.SuperuserGrant, error) {
	const op = "db.GetGrant"

	g, err := scanGrant(q.q.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM superuser_grants WHERE user_id = ? AND facility_id = ?`,
		userID, facilityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.E(apperr.KindNotFound, op, "no grant for user %s on facility %s", userID, facilityID)
		}
		return nil, classify(op, err)
	}
	return g, nil
}

// RevokeGrantWithExpectedState flips an active grant to inactive. It reports
// false when the grant was already inactive.
func (q queries) RevokeGrantWithExpectedState(ctx context.Context, userID, facilityID, by string, at time.Time) (bool, error) {
	const op = "db.RevokeGrantWithExpectedState"

	res, err := q.q.ExecContext(ctx, `
		UPDATE superuser_grants
		SET active = 'N', revoked_at = ?, revoked_by = ?
		WHERE user_id = ? AND facility_id = ? AND active = 'Y'`,
		at.UTC(), by, userID, facilityID,
	)
	if err != nil {
		return false, classify(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(op, err)
	}
	if n == 0 {
		return false, nil
	}
	if err := q.appendGrantEvent(ctx, userID, facilityID, "revoked", "", by, at); err != nil {
		return false, classify(op, err)
	}
	return true, nil
}

// GrantFilter narrows grant listings. Zero values mean "any".
type GrantFilter struct {
	UserID     string
	FacilityID string
	ActiveOnly bool
}

// ListGrants returns grants ordered by grant time.
func (q queries) ListGrants(ctx context.Context, f GrantFilter) ([]model.SuperuserGrant, error) {
	const op = "db.ListGrants"

	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.FacilityID != "" {
		where = append(where, "facility_id = ?")
		args = append(args, f.FacilityID)
	}
	if f.ActiveOnly {
		where = append(where, "active = 'Y'")
	}

	query := `SELECT ` + grantColumns + ` FROM superuser_grants`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY granted_at ASC, rowid ASC"

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := []model.SuperuserGrant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, *g)
	}
	return out, classify(op, rows.Err())
}
