package db

import (
	"context"
	"time"

	"labbook/internal/model"
)

// UpsertUser records the display data of an authenticated actor.
func (q queries) UpsertUser(ctx context.Context, a model.Actor, at time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO users (id, name, user_type, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			user_type = excluded.user_type,
			role = excluded.role,
			updated_at = excluded.updated_at`,
		a.UserID, a.Name, string(a.UserType), string(a.Role), at.UTC(), at.UTC(),
	)
	return classify("db.UpsertUser", err)
}
