package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"labbook/internal/model"
)

// SyncFacilities mirrors the registry into the facilities and
// slot_definitions tables. Facilities missing from the registry are marked
// inactive; their bookings keep pointing at the row.
func (db *DB) SyncFacilities(ctx context.Context, facilities []*model.Facility) error {
	return db.InTx(ctx, func(tx *Tx) error {
		now := time.Now().UTC()
		seen := make(map[string]struct{}, len(facilities))

		for _, f := range facilities {
			// Preserve created_at if the facility already exists.
			_, err := tx.q.ExecContext(ctx, `
				INSERT INTO facilities (id, name, description, is_active, default_rate, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, COALESCE((SELECT created_at FROM facilities WHERE id = ?), ?), ?)
				ON CONFLICT(id) DO UPDATE SET
					name = excluded.name,
					description = excluded.description,
					is_active = excluded.is_active,
					default_rate = excluded.default_rate,
					updated_at = excluded.updated_at`,
				f.ID, f.Name, f.Description, boolToInt(f.Active), f.DefaultRate.String(), f.ID, now, now,
			)
			if err != nil {
				return classify(fmt.Sprintf("db.SyncFacilities %s", f.ID), err)
			}
			seen[f.ID] = struct{}{}

			if err := tx.replaceSlotDefinitions(ctx, f); err != nil {
				return err
			}
		}

		ids, err := tx.facilityIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			if _, err := tx.q.ExecContext(ctx,
				`UPDATE facilities SET is_active = 0, updated_at = ? WHERE id = ?`, now, id,
			); err != nil {
				return classify(fmt.Sprintf("db.SyncFacilities deactivate %s", id), err)
			}
		}
		return nil
	})
}

func (tx *Tx) replaceSlotDefinitions(ctx context.Context, f *model.Facility) error {
	op := fmt.Sprintf("db.SyncFacilities %s slots", f.ID)

	if _, err := tx.q.ExecContext(ctx, `DELETE FROM slot_definitions WHERE facility_id = ?`, f.ID); err != nil {
		return classify(op, err)
	}
	for _, s := range f.Slots {
		eligible := make([]string, len(s.Eligible))
		for i, t := range s.Eligible {
			eligible[i] = string(t)
		}
		_, err := tx.q.ExecContext(ctx, `
			INSERT INTO slot_definitions (facility_id, id, weekday, start_minute, end_minute, eligible)
			VALUES (?, ?, ?, ?, ?, ?)`,
			f.ID, s.ID, model.WeekdayNumber(s.Weekday), int(s.Start), int(s.End), strings.Join(eligible, ","),
		)
		if err != nil {
			return classify(op, err)
		}
	}
	return nil
}

func (tx *Tx) facilityIDs(ctx context.Context) ([]string, error) {
	rows, err := tx.q.QueryContext(ctx, `SELECT id FROM facilities`)
	if err != nil {
		return nil, classify("db.facilityIDs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("db.facilityIDs", err)
		}
		ids = append(ids, id)
	}
	return ids, classify("db.facilityIDs", rows.Err())
}

// FacilityRow is the mirrored registry entry of a facility.
type FacilityRow struct {
	ID          string
	Name        string
	Active      bool
	DefaultRate string
	SlotCount   int
}

// ListFacilityRows returns every mirrored facility, including inactive ones.
func (q queries) ListFacilityRows(ctx context.Context) ([]FacilityRow, error) {
	const op = "db.ListFacilityRows"

	rows, err := q.q.QueryContext(ctx, `
		SELECT f.id, f.name, f.is_active, f.default_rate,
			(SELECT COUNT(*) FROM slot_definitions s WHERE s.facility_id = f.id)
		FROM facilities f ORDER BY f.id`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []FacilityRow
	for rows.Next() {
		var r FacilityRow
		if err := rows.Scan(&r.ID, &r.Name, &r.Active, &r.DefaultRate, &r.SlotCount); err != nil {
			return nil, classify(op, err)
		}
		out = append(out, r)
	}
	return out, classify(op, rows.Err())
}
