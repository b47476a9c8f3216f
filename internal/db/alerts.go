package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"busload/internal/transit"
)

const alertSelect = `
SELECT a.id, a.stop_id, s.sequence, s.name, s.route_id, r.zone_id, a.service_date, a.count,
       a.status, a.origin, a.notes, a.source_trip_id, a.dispatched_trip_id, a.reporter_id,
       a.created_at, a.expires_at, a.resolved_at
FROM alerts a
JOIN stops s ON s.id = a.stop_id
JOIN routes r ON r.id = s.route_id`

func scanAlert(row scanner) (transit.Alert, error) {
	var a transit.Alert
	err := row.Scan(&a.ID, &a.StopID, &a.StopSequence, &a.StopName, &a.RouteID, &a.Zone, &a.ServiceDate, &a.Count,
		&a.Status, &a.Origin, &a.Notes, &a.SourceTripID, &a.DispatchedTripID, &a.ReporterID,
		&a.CreatedAt, &a.ExpiresAt, &a.ResolvedAt)
	a.Level = transit.LevelFor(a.Count)
	return a, err
}

func (s *Store) Alert(ctx context.Context, id int64) (transit.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, alertSelect+` WHERE a.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return transit.Alert{}, transit.NotFoundf("alert %d not found", id)
	}
	if err != nil {
		return transit.Alert{}, fmt.Errorf("query alert: %w", err)
	}
	return a, nil
}

func (s *Store) ListAlerts(ctx context.Context, date time.Time, zone transit.ZoneScope) ([]transit.Alert, error) {
	return s.queryAlerts(ctx, alertSelect+`
WHERE a.service_date = $1 AND ($2::bigint = 0 OR r.zone_id = $2::bigint)
ORDER BY a.created_at DESC, a.id DESC`, dateArg(date), int64(zone))
}

func (s *Store) queryAlerts(ctx context.Context, q string, args ...any) ([]transit.Alert, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []transit.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func insertAlert(ctx context.Context, tx *sql.Tx, a transit.Alert) (int64, error) {
	if a.Status == "" {
		a.Status = transit.AlertReported
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
INSERT INTO alerts
    (stop_id, service_date, count, status, origin, notes, source_trip_id, dispatched_trip_id, reporter_id, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id`,
		a.StopID, dateArg(a.ServiceDate), a.Count, string(a.Status), string(a.Origin), a.Notes,
		a.SourceTripID, a.DispatchedTripID, a.ReporterID, a.CreatedAt, a.ExpiresAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	return id, nil
}

func (s *Store) InsertAlert(ctx context.Context, a transit.Alert) (transit.Alert, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertAlert(ctx, tx, a)
		return err
	})
	if err != nil {
		return transit.Alert{}, err
	}
	return s.Alert(ctx, id)
}

// insertRefreshedAlert inserts a unless its source trip already has a
// verified or dispatched alert of the same origin on the same date. The
// check runs in the insert statement itself, so a dispatch committed while
// the refresh was computing is seen.
func insertRefreshedAlert(ctx context.Context, tx *sql.Tx, a transit.Alert) (int64, bool, error) {
	if a.SourceTripID == nil {
		id, err := insertAlert(ctx, tx, a)
		return id, err == nil, err
	}
	if a.Status == "" {
		a.Status = transit.AlertReported
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
INSERT INTO alerts
    (stop_id, service_date, count, status, origin, notes, source_trip_id, dispatched_trip_id, reporter_id, created_at, expires_at)
SELECT $1::bigint, $2::date, $3::int, $4::text, $5::text, $6::text, $7::bigint, $8::bigint, $9::bigint, $10::timestamptz, $11::timestamptz
WHERE NOT EXISTS (
    SELECT 1 FROM alerts h
    WHERE h.source_trip_id = $7::bigint AND h.origin = $5::text AND h.service_date = $2::date
      AND h.status IN ($12, $13))
RETURNING id`,
		a.StopID, dateArg(a.ServiceDate), a.Count, string(a.Status), string(a.Origin), a.Notes,
		*a.SourceTripID, a.DispatchedTripID, a.ReporterID, a.CreatedAt, a.ExpiresAt,
		string(transit.AlertVerified), string(transit.AlertDispatched)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert alert: %w", err)
	}
	return id, true, nil
}

// ReplaceAlerts swaps the reported alerts of each batch origin for the new
// set in one transaction. A transaction-scoped advisory lock on the service
// date serialises concurrent refreshes that could otherwise interleave their
// deletes and inserts. A dispatch racing the refresh either holds the alert
// row the delete waits on, or finds it deleted; the insert then sees its
// outcome.
func (s *Store) ReplaceAlerts(ctx context.Context, date time.Time, zone transit.ZoneScope, batches []transit.AlertBatch) ([]transit.Alert, error) {
	var ids []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "alerts:"+dateArg(date)); err != nil {
			return fmt.Errorf("lock alerts: %w", err)
		}
		for _, b := range batches {
			if _, err := tx.ExecContext(ctx, `
DELETE FROM alerts a
USING stops s, routes r
WHERE s.id = a.stop_id AND r.id = s.route_id
  AND a.service_date = $1 AND a.origin = $2 AND a.status = $3
  AND ($4::bigint = 0 OR r.zone_id = $4::bigint)`,
				dateArg(date), string(b.Origin), string(transit.AlertReported), int64(zone)); err != nil {
				return fmt.Errorf("delete %s alerts: %w", b.Origin, err)
			}
			for _, a := range b.Alerts {
				a.Origin = b.Origin
				a.ServiceDate = date
				id, ok, err := insertRefreshedAlert(ctx, tx, a)
				if err != nil {
					return err
				}
				if ok {
					ids = append(ids, id)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	got, err := s.queryAlerts(ctx, alertSelect+` WHERE a.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	// keep insertion order
	slices.SortFunc(got, func(x, y transit.Alert) int {
		return slices.Index(ids, x.ID) - slices.Index(ids, y.ID)
	})
	return got, nil
}

func (s *Store) TransitionAlert(ctx context.Context, id int64, from []transit.AlertStatus, to transit.AlertStatus, note string, at time.Time) (transit.Alert, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status transit.AlertStatus
			notes  string
		)
		err := tx.QueryRowContext(ctx, `SELECT status, notes FROM alerts WHERE id = $1 FOR UPDATE`, id).Scan(&status, &notes)
		if errors.Is(err, sql.ErrNoRows) {
			return transit.NotFoundf("alert %d not found", id)
		}
		if err != nil {
			return fmt.Errorf("lock alert: %w", err)
		}
		if !slices.Contains(from, status) {
			return transit.Conflictf("alert %d is %s", id, status)
		}
		var resolvedAt *time.Time
		if to == transit.AlertResolved {
			resolvedAt = &at
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE alerts SET status = $2, notes = $3, resolved_at = COALESCE($4, resolved_at) WHERE id = $1`,
			id, string(to), transit.AppendNote(notes, note), resolvedAt); err != nil {
			return fmt.Errorf("update alert: %w", err)
		}
		return nil
	})
	if err != nil {
		return transit.Alert{}, err
	}
	return s.Alert(ctx, id)
}

func (s *Store) ExpireAlerts(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = $1 WHERE status = $2 AND expires_at < $3`,
		string(transit.AlertExpired), string(transit.AlertReported), now)
	if err != nil {
		return 0, fmt.Errorf("expire alerts: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
