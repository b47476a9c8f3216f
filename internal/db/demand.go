package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"busload/internal/transit"
)

const intentSelect = `
SELECT d.id, d.user_id, d.route_id, r.zone_id, d.service_date, d.desired_time,
       d.boarding_stop_id, b.sequence, d.exit_stop_id, e.sequence,
       d.passenger_count, d.status, d.created_at
FROM demand_intents d
JOIN routes r ON r.id = d.route_id
JOIN stops b ON b.id = d.boarding_stop_id
LEFT JOIN stops e ON e.id = d.exit_stop_id`

func scanIntent(row scanner) (transit.DemandIntent, error) {
	var d transit.DemandIntent
	err := row.Scan(&d.ID, &d.UserID, &d.RouteID, &d.Zone, &d.ServiceDate, &d.DesiredTime,
		&d.BoardingStopID, &d.BoardingSequence, &d.ExitStopID, &d.ExitSequence,
		&d.PassengerCount, &d.Status, &d.CreatedAt)
	return d, err
}

func (s *Store) Intent(ctx context.Context, id int64) (transit.DemandIntent, error) {
	d, err := scanIntent(s.db.QueryRowContext(ctx, intentSelect+` WHERE d.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return transit.DemandIntent{}, transit.NotFoundf("intent %d not found", id)
	}
	if err != nil {
		return transit.DemandIntent{}, fmt.Errorf("query intent: %w", err)
	}
	return d, nil
}

func (s *Store) InsertIntent(ctx context.Context, d transit.DemandIntent) (transit.DemandIntent, error) {
	if d.Status == "" {
		d.Status = transit.IntentPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO demand_intents
    (user_id, route_id, service_date, desired_time, boarding_stop_id, exit_stop_id, passenger_count, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`,
		d.UserID, d.RouteID, dateArg(d.ServiceDate), int(d.DesiredTime), d.BoardingStopID, d.ExitStopID,
		d.PassengerCount, string(d.Status), d.CreatedAt).Scan(&id)
	if err != nil {
		return transit.DemandIntent{}, fmt.Errorf("insert intent: %w", err)
	}
	return s.Intent(ctx, id)
}

func (s *Store) TransitionIntent(ctx context.Context, id int64, from []transit.IntentStatus, to transit.IntentStatus) (transit.DemandIntent, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE demand_intents SET status = $2 WHERE id = $1 AND status = ANY($3)`,
		id, string(to), intentStatusArgs(from))
	if err != nil {
		return transit.DemandIntent{}, fmt.Errorf("update intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return transit.DemandIntent{}, err
	}
	cur, err := s.Intent(ctx, id)
	if err != nil {
		return transit.DemandIntent{}, err
	}
	if n == 0 {
		return transit.DemandIntent{}, transit.Conflictf("intent %d is %s", id, cur.Status)
	}
	return cur, nil
}

const demandSelect = `
SELECT s.id, s.sequence, s.name, s.route_id, r.zone_id, SUM(d.passenger_count)
FROM demand_intents d
JOIN stops s ON s.id = d.boarding_stop_id
JOIN routes r ON r.id = d.route_id`

const demandGroup = `
GROUP BY s.id, s.sequence, s.name, s.route_id, r.zone_id
ORDER BY s.route_id, s.sequence`

// Demand sums declared boarding per stop for one route and date.
func (s *Store) Demand(ctx context.Context, routeID int64, date time.Time, statuses []transit.IntentStatus) ([]transit.StopDemand, error) {
	return s.queryDemand(ctx, demandSelect+`
WHERE d.route_id = $1 AND d.service_date = $2 AND d.status = ANY($3)`+demandGroup,
		routeID, dateArg(date), intentStatusArgs(statuses))
}

// DemandByStop sums declared boarding per stop across every route of a zone.
func (s *Store) DemandByStop(ctx context.Context, date time.Time, zone transit.ZoneScope, statuses []transit.IntentStatus) ([]transit.StopDemand, error) {
	return s.queryDemand(ctx, demandSelect+`
WHERE d.service_date = $1 AND d.status = ANY($2) AND ($3::bigint = 0 OR r.zone_id = $3::bigint)`+demandGroup,
		dateArg(date), intentStatusArgs(statuses), int64(zone))
}

func (s *Store) queryDemand(ctx context.Context, q string, args ...any) ([]transit.StopDemand, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query demand: %w", err)
	}
	defer rows.Close()

	var out []transit.StopDemand
	for rows.Next() {
		var d transit.StopDemand
		if err := rows.Scan(&d.StopID, &d.StopSequence, &d.StopName, &d.RouteID, &d.Zone, &d.Passengers); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func intentStatusArgs(statuses []transit.IntentStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func dateArg(t time.Time) string { return transit.DateOf(t).Format(transit.DateLayout) }
