package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"busload/internal/transit"
)

func (s *Store) Route(ctx context.Context, id int64) (transit.Route, error) {
	var r transit.Route
	err := s.db.QueryRowContext(ctx,
		`SELECT id, number, name, zone_id, total_distance, duration FROM routes WHERE id = $1`, id).
		Scan(&r.ID, &r.Number, &r.Name, &r.Zone, &r.TotalDistance, &r.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return transit.Route{}, transit.NotFoundf("route %d not found", id)
	}
	if err != nil {
		return transit.Route{}, fmt.Errorf("query route: %w", err)
	}
	return r, nil
}

func (s *Store) Stop(ctx context.Context, id int64) (transit.Stop, error) {
	var st transit.Stop
	err := s.db.QueryRowContext(ctx,
		`SELECT id, route_id, sequence, name, distance_from_origin FROM stops WHERE id = $1`, id).
		Scan(&st.ID, &st.RouteID, &st.Sequence, &st.Name, &st.DistanceFromOrigin)
	if errors.Is(err, sql.ErrNoRows) {
		return transit.Stop{}, transit.NotFoundf("stop %d not found", id)
	}
	if err != nil {
		return transit.Stop{}, fmt.Errorf("query stop: %w", err)
	}
	return st, nil
}

// OrderedStops returns the stops of a route by ascending sequence.
func (s *Store) OrderedStops(ctx context.Context, routeID int64) ([]transit.Stop, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, route_id, sequence, name, distance_from_origin
FROM stops
WHERE route_id = $1
ORDER BY sequence`, routeID)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()

	var out []transit.Stop
	for rows.Next() {
		var st transit.Stop
		if err := rows.Scan(&st.ID, &st.RouteID, &st.Sequence, &st.Name, &st.DistanceFromOrigin); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		// distinguish an unknown route from one without stops
		if _, err := s.Route(ctx, routeID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) Vehicle(ctx context.Context, id int64) (transit.Vehicle, error) {
	var v transit.Vehicle
	err := s.db.QueryRowContext(ctx,
		`SELECT id, number_plate, capacity, is_active, is_running, current_trip_id FROM vehicles WHERE id = $1`, id).
		Scan(&v.ID, &v.NumberPlate, &v.Capacity, &v.IsActive, &v.IsRunning, &v.CurrentTripID)
	if errors.Is(err, sql.ErrNoRows) {
		return transit.Vehicle{}, transit.NotFoundf("vehicle %d not found", id)
	}
	if err != nil {
		return transit.Vehicle{}, fmt.Errorf("query vehicle: %w", err)
	}
	return v, nil
}

func (s *Store) User(ctx context.Context, id int64) (transit.User, error) {
	var u transit.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, zone_id FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Role, &u.Zone)
	if errors.Is(err, sql.ErrNoRows) {
		return transit.User{}, transit.NotFoundf("user %d not found", id)
	}
	if err != nil {
		return transit.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}
