package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"busload/internal/transit"
)

const tripSelect = `
SELECT t.id, t.route_id, r.number, r.zone_id, t.vehicle_id, v.capacity, t.driver_id, t.service_date,
       t.departure_time, t.arrival_time, t.capacity, t.available_seats, t.current_passengers,
       t.current_stop_sequence, t.starting_stop_sequence, t.is_spare_trip, t.source_alert_id,
       t.last_passenger_update
FROM trips t
JOIN routes r ON r.id = t.route_id
JOIN vehicles v ON v.id = t.vehicle_id`

func scanTrip(row scanner) (transit.Trip, error) {
	var t transit.Trip
	err := row.Scan(&t.ID, &t.RouteID, &t.RouteNumber, &t.Zone, &t.VehicleID, &t.VehicleCapacity, &t.DriverID, &t.ServiceDate,
		&t.DepartureTime, &t.ArrivalTime, &t.Capacity, &t.AvailableSeats, &t.CurrentPassengers,
		&t.CurrentStopSequence, &t.StartingStopSequence, &t.IsSpareTrip, &t.SourceAlertID,
		&t.LastPassengerUpdate)
	return t, err
}

func getTrip(ctx context.Context, q queryer, id int64) (transit.Trip, error) {
	t, err := scanTrip(q.QueryRowContext(ctx, tripSelect+` WHERE t.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return transit.Trip{}, transit.NotFoundf("trip %d not found", id)
	}
	if err != nil {
		return transit.Trip{}, fmt.Errorf("query trip: %w", err)
	}
	return t, nil
}

func (s *Store) Trip(ctx context.Context, id int64) (transit.Trip, error) {
	return getTrip(ctx, s.db, id)
}

// RunningTrips returns trips on date whose vehicle is running and linked to them.
func (s *Store) RunningTrips(ctx context.Context, date time.Time, zone transit.ZoneScope) ([]transit.Trip, error) {
	rows, err := s.db.QueryContext(ctx, tripSelect+`
WHERE t.service_date = $1
  AND v.is_running AND v.current_trip_id = t.id
  AND ($2::bigint = 0 OR r.zone_id = $2::bigint)
ORDER BY t.departure_time, t.id`, dateArg(date), int64(zone))
	if err != nil {
		return nil, fmt.Errorf("query running trips: %w", err)
	}
	defer rows.Close()

	var out []transit.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AdvanceStop moves the trip forward in a single conditional update, so a
// concurrent report for an earlier stop can never win over a later one.
func (s *Store) AdvanceStop(ctx context.Context, id int64, seq int) (transit.Advance, error) {
	var cur int
	err := s.db.QueryRowContext(ctx, `
UPDATE trips SET current_stop_sequence = $2
WHERE id = $1 AND current_stop_sequence <= $2
RETURNING current_stop_sequence`, id, seq).Scan(&cur)
	if err == nil {
		return transit.Advance{Applied: true, EffectiveSequence: cur}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return transit.Advance{}, fmt.Errorf("advance trip: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT current_stop_sequence FROM trips WHERE id = $1`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return transit.Advance{}, transit.NotFoundf("trip %d not found", id)
	}
	if err != nil {
		return transit.Advance{}, fmt.Errorf("query trip position: %w", err)
	}
	return transit.Advance{Applied: false, EffectiveSequence: cur}, nil
}

func (s *Store) SetPassengerCount(ctx context.Context, id int64, count int, at time.Time) (transit.Trip, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE trips t
SET current_passengers = $2,
    available_seats = GREATEST(0, COALESCE(NULLIF(t.capacity, 0), NULLIF(v.capacity, 0), 0) - $2),
    last_passenger_update = $3
FROM vehicles v
WHERE t.id = $1 AND v.id = t.vehicle_id`, id, count, at)
	if err != nil {
		return transit.Trip{}, fmt.Errorf("update passenger count: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return transit.Trip{}, err
	} else if n == 0 {
		return transit.Trip{}, transit.NotFoundf("trip %d not found", id)
	}
	return s.Trip(ctx, id)
}

func (s *Store) StartTrip(ctx context.Context, id int64) (transit.Trip, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var vehicleID int64
		err := tx.QueryRowContext(ctx, `SELECT vehicle_id FROM trips WHERE id = $1`, id).Scan(&vehicleID)
		if errors.Is(err, sql.ErrNoRows) {
			return transit.NotFoundf("trip %d not found", id)
		}
		if err != nil {
			return fmt.Errorf("query trip: %w", err)
		}
		var (
			running bool
			current *int64
		)
		if err := tx.QueryRowContext(ctx,
			`SELECT is_running, current_trip_id FROM vehicles WHERE id = $1 FOR UPDATE`, vehicleID).
			Scan(&running, &current); err != nil {
			return fmt.Errorf("lock vehicle: %w", err)
		}
		if running && current != nil && *current != id {
			return transit.Conflictf("vehicle %d is running trip %d", vehicleID, *current)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE vehicles SET is_running = TRUE, current_trip_id = $2 WHERE id = $1`, vehicleID, id); err != nil {
			return fmt.Errorf("update vehicle: %w", err)
		}
		return nil
	})
	if err != nil {
		return transit.Trip{}, err
	}
	return s.Trip(ctx, id)
}

func (s *Store) FinishTrip(ctx context.Context, id int64) (transit.Trip, error) {
	t, err := s.Trip(ctx, id)
	if err != nil {
		return transit.Trip{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE vehicles SET is_running = FALSE, current_trip_id = NULL WHERE current_trip_id = $1`, id); err != nil {
		return transit.Trip{}, fmt.Errorf("release vehicle: %w", err)
	}
	return t, nil
}

// CreateTrip inserts a scheduled trip. The slot constraints turn a vehicle or
// driver double booking into a conflict.
func (s *Store) CreateTrip(ctx context.Context, t transit.Trip) (transit.Trip, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO trips
    (route_id, vehicle_id, driver_id, service_date, departure_time, arrival_time, capacity, available_seats,
     current_passengers, current_stop_sequence, starting_stop_sequence, is_spare_trip)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE)
RETURNING id`,
		t.RouteID, t.VehicleID, t.DriverID, dateArg(t.ServiceDate), int(t.DepartureTime), int(t.ArrivalTime),
		t.Capacity, t.AvailableSeats, t.CurrentPassengers, t.CurrentStopSequence, t.StartingStopSequence).
		Scan(&id)
	if constraint, ok := isUniqueViolation(err); ok {
		return transit.Trip{}, transit.Conflictf("trip slot already taken on %s at %s (%s)", dateArg(t.ServiceDate), t.DepartureTime, constraint)
	}
	if err != nil {
		return transit.Trip{}, fmt.Errorf("insert trip: %w", err)
	}
	return s.Trip(ctx, id)
}

// CreateSpareTrip claims the vehicle, inserts the trip and moves the alert to
// dispatched in one transaction. The unique slot constraints on trips turn a
// double booking into a conflict with nothing applied.
func (s *Store) CreateSpareTrip(ctx context.Context, st transit.SpareTrip) (transit.Trip, transit.Alert, error) {
	var tripID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status transit.AlertStatus
			notes  string
		)
		err := tx.QueryRowContext(ctx, `SELECT status, notes FROM alerts WHERE id = $1 FOR UPDATE`, st.AlertID).Scan(&status, &notes)
		if errors.Is(err, sql.ErrNoRows) {
			return transit.NotFoundf("alert %d not found", st.AlertID)
		}
		if err != nil {
			return fmt.Errorf("lock alert: %w", err)
		}
		if status != transit.AlertReported && status != transit.AlertVerified {
			return transit.Conflictf("alert %d is already %s", st.AlertID, status)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE vehicles SET is_running = TRUE WHERE id = $1 AND is_active AND NOT is_running`, st.Trip.VehicleID)
		if err != nil {
			return fmt.Errorf("claim vehicle: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM vehicles WHERE id = $1)`, st.Trip.VehicleID).Scan(&exists); err != nil {
				return fmt.Errorf("query vehicle: %w", err)
			}
			if !exists {
				return transit.NotFoundf("vehicle %d not found", st.Trip.VehicleID)
			}
			return transit.Conflictf("vehicle %d is not available", st.Trip.VehicleID)
		}

		t := st.Trip
		err = tx.QueryRowContext(ctx, `
INSERT INTO trips
    (route_id, vehicle_id, driver_id, service_date, departure_time, arrival_time, capacity, available_seats,
     current_passengers, current_stop_sequence, starting_stop_sequence, is_spare_trip, source_alert_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $12)
RETURNING id`,
			t.RouteID, t.VehicleID, t.DriverID, dateArg(t.ServiceDate), int(t.DepartureTime), int(t.ArrivalTime),
			t.Capacity, t.AvailableSeats, t.CurrentStopSequence, t.StartingStopSequence, t.IsSpareTrip, t.SourceAlertID).
			Scan(&tripID)
		if constraint, ok := isUniqueViolation(err); ok {
			return transit.Conflictf("trip slot already taken on %s at %s (%s)", dateArg(t.ServiceDate), t.DepartureTime, constraint)
		}
		if err != nil {
			return fmt.Errorf("insert trip: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE vehicles SET current_trip_id = $2 WHERE id = $1`, t.VehicleID, tripID); err != nil {
			return fmt.Errorf("link vehicle: %w", err)
		}

		created, err := getTrip(ctx, tx, tripID)
		if err != nil {
			return err
		}
		if st.Note != nil {
			notes = transit.AppendNote(notes, st.Note(created))
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE alerts SET status = $2, dispatched_trip_id = $3, notes = $4 WHERE id = $1`,
			st.AlertID, string(transit.AlertDispatched), tripID, notes); err != nil {
			return fmt.Errorf("update alert: %w", err)
		}
		return nil
	})
	if err != nil {
		return transit.Trip{}, transit.Alert{}, err
	}

	trip, err := s.Trip(ctx, tripID)
	if err != nil {
		return transit.Trip{}, transit.Alert{}, err
	}
	alert, err := s.Alert(ctx, st.AlertID)
	if err != nil {
		return transit.Trip{}, transit.Alert{}, err
	}
	return trip, alert, nil
}
