package db

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busload/internal/transit"
)

// These tests need a disposable PostgreSQL database; every table the store
// owns is truncated before each test.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BUSLOAD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BUSLOAD_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	sqlDB, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Ping(ctx, sqlDB))
	require.NoError(t, EnsureSchema(ctx, sqlDB))
	require.NoError(t, VerifySchema(ctx, sqlDB))

	_, err = sqlDB.ExecContext(ctx, `TRUNCATE alerts, demand_intents, trips, vehicles, users, stops, routes RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	_, err = sqlDB.ExecContext(ctx, `
INSERT INTO routes (id, number, name, zone_id) VALUES (1, '12A', 'Central - Harbour', 1), (2, '40', 'Airport', 2);
INSERT INTO stops (id, route_id, sequence, name) VALUES
  (1, 1, 1, 'Central'), (2, 1, 2, 'Market'), (3, 1, 3, 'Library'), (4, 1, 4, 'Hospital'), (5, 1, 5, 'Harbour'),
  (6, 2, 1, 'Terminal');
INSERT INTO users (id, name, role, zone_id) VALUES (10, 'Ravi', 'driver', 0), (11, 'Asha', 'driver', 0), (30, 'Control', 'admin', 0);
INSERT INTO vehicles (id, number_plate, capacity, is_active, is_running, current_trip_id) VALUES
  (1, 'KA-01-1001', 40, TRUE, TRUE, 1), (2, 'KA-01-1002', 50, TRUE, FALSE, NULL), (3, 'KA-01-1003', 45, FALSE, FALSE, NULL);
INSERT INTO trips (id, route_id, vehicle_id, driver_id, service_date, departure_time, arrival_time, capacity,
                   available_seats, current_passengers, current_stop_sequence, starting_stop_sequence)
VALUES (1, 1, 1, 10, '2025-03-14', 28800, 32100, 40, 10, 30, 1, 1);
INSERT INTO demand_intents (route_id, service_date, boarding_stop_id, passenger_count, status) VALUES
  (1, '2025-03-14', 3, 5, 'confirmed'), (1, '2025-03-14', 4, 8, 'confirmed'), (1, '2025-03-14', 5, 20, 'pending');
SELECT setval('routes_id_seq', 10), setval('stops_id_seq', 10), setval('users_id_seq', 100),
       setval('vehicles_id_seq', 10), setval('trips_id_seq', 10);`)
	require.NoError(t, err)
	return NewStore(sqlDB)
}

var day = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

func TestStoreReads(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stops, err := s.OrderedStops(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stops, 5)
	assert.Equal(t, "Hospital", stops[3].Name)

	_, err = s.OrderedStops(ctx, 99)
	assert.ErrorIs(t, err, transit.ErrNotFound)

	trip, err := s.Trip(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "12A", trip.RouteNumber)
	assert.Equal(t, 40, trip.VehicleCapacity)
	assert.Equal(t, "08:00:00", trip.DepartureTime.String())
	assert.True(t, transit.SameDate(day, trip.ServiceDate))

	d, err := s.Demand(ctx, 1, day, []transit.IntentStatus{transit.IntentConfirmed})
	require.NoError(t, err)
	require.Len(t, d, 2)
	assert.Equal(t, 3, d[0].StopSequence)
	assert.Equal(t, 5, d[0].Passengers)

	running, err := s.RunningTrips(ctx, day, transit.ZoneScope(1))
	require.NoError(t, err)
	assert.Len(t, running, 1)
	running, err = s.RunningTrips(ctx, day, transit.ZoneScope(2))
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestStoreAdvanceStopConcurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for seq := 1; seq <= 10; seq++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			_, err := s.AdvanceStop(ctx, 1, seq)
			assert.NoError(t, err)
		}(seq)
	}
	wg.Wait()

	adv, err := s.AdvanceStop(ctx, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, transit.Advance{Applied: false, EffectiveSequence: 10}, adv)
}

func TestStoreReplaceAndTransitionAlerts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

	batch := []transit.AlertBatch{{Origin: transit.OriginDeclaredDemand, Alerts: []transit.Alert{
		{StopID: 3, Count: 5, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		{StopID: 4, Count: 8, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}}}
	first, err := s.ReplaceAlerts(ctx, day, transit.AllZones, batch)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int64(3), first[0].StopID)

	_, err = s.TransitionAlert(ctx, first[0].ID, []transit.AlertStatus{transit.AlertReported}, transit.AlertVerified, "checked", now)
	require.NoError(t, err)

	_, err = s.ReplaceAlerts(ctx, day, transit.AllZones, batch)
	require.NoError(t, err)
	all, err := s.ListAlerts(ctx, day, transit.AllZones)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	resolved, err := s.TransitionAlert(ctx, first[0].ID, []transit.AlertStatus{transit.AlertVerified}, transit.AlertResolved, "done", now)
	require.NoError(t, err)
	assert.Equal(t, "checked\ndone", resolved.Notes)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = s.TransitionAlert(ctx, first[0].ID, []transit.AlertStatus{transit.AlertVerified}, transit.AlertResolved, "", now)
	assert.ErrorIs(t, err, transit.ErrConflict)

	n, err := s.ExpireAlerts(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStoreCreateSpareTripConflict(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

	alerts, err := s.ReplaceAlerts(ctx, day, transit.AllZones, []transit.AlertBatch{{Origin: transit.OriginPredictedOverflow,
		Alerts: []transit.Alert{{StopID: 4, Count: 43, Notes: "Prediction", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}}}})
	require.NoError(t, err)
	alertID := alerts[0].ID

	// driver 10 already drives trip 1 at 08:00
	_, _, err = s.CreateSpareTrip(ctx, transit.SpareTrip{AlertID: alertID, Trip: transit.Trip{
		RouteID: 1, VehicleID: 2, DriverID: 10, ServiceDate: day, DepartureTime: 28800, ArrivalTime: 28800,
		Capacity: 50, AvailableSeats: 50, CurrentStopSequence: 4, StartingStopSequence: 4, IsSpareTrip: true,
	}})
	assert.ErrorIs(t, err, transit.ErrConflict)
	v, err := s.Vehicle(ctx, 2)
	require.NoError(t, err)
	assert.False(t, v.IsRunning, "rolled back")

	trip, alert, err := s.CreateSpareTrip(ctx, transit.SpareTrip{AlertID: alertID, Trip: transit.Trip{
		RouteID: 1, VehicleID: 2, DriverID: 11, ServiceDate: day, DepartureTime: 30600, ArrivalTime: 30600,
		Capacity: 50, AvailableSeats: 50, CurrentStopSequence: 4, StartingStopSequence: 4, IsSpareTrip: true,
		SourceAlertID: &alertID,
	}, Note: func(t transit.Trip) string { return "spare" }})
	require.NoError(t, err)
	assert.Equal(t, 4, trip.StartingStopSequence)
	assert.Equal(t, transit.AlertDispatched, alert.Status)
	assert.Equal(t, "Prediction\nspare", alert.Notes)
	require.NotNil(t, alert.DispatchedTripID)
	assert.Equal(t, trip.ID, *alert.DispatchedTripID)
}

func TestStoreReplaceAlertsConcurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)
	trip := int64(1)
	batches := []transit.AlertBatch{
		{Origin: transit.OriginDeclaredDemand, Alerts: []transit.Alert{
			{StopID: 3, Count: 5, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
			{StopID: 4, Count: 8, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		}},
		{Origin: transit.OriginPredictedOverflow, Alerts: []transit.Alert{
			{StopID: 4, Count: 43, SourceTripID: &trip, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
		}},
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ReplaceAlerts(ctx, day, transit.AllZones, batches)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := s.ListAlerts(ctx, day, transit.AllZones)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStoreReplaceAlertsSkipsHandledTrips(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)
	trip := int64(1)
	batch := []transit.AlertBatch{{Origin: transit.OriginPredictedOverflow, Alerts: []transit.Alert{
		{StopID: 4, Count: 43, SourceTripID: &trip, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}}}

	first, err := s.ReplaceAlerts(ctx, day, transit.AllZones, batch)
	require.NoError(t, err)
	require.Len(t, first, 1)
	_, err = s.TransitionAlert(ctx, first[0].ID, []transit.AlertStatus{transit.AlertReported}, transit.AlertVerified, "checked", now)
	require.NoError(t, err)

	got, err := s.ReplaceAlerts(ctx, day, transit.AllZones, batch)
	require.NoError(t, err)
	assert.Empty(t, got)

	all, err := s.ListAlerts(ctx, day, transit.AllZones)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, transit.AlertVerified, all[0].Status)
}

func TestStoreCreateTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	trip, err := s.CreateTrip(ctx, transit.Trip{
		RouteID: 1, VehicleID: 2, DriverID: 11, ServiceDate: day,
		DepartureTime: 32400, ArrivalTime: 35700, Capacity: 50, AvailableSeats: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, "12A", trip.RouteNumber)
	assert.Equal(t, 50, trip.AvailableSeats)
	assert.False(t, trip.IsSpareTrip)

	// driver 10 already drives trip 1 at 08:00
	_, err = s.CreateTrip(ctx, transit.Trip{RouteID: 1, VehicleID: 2, DriverID: 10, ServiceDate: day, DepartureTime: 28800, ArrivalTime: 28800})
	assert.ErrorIs(t, err, transit.ErrConflict)
	_, err = s.CreateTrip(ctx, transit.Trip{RouteID: 1, VehicleID: 2, DriverID: 10, ServiceDate: day, DepartureTime: 32400, ArrivalTime: 32400})
	assert.ErrorIs(t, err, transit.ErrConflict)
}
