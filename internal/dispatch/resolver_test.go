package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busload/internal/metrics"
	"busload/internal/store"
	"busload/internal/transit"
)

var (
	day    = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	admin  = transit.Actor{ID: 30, Role: transit.RoleAdmin}
	zonal1 = transit.Actor{ID: 20, Role: transit.RoleZonalAdmin, Zone: 1}
)

func setup(t *testing.T) (*store.Memory, *Resolver, *metrics.Collector, transit.Alert) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, store.LoadFixtureFile(mem, "../store/testdata/seed.json"))
	alerts, err := mem.ReplaceAlerts(context.Background(), day, transit.AllZones, []transit.AlertBatch{
		{Origin: transit.OriginPredictedOverflow, Alerts: []transit.Alert{{StopID: 4, Count: 43, Notes: "Prediction (bus load): route 12A"}}},
	})
	require.NoError(t, err)
	m := metrics.NewCollector(0, 40)
	return mem, NewResolver(mem, nil, m, nil), m, alerts[0]
}

func clock(s string) transit.ClockTime {
	c, err := transit.ParseClockTime(s)
	if err != nil {
		panic(err)
	}
	return c
}

func TestDispatchCreatesSpareAtOverflowStop(t *testing.T) {
	mem, r, m, alert := setup(t)
	ctx := context.Background()

	res, err := r.Dispatch(ctx, zonal1, Request{
		AlertID: alert.ID, VehicleID: 2, DriverID: 11, Date: "2025-03-14", DepartureTime: clock("08:30"),
	})
	require.NoError(t, err)

	trip := res.Trip
	assert.True(t, trip.IsSpareTrip)
	assert.Equal(t, int64(1), trip.RouteID)
	assert.Equal(t, 4, trip.StartingStopSequence)
	assert.Equal(t, 4, trip.CurrentStopSequence)
	assert.Equal(t, 50, trip.Capacity)
	assert.Equal(t, 50, trip.AvailableSeats)
	assert.Equal(t, trip.DepartureTime, trip.ArrivalTime)
	require.NotNil(t, trip.SourceAlertID)
	assert.Equal(t, alert.ID, *trip.SourceAlertID)

	assert.Equal(t, transit.AlertDispatched, res.Alert.Status)
	assert.Equal(t, fmt.Sprintf("Prediction (bus load): route 12A\nSpare dispatched: vehicle 2 (KA-01-1002) from stop Hospital (#4), trip %d", trip.ID), res.Alert.Notes)

	v, err := mem.Vehicle(ctx, 2)
	require.NoError(t, err)
	assert.True(t, v.IsRunning)
	assert.Equal(t, trip.ID, *v.CurrentTripID)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Dispatches.WithLabelValues("ok")))
}

func TestDispatchArrivalTime(t *testing.T) {
	_, r, _, alert := setup(t)
	arr := clock("09:10")
	res, err := r.Dispatch(context.Background(), admin, Request{
		AlertID: alert.ID, VehicleID: 2, DriverID: 11, Date: "2025-03-14", DepartureTime: clock("08:30"), ArrivalTime: &arr,
	})
	require.NoError(t, err)
	assert.Equal(t, "09:10:00", res.Trip.ArrivalTime.String())
}

func TestDispatchRejections(t *testing.T) {
	mem, r, m, alert := setup(t)
	ctx := context.Background()

	demand, err := mem.AddAlert(transit.Alert{StopID: 3, Count: 12, Origin: transit.OriginDeclaredDemand, ServiceDate: day})
	require.NoError(t, err)
	zone2, err := mem.AddAlert(transit.Alert{StopID: 7, Count: 60, Origin: transit.OriginPredictedOverflow, ServiceDate: day})
	require.NoError(t, err)

	ok := Request{AlertID: alert.ID, VehicleID: 2, DriverID: 11, Date: "2025-03-14", DepartureTime: clock("08:30")}
	with := func(f func(*Request)) Request {
		req := ok
		f(&req)
		return req
	}

	tests := []struct {
		name  string
		actor transit.Actor
		req   Request
		want  error
	}{
		{"missing alert id", admin, with(func(r *Request) { r.AlertID = 0 }), transit.ErrValidation},
		{"missing vehicle id", admin, with(func(r *Request) { r.VehicleID = 0 }), transit.ErrValidation},
		{"missing driver id", admin, with(func(r *Request) { r.DriverID = -1 }), transit.ErrValidation},
		{"missing date", admin, with(func(r *Request) { r.Date = "" }), transit.ErrValidation},
		{"bad date", admin, with(func(r *Request) { r.Date = "03/14/2025" }), transit.ErrValidation},
		{"unknown alert", admin, with(func(r *Request) { r.AlertID = 999 }), transit.ErrNotFound},
		{"driver actor", transit.Actor{ID: 10, Role: transit.RoleDriver}, ok, transit.ErrPermission},
		{"other zone", zonal1, with(func(r *Request) { r.AlertID = zone2.ID }), transit.ErrPermission},
		{"declared demand", admin, with(func(r *Request) { r.AlertID = demand.ID }), transit.ErrValidation},
		{"unknown vehicle", admin, with(func(r *Request) { r.VehicleID = 99 }), transit.ErrNotFound},
		{"inactive vehicle", admin, with(func(r *Request) { r.VehicleID = 3 }), transit.ErrConflict},
		{"running vehicle", admin, with(func(r *Request) { r.VehicleID = 1 }), transit.ErrConflict},
		{"unknown driver", admin, with(func(r *Request) { r.DriverID = 99 }), transit.ErrNotFound},
		{"not a driver", admin, with(func(r *Request) { r.DriverID = 40 }), transit.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Dispatch(ctx, tt.actor, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	a, err := mem.Alert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.AlertReported, a.Status)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Dispatches.WithLabelValues("conflict")))
}

func TestDispatchDriverDoubleBooked(t *testing.T) {
	mem, r, _, alert := setup(t)
	ctx := context.Background()

	// driver 10 already drives trip 1 at 08:00
	_, err := r.Dispatch(ctx, admin, Request{AlertID: alert.ID, VehicleID: 2, DriverID: 10, Date: "2025-03-14", DepartureTime: clock("08:00")})
	assert.ErrorIs(t, err, transit.ErrConflict)

	v, err := mem.Vehicle(ctx, 2)
	require.NoError(t, err)
	assert.False(t, v.IsRunning)
	a, err := mem.Alert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.AlertReported, a.Status)
}

func TestDispatchSameVehicleTwice(t *testing.T) {
	mem, r, _, alert := setup(t)
	ctx := context.Background()

	other, err := mem.AddAlert(transit.Alert{StopID: 5, Count: 48, Origin: transit.OriginPredictedOverflow, ServiceDate: day})
	require.NoError(t, err)

	req := Request{AlertID: alert.ID, VehicleID: 2, DriverID: 11, Date: "2025-03-14", DepartureTime: clock("08:30")}
	_, err = r.Dispatch(ctx, admin, req)
	require.NoError(t, err)

	req.AlertID = other.ID
	_, err = r.Dispatch(ctx, admin, req)
	assert.ErrorIs(t, err, transit.ErrConflict)

	a, err := mem.Alert(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, transit.AlertReported, a.Status)
}

func TestDispatchConcurrentSingleWinner(t *testing.T) {
	mem, r, _, alert := setup(t)
	ctx := context.Background()

	var alertIDs []int64
	alertIDs = append(alertIDs, alert.ID)
	for i := 0; i < 4; i++ {
		a, err := mem.AddAlert(transit.Alert{StopID: 5, Count: 48, Origin: transit.OriginPredictedOverflow, ServiceDate: day})
		require.NoError(t, err)
		alertIDs = append(alertIDs, a.ID)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, id := range alertIDs {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := r.Dispatch(ctx, admin, Request{AlertID: id, VehicleID: 2, DriverID: 11, Date: "2025-03-14", DepartureTime: clock("08:30")})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, transit.ErrConflict)
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
