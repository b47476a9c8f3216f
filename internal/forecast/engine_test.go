package forecast

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busload/internal/metrics"
	"busload/internal/transit"
)

type fakeSource struct {
	stops        []transit.Stop
	demand       []transit.StopDemand
	trips        map[int64]transit.Trip
	lastStatuses []transit.IntentStatus
}

func (f *fakeSource) OrderedStops(context.Context, int64) ([]transit.Stop, error) {
	return f.stops, nil
}

func (f *fakeSource) Demand(_ context.Context, _ int64, _ time.Time, statuses []transit.IntentStatus) ([]transit.StopDemand, error) {
	f.lastStatuses = statuses
	return f.demand, nil
}

func (f *fakeSource) Trip(_ context.Context, id int64) (transit.Trip, error) {
	t, ok := f.trips[id]
	if !ok {
		return transit.Trip{}, transit.NotFoundf("trip %d not found", id)
	}
	return t, nil
}

func fiveStops() []transit.Stop {
	out := make([]transit.Stop, 0, 5)
	for i := 1; i <= 5; i++ {
		out = append(out, transit.Stop{ID: int64(100 + i), RouteID: 1, Sequence: i, Name: "S" + string(rune('0'+i))})
	}
	return out
}

func loads(r Result) []int {
	out := make([]int, 0, len(r.PerStop))
	for _, s := range r.PerStop {
		out = append(out, s.PredictedLoadAfter)
	}
	return out
}

func TestForecastWorkedExample(t *testing.T) {
	src := &fakeSource{
		stops: fiveStops(),
		demand: []transit.StopDemand{
			{StopID: 103, StopSequence: 3, RouteID: 1, Passengers: 5},
			{StopID: 104, StopSequence: 4, RouteID: 1, Passengers: 8},
		},
		trips: map[int64]transit.Trip{
			7: {ID: 7, RouteID: 1, Capacity: 40, CurrentPassengers: 30, CurrentStopSequence: 1},
		},
	}
	m := metrics.NewCollector(0, 40)
	eng := NewEngine(src, src, src, 40, m, nil)

	res, err := eng.ForecastTrip(context.Background(), 7, OperatorPolicy([]transit.IntentStatus{transit.IntentConfirmed}))
	require.NoError(t, err)

	assert.Equal(t, []int{30, 35, 43, 43}, loads(res))
	require.NotNil(t, res.FirstOverflowStopSequence)
	assert.Equal(t, 4, *res.FirstOverflowStopSequence)
	assert.Equal(t, 43, res.MaxLoad)
	assert.Equal(t, 40, res.Capacity)
	assert.Equal(t, 30, res.BasePassengers)
	assert.Equal(t, OperatorPolicyName, res.Policy)
	assert.Equal(t, []bool{false, false, true, true}, []bool{
		res.PerStop[0].OverCapacity, res.PerStop[1].OverCapacity, res.PerStop[2].OverCapacity, res.PerStop[3].OverCapacity,
	})

	first, ok := res.FirstOverflow()
	require.True(t, ok)
	assert.Equal(t, int64(104), first.StopID)
	assert.Equal(t, 8, first.BoardingAtStop)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Forecasts))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OverflowsDetected))
}

func TestForecastZeroCapacityNeverOverflows(t *testing.T) {
	res := Simulate(0, 30, RemainingStops(fiveStops(), 1), map[int]int{3: 5, 4: 8})
	assert.Equal(t, []int{30, 35, 43, 43}, loads(res))
	assert.Nil(t, res.FirstOverflowStopSequence)
	for _, s := range res.PerStop {
		assert.False(t, s.OverCapacity)
	}
	_, ok := res.FirstOverflow()
	assert.False(t, ok)
}

func TestForecastEdgeCases(t *testing.T) {
	t.Run("no remaining stops", func(t *testing.T) {
		res := Simulate(40, 12, RemainingStops(fiveStops(), 5), nil)
		assert.Empty(t, res.PerStop)
		assert.Nil(t, res.FirstOverflowStopSequence)
		assert.Equal(t, 12, res.MaxLoad)
	})
	t.Run("no demand", func(t *testing.T) {
		res := Simulate(40, 12, RemainingStops(fiveStops(), 0), map[int]int{})
		assert.Equal(t, []int{12, 12, 12, 12, 12}, loads(res))
		assert.Nil(t, res.FirstOverflowStopSequence)
	})
	t.Run("already over capacity", func(t *testing.T) {
		res := Simulate(10, 15, RemainingStops(fiveStops(), 2), nil)
		require.NotNil(t, res.FirstOverflowStopSequence)
		assert.Equal(t, 3, *res.FirstOverflowStopSequence)
	})
	t.Run("negative base clamps to zero", func(t *testing.T) {
		res := Simulate(40, -3, RemainingStops(fiveStops(), 4), nil)
		assert.Equal(t, 0, res.BasePassengers)
		assert.Equal(t, []int{0}, loads(res))
	})
	t.Run("demand behind position is ignored", func(t *testing.T) {
		res := Simulate(40, 10, RemainingStops(fiveStops(), 3), map[int]int{2: 100})
		assert.Equal(t, []int{10, 10}, loads(res))
		assert.Equal(t, 10, res.MaxLoad)
	})
}

func TestRemainingStopsOrdering(t *testing.T) {
	stops := []transit.Stop{{ID: 3, Sequence: 3}, {ID: 1, Sequence: 1}, {ID: 5, Sequence: 5}, {ID: 2, Sequence: 2}}
	got := RemainingStops(stops, 1)
	require.Len(t, got, 3)
	assert.Equal(t, []int{2, 3, 5}, []int{got[0].Sequence, got[1].Sequence, got[2].Sequence})
}

func TestSimulateProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		var stops []transit.Stop
		boarding := map[int]int{}
		n := rng.Intn(12)
		for s := 1; s <= n; s++ {
			stops = append(stops, transit.Stop{ID: int64(s), Sequence: s})
			if rng.Intn(2) == 0 {
				boarding[s] = rng.Intn(15)
			}
		}
		capacity := rng.Intn(60)
		base := rng.Intn(50)
		res := Simulate(capacity, base, stops, boarding)

		prev := base
		for _, s := range res.PerStop {
			assert.GreaterOrEqual(t, s.PredictedLoadAfter, prev)
			prev = s.PredictedLoadAfter
		}

		var firstOver *int
		for _, s := range res.PerStop {
			if s.OverCapacity {
				seq := s.StopSequence
				firstOver = &seq
				break
			}
		}
		assert.Equal(t, firstOver, res.FirstOverflowStopSequence)
		if res.FirstOverflowStopSequence != nil {
			for _, s := range res.PerStop {
				if s.StopSequence < *res.FirstOverflowStopSequence {
					assert.LessOrEqual(t, s.PredictedLoadAfter, capacity)
				}
			}
		}
		assert.Equal(t, prev, res.MaxLoad)
	}
}

func TestForecastCapacityResolution(t *testing.T) {
	src := &fakeSource{stops: fiveStops()}
	eng := NewEngine(src, src, src, 40, nil, nil)
	ctx := context.Background()
	p := OperatorPolicy([]transit.IntentStatus{transit.IntentConfirmed})

	res, err := eng.Forecast(ctx, transit.Trip{ID: 1, Capacity: 52, VehicleCapacity: 60}, p)
	require.NoError(t, err)
	assert.Equal(t, 52, res.Capacity)

	res, err = eng.Forecast(ctx, transit.Trip{ID: 1, VehicleCapacity: 60}, p)
	require.NoError(t, err)
	assert.Equal(t, 60, res.Capacity)

	res, err = eng.Forecast(ctx, transit.Trip{ID: 1}, p)
	require.NoError(t, err)
	assert.Equal(t, 40, res.Capacity)
}

func TestForecastPolicyStatuses(t *testing.T) {
	src := &fakeSource{stops: fiveStops(), trips: map[int64]transit.Trip{1: {ID: 1, RouteID: 1}}}
	eng := NewEngine(src, src, src, 40, nil, nil)

	whatIf := WhatIfPolicy([]transit.IntentStatus{transit.IntentPending, transit.IntentConfirmed})
	res, err := eng.ForecastTrip(context.Background(), 1, whatIf)
	require.NoError(t, err)
	assert.Equal(t, WhatIfPolicyName, res.Policy)
	assert.Equal(t, whatIf.Statuses, src.lastStatuses)
}

func TestForecastTripErrors(t *testing.T) {
	src := &fakeSource{stops: fiveStops(), trips: map[int64]transit.Trip{}}
	eng := NewEngine(src, src, src, 40, nil, nil)

	_, err := eng.ForecastTrip(context.Background(), 0, OperatorPolicy(nil))
	assert.ErrorIs(t, err, transit.ErrValidation)

	_, err = eng.ForecastTrip(context.Background(), 99, OperatorPolicy(nil))
	assert.ErrorIs(t, err, transit.ErrNotFound)
}
