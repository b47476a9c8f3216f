// Package forecast predicts the passenger load of a trip at every stop still
// ahead of it and finds the first stop where the load exceeds capacity.
//
// Only boarding is modelled: declared demand is added at its boarding stop
// and nobody alights, so the predicted load never decreases along the walk.
package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"busload/internal/metrics"
	"busload/internal/transit"
)

// StopProvider returns the stops of a route ordered by sequence.
type StopProvider interface {
	OrderedStops(ctx context.Context, routeID int64) ([]transit.Stop, error)
}

// DemandSource returns declared boarding demand of a route on a date,
// restricted to intents in one of the given statuses.
type DemandSource interface {
	Demand(ctx context.Context, routeID int64, date time.Time, statuses []transit.IntentStatus) ([]transit.StopDemand, error)
}

type TripSource interface {
	Trip(ctx context.Context, id int64) (transit.Trip, error)
}

// Policy selects which demand intents feed a forecast.
type Policy struct {
	Name     string
	Statuses []transit.IntentStatus
}

const (
	OperatorPolicyName = "operator"
	WhatIfPolicyName   = "what-if"
)

func OperatorPolicy(statuses []transit.IntentStatus) Policy {
	return Policy{Name: OperatorPolicyName, Statuses: statuses}
}

func WhatIfPolicy(statuses []transit.IntentStatus) Policy {
	return Policy{Name: WhatIfPolicyName, Statuses: statuses}
}

type StopLoad struct {
	StopID             int64  `json:"stopId"`
	StopSequence       int    `json:"stopSequence"`
	StopName           string `json:"stopName"`
	BoardingAtStop     int    `json:"boardingAtStop"`
	PredictedLoadAfter int    `json:"predictedLoadAfter"`
	OverCapacity       bool   `json:"overCapacity"`
}

type Result struct {
	TripID                    int64      `json:"tripId"`
	RouteID                   int64      `json:"routeId"`
	Policy                    string     `json:"policy"`
	Capacity                  int        `json:"capacity"`
	BasePassengers            int        `json:"basePassengers"`
	PerStop                   []StopLoad `json:"perStop"`
	FirstOverflowStopSequence *int       `json:"firstOverflowStopSequence,omitempty"`
	MaxLoad                   int        `json:"maxLoad"`
}

// FirstOverflow returns the per-stop entry of the first overflow, if any.
func (r Result) FirstOverflow() (StopLoad, bool) {
	if r.FirstOverflowStopSequence == nil {
		return StopLoad{}, false
	}
	for _, s := range r.PerStop {
		if s.StopSequence == *r.FirstOverflowStopSequence {
			return s, true
		}
	}
	return StopLoad{}, false
}

type Engine struct {
	stops           StopProvider
	demand          DemandSource
	trips           TripSource
	defaultCapacity int
	metrics         *metrics.Collector
	logger          *slog.Logger
}

func NewEngine(stops StopProvider, demand DemandSource, trips TripSource, defaultCapacity int, m *metrics.Collector, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		stops:           stops,
		demand:          demand,
		trips:           trips,
		defaultCapacity: defaultCapacity,
		metrics:         m,
		logger:          logger,
	}
}

func (e *Engine) ForecastTrip(ctx context.Context, tripID int64, p Policy) (Result, error) {
	if tripID <= 0 {
		return Result{}, transit.Validationf("trip id must be positive")
	}
	trip, err := e.trips.Trip(ctx, tripID)
	if err != nil {
		return Result{}, err
	}
	return e.Forecast(ctx, trip, p)
}

func (e *Engine) Forecast(ctx context.Context, trip transit.Trip, p Policy) (Result, error) {
	start := time.Now()

	stops, err := e.stops.OrderedStops(ctx, trip.RouteID)
	if err != nil {
		return Result{}, fmt.Errorf("stops of route %d: %w", trip.RouteID, err)
	}
	demand, err := e.demand.Demand(ctx, trip.RouteID, trip.ServiceDate, p.Statuses)
	if err != nil {
		return Result{}, fmt.Errorf("demand of route %d: %w", trip.RouteID, err)
	}

	boarding := make(map[int]int, len(demand))
	for _, d := range demand {
		boarding[d.StopSequence] += d.Passengers
	}

	res := Simulate(trip.EffectiveCapacity(e.defaultCapacity), trip.CurrentPassengers, RemainingStops(stops, trip.CurrentStopSequence), boarding)
	res.TripID = trip.ID
	res.RouteID = trip.RouteID
	res.Policy = p.Name

	if e.metrics != nil {
		e.metrics.Forecasts.Inc()
		if res.FirstOverflowStopSequence != nil {
			e.metrics.OverflowsDetected.Inc()
		}
		e.metrics.ForecastDuration.Observe(time.Since(start).Seconds())
	}
	e.logger.Debug("forecast computed",
		"trip", trip.ID, "route", trip.RouteID, "policy", p.Name,
		"stops", len(res.PerStop), "max_load", res.MaxLoad, "capacity", res.Capacity)
	return res, nil
}

// RemainingStops keeps the stops strictly after the current position,
// ordered by ascending sequence.
func RemainingStops(stops []transit.Stop, current int) []transit.Stop {
	out := make([]transit.Stop, 0, len(stops))
	for _, s := range stops {
		if s.Sequence > current {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Simulate walks stops in order accumulating boarding onto base. A capacity
// of zero or less never overflows.
func Simulate(capacity, base int, stops []transit.Stop, boarding map[int]int) Result {
	if base < 0 {
		base = 0
	}
	res := Result{
		Capacity:       capacity,
		BasePassengers: base,
		PerStop:        make([]StopLoad, 0, len(stops)),
		MaxLoad:        base,
	}
	running := base
	for _, s := range stops {
		incoming := boarding[s.Sequence]
		running += incoming
		over := capacity > 0 && running > capacity
		if over && res.FirstOverflowStopSequence == nil {
			seq := s.Sequence
			res.FirstOverflowStopSequence = &seq
		}
		if running > res.MaxLoad {
			res.MaxLoad = running
		}
		res.PerStop = append(res.PerStop, StopLoad{
			StopID:             s.ID,
			StopSequence:       s.Sequence,
			StopName:           s.Name,
			BoardingAtStop:     incoming,
			PredictedLoadAfter: running,
			OverCapacity:       over,
		})
	}
	return res
}
