// Package tracking applies live reports from drivers to trip state.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"busload/internal/metrics"
	"busload/internal/transit"
)

type Store interface {
	Route(ctx context.Context, id int64) (transit.Route, error)
	Vehicle(ctx context.Context, id int64) (transit.Vehicle, error)
	User(ctx context.Context, id int64) (transit.User, error)
	CreateTrip(ctx context.Context, t transit.Trip) (transit.Trip, error)
	Trip(ctx context.Context, id int64) (transit.Trip, error)
	AdvanceStop(ctx context.Context, id int64, seq int) (transit.Advance, error)
	SetPassengerCount(ctx context.Context, id int64, count int, at time.Time) (transit.Trip, error)
	StartTrip(ctx context.Context, id int64) (transit.Trip, error)
	FinishTrip(ctx context.Context, id int64) (transit.Trip, error)
}

// Schedule is an operator's assignment of a vehicle and driver to a route
// departure.
type Schedule struct {
	RouteID       int64              `json:"routeId"`
	VehicleID     int64              `json:"vehicleId"`
	DriverID      int64              `json:"driverId"`
	Date          string             `json:"date"`
	DepartureTime transit.ClockTime  `json:"departureTime"`
	ArrivalTime   *transit.ClockTime `json:"arrivalTime,omitempty"`
}

type Tracker struct {
	store   Store
	events  transit.Emitter
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

func NewTracker(store Store, events transit.Emitter, m *metrics.Collector, logger *slog.Logger) *Tracker {
	if events == nil {
		events = transit.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, events: events, metrics: m, logger: logger, now: time.Now}
}

// Trip returns a trip the actor may see: its driver, or an operator of its zone.
func (t *Tracker) Trip(ctx context.Context, actor transit.Actor, id int64) (transit.Trip, error) {
	trip, err := t.load(ctx, id)
	if err != nil {
		return transit.Trip{}, err
	}
	if !actor.CanDrive(trip) && !actor.CanOperate(trip) {
		return transit.Trip{}, transit.Permissionf("trip %d is not yours", id)
	}
	return trip, nil
}

// CreateTrip schedules a regular trip on a route of the actor's zone. Seats
// start at the vehicle's capacity and the trip has not reached any stop yet.
func (t *Tracker) CreateTrip(ctx context.Context, actor transit.Actor, sch Schedule) (transit.Trip, error) {
	if sch.RouteID <= 0 || sch.VehicleID <= 0 || sch.DriverID <= 0 {
		return transit.Trip{}, transit.Validationf("route, vehicle and driver are required")
	}
	date, err := transit.ParseDate(sch.Date)
	if err != nil {
		return transit.Trip{}, err
	}
	arrival := sch.DepartureTime
	if sch.ArrivalTime != nil {
		arrival = *sch.ArrivalTime
	}
	if sch.DepartureTime < 0 || arrival < sch.DepartureTime {
		return transit.Trip{}, transit.Validationf("arrival must not be before departure")
	}

	route, err := t.store.Route(ctx, sch.RouteID)
	if err != nil {
		return transit.Trip{}, err
	}
	if !actor.CanOperate(route) {
		return transit.Trip{}, transit.Permissionf("route %s is outside your jurisdiction", route.Number)
	}
	vehicle, err := t.store.Vehicle(ctx, sch.VehicleID)
	if err != nil {
		return transit.Trip{}, err
	}
	if !vehicle.IsActive {
		return transit.Trip{}, transit.Conflictf("vehicle %d is not active", vehicle.ID)
	}
	driver, err := t.store.User(ctx, sch.DriverID)
	if err != nil {
		return transit.Trip{}, err
	}
	if driver.Role != transit.RoleDriver {
		return transit.Trip{}, transit.Validationf("user %d is not a driver", driver.ID)
	}

	trip, err := t.store.CreateTrip(ctx, transit.Trip{
		RouteID:        route.ID,
		VehicleID:      vehicle.ID,
		DriverID:       driver.ID,
		ServiceDate:    date,
		DepartureTime:  sch.DepartureTime,
		ArrivalTime:    arrival,
		Capacity:       vehicle.Capacity,
		AvailableSeats: vehicle.Capacity,
	})
	if err != nil {
		return transit.Trip{}, err
	}
	t.logger.Info("trip scheduled",
		"trip", trip.ID, "route", trip.RouteID, "vehicle", trip.VehicleID, "driver", trip.DriverID,
		"date", sch.Date, "departure", trip.DepartureTime)
	t.emit(ctx, transit.EventTripScheduled, trip, trip)
	return trip, nil
}

// AdvanceStop moves the trip forward to seq. A sequence behind the current
// position is ignored: the result reports applied=false and the position
// the trip already holds.
func (t *Tracker) AdvanceStop(ctx context.Context, actor transit.Actor, tripID int64, seq int) (transit.Advance, error) {
	if seq <= 0 {
		t.countPosition("rejected")
		return transit.Advance{}, transit.Validationf("stop sequence must be positive")
	}
	trip, err := t.driven(ctx, actor, tripID)
	if err != nil {
		t.countPosition("rejected")
		return transit.Advance{}, err
	}

	adv, err := t.store.AdvanceStop(ctx, trip.ID, seq)
	if err != nil {
		return transit.Advance{}, fmt.Errorf("advance trip %d: %w", trip.ID, err)
	}
	if !adv.Applied {
		t.countPosition("ignored")
		t.logger.Debug("stale position ignored", "trip", trip.ID, "reported", seq, "current", adv.EffectiveSequence)
		return adv, nil
	}

	t.countPosition("applied")
	t.emit(ctx, transit.EventTripPosition, trip, map[string]any{
		"tripId":              trip.ID,
		"routeId":             trip.RouteID,
		"currentStopSequence": adv.EffectiveSequence,
	})
	return adv, nil
}

// ReportPassengerCount overwrites the live head count. Counts are snapshots,
// so the latest report wins.
func (t *Tracker) ReportPassengerCount(ctx context.Context, actor transit.Actor, tripID int64, count int) (transit.Trip, error) {
	if count < 0 {
		return transit.Trip{}, transit.Validationf("passenger count must not be negative")
	}
	trip, err := t.driven(ctx, actor, tripID)
	if err != nil {
		return transit.Trip{}, err
	}
	trip, err = t.store.SetPassengerCount(ctx, trip.ID, count, t.now())
	if err != nil {
		return transit.Trip{}, fmt.Errorf("set passenger count of trip %d: %w", tripID, err)
	}
	if t.metrics != nil {
		t.metrics.PassengerCounts.Inc()
	}
	t.emit(ctx, transit.EventTripPassengers, trip, map[string]any{
		"tripId":            trip.ID,
		"routeId":           trip.RouteID,
		"currentPassengers": trip.CurrentPassengers,
		"availableSeats":    trip.AvailableSeats,
	})
	return trip, nil
}

func (t *Tracker) StartTrip(ctx context.Context, actor transit.Actor, tripID int64) (transit.Trip, error) {
	if _, err := t.driven(ctx, actor, tripID); err != nil {
		return transit.Trip{}, err
	}
	trip, err := t.store.StartTrip(ctx, tripID)
	if err != nil {
		return transit.Trip{}, err
	}
	t.logger.Info("trip started", "trip", trip.ID, "vehicle", trip.VehicleID, "driver", trip.DriverID)
	return trip, nil
}

func (t *Tracker) FinishTrip(ctx context.Context, actor transit.Actor, tripID int64) (transit.Trip, error) {
	if _, err := t.driven(ctx, actor, tripID); err != nil {
		return transit.Trip{}, err
	}
	trip, err := t.store.FinishTrip(ctx, tripID)
	if err != nil {
		return transit.Trip{}, err
	}
	t.logger.Info("trip finished", "trip", trip.ID, "vehicle", trip.VehicleID)
	return trip, nil
}

func (t *Tracker) load(ctx context.Context, id int64) (transit.Trip, error) {
	if id <= 0 {
		return transit.Trip{}, transit.Validationf("trip id must be positive")
	}
	return t.store.Trip(ctx, id)
}

// driven loads a trip and checks the actor is its driver or an admin.
func (t *Tracker) driven(ctx context.Context, actor transit.Actor, id int64) (transit.Trip, error) {
	trip, err := t.load(ctx, id)
	if err != nil {
		return transit.Trip{}, err
	}
	if !actor.CanDrive(trip) {
		return transit.Trip{}, transit.Permissionf("user %d does not drive trip %d", actor.ID, id)
	}
	return trip, nil
}

func (t *Tracker) countPosition(result string) {
	if t.metrics != nil {
		t.metrics.PositionUpdates.WithLabelValues(result).Inc()
	}
}

func (t *Tracker) emit(ctx context.Context, kind string, trip transit.Trip, payload any) {
	key := fmt.Sprintf("%d.%d", trip.RouteID, trip.ID)
	if err := t.events.Emit(ctx, kind, trip.Zone, key, payload); err != nil {
		t.logger.Warn("emit trip event", "kind", kind, "trip", trip.ID, "error", err)
	}
}
