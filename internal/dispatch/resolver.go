// Package dispatch turns an overflow alert into a spare trip that starts at
// the overflow stop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"busload/internal/metrics"
	"busload/internal/transit"
)

type Store interface {
	Alert(ctx context.Context, id int64) (transit.Alert, error)
	Vehicle(ctx context.Context, id int64) (transit.Vehicle, error)
	User(ctx context.Context, id int64) (transit.User, error)
	CreateSpareTrip(ctx context.Context, st transit.SpareTrip) (transit.Trip, transit.Alert, error)
}

// Request is an operator's choice of spare vehicle and driver for an alert.
type Request struct {
	AlertID       int64              `json:"-"`
	VehicleID     int64              `json:"vehicleId"`
	DriverID      int64              `json:"driverId"`
	Date          string             `json:"date"`
	DepartureTime transit.ClockTime  `json:"departureTime"`
	ArrivalTime   *transit.ClockTime `json:"arrivalTime,omitempty"`
}

type Result struct {
	Trip  transit.Trip  `json:"trip"`
	Alert transit.Alert `json:"alert"`
}

type Resolver struct {
	store   Store
	events  transit.Emitter
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewResolver(store Store, events transit.Emitter, m *metrics.Collector, logger *slog.Logger) *Resolver {
	if events == nil {
		events = transit.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, events: events, metrics: m, logger: logger}
}

// Dispatch creates the spare trip for an alert. All checks run before the
// store is asked to mutate anything; the store then applies the trip, the
// vehicle claim and the alert transition together or not at all.
func (r *Resolver) Dispatch(ctx context.Context, actor transit.Actor, req Request) (Result, error) {
	res, err := r.dispatch(ctx, actor, req)
	r.count(err)
	if err != nil {
		r.logger.Warn("spare dispatch rejected", "alert", req.AlertID, "vehicle", req.VehicleID, "driver", req.DriverID, "error", err)
		return Result{}, err
	}
	r.logger.Info("spare dispatched",
		"alert", res.Alert.ID, "trip", res.Trip.ID, "vehicle", res.Trip.VehicleID,
		"driver", res.Trip.DriverID, "stop_sequence", res.Trip.StartingStopSequence)
	if err := r.events.Emit(ctx, transit.EventTripDispatched, res.Alert.Zone, fmt.Sprintf("%d", res.Trip.ID), res); err != nil {
		r.logger.Warn("emit dispatch event", "trip", res.Trip.ID, "error", err)
	}
	return res, nil
}

func (r *Resolver) dispatch(ctx context.Context, actor transit.Actor, req Request) (Result, error) {
	date, err := validate(req)
	if err != nil {
		return Result{}, err
	}

	alert, err := r.store.Alert(ctx, req.AlertID)
	if err != nil {
		return Result{}, err
	}
	if !actor.CanOperate(alert) {
		return Result{}, transit.Permissionf("alert %d is outside your jurisdiction", alert.ID)
	}
	if alert.Origin != transit.OriginPredictedOverflow {
		return Result{}, transit.Validationf("alert %d is a %s alert, only predicted overflows can be dispatched", alert.ID, alert.Origin)
	}
	if !alert.Open() {
		return Result{}, transit.Conflictf("alert %d is already %s", alert.ID, alert.Status)
	}

	vehicle, err := r.store.Vehicle(ctx, req.VehicleID)
	if err != nil {
		return Result{}, err
	}
	if !vehicle.IsActive {
		return Result{}, transit.Conflictf("vehicle %d is not active", vehicle.ID)
	}
	if vehicle.IsRunning {
		return Result{}, transit.Conflictf("vehicle %d is already running", vehicle.ID)
	}

	driver, err := r.store.User(ctx, req.DriverID)
	if err != nil {
		return Result{}, err
	}
	if driver.Role != transit.RoleDriver {
		return Result{}, transit.Validationf("user %d is not a driver", driver.ID)
	}

	arrival := req.DepartureTime
	if req.ArrivalTime != nil {
		arrival = *req.ArrivalTime
	}
	alertID := alert.ID
	spare := transit.SpareTrip{
		AlertID: alert.ID,
		Trip: transit.Trip{
			RouteID:              alert.RouteID,
			VehicleID:            vehicle.ID,
			DriverID:             driver.ID,
			ServiceDate:          date,
			DepartureTime:        req.DepartureTime,
			ArrivalTime:          arrival,
			Capacity:             vehicle.Capacity,
			AvailableSeats:       vehicle.Capacity,
			CurrentStopSequence:  alert.StopSequence,
			StartingStopSequence: alert.StopSequence,
			IsSpareTrip:          true,
			SourceAlertID:        &alertID,
		},
		Note: func(t transit.Trip) string {
			return fmt.Sprintf("Spare dispatched: vehicle %d (%s) from stop %s (#%d), trip %d",
				vehicle.ID, vehicle.NumberPlate, alert.StopName, alert.StopSequence, t.ID)
		},
	}

	trip, updated, err := r.store.CreateSpareTrip(ctx, spare)
	if err != nil {
		return Result{}, err
	}
	return Result{Trip: trip, Alert: updated}, nil
}

func validate(req Request) (time.Time, error) {
	if req.AlertID <= 0 {
		return time.Time{}, transit.Validationf("alert id must be positive")
	}
	if req.VehicleID <= 0 {
		return time.Time{}, transit.Validationf("vehicle id must be positive")
	}
	if req.DriverID <= 0 {
		return time.Time{}, transit.Validationf("driver id must be positive")
	}
	if req.Date == "" {
		return time.Time{}, transit.Validationf("date is required")
	}
	date, err := transit.ParseDate(req.Date)
	if err != nil {
		return time.Time{}, err
	}
	if req.DepartureTime < 0 || (req.ArrivalTime != nil && *req.ArrivalTime < 0) {
		return time.Time{}, transit.Validationf("times must not be negative")
	}
	return date, nil
}

func (r *Resolver) count(err error) {
	if r.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, transit.ErrConflict):
		result = "conflict"
	case errors.Is(err, transit.ErrValidation), errors.Is(err, transit.ErrPermission), errors.Is(err, transit.ErrNotFound):
		result = "rejected"
	default:
		result = "error"
	}
	r.metrics.Dispatches.WithLabelValues(result).Inc()
}
