package transit

import (
	"context"
	"errors"
)

// Event kinds published to the message bus.
const (
	EventAlertsRefreshed = "alerts.refreshed"
	EventAlertReported   = "alert.reported"
	EventAlertChanged    = "alert.changed"
	EventTripDispatched  = "trip.dispatched"
	EventTripScheduled   = "trip.scheduled"
	EventTripPosition    = "trip.position"
	EventTripPassengers  = "trip.passengers"
)

// Emitter publishes domain events. Delivery is best effort; emit failures
// never roll back a committed operation.
type Emitter interface {
	Emit(ctx context.Context, kind string, zone int64, key string, payload any) error
}

type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, string, int64, string, any) error { return nil }

// Emitters fans an event out to several emitters. Every emitter is tried;
// the failures are joined.
type Emitters []Emitter

func (es Emitters) Emit(ctx context.Context, kind string, zone int64, key string, payload any) error {
	var errs []error
	for _, e := range es {
		if err := e.Emit(ctx, kind, zone, key, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
