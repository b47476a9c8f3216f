// Package demand takes riders' advance travel declarations and moves them
// through their lifecycle.
package demand

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"busload/internal/alerts"
	"busload/internal/transit"
)

type Store interface {
	Route(ctx context.Context, id int64) (transit.Route, error)
	Stop(ctx context.Context, id int64) (transit.Stop, error)
	Intent(ctx context.Context, id int64) (transit.DemandIntent, error)
	InsertIntent(ctx context.Context, d transit.DemandIntent) (transit.DemandIntent, error)
	TransitionIntent(ctx context.Context, id int64, from []transit.IntentStatus, to transit.IntentStatus) (transit.DemandIntent, error)
}

type Refresher interface {
	Refresh(ctx context.Context, date time.Time, zone transit.ZoneScope) (alerts.Refresh, error)
}

// Submission is a rider's declaration as received from the client.
type Submission struct {
	RouteID        int64             `json:"routeId"`
	Date           string            `json:"serviceDate"`
	DesiredTime    transit.ClockTime `json:"desiredTime"`
	BoardingStopID int64             `json:"boardingStopId"`
	ExitStopID     *int64            `json:"exitStopId,omitempty"`
	PassengerCount int               `json:"passengerCount"`
}

type Service struct {
	store   Store
	refresh Refresher
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(store Store, refresh Refresher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, refresh: refresh, logger: logger, now: time.Now}
}

func (s *Service) Submit(ctx context.Context, actor transit.Actor, sub Submission) (transit.DemandIntent, error) {
	if actor.ID <= 0 {
		return transit.DemandIntent{}, transit.Permissionf("anonymous callers cannot declare travel")
	}
	if sub.RouteID <= 0 || sub.BoardingStopID <= 0 {
		return transit.DemandIntent{}, transit.Validationf("route and boarding stop are required")
	}
	if sub.PassengerCount <= 0 {
		return transit.DemandIntent{}, transit.Validationf("passenger count must be positive")
	}
	date, err := transit.ParseDate(sub.Date)
	if err != nil {
		return transit.DemandIntent{}, err
	}

	route, err := s.store.Route(ctx, sub.RouteID)
	if err != nil {
		return transit.DemandIntent{}, err
	}
	boarding, err := s.stopOn(ctx, route, sub.BoardingStopID)
	if err != nil {
		return transit.DemandIntent{}, err
	}
	if sub.ExitStopID != nil {
		exit, err := s.stopOn(ctx, route, *sub.ExitStopID)
		if err != nil {
			return transit.DemandIntent{}, err
		}
		if exit.Sequence <= boarding.Sequence {
			return transit.DemandIntent{}, transit.Validationf("exit stop must come after the boarding stop")
		}
	}

	in, err := s.store.InsertIntent(ctx, transit.DemandIntent{
		UserID:         actor.ID,
		RouteID:        route.ID,
		ServiceDate:    date,
		DesiredTime:    sub.DesiredTime,
		BoardingStopID: boarding.ID,
		ExitStopID:     sub.ExitStopID,
		PassengerCount: sub.PassengerCount,
		Status:         transit.IntentPending,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return transit.DemandIntent{}, fmt.Errorf("insert intent: %w", err)
	}
	s.logger.Info("intent submitted", "intent", in.ID, "route", in.RouteID, "date", sub.Date, "passengers", in.PassengerCount)
	return in, nil
}

// Confirm marks an intent confirmed and refreshes the alerts of its date and
// zone so the new demand shows up at once. Confirming twice is harmless.
func (s *Service) Confirm(ctx context.Context, actor transit.Actor, id int64) (transit.DemandIntent, error) {
	in, err := s.operable(ctx, actor, id)
	if err != nil {
		return transit.DemandIntent{}, err
	}
	in, err = s.store.TransitionIntent(ctx, id,
		[]transit.IntentStatus{transit.IntentPending, transit.IntentConfirmed}, transit.IntentConfirmed)
	if err != nil {
		return transit.DemandIntent{}, err
	}
	s.refreshFor(ctx, in)
	return in, nil
}

// Cancel withdraws an intent. The rider who declared it may cancel as well
// as an operator of its zone.
func (s *Service) Cancel(ctx context.Context, actor transit.Actor, id int64) (transit.DemandIntent, error) {
	if id <= 0 {
		return transit.DemandIntent{}, transit.Validationf("intent id must be positive")
	}
	prev, err := s.store.Intent(ctx, id)
	if err != nil {
		return transit.DemandIntent{}, err
	}
	if !actor.CanOperate(prev) && (actor.ID == 0 || actor.ID != prev.UserID) {
		return transit.DemandIntent{}, transit.Permissionf("intent %d is not yours", id)
	}
	in, err := s.store.TransitionIntent(ctx, id,
		[]transit.IntentStatus{transit.IntentPending, transit.IntentConfirmed}, transit.IntentCancelled)
	if err != nil {
		return transit.DemandIntent{}, err
	}
	if prev.Status == transit.IntentConfirmed {
		s.refreshFor(ctx, in)
	}
	return in, nil
}

func (s *Service) operable(ctx context.Context, actor transit.Actor, id int64) (transit.DemandIntent, error) {
	if id <= 0 {
		return transit.DemandIntent{}, transit.Validationf("intent id must be positive")
	}
	in, err := s.store.Intent(ctx, id)
	if err != nil {
		return transit.DemandIntent{}, err
	}
	if !actor.CanOperate(in) {
		return transit.DemandIntent{}, transit.Permissionf("intent %d is outside your jurisdiction", id)
	}
	return in, nil
}

func (s *Service) stopOn(ctx context.Context, route transit.Route, stopID int64) (transit.Stop, error) {
	stop, err := s.store.Stop(ctx, stopID)
	if err != nil {
		return transit.Stop{}, err
	}
	if stop.RouteID != route.ID {
		return transit.Stop{}, transit.Validationf("stop %d is not on route %s", stopID, route.Number)
	}
	return stop, nil
}

// refreshFor recomputes alerts after the intent is already stored. A failed
// refresh is logged; the next refresh picks the intent up.
func (s *Service) refreshFor(ctx context.Context, in transit.DemandIntent) {
	if s.refresh == nil {
		return
	}
	zone := transit.ZoneScope(in.Zone)
	if _, err := s.refresh.Refresh(ctx, in.ServiceDate, zone); err != nil {
		s.logger.Warn("alert refresh after intent change failed", "intent", in.ID, "zone", in.Zone, "error", err)
	}
}
