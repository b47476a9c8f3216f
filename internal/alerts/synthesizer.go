// Package alerts turns declared demand and predicted overflows into crowd
// alerts, and carries the operator lifecycle of every alert.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"busload/internal/forecast"
	"busload/internal/metrics"
	"busload/internal/transit"
)

type Store interface {
	DemandByStop(ctx context.Context, date time.Time, zone transit.ZoneScope, statuses []transit.IntentStatus) ([]transit.StopDemand, error)
	RunningTrips(ctx context.Context, date time.Time, zone transit.ZoneScope) ([]transit.Trip, error)
	ReplaceAlerts(ctx context.Context, date time.Time, zone transit.ZoneScope, batches []transit.AlertBatch) ([]transit.Alert, error)
	ListAlerts(ctx context.Context, date time.Time, zone transit.ZoneScope) ([]transit.Alert, error)
	Alert(ctx context.Context, id int64) (transit.Alert, error)
	Stop(ctx context.Context, id int64) (transit.Stop, error)
	InsertAlert(ctx context.Context, a transit.Alert) (transit.Alert, error)
	TransitionAlert(ctx context.Context, id int64, from []transit.AlertStatus, to transit.AlertStatus, note string, at time.Time) (transit.Alert, error)
	ExpireAlerts(ctx context.Context, now time.Time) (int, error)
}

type Forecaster interface {
	Forecast(ctx context.Context, trip transit.Trip, p forecast.Policy) (forecast.Result, error)
}

const DefaultTTL = time.Hour

type Options struct {
	// Policy selects the demand that feeds overflow predictions.
	Policy forecast.Policy
	TTL    time.Duration
	Now    func() time.Time
	// Location decides the service date of crowd reports. Defaults to time.Local.
	Location *time.Location
}

type Synthesizer struct {
	store   Store
	engine  Forecaster
	policy  forecast.Policy
	ttl     time.Duration
	now     func() time.Time
	loc     *time.Location
	events  transit.Emitter
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewSynthesizer(store Store, engine Forecaster, opts Options, events transit.Emitter, m *metrics.Collector, logger *slog.Logger) *Synthesizer {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if len(opts.Policy.Statuses) == 0 {
		opts.Policy = forecast.OperatorPolicy([]transit.IntentStatus{transit.IntentConfirmed})
	}
	if events == nil {
		events = transit.NopEmitter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		store:   store,
		engine:  engine,
		policy:  opts.Policy,
		ttl:     opts.TTL,
		now:     opts.Now,
		loc:     opts.Location,
		events:  events,
		metrics: m,
		logger:  logger,
	}
}

// Refresh is the outcome of one refresh run.
type Refresh struct {
	Date           string          `json:"date"`
	Zone           int64           `json:"zoneId"`
	DemandAlerts   []transit.Alert `json:"demandAlerts"`
	OverflowAlerts []transit.Alert `json:"overflowAlerts"`
}

// RefreshFor runs Refresh inside the zones the actor may operate.
func (s *Synthesizer) RefreshFor(ctx context.Context, actor transit.Actor, date time.Time, zone transit.ZoneScope) (Refresh, error) {
	scope, err := actor.Scope(zone)
	if err != nil {
		return Refresh{}, err
	}
	return s.Refresh(ctx, date, scope)
}

// Refresh recomputes the declared-demand and predicted-overflow alerts of a
// date. Both sets are computed before anything is written, and the store
// swaps them in as one unit, so a failed run leaves the previous alerts.
// Running it twice without data changes yields the same alert set.
func (s *Synthesizer) Refresh(ctx context.Context, date time.Time, zone transit.ZoneScope) (Refresh, error) {
	start := time.Now()
	date = transit.DateOf(date)

	res, err := s.refresh(ctx, date, zone)
	if s.metrics != nil {
		s.metrics.AlertRefreshDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.AlertRefreshes.WithLabelValues("error").Inc()
		} else {
			s.metrics.AlertRefreshes.WithLabelValues("ok").Inc()
			s.metrics.AlertsGenerated.WithLabelValues(string(transit.OriginDeclaredDemand)).Add(float64(len(res.DemandAlerts)))
			s.metrics.AlertsGenerated.WithLabelValues(string(transit.OriginPredictedOverflow)).Add(float64(len(res.OverflowAlerts)))
			s.metrics.RefreshedAlerts.WithLabelValues(string(transit.OriginDeclaredDemand)).Set(float64(len(res.DemandAlerts)))
			s.metrics.RefreshedAlerts.WithLabelValues(string(transit.OriginPredictedOverflow)).Set(float64(len(res.OverflowAlerts)))
		}
	}
	if err != nil {
		return Refresh{}, err
	}

	s.logger.Info("alerts refreshed",
		"date", res.Date, "zone", res.Zone,
		"demand", len(res.DemandAlerts), "overflow", len(res.OverflowAlerts),
		"took", time.Since(start))
	if err := s.events.Emit(ctx, transit.EventAlertsRefreshed, int64(zone), res.Date, res); err != nil {
		s.logger.Warn("emit refresh event", "error", err)
	}
	return res, nil
}

func (s *Synthesizer) refresh(ctx context.Context, date time.Time, zone transit.ZoneScope) (Refresh, error) {
	now := s.now()

	demand, err := s.demandAlerts(ctx, date, zone, now)
	if err != nil {
		return Refresh{}, err
	}
	overflow, err := s.overflowAlerts(ctx, date, zone, now)
	if err != nil {
		return Refresh{}, err
	}

	inserted, err := s.store.ReplaceAlerts(ctx, date, zone, []transit.AlertBatch{
		{Origin: transit.OriginDeclaredDemand, Alerts: demand},
		{Origin: transit.OriginPredictedOverflow, Alerts: overflow},
	})
	if err != nil {
		return Refresh{}, fmt.Errorf("replace alerts: %w", err)
	}

	res := Refresh{
		Date:           date.Format(transit.DateLayout),
		Zone:           int64(zone),
		DemandAlerts:   []transit.Alert{},
		OverflowAlerts: []transit.Alert{},
	}
	for _, a := range inserted {
		switch a.Origin {
		case transit.OriginDeclaredDemand:
			res.DemandAlerts = append(res.DemandAlerts, a)
		case transit.OriginPredictedOverflow:
			res.OverflowAlerts = append(res.OverflowAlerts, a)
		}
	}
	return res, nil
}

func (s *Synthesizer) demandAlerts(ctx context.Context, date time.Time, zone transit.ZoneScope, now time.Time) ([]transit.Alert, error) {
	demand, err := s.store.DemandByStop(ctx, date, zone, []transit.IntentStatus{transit.IntentConfirmed})
	if err != nil {
		return nil, fmt.Errorf("demand by stop: %w", err)
	}
	out := make([]transit.Alert, 0, len(demand))
	for _, d := range demand {
		if d.Passengers <= 0 {
			continue
		}
		out = append(out, transit.Alert{
			StopID:      d.StopID,
			ServiceDate: date,
			Count:       d.Passengers,
			Status:      transit.AlertReported,
			Origin:      transit.OriginDeclaredDemand,
			Notes:       fmt.Sprintf("Declared demand: %d confirmed passengers boarding at stop %s (#%d)", d.Passengers, d.StopName, d.StopSequence),
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.ttl),
		})
	}
	return out, nil
}

func (s *Synthesizer) overflowAlerts(ctx context.Context, date time.Time, zone transit.ZoneScope, now time.Time) ([]transit.Alert, error) {
	trips, err := s.store.RunningTrips(ctx, date, zone)
	if err != nil {
		return nil, fmt.Errorf("running trips: %w", err)
	}
	if len(trips) == 0 {
		return nil, nil
	}

	// Trips whose overflow an operator already verified or dispatched are
	// filtered by ReplaceAlerts, inside the same unit of work as the swap.
	var out []transit.Alert
	for _, trip := range trips {
		res, err := s.engine.Forecast(ctx, trip, s.policy)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("forecast failed, trip skipped", "trip", trip.ID, "route", trip.RouteID, "error", err)
			continue
		}
		stop, ok := res.FirstOverflow()
		if !ok {
			continue
		}
		tripID := trip.ID
		out = append(out, transit.Alert{
			StopID:       stop.StopID,
			ServiceDate:  date,
			Count:        stop.PredictedLoadAfter,
			Status:       transit.AlertReported,
			Origin:       transit.OriginPredictedOverflow,
			SourceTripID: &tripID,
			Notes: fmt.Sprintf("Prediction (bus load): route %s, vehicle %d, capacity %d, predicted %d at stop %s (#%d)",
				routeLabel(trip), trip.VehicleID, res.Capacity, stop.PredictedLoadAfter, stop.StopName, stop.StopSequence),
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		})
	}
	return out, nil
}

func routeLabel(t transit.Trip) string {
	if t.RouteNumber != "" {
		return t.RouteNumber
	}
	return fmt.Sprintf("%d", t.RouteID)
}
