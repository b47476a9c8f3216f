package alerts

import (
	"context"
	"fmt"
	"time"

	"busload/internal/transit"
)

// Listing groups the alerts of one date by origin.
type Listing struct {
	Date     string          `json:"date"`
	Demand   []transit.Alert `json:"demand"`
	Overflow []transit.Alert `json:"overflow"`
	Reports  []transit.Alert `json:"reports"`
}

func (s *Synthesizer) List(ctx context.Context, actor transit.Actor, date time.Time, zone transit.ZoneScope) (Listing, error) {
	scope, err := actor.Scope(zone)
	if err != nil {
		return Listing{}, err
	}
	all, err := s.store.ListAlerts(ctx, transit.DateOf(date), scope)
	if err != nil {
		return Listing{}, fmt.Errorf("list alerts: %w", err)
	}
	out := Listing{
		Date:     transit.DateOf(date).Format(transit.DateLayout),
		Demand:   []transit.Alert{},
		Overflow: []transit.Alert{},
		Reports:  []transit.Alert{},
	}
	for _, a := range all {
		switch a.Origin {
		case transit.OriginDeclaredDemand:
			out.Demand = append(out.Demand, a)
		case transit.OriginPredictedOverflow:
			out.Overflow = append(out.Overflow, a)
		default:
			out.Reports = append(out.Reports, a)
		}
	}
	return out, nil
}

// Report records a crowd report made at a stop on today's service date in
// the configured location. Reports are never replaced by a refresh; they
// leave the open set by operator action or expiry.
func (s *Synthesizer) Report(ctx context.Context, actor transit.Actor, stopID int64, people int) (transit.Alert, error) {
	if stopID <= 0 {
		return transit.Alert{}, transit.Validationf("stop id must be positive")
	}
	if people <= 0 {
		return transit.Alert{}, transit.Validationf("number of people must be positive")
	}
	stop, err := s.store.Stop(ctx, stopID)
	if err != nil {
		return transit.Alert{}, err
	}

	now := s.now()
	a := transit.Alert{
		StopID:      stop.ID,
		ServiceDate: transit.DateOf(now.In(s.loc)),
		Count:       people,
		Status:      transit.AlertReported,
		Origin:      transit.OriginPassengerReport,
		Notes:       fmt.Sprintf("Crowd report: %d people waiting at %s", people, stop.Name),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if actor.ID > 0 {
		id := actor.ID
		a.ReporterID = &id
	}
	a, err = s.store.InsertAlert(ctx, a)
	if err != nil {
		return transit.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	if s.metrics != nil {
		s.metrics.AlertsGenerated.WithLabelValues(string(transit.OriginPassengerReport)).Inc()
	}
	s.logger.Info("crowd reported", "alert", a.ID, "stop", a.StopID, "people", a.Count, "level", a.Level)
	s.emit(ctx, transit.EventAlertReported, a)
	return a, nil
}

func (s *Synthesizer) Verify(ctx context.Context, actor transit.Actor, id int64) (transit.Alert, error) {
	return s.transition(ctx, actor, id,
		[]transit.AlertStatus{transit.AlertReported},
		transit.AlertVerified, "Verified")
}

func (s *Synthesizer) Resolve(ctx context.Context, actor transit.Actor, id int64) (transit.Alert, error) {
	return s.transition(ctx, actor, id,
		[]transit.AlertStatus{transit.AlertReported, transit.AlertVerified, transit.AlertDispatched},
		transit.AlertResolved, "Resolved")
}

func (s *Synthesizer) transition(ctx context.Context, actor transit.Actor, id int64, from []transit.AlertStatus, to transit.AlertStatus, verb string) (transit.Alert, error) {
	if id <= 0 {
		return transit.Alert{}, transit.Validationf("alert id must be positive")
	}
	a, err := s.store.Alert(ctx, id)
	if err != nil {
		return transit.Alert{}, err
	}
	if !actor.CanOperate(a) {
		return transit.Alert{}, transit.Permissionf("alert %d is outside your jurisdiction", id)
	}
	now := s.now()
	note := fmt.Sprintf("%s by user %d at %s", verb, actor.ID, now.UTC().Format(time.RFC3339))
	a, err = s.store.TransitionAlert(ctx, id, from, to, note, now)
	if err != nil {
		return transit.Alert{}, err
	}
	s.logger.Info("alert transition", "alert", a.ID, "status", a.Status, "actor", actor.ID)
	s.emit(ctx, transit.EventAlertChanged, a)
	return a, nil
}

// ExpireStale moves reported alerts past their expiry to expired.
func (s *Synthesizer) ExpireStale(ctx context.Context) (int, error) {
	n, err := s.store.ExpireAlerts(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expire alerts: %w", err)
	}
	if n > 0 {
		if s.metrics != nil {
			s.metrics.AlertsExpired.Add(float64(n))
		}
		s.logger.Info("alerts expired", "count", n)
	}
	return n, nil
}

func (s *Synthesizer) emit(ctx context.Context, kind string, a transit.Alert) {
	if err := s.events.Emit(ctx, kind, a.Zone, fmt.Sprintf("%d", a.ID), a); err != nil {
		s.logger.Warn("emit alert event", "kind", kind, "alert", a.ID, "error", err)
	}
}
