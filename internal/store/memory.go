// Package store holds the in-memory implementation of the storage contract
// and the stop cache that sits in front of any implementation.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"busload/internal/transit"
)

type tripSlot struct {
	owner     int64 // vehicle or driver id
	date      time.Time
	departure transit.ClockTime
}

// Memory is a mutex-serialised store. Every method is atomic with respect to
// every other, which gives the same guarantees the Postgres store gets from
// transactions and unique indexes.
type Memory struct {
	mu sync.Mutex

	routes   map[int64]transit.Route
	stops    map[int64]transit.Stop
	vehicles map[int64]transit.Vehicle
	users    map[int64]transit.User
	trips    map[int64]transit.Trip
	intents  map[int64]transit.DemandIntent
	alerts   map[int64]transit.Alert

	vehicleSlots map[tripSlot]int64
	driverSlots  map[tripSlot]int64

	seq map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		routes:       make(map[int64]transit.Route),
		stops:        make(map[int64]transit.Stop),
		vehicles:     make(map[int64]transit.Vehicle),
		users:        make(map[int64]transit.User),
		trips:        make(map[int64]transit.Trip),
		intents:      make(map[int64]transit.DemandIntent),
		alerts:       make(map[int64]transit.Alert),
		vehicleSlots: make(map[tripSlot]int64),
		driverSlots:  make(map[tripSlot]int64),
		seq:          make(map[string]int64),
	}
}

func (m *Memory) next(table string, want int64) int64 {
	if want > 0 {
		if want > m.seq[table] {
			m.seq[table] = want
		}
		return want
	}
	m.seq[table]++
	return m.seq[table]
}

// ---- seeding ----

func (m *Memory) AddRoute(r transit.Route) transit.Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = m.next("routes", r.ID)
	m.routes[r.ID] = r
	return r
}

func (m *Memory) AddStop(s transit.Stop) (transit.Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[s.RouteID]; !ok {
		return transit.Stop{}, transit.NotFoundf("route %d not found", s.RouteID)
	}
	if s.Sequence <= 0 {
		return transit.Stop{}, transit.Validationf("stop sequence must be positive")
	}
	for _, other := range m.stops {
		if other.RouteID == s.RouteID && other.Sequence == s.Sequence && other.ID != s.ID {
			return transit.Stop{}, transit.Conflictf("route %d already has a stop with sequence %d", s.RouteID, s.Sequence)
		}
	}
	s.ID = m.next("stops", s.ID)
	m.stops[s.ID] = s
	return s, nil
}

func (m *Memory) AddVehicle(v transit.Vehicle) transit.Vehicle {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = m.next("vehicles", v.ID)
	m.vehicles[v.ID] = v
	return v
}

func (m *Memory) AddUser(u transit.User) transit.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = m.next("users", u.ID)
	m.users[u.ID] = u
	return u
}

// AddTrip stores a scheduled trip, enforcing the double-booking constraints.
func (m *Memory) AddTrip(t transit.Trip) (transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[t.RouteID]; !ok {
		return transit.Trip{}, transit.NotFoundf("route %d not found", t.RouteID)
	}
	if err := m.insertTripLocked(&t); err != nil {
		return transit.Trip{}, err
	}
	return m.decorateTrip(t), nil
}

func (m *Memory) AddIntent(d transit.DemandIntent) (transit.DemandIntent, error) {
	return m.InsertIntent(context.Background(), d)
}

func (m *Memory) AddAlert(a transit.Alert) (transit.Alert, error) {
	return m.InsertAlert(context.Background(), a)
}

// ---- routes, stops, users, vehicles ----

func (m *Memory) Route(_ context.Context, id int64) (transit.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return transit.Route{}, transit.NotFoundf("route %d not found", id)
	}
	return r, nil
}

func (m *Memory) Stop(_ context.Context, id int64) (transit.Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stops[id]
	if !ok {
		return transit.Stop{}, transit.NotFoundf("stop %d not found", id)
	}
	return s, nil
}

func (m *Memory) OrderedStops(_ context.Context, routeID int64) ([]transit.Stop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[routeID]; !ok {
		return nil, transit.NotFoundf("route %d not found", routeID)
	}
	var out []transit.Stop
	for _, s := range m.stops {
		if s.RouteID == routeID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *Memory) Vehicle(_ context.Context, id int64) (transit.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return transit.Vehicle{}, transit.NotFoundf("vehicle %d not found", id)
	}
	return v, nil
}

func (m *Memory) User(_ context.Context, id int64) (transit.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return transit.User{}, transit.NotFoundf("user %d not found", id)
	}
	return u, nil
}

// ---- demand ----

func (m *Memory) Intent(_ context.Context, id int64) (transit.DemandIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.intents[id]
	if !ok {
		return transit.DemandIntent{}, transit.NotFoundf("intent %d not found", id)
	}
	return m.decorateIntent(d), nil
}

func (m *Memory) InsertIntent(_ context.Context, d transit.DemandIntent) (transit.DemandIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[d.RouteID]; !ok {
		return transit.DemandIntent{}, transit.NotFoundf("route %d not found", d.RouteID)
	}
	if _, ok := m.stops[d.BoardingStopID]; !ok {
		return transit.DemandIntent{}, transit.NotFoundf("stop %d not found", d.BoardingStopID)
	}
	if d.Status == "" {
		d.Status = transit.IntentPending
	}
	d.ServiceDate = transit.DateOf(d.ServiceDate)
	d.ID = m.next("intents", d.ID)
	m.intents[d.ID] = d
	return m.decorateIntent(d), nil
}

func (m *Memory) TransitionIntent(_ context.Context, id int64, from []transit.IntentStatus, to transit.IntentStatus) (transit.DemandIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.intents[id]
	if !ok {
		return transit.DemandIntent{}, transit.NotFoundf("intent %d not found", id)
	}
	if !slices.Contains(from, d.Status) {
		return transit.DemandIntent{}, transit.Conflictf("intent %d is %s", id, d.Status)
	}
	d.Status = to
	m.intents[id] = d
	return m.decorateIntent(d), nil
}

func (m *Memory) Demand(_ context.Context, routeID int64, date time.Time, statuses []transit.IntentStatus) ([]transit.StopDemand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := map[int64]int{}
	for _, d := range m.intents {
		if d.RouteID != routeID || !transit.SameDate(d.ServiceDate, date) || !slices.Contains(statuses, d.Status) {
			continue
		}
		totals[d.BoardingStopID] += d.PassengerCount
	}
	return m.stopDemandLocked(totals), nil
}

func (m *Memory) DemandByStop(_ context.Context, date time.Time, zone transit.ZoneScope, statuses []transit.IntentStatus) ([]transit.StopDemand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	totals := map[int64]int{}
	for _, d := range m.intents {
		d = m.decorateIntent(d)
		if !transit.SameDate(d.ServiceDate, date) || !slices.Contains(statuses, d.Status) || !zone.Contains(d) {
			continue
		}
		totals[d.BoardingStopID] += d.PassengerCount
	}
	return m.stopDemandLocked(totals), nil
}

func (m *Memory) stopDemandLocked(totals map[int64]int) []transit.StopDemand {
	out := make([]transit.StopDemand, 0, len(totals))
	for stopID, n := range totals {
		s := m.stops[stopID]
		out = append(out, transit.StopDemand{
			StopID:       stopID,
			StopSequence: s.Sequence,
			StopName:     s.Name,
			RouteID:      s.RouteID,
			Zone:         m.routes[s.RouteID].Zone,
			Passengers:   n,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RouteID != out[j].RouteID {
			return out[i].RouteID < out[j].RouteID
		}
		return out[i].StopSequence < out[j].StopSequence
	})
	return out
}

// ---- trips ----

func (m *Memory) Trip(_ context.Context, id int64) (transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return transit.Trip{}, transit.NotFoundf("trip %d not found", id)
	}
	return m.decorateTrip(t), nil
}

// RunningTrips returns trips on date whose vehicle is running and linked to them.
func (m *Memory) RunningTrips(_ context.Context, date time.Time, zone transit.ZoneScope) ([]transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []transit.Trip
	for _, t := range m.trips {
		t = m.decorateTrip(t)
		if !transit.SameDate(t.ServiceDate, date) || !zone.Contains(t) {
			continue
		}
		v, ok := m.vehicles[t.VehicleID]
		if !ok || !v.IsRunning || v.CurrentTripID == nil || *v.CurrentTripID != t.ID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DepartureTime != out[j].DepartureTime {
			return out[i].DepartureTime < out[j].DepartureTime
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) AdvanceStop(_ context.Context, id int64, seq int) (transit.Advance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return transit.Advance{}, transit.NotFoundf("trip %d not found", id)
	}
	if seq < t.CurrentStopSequence {
		return transit.Advance{Applied: false, EffectiveSequence: t.CurrentStopSequence}, nil
	}
	t.CurrentStopSequence = seq
	m.trips[id] = t
	return transit.Advance{Applied: true, EffectiveSequence: seq}, nil
}

func (m *Memory) SetPassengerCount(_ context.Context, id int64, count int, at time.Time) (transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return transit.Trip{}, transit.NotFoundf("trip %d not found", id)
	}
	t.CurrentPassengers = count
	t.AvailableSeats = max(0, m.decorateTrip(t).EffectiveCapacity(0)-count)
	t.LastPassengerUpdate = &at
	m.trips[id] = t
	return m.decorateTrip(t), nil
}

func (m *Memory) StartTrip(_ context.Context, id int64) (transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return transit.Trip{}, transit.NotFoundf("trip %d not found", id)
	}
	v, ok := m.vehicles[t.VehicleID]
	if !ok {
		return transit.Trip{}, transit.NotFoundf("vehicle %d not found", t.VehicleID)
	}
	if v.IsRunning && v.CurrentTripID != nil && *v.CurrentTripID != id {
		return transit.Trip{}, transit.Conflictf("vehicle %d is running trip %d", v.ID, *v.CurrentTripID)
	}
	v.IsRunning = true
	v.CurrentTripID = &id
	m.vehicles[v.ID] = v
	return m.decorateTrip(t), nil
}

func (m *Memory) FinishTrip(_ context.Context, id int64) (transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return transit.Trip{}, transit.NotFoundf("trip %d not found", id)
	}
	if v, ok := m.vehicles[t.VehicleID]; ok && v.CurrentTripID != nil && *v.CurrentTripID == id {
		v.IsRunning = false
		v.CurrentTripID = nil
		m.vehicles[v.ID] = v
	}
	return m.decorateTrip(t), nil
}

// CreateTrip stores a scheduled trip. A vehicle or driver already booked at
// the same date and departure is a conflict.
func (m *Memory) CreateTrip(_ context.Context, t transit.Trip) (transit.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[t.RouteID]; !ok {
		return transit.Trip{}, transit.NotFoundf("route %d not found", t.RouteID)
	}
	if _, ok := m.vehicles[t.VehicleID]; !ok {
		return transit.Trip{}, transit.NotFoundf("vehicle %d not found", t.VehicleID)
	}
	t.ID = 0
	if err := m.insertTripLocked(&t); err != nil {
		return transit.Trip{}, err
	}
	return m.decorateTrip(t), nil
}

// CreateSpareTrip creates the spare trip, claims the vehicle and moves the
// alert to dispatched as one step. Nothing changes when any check fails.
func (m *Memory) CreateSpareTrip(_ context.Context, st transit.SpareTrip) (transit.Trip, transit.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[st.AlertID]
	if !ok {
		return transit.Trip{}, transit.Alert{}, transit.NotFoundf("alert %d not found", st.AlertID)
	}
	if !a.Open() {
		return transit.Trip{}, transit.Alert{}, transit.Conflictf("alert %d is already %s", a.ID, a.Status)
	}
	v, ok := m.vehicles[st.Trip.VehicleID]
	if !ok {
		return transit.Trip{}, transit.Alert{}, transit.NotFoundf("vehicle %d not found", st.Trip.VehicleID)
	}
	if !v.IsActive || v.IsRunning {
		return transit.Trip{}, transit.Alert{}, transit.Conflictf("vehicle %d is not available", v.ID)
	}

	t := st.Trip
	if err := m.insertTripLocked(&t); err != nil {
		return transit.Trip{}, transit.Alert{}, err
	}
	id := t.ID
	v.IsRunning = true
	v.CurrentTripID = &id
	m.vehicles[v.ID] = v

	t = m.decorateTrip(t)
	a.Status = transit.AlertDispatched
	a.DispatchedTripID = &id
	if st.Note != nil {
		a.Notes = transit.AppendNote(a.Notes, st.Note(t))
	}
	m.alerts[a.ID] = a
	return t, m.decorateAlert(a), nil
}

func (m *Memory) insertTripLocked(t *transit.Trip) error {
	t.ServiceDate = transit.DateOf(t.ServiceDate)
	vs := tripSlot{owner: t.VehicleID, date: t.ServiceDate, departure: t.DepartureTime}
	ds := tripSlot{owner: t.DriverID, date: t.ServiceDate, departure: t.DepartureTime}
	if other, ok := m.vehicleSlots[vs]; ok {
		return transit.Conflictf("vehicle %d already runs trip %d on %s at %s", t.VehicleID, other, t.ServiceDate.Format(transit.DateLayout), t.DepartureTime)
	}
	if other, ok := m.driverSlots[ds]; ok {
		return transit.Conflictf("driver %d already drives trip %d on %s at %s", t.DriverID, other, t.ServiceDate.Format(transit.DateLayout), t.DepartureTime)
	}
	t.ID = m.next("trips", t.ID)
	m.trips[t.ID] = *t
	m.vehicleSlots[vs] = t.ID
	m.driverSlots[ds] = t.ID
	return nil
}

// ---- alerts ----

func (m *Memory) Alert(_ context.Context, id int64) (transit.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return transit.Alert{}, transit.NotFoundf("alert %d not found", id)
	}
	return m.decorateAlert(a), nil
}

func (m *Memory) ListAlerts(_ context.Context, date time.Time, zone transit.ZoneScope) ([]transit.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []transit.Alert
	for _, a := range m.alerts {
		a = m.decorateAlert(a)
		if transit.SameDate(a.ServiceDate, date) && zone.Contains(a) {
			out = append(out, a)
		}
	}
	sortAlerts(out)
	return out, nil
}

func (m *Memory) InsertAlert(_ context.Context, a transit.Alert) (transit.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stops[a.StopID]; !ok {
		return transit.Alert{}, transit.NotFoundf("stop %d not found", a.StopID)
	}
	if a.Status == "" {
		a.Status = transit.AlertReported
	}
	a.ServiceDate = transit.DateOf(a.ServiceDate)
	a.ID = m.next("alerts", a.ID)
	m.alerts[a.ID] = a
	return m.decorateAlert(a), nil
}

// ReplaceAlerts drops the still-reported alerts of each batch origin within
// the date and zone, then inserts the batch. Alerts an operator already moved
// past reported are left alone, and a new alert is skipped when its source
// trip already has a verified or dispatched alert of the same origin.
func (m *Memory) ReplaceAlerts(_ context.Context, date time.Time, zone transit.ZoneScope, batches []transit.AlertBatch) ([]transit.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range batches {
		for _, a := range b.Alerts {
			if _, ok := m.stops[a.StopID]; !ok {
				return nil, transit.NotFoundf("stop %d not found", a.StopID)
			}
		}
	}

	var out []transit.Alert
	for _, b := range batches {
		for id, a := range m.alerts {
			a = m.decorateAlert(a)
			if a.Origin == b.Origin && a.Status == transit.AlertReported &&
				transit.SameDate(a.ServiceDate, date) && zone.Contains(a) {
				delete(m.alerts, id)
			}
		}
		handled := m.handledTripsLocked(date, b.Origin)
		for _, a := range b.Alerts {
			if a.SourceTripID != nil && handled[*a.SourceTripID] {
				continue
			}
			a.Origin = b.Origin
			if a.Status == "" {
				a.Status = transit.AlertReported
			}
			a.ServiceDate = transit.DateOf(date)
			a.ID = m.next("alerts", 0)
			m.alerts[a.ID] = a
			out = append(out, m.decorateAlert(a))
		}
	}
	return out, nil
}

func (m *Memory) handledTripsLocked(date time.Time, origin transit.Origin) map[int64]bool {
	handled := map[int64]bool{}
	for _, a := range m.alerts {
		if a.Origin != origin || a.SourceTripID == nil || !transit.SameDate(a.ServiceDate, date) {
			continue
		}
		if a.Status == transit.AlertVerified || a.Status == transit.AlertDispatched {
			handled[*a.SourceTripID] = true
		}
	}
	return handled
}

func (m *Memory) TransitionAlert(_ context.Context, id int64, from []transit.AlertStatus, to transit.AlertStatus, note string, at time.Time) (transit.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return transit.Alert{}, transit.NotFoundf("alert %d not found", id)
	}
	if !slices.Contains(from, a.Status) {
		return transit.Alert{}, transit.Conflictf("alert %d is %s", id, a.Status)
	}
	a.Status = to
	a.Notes = transit.AppendNote(a.Notes, note)
	if to == transit.AlertResolved {
		a.ResolvedAt = &at
	}
	m.alerts[id] = a
	return m.decorateAlert(a), nil
}

func (m *Memory) ExpireAlerts(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, a := range m.alerts {
		if a.Status == transit.AlertReported && !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(now) {
			a.Status = transit.AlertExpired
			m.alerts[id] = a
			n++
		}
	}
	return n, nil
}

// ---- denormalisation ----

func (m *Memory) decorateTrip(t transit.Trip) transit.Trip {
	r := m.routes[t.RouteID]
	t.RouteNumber = r.Number
	t.Zone = r.Zone
	t.VehicleCapacity = m.vehicles[t.VehicleID].Capacity
	return t
}

func (m *Memory) decorateIntent(d transit.DemandIntent) transit.DemandIntent {
	d.Zone = m.routes[d.RouteID].Zone
	d.BoardingSequence = m.stops[d.BoardingStopID].Sequence
	if d.ExitStopID != nil {
		seq := m.stops[*d.ExitStopID].Sequence
		d.ExitSequence = &seq
	}
	return d
}

func (m *Memory) decorateAlert(a transit.Alert) transit.Alert {
	s := m.stops[a.StopID]
	a.StopSequence = s.Sequence
	a.StopName = s.Name
	a.RouteID = s.RouteID
	a.Zone = m.routes[s.RouteID].Zone
	a.Level = transit.LevelFor(a.Count)
	return a
}

func sortAlerts(alerts []transit.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].ID > alerts[j].ID
	})
}
