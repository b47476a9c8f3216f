package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"busload/internal/transit"
)

// Fixture is the on-disk seed format of the memory store. Dates are written
// as YYYY-MM-DD.
type Fixture struct {
	Routes   []transit.Route   `json:"routes"`
	Stops    []transit.Stop    `json:"stops"`
	Vehicles []transit.Vehicle `json:"vehicles"`
	Users    []transit.User    `json:"users"`
	Trips    []fixtureTrip     `json:"trips"`
	Intents  []fixtureIntent   `json:"intents"`
}

type fixtureTrip struct {
	transit.Trip
	ServiceDate string `json:"serviceDate"`
}

type fixtureIntent struct {
	transit.DemandIntent
	ServiceDate string `json:"serviceDate"`
}

func LoadFixtureFile(m *Memory, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	return LoadFixture(m, f)
}

// LoadFixture decodes a fixture from r and adds every entity to m in
// dependency order.
func LoadFixture(m *Memory, r io.Reader) error {
	var fx Fixture
	if err := json.NewDecoder(r).Decode(&fx); err != nil {
		return fmt.Errorf("decode fixture: %w", err)
	}
	for _, rt := range fx.Routes {
		m.AddRoute(rt)
	}
	for _, s := range fx.Stops {
		if _, err := m.AddStop(s); err != nil {
			return fmt.Errorf("fixture stop %d: %w", s.ID, err)
		}
	}
	for _, v := range fx.Vehicles {
		if v.Capacity < 0 {
			v.Capacity = 0
		}
		m.AddVehicle(v)
	}
	for _, u := range fx.Users {
		m.AddUser(u)
	}
	for _, ft := range fx.Trips {
		t := ft.Trip
		d, err := transit.ParseDate(ft.ServiceDate)
		if err != nil {
			return fmt.Errorf("fixture trip %d: %w", t.ID, err)
		}
		t.ServiceDate = d
		if t.StartingStopSequence == 0 {
			t.StartingStopSequence = t.CurrentStopSequence
		}
		if _, err := m.AddTrip(t); err != nil {
			return fmt.Errorf("fixture trip %d: %w", t.ID, err)
		}
	}
	for _, fi := range fx.Intents {
		in := fi.DemandIntent
		d, err := transit.ParseDate(fi.ServiceDate)
		if err != nil {
			return fmt.Errorf("fixture intent %d: %w", in.ID, err)
		}
		in.ServiceDate = d
		if in.Status != "" {
			if in.Status, err = transit.ParseIntentStatus(string(in.Status)); err != nil {
				return fmt.Errorf("fixture intent %d: %w", in.ID, err)
			}
		}
		if _, err := m.AddIntent(in); err != nil {
			return fmt.Errorf("fixture intent %d: %w", in.ID, err)
		}
	}
	return nil
}
