package transit

import "time"

type Route struct {
	ID            int64   `json:"id"`
	Number        string  `json:"number"`
	Name          string  `json:"name"`
	Zone          int64   `json:"zoneId,omitempty"`
	TotalDistance float64 `json:"totalDistance"` // km
	Duration      float64 `json:"duration"`      // hours
}

type Stop struct {
	ID                 int64   `json:"id"`
	RouteID            int64   `json:"routeId"`
	Sequence           int     `json:"sequence"`
	Name               string  `json:"name"`
	DistanceFromOrigin float64 `json:"distanceFromOrigin"` // km
}

// StopDemand is declared boarding demand summed for one stop.
type StopDemand struct {
	StopID       int64  `json:"stopId"`
	StopSequence int    `json:"boardingStopSequence"`
	StopName     string `json:"stopName,omitempty"`
	RouteID      int64  `json:"routeId"`
	Zone         int64  `json:"zoneId,omitempty"`
	Passengers   int    `json:"passengerCount"`
}

type DemandIntent struct {
	ID               int64        `json:"id"`
	UserID           int64        `json:"userId,omitempty"`
	RouteID          int64        `json:"routeId"`
	Zone             int64        `json:"zoneId,omitempty"`
	ServiceDate      time.Time    `json:"serviceDate"`
	DesiredTime      ClockTime    `json:"desiredTime"`
	BoardingStopID   int64        `json:"boardingStopId"`
	BoardingSequence int          `json:"boardingStopSequence"`
	ExitStopID       *int64       `json:"exitStopId,omitempty"`
	ExitSequence     *int         `json:"exitStopSequence,omitempty"`
	PassengerCount   int          `json:"passengerCount"`
	Status           IntentStatus `json:"lifecycleStatus"`
	CreatedAt        time.Time    `json:"createdAt"`
}

// Trip is one vehicle's run of a route on a service date. CurrentStopSequence
// only moves forward; StartingStopSequence is fixed when the trip is created.
type Trip struct {
	ID                   int64      `json:"id"`
	RouteID              int64      `json:"routeId"`
	RouteNumber          string     `json:"routeNumber,omitempty"`
	Zone                 int64      `json:"zoneId,omitempty"`
	VehicleID            int64      `json:"vehicleId"`
	VehicleCapacity      int        `json:"-"`
	DriverID             int64      `json:"driverId"`
	ServiceDate          time.Time  `json:"serviceDate"`
	DepartureTime        ClockTime  `json:"departureTime"`
	ArrivalTime          ClockTime  `json:"arrivalTime"`
	Capacity             int        `json:"capacity"`
	AvailableSeats       int        `json:"availableSeats"`
	CurrentPassengers    int        `json:"currentPassengers"`
	CurrentStopSequence  int        `json:"currentStopSequence"`
	StartingStopSequence int        `json:"startingStopSequence"`
	IsSpareTrip          bool       `json:"isSpareTrip"`
	SourceAlertID        *int64     `json:"sourceAlertId,omitempty"`
	LastPassengerUpdate  *time.Time `json:"lastPassengerUpdate,omitempty"`
}

type Vehicle struct {
	ID            int64  `json:"id"`
	NumberPlate   string `json:"numberPlate"`
	Capacity      int    `json:"capacity"`
	IsActive      bool   `json:"isActive"`
	IsRunning     bool   `json:"isRunning"`
	CurrentTripID *int64 `json:"currentTripId,omitempty"`
}

type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
	Zone int64  `json:"zoneId,omitempty"`
}

// Alert is generated output of the alert synthesizer, or a manual crowd report.
type Alert struct {
	ID               int64       `json:"id"`
	StopID           int64       `json:"stopId"`
	StopSequence     int         `json:"stopSequence"`
	StopName         string      `json:"stopName"`
	RouteID          int64       `json:"routeId"`
	Zone             int64       `json:"zoneId,omitempty"`
	ServiceDate      time.Time   `json:"serviceDate"`
	Count            int         `json:"predictedOrReportedCount"`
	Level            Level       `json:"level"`
	Status           AlertStatus `json:"lifecycleStatus"`
	Origin           Origin      `json:"originTag"`
	Notes            string      `json:"notes"`
	SourceTripID     *int64      `json:"sourceTripId,omitempty"`
	DispatchedTripID *int64      `json:"dispatchedTripId,omitempty"`
	ReporterID       *int64      `json:"reporterId,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	ExpiresAt        time.Time   `json:"expiresAt"`
	ResolvedAt       *time.Time  `json:"resolvedAt,omitempty"`
}

// AlertBatch is the replacement set of one origin within a refresh.
type AlertBatch struct {
	Origin Origin
	Alerts []Alert
}

// SpareTrip describes a trip to be created by a spare dispatch, together with
// the alert transition that has to land in the same unit of work.
type SpareTrip struct {
	Trip    Trip
	AlertID int64
	// Note builds the provenance line appended to the alert once the trip id is known.
	Note func(Trip) string
}

// Advance reports the outcome of a position update.
type Advance struct {
	Applied           bool `json:"applied"`
	EffectiveSequence int  `json:"effectiveSequence"`
}

func (r Route) ZoneID() int64        { return r.Zone }
func (t Trip) ZoneID() int64         { return t.Zone }
func (d DemandIntent) ZoneID() int64 { return d.Zone }
func (a Alert) ZoneID() int64        { return a.Zone }
func (s StopDemand) ZoneID() int64   { return s.Zone }

// EffectiveCapacity resolves the seat count of a trip: its own capacity, then
// the vehicle's, then def.
func (t Trip) EffectiveCapacity(def int) int {
	if t.Capacity > 0 {
		return t.Capacity
	}
	if t.VehicleCapacity > 0 {
		return t.VehicleCapacity
	}
	return def
}

// Open reports whether an operator may still act on the alert.
func (a Alert) Open() bool {
	return a.Status == AlertReported || a.Status == AlertVerified
}
