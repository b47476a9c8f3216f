package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"busload/internal/demand"
	"busload/internal/dispatch"
	"busload/internal/forecast"
	"busload/internal/tracking"
	"busload/internal/transit"
)

func (s *Server) health(c echo.Context) error {
	if s.svc.Ready != nil {
		if err := s.svc.Ready(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// trips

func (s *Server) postTrip(c echo.Context) error {
	var sch tracking.Schedule
	if err := c.Bind(&sch); err != nil {
		return err
	}
	trip, err := s.svc.Trips.CreateTrip(c.Request().Context(), actorOf(c), sch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, trip)
}

func (s *Server) getTrip(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	trip, err := s.svc.Trips.Trip(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, trip)
}

func (s *Server) getForecast(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var policy forecast.Policy
	switch c.QueryParam("policy") {
	case "", forecast.OperatorPolicyName:
		policy = s.svc.OperatorPolicy
	case forecast.WhatIfPolicyName:
		policy = s.svc.WhatIfPolicy
	default:
		return transit.Validationf("unknown policy %q", c.QueryParam("policy"))
	}
	ctx := c.Request().Context()
	trip, err := s.svc.Trips.Trip(ctx, actorOf(c), id)
	if err != nil {
		return err
	}
	res, err := s.svc.Forecast.Forecast(ctx, trip, policy)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type positionBody struct {
	StopSequence int `json:"stopSequence"`
}

func (s *Server) postPosition(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body positionBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	adv, err := s.svc.Trips.AdvanceStop(c.Request().Context(), actorOf(c), id, body.StopSequence)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, adv)
}

type passengersBody struct {
	Count *int `json:"count"`
}

func (s *Server) postPassengers(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body passengersBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if body.Count == nil {
		return transit.Validationf("count is required")
	}
	trip, err := s.svc.Trips.ReportPassengerCount(c.Request().Context(), actorOf(c), id, *body.Count)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, trip)
}

func (s *Server) postStart(c echo.Context) error {
	return run[transit.Trip](c, s.svc.Trips.StartTrip)
}

func (s *Server) postFinish(c echo.Context) error {
	return run[transit.Trip](c, s.svc.Trips.FinishTrip)
}

// alerts

func (s *Server) getAlerts(c echo.Context) error {
	date, zone, err := s.dateAndZone(c)
	if err != nil {
		return err
	}
	out, err := s.svc.Alerts.List(c.Request().Context(), actorOf(c), date, zone)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) postRefresh(c echo.Context) error {
	date, zone, err := s.dateAndZone(c)
	if err != nil {
		return err
	}
	res, err := s.svc.Alerts.RefreshFor(c.Request().Context(), actorOf(c), date, zone)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type reportBody struct {
	StopID         int64 `json:"stopId"`
	NumberOfPeople int   `json:"numberOfPeople"`
}

func (s *Server) postReport(c echo.Context) error {
	var body reportBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	a, err := s.svc.Alerts.Report(c.Request().Context(), actorOf(c), body.StopID, body.NumberOfPeople)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (s *Server) postDispatch(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req dispatch.Request
	if err := c.Bind(&req); err != nil {
		return err
	}
	req.AlertID = id
	res, err := s.svc.Dispatch.Dispatch(c.Request().Context(), actorOf(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) postVerify(c echo.Context) error {
	return run[transit.Alert](c, s.svc.Alerts.Verify)
}

func (s *Server) postResolve(c echo.Context) error {
	return run[transit.Alert](c, s.svc.Alerts.Resolve)
}

// intents

func (s *Server) postIntent(c echo.Context) error {
	var sub demand.Submission
	if err := c.Bind(&sub); err != nil {
		return err
	}
	in, err := s.svc.Demand.Submit(c.Request().Context(), actorOf(c), sub)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, in)
}

func (s *Server) postConfirmIntent(c echo.Context) error {
	return run[transit.DemandIntent](c, s.svc.Demand.Confirm)
}

func (s *Server) postCancelIntent(c echo.Context) error {
	return run[transit.DemandIntent](c, s.svc.Demand.Cancel)
}

type action[T any] func(ctx context.Context, actor transit.Actor, id int64) (T, error)

// run handles POST /<entity>/:id/<verb> endpoints that take no body.
func run[T any](c echo.Context, fn action[T]) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	out, err := fn(c.Request().Context(), actorOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, transit.Validationf("invalid id %q", c.Param("id"))
	}
	return id, nil
}

// dateAndZone reads ?date=YYYY-MM-DD (default today) and ?zone= (default all).
func (s *Server) dateAndZone(c echo.Context) (time.Time, transit.ZoneScope, error) {
	date := transit.DateOf(s.now().In(s.svc.Location))
	if v := c.QueryParam("date"); v != "" {
		d, err := transit.ParseDate(v)
		if err != nil {
			return time.Time{}, 0, err
		}
		date = d
	}
	zone := transit.AllZones
	if v := c.QueryParam("zone"); v != "" {
		z, err := strconv.ParseInt(v, 10, 64)
		if err != nil || z < 0 {
			return time.Time{}, 0, transit.Validationf("invalid zone %q", v)
		}
		zone = transit.ZoneScope(z)
	}
	return date, zone, nil
}
