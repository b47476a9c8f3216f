// Package api exposes the operator, driver and rider endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"busload/internal/alerts"
	"busload/internal/demand"
	"busload/internal/dispatch"
	"busload/internal/forecast"
	"busload/internal/tracking"
	"busload/internal/transit"
)

type Forecaster interface {
	Forecast(ctx context.Context, trip transit.Trip, p forecast.Policy) (forecast.Result, error)
}

type AlertService interface {
	List(ctx context.Context, actor transit.Actor, date time.Time, zone transit.ZoneScope) (alerts.Listing, error)
	RefreshFor(ctx context.Context, actor transit.Actor, date time.Time, zone transit.ZoneScope) (alerts.Refresh, error)
	Report(ctx context.Context, actor transit.Actor, stopID int64, people int) (transit.Alert, error)
	Verify(ctx context.Context, actor transit.Actor, id int64) (transit.Alert, error)
	Resolve(ctx context.Context, actor transit.Actor, id int64) (transit.Alert, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, actor transit.Actor, req dispatch.Request) (dispatch.Result, error)
}

type TripService interface {
	CreateTrip(ctx context.Context, actor transit.Actor, sch tracking.Schedule) (transit.Trip, error)
	Trip(ctx context.Context, actor transit.Actor, id int64) (transit.Trip, error)
	AdvanceStop(ctx context.Context, actor transit.Actor, tripID int64, seq int) (transit.Advance, error)
	ReportPassengerCount(ctx context.Context, actor transit.Actor, tripID int64, count int) (transit.Trip, error)
	StartTrip(ctx context.Context, actor transit.Actor, tripID int64) (transit.Trip, error)
	FinishTrip(ctx context.Context, actor transit.Actor, tripID int64) (transit.Trip, error)
}

type DemandService interface {
	Submit(ctx context.Context, actor transit.Actor, sub demand.Submission) (transit.DemandIntent, error)
	Confirm(ctx context.Context, actor transit.Actor, id int64) (transit.DemandIntent, error)
	Cancel(ctx context.Context, actor transit.Actor, id int64) (transit.DemandIntent, error)
}

type Services struct {
	Forecast Forecaster
	Alerts   AlertService
	Dispatch Dispatcher
	Trips    TripService
	Demand   DemandService

	OperatorPolicy forecast.Policy
	WhatIfPolicy   forecast.Policy

	// Location decides the default date when a request omits one.
	Location *time.Location
	// Ready backs /healthz; nil means always ready.
	Ready func(ctx context.Context) error
	// Stream serves /api/stream when set.
	Stream *Hub
}

type Server struct {
	svc    Services
	logger *slog.Logger
	now    func() time.Time
	echo   *echo.Echo
}

func NewServer(svc Services, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if svc.Location == nil {
		svc.Location = time.Local
	}
	s := &Server{svc: svc, logger: logger, now: time.Now}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			if v.Status >= http.StatusInternalServerError {
				logger.Error("request", attrs...)
			} else {
				logger.Debug("request", attrs...)
			}
			return nil
		},
	}))

	e.GET("/healthz", s.health)

	g := e.Group("/api", actorMiddleware)
	g.POST("/trips", s.postTrip)
	g.GET("/trips/:id", s.getTrip)
	g.GET("/trips/:id/forecast", s.getForecast)
	g.POST("/trips/:id/position", s.postPosition)
	g.POST("/trips/:id/passengers", s.postPassengers)
	g.POST("/trips/:id/start", s.postStart)
	g.POST("/trips/:id/finish", s.postFinish)

	g.GET("/alerts", s.getAlerts)
	g.POST("/alerts/refresh", s.postRefresh)
	g.POST("/alerts/report", s.postReport)
	g.POST("/alerts/:id/dispatch", s.postDispatch)
	g.POST("/alerts/:id/verify", s.postVerify)
	g.POST("/alerts/:id/resolve", s.postResolve)

	g.POST("/intents", s.postIntent)
	g.POST("/intents/:id/confirm", s.postConfirmIntent)
	g.POST("/intents/:id/cancel", s.postCancelIntent)

	g.GET("/stream", s.stream)

	s.echo = e
	return s
}

func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", addr)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

const actorKey = "actor"

// actorMiddleware reads the caller identity set by the upstream gateway.
// Requests without headers run as an anonymous passenger.
func actorMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor := transit.Actor{Role: transit.RolePassenger}
		h := c.Request().Header
		if v := h.Get("X-Actor-Id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id < 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid X-Actor-Id")
			}
			actor.ID = id
		}
		if v := h.Get("X-Actor-Role"); v != "" {
			role, err := transit.ParseRole(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid X-Actor-Role")
			}
			actor.Role = role
		}
		if v := h.Get("X-Actor-Zone"); v != "" {
			zone, err := strconv.ParseInt(v, 10, 64)
			if err != nil || zone < 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid X-Actor-Zone")
			}
			actor.Zone = zone
		}
		c.Set(actorKey, actor)
		return next(c)
	}
}

func actorOf(c echo.Context) transit.Actor {
	a, _ := c.Get(actorKey).(transit.Actor)
	return a
}

type errorBody struct {
	Message string `json:"message"`
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := statusOf(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request().Method, "uri", c.Request().RequestURI, "error", err)
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, errorBody{Message: msg})
	}
	if err != nil {
		s.logger.Warn("write error response", "error", err)
	}
}

func statusOf(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			return he.Code, m
		}
		return he.Code, http.StatusText(he.Code)
	}
	switch {
	case errors.Is(err, transit.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, transit.ErrPermission):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, transit.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, transit.ErrConflict):
		return http.StatusConflict, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}
