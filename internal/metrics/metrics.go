package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	Forecasts         prometheus.Counter
	OverflowsDetected prometheus.Counter
	ForecastDuration  prometheus.Histogram

	AlertRefreshes       *prometheus.CounterVec // result label: ok|error
	AlertRefreshDuration prometheus.Histogram
	AlertsGenerated      *prometheus.CounterVec // origin label
	RefreshedAlerts      *prometheus.GaugeVec   // origin label, size of the last refresh
	AlertsExpired        prometheus.Counter

	Dispatches      *prometheus.CounterVec // result label: ok|conflict|rejected|error
	PositionUpdates *prometheus.CounterVec // result label: applied|ignored|rejected
	PassengerCounts prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram
	DriverReports   *prometheus.CounterVec // kind label: position|passengers, result label

	RefreshInterval prometheus.Gauge // seconds
	DefaultCapacity prometheus.Gauge
}

func NewCollector(refreshInterval time.Duration, defaultCapacity int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Forecasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busload_forecasts_total",
			Help: "Total load forecasts computed.",
		}),
		OverflowsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busload_forecast_overflows_total",
			Help: "Total forecasts that predicted a capacity overflow.",
		}),
		ForecastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busload_forecast_duration_seconds",
			Help:    "Duration of a single trip forecast including data fetches.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		AlertRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busload_alert_refreshes_total",
			Help: "Alert refresh runs.",
		}, []string{"result"}),
		AlertRefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busload_alert_refresh_duration_seconds",
			Help:    "Duration of an alert refresh run.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		AlertsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busload_alerts_generated_total",
			Help: "Alerts created, by origin.",
		}, []string{"origin"}),
		RefreshedAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "busload_refreshed_alerts",
			Help: "Alerts produced by the most recent refresh, by origin.",
		}, []string{"origin"}),
		AlertsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busload_alerts_expired_total",
			Help: "Reported alerts moved to expired by the sweep.",
		}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busload_spare_dispatches_total",
			Help: "Spare dispatch attempts by result.",
		}, []string{"result"}),
		PositionUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busload_position_updates_total",
			Help: "Driver position updates by result.",
		}, []string{"result"}),
		PassengerCounts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busload_passenger_count_updates_total",
			Help: "Driver passenger count updates applied.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busload_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busload_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busload_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busload_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		DriverReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busload_driver_reports_total",
			Help: "Driver reports consumed from NATS.",
		}, []string{"kind", "result"}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busload_refresh_interval_seconds",
			Help: "Background alert refresh interval in seconds (0 = disabled).",
		}),
		DefaultCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busload_default_capacity",
			Help: "Seat count assumed when neither trip nor vehicle has one.",
		}),
	}

	reg.MustRegister(
		c.Forecasts, c.OverflowsDetected, c.ForecastDuration,
		c.AlertRefreshes, c.AlertRefreshDuration, c.AlertsGenerated, c.RefreshedAlerts, c.AlertsExpired,
		c.Dispatches, c.PositionUpdates, c.PassengerCounts,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration, c.DriverReports,
		c.RefreshInterval, c.DefaultCapacity,
	)

	c.RefreshInterval.Set(refreshInterval.Seconds())
	c.DefaultCapacity.Set(float64(defaultCapacity))

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return srv
}
