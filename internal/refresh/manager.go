// Package refresh keeps the alert board current without operator clicks:
// it expires stale reports and re-runs the alert synthesizer for today.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"busload/internal/alerts"
	"busload/internal/transit"
)

type Synthesizer interface {
	Refresh(ctx context.Context, date time.Time, zone transit.ZoneScope) (alerts.Refresh, error)
	ExpireStale(ctx context.Context) (int, error)
}

type Manager struct {
	alerts   Synthesizer
	interval time.Duration
	tz       *time.Location
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(s Synthesizer, interval time.Duration, tz *time.Location, logger *slog.Logger) *Manager {
	if tz == nil {
		tz = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{alerts: s, interval: interval, tz: tz, logger: logger, now: time.Now}
}

// StartRefresher launches a background loop that runs RunOnce immediately
// and then every interval. A non-positive interval disables it.
func (m *Manager) StartRefresher(parent context.Context) {
	if m.interval <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.tick(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
			}
		}
	}()
	m.logger.Info("alert refresher started", "interval", m.interval)
}

func (m *Manager) tick(ctx context.Context) {
	if err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("alert refresh error", "error", err)
	}
}

// RunOnce expires stale reports, then refreshes every zone for today in the
// manager's time zone. Both steps run even if the first fails.
func (m *Manager) RunOnce(ctx context.Context) error {
	expired, expireErr := m.alerts.ExpireStale(ctx)
	if expired > 0 {
		m.logger.Debug("expired stale alerts", "count", expired)
	}
	today := transit.DateOf(m.now().In(m.tz))
	_, refreshErr := m.alerts.Refresh(ctx, today, transit.AllZones)
	return errors.Join(expireErr, refreshErr)
}

// Stop cancels the loop and waits for an in-flight run to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
