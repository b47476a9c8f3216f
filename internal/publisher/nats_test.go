package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busload/internal/transit"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		prefix, kind string
		zone         int64
		key, want    string
	}{
		{"busload", transit.EventTripPosition, 1, "1.7", "busload.trip.position.1.1.7"},
		{"busload", transit.EventAlertsRefreshed, 0, "2025-03-14", "busload.alerts.refreshed.0.2025-03-14"},
		{"city bus", transit.EventAlertChanged, 2, "", "city_bus.alert.changed.2"},
		{"busload", "alert.reported", 3, "a*b>", "busload.alert.reported.3.a_b_"},
		{"", "trip.dispatched", 1, " ", "_.trip.dispatched.1._"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject(tt.prefix, tt.kind, tt.zone, tt.key))
	}
}

type sent struct {
	subject string
	data    []byte
	msgID   string
}

type fakeMetrics struct {
	published, errs int
	reports         map[string]int
}

func (f *fakeMetrics) NATSPublishedInc()            { f.published++ }
func (f *fakeMetrics) NATSPublishErrInc()           { f.errs++ }
func (f *fakeMetrics) PublishObserve(time.Duration) {}
func (f *fakeMetrics) NATSSetConnected(bool)        {}
func (f *fakeMetrics) DriverReportInc(kind, result string) {
	if f.reports == nil {
		f.reports = map[string]int{}
	}
	f.reports[kind+"/"+result]++
}

func testPublisher(out *[]sent, fail error) (*NATSPublisher, *fakeMetrics) {
	m := &fakeMetrics{}
	return &NATSPublisher{
		prefix:  "busload",
		metrics: m,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     func() time.Time { return time.Date(2025, 3, 14, 8, 10, 0, 0, time.UTC) },
		publish: func(subject string, data []byte, msgID string) error {
			if fail != nil {
				return fail
			}
			*out = append(*out, sent{subject, data, msgID})
			return nil
		},
	}, m
}

func TestEmitPublishesEnvelope(t *testing.T) {
	var out []sent
	p, m := testPublisher(&out, nil)

	err := p.Emit(context.Background(), transit.EventTripPosition, 1, "1.7", map[string]any{"currentStopSequence": 3})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "busload.trip.position.1.1.7", out[0].subject)

	var env Envelope
	require.NoError(t, json.Unmarshal(out[0].data, &env))
	assert.Equal(t, out[0].msgID, env.ID)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, transit.EventTripPosition, env.Kind)
	assert.Equal(t, int64(1), env.Zone)
	assert.Equal(t, "1.7", env.Key)
	assert.Equal(t, "2025-03-14T08:10:00Z", env.OccurredAt.Format(time.RFC3339))
	assert.JSONEq(t, `{"currentStopSequence":3}`, string(env.Payload))
	assert.Equal(t, 1, m.published)

	require.NoError(t, p.Emit(context.Background(), transit.EventTripPosition, 1, "1.7", nil))
	require.Len(t, out, 2)
	assert.NotEqual(t, out[0].msgID, out[1].msgID)
}

func TestEmitCountsFailures(t *testing.T) {
	var out []sent
	p, m := testPublisher(&out, errors.New("no responders"))

	err := p.Emit(context.Background(), transit.EventAlertChanged, 1, "5", map[string]int{"id": 5})
	assert.ErrorContains(t, err, "busload.alert.changed.1.5")
	assert.Equal(t, 1, m.errs)
	assert.Zero(t, m.published)

	err = p.Emit(context.Background(), transit.EventAlertChanged, 1, "5", func() {})
	assert.ErrorContains(t, err, "marshal")
}

type fakeTracker struct {
	actor   transit.Actor
	current int
	count   int
}

func (f *fakeTracker) AdvanceStop(_ context.Context, actor transit.Actor, tripID int64, seq int) (transit.Advance, error) {
	f.actor = actor
	if tripID != 1 {
		return transit.Advance{}, transit.NotFoundf("trip %d not found", tripID)
	}
	if actor.ID != 10 {
		return transit.Advance{}, transit.Permissionf("user %d does not drive trip %d", actor.ID, tripID)
	}
	if seq < f.current {
		return transit.Advance{Applied: false, EffectiveSequence: f.current}, nil
	}
	f.current = seq
	return transit.Advance{Applied: true, EffectiveSequence: seq}, nil
}

func (f *fakeTracker) ReportPassengerCount(_ context.Context, actor transit.Actor, tripID int64, count int) (transit.Trip, error) {
	f.actor = actor
	if count < 0 {
		return transit.Trip{}, transit.Validationf("passenger count must not be negative")
	}
	if tripID == 99 {
		return transit.Trip{}, errors.New("connection reset")
	}
	f.count = count
	return transit.Trip{ID: tripID, CurrentPassengers: count}, nil
}

func TestHandleReport(t *testing.T) {
	var out []sent
	p, m := testPublisher(&out, nil)
	tr := &fakeTracker{current: 2}
	ctx := context.Background()

	reply := p.handleReport(ctx, tr, ReportPosition, []byte(`{"driverId":10,"tripId":1,"stopSequence":4}`))
	assert.True(t, reply.OK)
	require.NotNil(t, reply.Applied)
	assert.True(t, *reply.Applied)
	assert.Equal(t, 4, reply.EffectiveSequence)
	assert.Equal(t, transit.Actor{ID: 10, Role: transit.RoleDriver}, tr.actor)

	reply = p.handleReport(ctx, tr, ReportPosition, []byte(`{"driverId":10,"tripId":1,"stopSequence":3}`))
	assert.True(t, reply.OK)
	assert.False(t, *reply.Applied)
	assert.Equal(t, 4, reply.EffectiveSequence)

	reply = p.handleReport(ctx, tr, ReportPosition, []byte(`{"driverId":11,"tripId":1,"stopSequence":5}`))
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "does not drive")

	reply = p.handleReport(ctx, tr, ReportPosition, []byte(`not json`))
	assert.False(t, reply.OK)

	reply = p.handleReport(ctx, tr, ReportPassengers, []byte(`{"driverId":10,"tripId":1,"count":33}`))
	assert.True(t, reply.OK)
	assert.Equal(t, 33, tr.count)

	reply = p.handleReport(ctx, tr, ReportPassengers, []byte(`{"driverId":10,"tripId":99,"count":3}`))
	assert.False(t, reply.OK)

	reply = p.handleReport(ctx, tr, "speed", []byte(`{}`))
	assert.False(t, reply.OK)

	assert.Equal(t, map[string]int{
		"position/ok":       1,
		"position/ignored":  1,
		"position/rejected": 2,
		"passengers/ok":     1,
		"passengers/error":  1,
		"speed/rejected":    1,
	}, m.reports)
	assert.Empty(t, out, "reports never publish by themselves")
}
