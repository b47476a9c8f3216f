package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busload/internal/transit"
)

func dialStream(t *testing.T, url string, who caller) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	h := http.Header{}
	h.Set("X-Actor-Id", strconv.FormatInt(who.id, 10))
	h.Set("X-Actor-Role", string(who.role))
	if who.zone != 0 {
		h.Set("X-Actor-Zone", strconv.FormatInt(who.zone, 10))
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/api/stream", h)
}

func readEvent(t *testing.T, conn *websocket.Conn) StreamEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev StreamEvent
	require.NoError(t, json.Unmarshal(b, &ev))
	return ev
}

func TestStreamDeliversZoneEvents(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	all, _, err := dialStream(t, httpSrv.URL, admin)
	require.NoError(t, err)
	defer all.Close()
	zone2, _, err := dialStream(t, httpSrv.URL, caller{id: 21, role: transit.RoleZonalAdmin, zone: 2})
	require.NoError(t, err)
	defer zone2.Close()
	require.Eventually(t, func() bool { return ts.hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, ts.hub.Emit(ctx, transit.EventAlertChanged, 1, "7", map[string]int{"id": 7}))
	require.NoError(t, ts.hub.Emit(ctx, transit.EventTripPosition, 2, "2.9", map[string]int{"currentStopSequence": 3}))

	ev := readEvent(t, all)
	assert.Equal(t, transit.EventAlertChanged, ev.Kind)
	assert.Equal(t, int64(1), ev.Zone)
	assert.Equal(t, transit.EventTripPosition, readEvent(t, all).Kind)

	ev = readEvent(t, zone2)
	assert.Equal(t, transit.EventTripPosition, ev.Kind, "zone 1 events are not sent to zone 2")
	assert.Equal(t, "2.9", ev.Key)

	ts.hub.Close()
	assert.Zero(t, ts.hub.Clients())
}

func TestStreamRejectsNonOperators(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	_, resp, err := dialStream(t, httpSrv.URL, driver10)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServiceEventsReachStream(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	conn, _, err := dialStream(t, httpSrv.URL, zonal1)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec := ts.do(t, driver10, http.MethodPost, "/api/trips/1/position", `{"stopSequence":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	ev := readEvent(t, conn)
	assert.Equal(t, transit.EventTripPosition, ev.Kind)
	assert.Equal(t, int64(1), ev.Zone)
	assert.Equal(t, "1.1", ev.Key)
	payload, ok := ev.Payload.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, payload["currentStopSequence"])
}
