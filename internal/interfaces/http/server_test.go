package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signaldesk/internal/models"
	"github.com/sawpanic/signaldesk/internal/net/circuit"
	"github.com/sawpanic/signaldesk/internal/persistence"
	"github.com/sawpanic/signaldesk/internal/scheduler"
)

type fakeSource struct {
	status  scheduler.Status
	signals []models.Signal
}

func (f *fakeSource) Status(time.Time) scheduler.Status { return f.status }

func (f *fakeSource) Signals(limit int) []models.Signal {
	if limit > 0 && len(f.signals) > limit {
		return f.signals[:limit]
	}
	return f.signals
}

type fakeDB struct{ healthy bool }

func (f fakeDB) Health(context.Context) persistence.HealthCheck {
	if f.healthy {
		return persistence.HealthCheck{Healthy: true, ResponseTimeMS: 2}
	}
	return persistence.HealthCheck{Errors: []string{"connection refused"}}
}

func (f fakeDB) Ping(context.Context) error { return nil }

func newSource() *fakeSource {
	return &fakeSource{
		status: scheduler.Status{
			Symbol:  "EUR/USD",
			Breaker: circuit.Status{State: models.BreakerClosed, Remaining: 700},
			Pending: []models.Signal{{ID: 3, Status: models.StatusPending}},
			Open:    []scheduler.OpenPosition{},
		},
		signals: []models.Signal{
			{ID: 3, Symbol: "EUR/USD", Status: models.StatusPending},
			{ID: 2, Symbol: "EUR/USD", Status: models.StatusExecuted},
			{ID: 1, Symbol: "EUR/USD", Status: models.StatusRejected},
		},
	}
}

func newTestServer(src *fakeSource, db persistence.RepositoryHealth, hub *Hub) (*Server, *MetricsRegistry) {
	metrics := NewMetricsRegistry()
	health := NewHealthHandler(src, db, "test", "build-1")
	return NewServer(DefaultServerConfig(), src, health, metrics, hub, zerolog.Nop()), metrics
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(newSource(), nil, nil)
	rr := get(t, srv.Handler(), "/status")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Len(t, rr.Header().Get("X-Request-ID"), 8)

	var st scheduler.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "EUR/USD", st.Symbol)
	assert.Len(t, st.Pending, 1)
}

func TestSignalsEndpoint(t *testing.T) {
	srv, _ := newTestServer(newSource(), nil, nil)

	tests := []struct {
		name string
		path string
		code int
		ids  []int64
	}{
		{"all", "/signals", http.StatusOK, []int64{3, 2, 1}},
		{"limit", "/signals?limit=2", http.StatusOK, []int64{3, 2}},
		{"by status", "/signals?status=executed", http.StatusOK, []int64{2}},
		{"none match", "/signals?status=expired", http.StatusOK, []int64{}},
		{"bad limit", "/signals?limit=zero", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := get(t, srv.Handler(), tt.path)
			require.Equal(t, tt.code, rr.Code)
			if tt.ids == nil {
				return
			}
			var body struct {
				Signals []models.Signal `json:"signals"`
				Count   int             `json:"count"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			ids := []int64{}
			for _, s := range body.Signals {
				ids = append(ids, s.ID)
			}
			assert.Equal(t, tt.ids, ids)
			assert.Equal(t, len(tt.ids), body.Count)
		})
	}
}

func TestSignalByID(t *testing.T) {
	srv, _ := newTestServer(newSource(), nil, nil)

	rr := get(t, srv.Handler(), "/signals/2")
	require.Equal(t, http.StatusOK, rr.Code)
	var sig models.Signal
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sig))
	assert.Equal(t, models.StatusExecuted, sig.Status)

	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/signals/99").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv.Handler(), "/nope").Code)
}

func TestHealthStatuses(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeSource)
		db     persistence.RepositoryHealth
		code   int
		status string
	}{
		{"healthy", nil, fakeDB{healthy: true}, http.StatusOK, "healthy"},
		{"degraded feed", func(s *fakeSource) { s.status.Degraded, s.status.LastError = true, "timeout" }, nil, http.StatusOK, "degraded"},
		{"breaker open", func(s *fakeSource) { s.status.Breaker.State = models.BreakerOpen }, nil, http.StatusOK, "degraded"},
		{"journal down", nil, fakeDB{}, http.StatusOK, "degraded"},
		{"stopped", func(s *fakeSource) { s.status.Stopped = true }, nil, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newSource()
			if tt.mutate != nil {
				tt.mutate(src)
			}
			srv, _ := newTestServer(src, tt.db, nil)
			rr := get(t, srv.Handler(), "/health")
			require.Equal(t, tt.code, rr.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, "test", resp.Version)
			assert.NotEmpty(t, resp.System.GoVersion)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	src := newSource()
	srv, metrics := newTestServer(src, nil, nil)

	metrics.Publish(scheduler.Update{
		Entries: []persistence.JournalEntry{
			{Kind: persistence.KindSignalCreated},
			{Kind: persistence.KindRiskRejected, Detail: map[string]interface{}{"reason": "REASON_MAX_OPEN"}},
		},
		Status: src.status,
	})
	assert.Equal(t, 1.0, metrics.EventCount(persistence.KindSignalCreated))
	assert.Equal(t, 0.0, metrics.EventCount(persistence.KindPositionClosed))

	rr := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `signaldesk_events_total{kind="signal_created"} 1`)
	assert.Contains(t, text, `signaldesk_risk_rejections_total{reason="REASON_MAX_OPEN"} 1`)
	assert.Contains(t, text, "signaldesk_pending_signals 1")
	assert.Contains(t, text, "signaldesk_market_calls_remaining 700")
}

func TestWebsocketFeed(t *testing.T) {
	src := newSource()
	hub := NewHub(func() scheduler.Status { return src.status }, zerolog.Nop())
	srv, _ := newTestServer(src, nil, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first StreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Type)
	assert.Equal(t, "EUR/USD", first.Status.Symbol)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish(scheduler.Update{
		Entries: []persistence.JournalEntry{{Kind: persistence.KindSignalExpired}},
		Status:  src.status,
	})

	var next StreamMessage
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "update", next.Type)
	require.Len(t, next.Entries, 1)
	assert.Equal(t, persistence.KindSignalExpired, next.Entries[0].Kind)
}
