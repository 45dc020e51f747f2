package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/ltvbot/pkg/models"
	"github.com/gregtusar/ltvbot/pkg/trader"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	mu      sync.Mutex
	paused  bool
	last    *trader.CycleReport
	reports chan trader.CycleReport
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{reports: make(chan trader.CycleReport, 4)}
}

func (f *fakeMonitor) LastReport() (trader.CycleReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return trader.CycleReport{}, false
	}
	return *f.last, true
}

func (f *fakeMonitor) setLast(r trader.CycleReport) {
	f.mu.Lock()
	f.last = &r
	f.mu.Unlock()
}

func (f *fakeMonitor) Subscribe() (<-chan trader.CycleReport, func()) {
	return f.reports, func() {}
}

func (f *fakeMonitor) State() trader.State { return trader.StateIdle }

func (f *fakeMonitor) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeMonitor) Pause() {
	f.mu.Lock()
	f.paused = true
	f.mu.Unlock()
}

func (f *fakeMonitor) Resume() {
	f.mu.Lock()
	f.paused = false
	f.mu.Unlock()
}

type fakePositions struct {
	positions []models.LoanPosition
	err       error
}

func (f *fakePositions) GetLoanPositions(context.Context) ([]models.LoanPosition, error) {
	return f.positions, f.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T, mon *fakeMonitor, pos *fakePositions, auth *TokenAuth) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(mon, pos, auth, quietLogger(), "0", "test")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, newFakeMonitor(), &fakePositions{}, nil)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, "test", body["environment"])
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPositions(t *testing.T) {
	pos := &fakePositions{positions: []models.LoanPosition{{
		ID:              "A",
		LoanAsset:       "USDT",
		CollateralAsset: "ETH",
		CurrentLTV:      decimal.RequireFromString("0.78"),
	}}}
	_, ts := newTestServer(t, newFakeMonitor(), pos, nil)

	resp, err := http.Get(ts.URL + "/api/positions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []models.LoanPosition
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].ID)
	assert.True(t, got[0].CurrentLTV.Equal(decimal.RequireFromString("0.78")))
}

func TestPositionsUpstreamFailure(t *testing.T) {
	_, ts := newTestServer(t, newFakeMonitor(), &fakePositions{err: errors.New("exchange down")}, nil)

	resp, err := http.Get(ts.URL + "/api/positions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestReport(t *testing.T) {
	mon := newFakeMonitor()
	_, ts := newTestServer(t, mon, &fakePositions{}, nil)

	resp, err := http.Get(ts.URL + "/api/report")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	mon.setLast(trader.CycleReport{Decisions: []trader.DecisionOutcome{{Kind: models.DecisionNoAction, Detail: "no action for A"}}})
	resp, err = http.Get(ts.URL + "/api/report")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got trader.CycleReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got.Decisions, 1)
	assert.Equal(t, "no action for A", got.Decisions[0].Detail)
}

func TestPauseResumeWithoutAuth(t *testing.T) {
	mon := newFakeMonitor()
	_, ts := newTestServer(t, mon, &fakePositions{}, nil)

	resp, err := http.Post(ts.URL+"/api/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, mon.Paused())

	resp, err = http.Post(ts.URL+"/api/resume", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.False(t, mon.Paused())

	resp, err = http.Get(ts.URL + "/api/pause")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPauseRequiresToken(t *testing.T) {
	mon := newFakeMonitor()
	auth := NewTokenAuth("test-secret", time.Hour)
	_, ts := newTestServer(t, mon, &fakePositions{}, auth)

	post := func(token string) int {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/pause", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post(""))
	assert.Equal(t, http.StatusUnauthorized, post("not-a-jwt"))

	forged, err := NewTokenAuth("other-secret", time.Hour).Issue("ops")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, post(forged))
	assert.False(t, mon.Paused())

	token, err := auth.Issue("ops")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, post(token))
	assert.True(t, mon.Paused())
}

func TestStreamPushesReports(t *testing.T) {
	mon := newFakeMonitor()
	mon.setLast(trader.CycleReport{Error: "previous"})
	srv, ts := newTestServer(t, mon, &fakePositions{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.hub.Run(ctx)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first trader.CycleReport
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "previous", first.Error)

	mon.reports <- trader.CycleReport{Skipped: true}

	var next trader.CycleReport
	require.NoError(t, conn.ReadJSON(&next))
	assert.True(t, next.Skipped)
	assert.Equal(t, 1, srv.hub.Clients())
}
