package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/matchclock/go/internal/match/reconcile"
)

func newTestService(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	config := DefaultConfig()
	config.ConnectionConfig.TickInterval = 20 * time.Millisecond
	config.EvictionInterval = 0

	svc, err := NewService(ctx, config, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Start(ctx)
	}()

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
	})
	return svc, server
}

func dialViewer(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn, timeout time.Duration) (Envelope, error) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(timeout))
	var env Envelope
	err := ws.ReadJSON(&env)
	return env, err
}

func postStartTimer(t *testing.T, server *httptest.Server, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(server.URL+"/start-timer", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestViewerReceivesTimerUpdates(t *testing.T) {
	_, server := newTestService(t)
	ws := dialViewer(t, server, "?away_team_id=10&home_team_id=20")

	env, err := readEnvelope(t, ws, time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventSubscribed, env.Event)
	assert.JSONEq(t, `{"matchKey":"10-20"}`, string(env.Data))

	resp, body := postStartTimer(t, server, startTimerBody("10", "20", "1:48", time.Now().Add(-10*time.Second)))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "01:58", body["timer"])

	for i := 0; i < 3; i++ {
		env, err := readEnvelope(t, ws, time.Second)
		require.NoError(t, err)
		require.Equal(t, EventTimerUpdate, env.Event)

		var update reconcile.TimerUpdate
		require.NoError(t, json.Unmarshal(env.Data, &update))
		assert.Equal(t, "10-20", update.MatchKey.String())
		assert.Contains(t, []string{"01:58", "01:59"}, update.Timer)
	}
}

func TestViewersOfOtherMatchesGetNothing(t *testing.T) {
	_, server := newTestService(t)

	ws := dialViewer(t, server, "")
	require.NoError(t, ws.WriteJSON(map[string]interface{}{
		"event": "subscribe-to-match",
		"data":  map[string]string{"AwayTeamId": "30", "HomeTeamId": "40"},
	}))
	env, err := readEnvelope(t, ws, time.Second)
	require.NoError(t, err)
	require.Equal(t, EventSubscribed, env.Event)

	resp, _ := postStartTimer(t, server, startTimerBody("10", "20", "1:48", time.Now()))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = readEnvelope(t, ws, 150*time.Millisecond)
	assert.Error(t, err)
}

func TestDisconnectCancelsSubscriptions(t *testing.T) {
	svc, server := newTestService(t)

	ws := dialViewer(t, server, "?away_team_id=10&home_team_id=20")
	_, err := readEnvelope(t, ws, time.Second)
	require.NoError(t, err)

	stats := svc.GetStats()
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, 1, stats.TotalSubscriptions)

	require.NoError(t, ws.Close())

	assert.Eventually(t, func() bool {
		stats := svc.GetStats()
		return stats.TotalConnections == 0 && stats.TotalSubscriptions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectRejectsHalfMatch(t *testing.T) {
	_, server := newTestService(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?away_team_id=10"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectionStatsEndpoint(t *testing.T) {
	_, server := newTestService(t)
	ws := dialViewer(t, server, "?away_team_id=10&home_team_id=20")
	_, err := readEnvelope(t, ws, time.Second)
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats ConnectionStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, map[string]int{"10-20": 1}, stats.MatchConnections)
}

func TestServiceStats(t *testing.T) {
	svc, server := newTestService(t)

	resp, _ := postStartTimer(t, server, startTimerBody("10", "20", "0:00", time.Now()))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := svc.GetStats()
	assert.Equal(t, 1, stats.AnchoredMatches)
	assert.Equal(t, string(reconcile.PolicyEventAnchored), stats.Policy)
}
