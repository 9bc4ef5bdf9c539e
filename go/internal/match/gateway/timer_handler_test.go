package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/matchclock/go/internal/match/reconcile"
	"github.com/mcdev12/matchclock/go/internal/match/registry"
	"github.com/mcdev12/matchclock/go/internal/match/timefmt"
)

var kickoff = time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC)

type timerFixture struct {
	mux      *http.ServeMux
	clock    *clockwork.FakeClock
	registry *registry.Registry
	viewers  *ConnectionManager
}

func newTimerFixture(t *testing.T) *timerFixture {
	t.Helper()
	fc := clockwork.NewFakeClockAt(kickoff)
	reg := registry.New(fc)
	viewers := NewConnectionManager(DefaultConnectionConfig(), reg, fc, timefmt.FormatClock)
	reconciler, err := reconcile.NewReconciler(reg, fc, viewers, reconcile.Config{Policy: reconcile.PolicyEventAnchored})
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewTimerHandler(reconciler, reg, viewers, fc).RegisterRoutes(mux)
	return &timerFixture{mux: mux, clock: fc, registry: reg, viewers: viewers}
}

func (f *timerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func startTimerBody(away, home, latest string, startedAt time.Time) string {
	b, _ := json.Marshal(map[string]string{
		"AwayTeamId":       away,
		"HomeTeamId":       home,
		"LatestEvent":      latest,
		"EventStartTiming": startedAt.Format(time.RFC3339Nano),
	})
	return string(b)
}

func TestStartTimer(t *testing.T) {
	f := newTimerFixture(t)

	rec := f.do(http.MethodPost, "/start-timer", startTimerBody("10", "20", "1:48", kickoff.Add(-10*time.Second)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"timer":"01:58"}`, rec.Body.String())

	anchor, ok := f.registry.Get("10-20")
	require.True(t, ok)
	assert.Equal(t, registry.Anchor{Instant: kickoff, Seconds: 118}, anchor)

	select {
	case update := <-f.viewers.broadcastCh:
		assert.Equal(t, reconcile.TimerUpdate{MatchKey: "10-20", Timer: "01:58"}, update)
	default:
		t.Fatal("reconciliation was not broadcast")
	}
}

func TestStartTimerRejected(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantFields []string
	}{
		{
			name: "malformed json",
			body: `{"AwayTeamId":`,
		},
		{
			name:       "missing home team",
			body:       `{"AwayTeamId":"10","LatestEvent":"1:48","EventStartTiming":"2026-10-19T17:59:50Z"}`,
			wantFields: []string{"HomeTeamId"},
		},
		{
			name:       "empty body object",
			body:       `{}`,
			wantFields: []string{"AwayTeamId", "HomeTeamId", "LatestEvent", "EventStartTiming"},
		},
		{
			name:       "latest event out of range",
			body:       startTimerBody("10", "20", "1e300:00", kickoff),
			wantFields: []string{"LatestEvent"},
		},
		{
			name:       "bad latest event",
			body:       startTimerBody("10", "20", "ab:cd", kickoff),
			wantFields: []string{"LatestEvent"},
		},
		{
			name:       "bad timing",
			body:       `{"AwayTeamId":"10","HomeTeamId":"20","LatestEvent":"1:48","EventStartTiming":"yesterday"}`,
			wantFields: []string{"EventStartTiming"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTimerFixture(t)

			rec := f.do(http.MethodPost, "/start-timer", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "Invalid request body", resp.Error)
			for _, field := range tt.wantFields {
				assert.Contains(t, resp.Fields, field)
			}

			assert.Equal(t, 0, f.registry.Len())
			assert.Empty(t, f.viewers.broadcastCh)
		})
	}
}

type failingReconciler struct{}

func (failingReconciler) Reconcile(context.Context, reconcile.StartTimerRequest) (reconcile.TimerUpdate, error) {
	return reconcile.TimerUpdate{}, errors.New("registry unavailable")
}

func (failingReconciler) Format(seconds int) string { return timefmt.FormatClock(seconds) }

func TestStartTimerInternalError(t *testing.T) {
	fc := clockwork.NewFakeClockAt(kickoff)
	reg := registry.New(fc)
	mux := http.NewServeMux()
	NewTimerHandler(failingReconciler{}, reg, NewConnectionManager(DefaultConnectionConfig(), reg, fc, nil), fc).RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/start-timer", strings.NewReader(startTimerBody("10", "20", "1:48", kickoff)))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to update timer"}`, rec.Body.String())
}

func TestGetMatchTimer(t *testing.T) {
	f := newTimerFixture(t)

	rec := f.do(http.MethodGet, "/api/matches/10/20/timer", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.registry.Put("10-20", registry.Anchor{Instant: kickoff, Seconds: 90})
	f.clock.Advance(5 * time.Second)

	rec = f.do(http.MethodGet, "/api/matches/10/20/timer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"matchKey":"10-20","timer":"01:35"}`, rec.Body.String())
}

func TestListMatches(t *testing.T) {
	f := newTimerFixture(t)

	rec := f.do(http.MethodGet, "/api/matches", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	f.registry.Put("30-40", registry.Anchor{Instant: kickoff, Seconds: 600})
	f.registry.Put("10-20", registry.Anchor{Instant: kickoff, Seconds: 0})
	f.clock.Advance(2 * time.Second)

	rec = f.do(http.MethodGet, "/api/matches", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var matches []MatchTimer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &matches))
	require.Len(t, matches, 2)
	assert.Equal(t, registry.MatchKey("10-20"), matches[0].MatchKey)
	assert.Equal(t, "00:02", matches[0].Timer)
	assert.Equal(t, registry.MatchKey("30-40"), matches[1].MatchKey)
	assert.Equal(t, "10:02", matches[1].Timer)
	assert.Equal(t, 600, matches[1].AnchorSeconds)
	assert.True(t, matches[1].AnchoredAt.Equal(kickoff))
}

func TestStartTimerWrongMethod(t *testing.T) {
	f := newTimerFixture(t)

	rec := f.do(http.MethodGet, "/start-timer", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
