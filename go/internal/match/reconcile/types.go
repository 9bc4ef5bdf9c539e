package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mcdev12/matchclock/go/internal/match/registry"
)

// Text is a request field that may arrive as a JSON string or a JSON number.
// The upstream feed sends numeric team ids and epoch-millisecond timings.
type Text string

// UnmarshalJSON accepts strings, numbers and null.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*t = Text(n.String())
	return nil
}

func (t Text) String() string {
	return string(t)
}

// StartTimerRequest is an authoritative clock reading for one match.
type StartTimerRequest struct {
	AwayTeamID       Text `json:"AwayTeamId" validate:"required"`
	HomeTeamID       Text `json:"HomeTeamId" validate:"required"`
	LatestEvent      Text `json:"LatestEvent" validate:"required"`
	EventStartTiming Text `json:"EventStartTiming" validate:"required"`
}

// MatchKey returns the registry key for the request's fixture.
func (r StartTimerRequest) MatchKey() registry.MatchKey {
	return registry.NewMatchKey(r.AwayTeamID.String(), r.HomeTeamID.String())
}

// TimerUpdate is the clock value pushed to viewers and returned to callers.
type TimerUpdate struct {
	MatchKey registry.MatchKey `json:"matchKey"`
	Timer    string            `json:"timer"`
}

// Policy selects how a new reading is reconciled with the stored anchor.
type Policy string

const (
	// PolicyEventAnchored always re-anchors, compensating for time elapsed since
	// the reading was captured.
	PolicyEventAnchored Policy = "event_anchored"
	// PolicyNaive re-anchors only when the reported clock value changes.
	// Kept for feeds that do not send EventStartTiming.
	PolicyNaive Policy = "naive"
)

// ParsePolicy converts a config value to a Policy. Empty means event_anchored.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyEventAnchored:
		return PolicyEventAnchored, nil
	case PolicyNaive:
		return PolicyNaive, nil
	default:
		return "", fmt.Errorf("unknown reconcile policy %q", s)
	}
}
