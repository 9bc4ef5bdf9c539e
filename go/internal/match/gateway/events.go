package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/mcdev12/matchclock/go/internal/match/reconcile"
	"github.com/mcdev12/matchclock/go/internal/match/registry"
)

// Envelope is the websocket frame shared by both directions.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EventType names a websocket event
type EventType string

const (
	// Client -> server
	EventSubscribeToMatch     EventType = "subscribe-to-match"
	EventUnsubscribeFromMatch EventType = "unsubscribe-from-match"

	// Server -> client
	EventTimerUpdate  EventType = "timer-update"
	EventSubscribed   EventType = "subscribed"
	EventUnsubscribed EventType = "unsubscribed"
	EventError        EventType = "error"
)

// MatchRequest is the payload of subscribe-to-match and unsubscribe-from-match.
type MatchRequest struct {
	AwayTeamID reconcile.Text `json:"AwayTeamId"`
	HomeTeamID reconcile.Text `json:"HomeTeamId"`
}

// MatchKey validates the request and returns its key.
func (r MatchRequest) MatchKey() (registry.MatchKey, error) {
	if r.AwayTeamID == "" || r.HomeTeamID == "" {
		return "", fmt.Errorf("AwayTeamId and HomeTeamId are required")
	}
	return registry.NewMatchKey(r.AwayTeamID.String(), r.HomeTeamID.String()), nil
}

// SubscriptionPayload acknowledges subscribe/unsubscribe requests.
type SubscriptionPayload struct {
	MatchKey registry.MatchKey `json:"matchKey"`
}

// ErrorPayload reports a rejected client message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// encodeEvent wraps data in an Envelope and marshals it.
func encodeEvent(event EventType, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
