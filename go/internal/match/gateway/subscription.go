package gateway

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/matchclock/go/internal/match/reconcile"
	"github.com/mcdev12/matchclock/go/internal/match/registry"
	"github.com/mcdev12/matchclock/go/internal/match/timefmt"
)

// Pusher delivers a timer update to a single viewer.
type Pusher interface {
	PushTimer(update reconcile.TimerUpdate) error
}

// SubscriptionState is the lifecycle state of a Subscription.
type SubscriptionState int

const (
	SubscriptionActive SubscriptionState = iota
	SubscriptionCancelled
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionActive:
		return "active"
	case SubscriptionCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Subscription pushes the live clock of one match to one viewer on every tick
// until it is cancelled.
type Subscription struct {
	key      registry.MatchKey
	registry *registry.Registry
	clock    clockwork.Clock
	format   timefmt.Formatter
	pusher   Pusher
	ticker   clockwork.Ticker
	done     chan struct{}

	// mu is held for the whole of a tick, so Cancel returns only once no push
	// is in flight.
	mu    sync.Mutex
	state SubscriptionState
}

// NewSubscription creates an active subscription. The ticker starts
// immediately; call Start to begin pushing.
func NewSubscription(key registry.MatchKey, reg *registry.Registry, clock clockwork.Clock, interval time.Duration, format timefmt.Formatter, pusher Pusher) *Subscription {
	return &Subscription{
		key:      key,
		registry: reg,
		clock:    clock,
		format:   format,
		pusher:   pusher,
		ticker:   clock.NewTicker(interval),
		done:     make(chan struct{}),
		state:    SubscriptionActive,
	}
}

// Key returns the watched match.
func (s *Subscription) Key() registry.MatchKey {
	return s.key
}

// State returns the current lifecycle state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Start runs the tick loop in a new goroutine.
func (s *Subscription) Start() {
	go s.run()
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.Chan():
			s.tick()
		}
	}
}

func (s *Subscription) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A tick may already be buffered when Cancel runs.
	if s.state == SubscriptionCancelled {
		return
	}

	seconds, ok := s.registry.LiveSeconds(s.key, s.clock.Now())
	if !ok {
		return
	}
	s.registry.Touch(s.key)

	update := reconcile.TimerUpdate{MatchKey: s.key, Timer: s.format(seconds)}
	if err := s.pusher.PushTimer(update); err != nil {
		log.Debug().
			Err(err).
			Str("match_key", s.key.String()).
			Msg("dropped timer push")
	}
}

// Cancel stops the ticker. No push happens after Cancel returns. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == SubscriptionCancelled {
		return
	}
	s.state = SubscriptionCancelled
	s.ticker.Stop()
	close(s.done)
}
