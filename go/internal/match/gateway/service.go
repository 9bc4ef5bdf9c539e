// Package gateway serves match clocks to viewers over WebSocket and accepts
// authoritative readings over HTTP and the NATS event feed.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/matchclock/go/internal/match/reconcile"
	"github.com/mcdev12/matchclock/go/internal/match/registry"
	"github.com/mcdev12/matchclock/go/internal/match/timefmt"
)

// Config holds configuration for the match clock gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	Reconcile        reconcile.Config
	EvictionInterval time.Duration
	IdleTTL          time.Duration

	FeedEnabled     bool
	JetStreamConfig JetStreamConsumerConfig
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		Reconcile:        reconcile.Config{Policy: reconcile.PolicyEventAnchored},
		EvictionInterval: 5 * time.Minute,
		IdleTTL:          6 * time.Hour,
		JetStreamConfig:  DefaultJetStreamConsumerConfig(),
	}
}

// Service owns the registry and every component reading or writing it
type Service struct {
	config            Config
	registry          *registry.Registry
	reconciler        *reconcile.Reconciler
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	timerHandler      *TimerHandler
	eventConsumer     *EventConsumer
}

// NewService wires the registry, reconciler and connection manager together.
// The NATS feed consumer is connected when FeedEnabled is set.
func NewService(ctx context.Context, config Config, clock clockwork.Clock) (*Service, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	reg := registry.New(clock)
	connectionManager := NewConnectionManager(config.ConnectionConfig, reg, clock, timefmt.FormatterFor(config.Reconcile.HourFormat))
	reconciler, err := reconcile.NewReconciler(reg, clock, connectionManager, config.Reconcile)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	s := &Service{
		config:            config,
		registry:          reg,
		reconciler:        reconciler,
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		timerHandler:      NewTimerHandler(reconciler, reg, connectionManager, clock),
	}

	if config.FeedEnabled {
		consumer, err := NewEventConsumer(ctx, reconciler, config.JetStreamConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create event consumer: %w", err)
		}
		s.eventConsumer = consumer
	}

	return s, nil
}

// Start runs the background loops and blocks until ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().
		Str("policy", string(s.reconciler.Policy())).
		Dur("tick_interval", s.config.ConnectionConfig.TickInterval).
		Bool("feed_enabled", s.eventConsumer != nil).
		Msg("starting match clock gateway")

	go s.connectionManager.Start(ctx)
	go s.registry.RunEviction(ctx, s.config.EvictionInterval, s.config.IdleTTL)

	if s.eventConsumer != nil {
		go func() {
			if err := s.eventConsumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("event consumer failed")
			}
		}()
	}

	<-ctx.Done()

	log.Info().Msg("match clock gateway shutting down")
	return s.Stop()
}

// Stop releases external connections
func (s *Service) Stop() error {
	if s.eventConsumer != nil {
		if err := s.eventConsumer.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop event consumer")
		}
	}

	log.Info().Msg("match clock gateway stopped")
	return nil
}

// RegisterRoutes registers the WebSocket and REST routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.timerHandler.RegisterRoutes(mux)
	log.Info().Msg("match clock routes registered")
}

// ServiceStats is reported by /info
type ServiceStats struct {
	ConnectionStats
	AnchoredMatches int    `json:"anchored_matches"`
	Policy          string `json:"policy"`
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() ServiceStats {
	return ServiceStats{
		ConnectionStats: s.connectionManager.GetConnectionStats(),
		AnchoredMatches: s.registry.Len(),
		Policy:          string(s.reconciler.Policy()),
	}
}

// Registry exposes the match registry
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Reconciler exposes the anchor reconciler
func (s *Service) Reconciler() *reconcile.Reconciler {
	return s.reconciler
}
