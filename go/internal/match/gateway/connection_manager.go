package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/matchclock/go/internal/match/reconcile"
	"github.com/mcdev12/matchclock/go/internal/match/registry"
	"github.com/mcdev12/matchclock/go/internal/match/timefmt"
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendBufferFull   = errors.New("send buffer full")
)

// ConnectionManager manages viewer WebSocket connections and their match subscriptions
type ConnectionManager struct {
	connections      map[*Connection]bool
	matchConnections map[registry.MatchKey]map[*Connection]bool
	mu               sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	registry *registry.Registry
	clock    clockwork.Clock
	format   timefmt.Formatter

	broadcastCh chan reconcile.TimerUpdate
}

// Connection represents a WebSocket connection to a viewer
type Connection struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan []byte
	Manager     *ConnectionManager
	ConnectedAt time.Time

	sendMu     sync.Mutex
	sendClosed bool

	subsMu        sync.Mutex
	subsClosed    bool
	subscriptions map[registry.MatchKey]*Subscription
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	TickInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	BroadcastBuffer int
	CheckOrigin     func(r *http.Request) bool
}

// ConnectionStats summarises active connections
type ConnectionStats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveMatches      int            `json:"active_matches"`
	TotalSubscriptions int            `json:"total_subscriptions"`
	MatchConnections   map[string]int `json:"match_connections"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		TickInterval:    time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		BroadcastBuffer: 1000,
		CheckOrigin: func(r *http.Request) bool {
			// Viewers connect from any origin, same as the REST CORS policy
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, reg *registry.Registry, clock clockwork.Clock, format timefmt.Formatter) *ConnectionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if format == nil {
		format = timefmt.FormatClock
	}

	return &ConnectionManager{
		connections:      make(map[*Connection]bool),
		matchConnections: make(map[registry.MatchKey]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		registry:    reg,
		clock:       clock,
		format:      format,
		broadcastCh: make(chan reconcile.TimerUpdate, config.BroadcastBuffer),
	}
}

// Start processes reconciliation broadcasts until ctx is cancelled
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case update := <-cm.broadcastCh:
			cm.handleBroadcast(update)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:            uuid.New().String(),
		Conn:          conn,
		Send:          make(chan []byte, cm.config.SendBufferSize),
		Manager:       cm,
		ConnectedAt:   cm.clock.Now(),
		subscriptions: make(map[registry.MatchKey]*Subscription),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return connection, nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

// unregisterConnection cancels every subscription of conn, removes it from all
// match pools and closes its send channel. Safe to call more than once.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	subs := conn.closeSubscriptions()
	for _, sub := range subs {
		sub.Cancel()
	}

	cm.mu.Lock()
	_, registered := cm.connections[conn]
	delete(cm.connections, conn)
	for _, sub := range subs {
		cm.removeFromMatchLocked(sub.Key(), conn)
	}
	cm.mu.Unlock()

	conn.closeSend()

	if registered {
		log.Info().
			Str("connection_id", conn.ID).
			Int("cancelled_subscriptions", len(subs)).
			Msg("connection unregistered")
	}
}

func (cm *ConnectionManager) removeFromMatchLocked(key registry.MatchKey, conn *Connection) {
	if connections, ok := cm.matchConnections[key]; ok {
		delete(connections, conn)
		if len(connections) == 0 {
			delete(cm.matchConnections, key)
		}
	}
}

// Subscribe starts pushing the live clock of key to conn. Subscribing twice
// to the same match is a no-op.
func (cm *ConnectionManager) Subscribe(conn *Connection, key registry.MatchKey) error {
	conn.subsMu.Lock()
	defer conn.subsMu.Unlock()

	if conn.subsClosed {
		return errConnectionClosed
	}
	if _, exists := conn.subscriptions[key]; exists {
		return nil
	}

	sub := NewSubscription(key, cm.registry, cm.clock, cm.config.TickInterval, cm.format, conn)
	conn.subscriptions[key] = sub

	cm.mu.Lock()
	if cm.matchConnections[key] == nil {
		cm.matchConnections[key] = make(map[*Connection]bool)
	}
	cm.matchConnections[key][conn] = true
	cm.mu.Unlock()

	sub.Start()

	log.Debug().
		Str("connection_id", conn.ID).
		Str("match_key", key.String()).
		Msg("subscribed to match")
	return nil
}

// Unsubscribe cancels conn's subscription to key, if any.
func (cm *ConnectionManager) Unsubscribe(conn *Connection, key registry.MatchKey) bool {
	conn.subsMu.Lock()
	sub, exists := conn.subscriptions[key]
	if exists {
		delete(conn.subscriptions, key)
		cm.mu.Lock()
		cm.removeFromMatchLocked(key, conn)
		cm.mu.Unlock()
	}
	conn.subsMu.Unlock()

	if !exists {
		return false
	}
	sub.Cancel()

	log.Debug().
		Str("connection_id", conn.ID).
		Str("match_key", key.String()).
		Msg("unsubscribed from match")
	return true
}

// BroadcastTimer queues update for every viewer subscribed to its match
func (cm *ConnectionManager) BroadcastTimer(update reconcile.TimerUpdate) {
	select {
	case cm.broadcastCh <- update:
	default:
		log.Warn().Str("match_key", update.MatchKey.String()).Msg("broadcast channel full, dropping message")
	}
}

// handleBroadcast delivers a reconciliation update to the match's viewers
func (cm *ConnectionManager) handleBroadcast(update reconcile.TimerUpdate) {
	cm.mu.RLock()
	connections, exists := cm.matchConnections[update.MatchKey]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	// Snapshot so the lock is not held while sending
	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := encodeEvent(EventTimerUpdate, update)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal timer update for broadcast")
		return
	}

	for _, conn := range targets {
		switch err := conn.enqueue(data); {
		case errors.Is(err, errSendBufferFull):
			// Connection is slow/dead, close it; readPump unregisters it
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			conn.Conn.Close()
		case err != nil:
			log.Debug().Err(err).Str("connection_id", conn.ID).Msg("skipped broadcast")
		}
	}

	log.Debug().
		Str("match_key", update.MatchKey.String()).
		Str("timer", update.Timer).
		Int("connections", len(targets)).
		Msg("timer update broadcasted")
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		TotalConnections: len(cm.connections),
		ActiveMatches:    len(cm.matchConnections),
		MatchConnections: make(map[string]int, len(cm.matchConnections)),
	}
	for key, connections := range cm.matchConnections {
		stats.MatchConnections[key.String()] = len(connections)
		stats.TotalSubscriptions += len(connections)
	}
	return stats
}

// ActiveMatches returns the keys that currently have at least one viewer
func (cm *ConnectionManager) ActiveMatches() []registry.MatchKey {
	cm.mu.RLock()
	keys := make([]registry.MatchKey, 0, len(cm.matchConnections))
	for key := range cm.matchConnections {
		keys = append(keys, key)
	}
	cm.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// closeAll drops every connection on shutdown
func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for conn := range cm.connections {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		cm.unregisterConnection(conn)
	}
}

// PushTimer sends a periodic update to this viewer only
func (c *Connection) PushTimer(update reconcile.TimerUpdate) error {
	data, err := encodeEvent(EventTimerUpdate, update)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Connection) enqueue(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return errConnectionClosed
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *Connection) sendEvent(event EventType, data interface{}) {
	msg, err := encodeEvent(event, data)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to encode event")
		return
	}
	if err := c.enqueue(msg); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Str("event", string(event)).Msg("dropped event")
	}
}

func (c *Connection) closeSubscriptions() []*Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.subsClosed = true
	subs := make([]*Subscription, 0, len(c.subscriptions))
	for key, sub := range c.subscriptions {
		subs = append(subs, sub)
		delete(c.subscriptions, key)
	}
	return subs
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.sendClosed {
		c.sendClosed = true
		close(c.Send)
	}
}

// SubscriptionCount returns the number of live subscriptions on the connection
func (c *Connection) SubscriptionCount() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subscriptions)
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads viewer commands until the connection closes, then tears the
// connection down
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes subscribe/unsubscribe commands from the viewer
func (c *Connection) handleClientMessage(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.sendEvent(EventError, ErrorPayload{Message: "invalid message"})
		return
	}

	switch env.Event {
	case EventSubscribeToMatch, EventUnsubscribeFromMatch:
		var req MatchRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.sendEvent(EventError, ErrorPayload{Message: "invalid " + string(env.Event) + " payload"})
			return
		}
		key, err := req.MatchKey()
		if err != nil {
			c.sendEvent(EventError, ErrorPayload{Message: err.Error()})
			return
		}

		if env.Event == EventSubscribeToMatch {
			if err := c.Manager.Subscribe(c, key); err != nil {
				return
			}
			c.sendEvent(EventSubscribed, SubscriptionPayload{MatchKey: key})
			return
		}
		c.Manager.Unsubscribe(c, key)
		c.sendEvent(EventUnsubscribed, SubscriptionPayload{MatchKey: key})

	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("event", string(env.Event)).
			Msg("ignored unknown client event")
		c.sendEvent(EventError, ErrorPayload{Message: "unknown event " + string(env.Event)})
	}
}
