// Package events pushes pipeline store changes to the boards a user has open
// over WebSocket.
package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/funnel/internal/config"
	"github.com/pitabwire/funnel/internal/observability"
	"github.com/pitabwire/funnel/internal/pipeline"
	"github.com/pitabwire/funnel/model"
)

const maxInboundMessage = 4096

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics sets the metrics the hub records connections and events to.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// Hub fans store change events out to the WebSocket connections of the
// subject that owns the store. It implements pipeline.Listener.
type Hub struct {
	cfg      config.EventsConfig
	logger   *zap.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
}

var _ pipeline.Listener = (*Hub)(nil)

type client struct {
	subject string
	conn    *websocket.Conn
	send    chan pipeline.ChangeEvent
	done    chan struct{}
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewHub creates a hub with no connections.
func NewHub(cfg config.EventsConfig, opts ...Option) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	h := &Hub{
		cfg:     cfg,
		logger:  zap.NewNop(),
		clients: make(map[string]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// checkOrigin allows any origin when none are configured.
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// StoreChanged implements pipeline.Listener. Events for a client whose send
// buffer is full are dropped.
func (h *Hub) StoreChanged(_ context.Context, ev pipeline.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients[ev.SubjectID] {
		select {
		case c.send <- ev:
			h.metrics.RecordEventPublished(string(ev.Action))
		default:
			h.metrics.RecordEventDropped()
			h.logger.Warn("event dropped for slow client",
				zap.String("subject_id", ev.SubjectID),
				zap.String("action", string(ev.Action)))
		}
	}
}

// ServeHTTP upgrades an authenticated request and streams the subject's
// events until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subject, ok := model.SubjectFrom(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	logger := observability.RequestLogger(r.Context(), h.logger)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		subject: subject,
		conn:    conn,
		send:    make(chan pipeline.ChangeEvent, h.cfg.SendBuffer),
		done:    make(chan struct{}),
	}
	h.register(c)
	logger.Info("event feed connected")

	go h.writeLoop(c)
	h.readLoop(c)

	h.unregister(c)
	c.close()
	logger.Info("event feed disconnected")
}

// Connections returns the number of open connections of a subject.
func (h *Hub) Connections(subjectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[subjectID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.close()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.subject]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.subject] = set
	}
	set[c] = struct{}{}
	h.metrics.AddEventConnections(1)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.subject]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.subject)
	}
	h.metrics.AddEventConnections(-1)
}

// readLoop discards client messages; it only exists to process control
// frames and notice the peer going away.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(maxInboundMessage)
	if h.cfg.PingInterval > 0 {
		wait := 2 * h.cfg.PingInterval
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	var ping <-chan time.Time
	if h.cfg.PingInterval > 0 {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				h.logger.Debug("event write failed", zap.String("subject_id", c.subject), zap.Error(err))
				c.close()
				return
			}
		case <-ping:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		}
	}
}
