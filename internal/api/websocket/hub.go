// Package websocket streams security alerts to connected operator consoles.
// The hub is org-scoped: a client only ever receives alerts for the org in
// its authenticated claims.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	auditsvc "github.com/clinsafe/clinical-safety-backend/internal/service/audit"
)

// HubConfig tunes the alert hub
type HubConfig struct {
	ClientBufferSize int           `json:"client_buffer_size"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	PingInterval     time.Duration `json:"ping_interval"`
	PongTimeout      time.Duration `json:"pong_timeout"`
}

// DefaultHubConfig returns sensible defaults
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ClientBufferSize: 64,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
	}
}

// client is one connected console
type client struct {
	id    uuid.UUID
	orgID string
	conn  *websocket.Conn
	send  chan *auditsvc.SecurityAlert
}

// AlertHub fans security alerts out to websocket subscribers. It satisfies
// the audit service's dispatcher contract; a slow or dead client is dropped
// rather than allowed to block delivery to the rest.
type AlertHub struct {
	logger   *zap.Logger
	config   HubConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[uuid.UUID]*client
}

// NewAlertHub creates the hub
func NewAlertHub(logger *zap.Logger, config HubConfig) *AlertHub {
	return &AlertHub{
		logger: logger,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[uuid.UUID]*client),
	}
}

// Dispatch delivers an alert to every client subscribed to the alert's org.
// Delivery is best-effort: a full client buffer drops that client.
func (h *AlertHub) Dispatch(ctx context.Context, alert *auditsvc.SecurityAlert) error {
	h.mu.RLock()
	var stale []*client
	for _, c := range h.clients {
		if c.orgID != alert.OrgID {
			continue
		}
		select {
		case c.send <- alert:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Warn("dropping slow alert subscriber",
			zap.String("client_id", c.id.String()),
			zap.String("org_id", c.orgID))
		h.remove(c)
	}
	return nil
}

// Subscribe upgrades the request and registers the connection for the given
// org. The caller has already authenticated the request and resolved orgID.
func (h *AlertHub) Subscribe(w http.ResponseWriter, r *http.Request, orgID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		id:    uuid.New(),
		orgID: orgID,
		conn:  conn,
		send:  make(chan *auditsvc.SecurityAlert, h.config.ClientBufferSize),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info("alert subscriber connected",
		zap.String("client_id", c.id.String()),
		zap.String("org_id", orgID))

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

// ClientCount reports the number of connected subscribers
func (h *AlertHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber
func (h *AlertHub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[uuid.UUID]*client)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}

func (h *AlertHub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
}

// writePump serializes alerts and keepalive pings onto one connection
func (h *AlertHub) writePump(c *client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case alert, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(alert); err != nil {
				h.logger.Debug("alert write failed, dropping subscriber",
					zap.String("client_id", c.id.String()),
					zap.Error(err))
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readPump drains inbound frames to keep pong handling alive; subscribers
// never send application messages.
func (h *AlertHub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
