package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/ltvbot/pkg/trader"
	"github.com/sirupsen/logrus"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Hub pushes cycle reports to websocket clients.
type Hub struct {
	source   ReportSource
	upgrader websocket.Upgrader
	logger   *logrus.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *streamClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *streamClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func NewHub(source ReportSource, logger *logrus.Logger) *Hub {
	return &Hub{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

// Run forwards reports to clients and keeps connections alive until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	reports, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case report, ok := <-reports:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(report)
		case <-ticker.C:
			for _, c := range h.snapshot() {
				if err := c.ping(); err != nil {
					h.logger.WithError(err).Debug("Failed to ping stream client")
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade stream connection")
		return
	}

	c := &streamClient{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.WithField("remote", r.RemoteAddr).Info("Stream client connected")

	if last, ok := h.source.LastReport(); ok {
		if err := c.writeJSON(last); err != nil {
			h.remove(c)
			return
		}
	}

	go h.readLoop(c)
}

// readLoop drains client frames so close and pong messages are processed.
func (h *Hub) readLoop(c *streamClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) broadcast(report trader.CycleReport) {
	for _, c := range h.snapshot() {
		if err := c.writeJSON(report); err != nil {
			h.logger.WithError(err).Debug("Dropping stream client")
			h.remove(c)
		}
	}
}

func (h *Hub) snapshot() []*streamClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

func (h *Hub) closeAll() {
	for _, c := range h.snapshot() {
		h.remove(c)
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
