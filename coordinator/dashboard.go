package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxDashboardConnections = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HealthSummary is the payload pushed to dashboard clients and returned by
// GET /.
type HealthSummary struct {
	AgentsTotal    int   `json:"agents_total"`
	AgentsAlive    int   `json:"agents_alive"`
	WorkflowsTotal int64 `json:"workflows_total"`
	Timestamp      int64 `json:"timestamp"`
}

// DashboardHub pushes periodic HealthSummary snapshots to connected
// WebSocket clients. Adapted from the single-broadcaster MetricsHub
// pattern: one register/unregister channel pair feeding a ticker-driven
// broadcast loop, generalized from per-tenant metrics to one shared
// cluster-wide summary since this system has no tenancy concept.
type DashboardHub struct {
	api *API

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewDashboardHub wires a hub that queries api for each broadcast tick.
func NewDashboardHub(api *API) *DashboardHub {
	return &DashboardHub{
		api:        api,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run drives the hub's register/unregister/broadcast loop until ctx is
// cancelled.
func (h *DashboardHub) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxDashboardConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("dashboard: connection rejected, at capacity (%d)", maxDashboardConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *DashboardHub) broadcast(ctx context.Context) {
	summary, err := h.api.healthSummary(ctx)
	if err != nil {
		log.Printf("dashboard: health summary: %v", err)
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			go func(c *websocket.Conn) { h.unregister <- c }(conn)
		}
	}
}

func (h *DashboardHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// ServeWS upgrades the connection and registers it with the hub.
func (h *DashboardHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("dashboard: upgrade failed: %v", err)
		return
	}
	h.register <- conn
}
