package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/signal"
)

const (
	wsWriteWait      = 10 * time.Second
	wsClientBuffer   = 32
	wsReadLimitBytes = 512
)

// WSHub is both a notification channel and an HTTP handler: alert
// records fan out to every connected websocket client, and the handler
// upgrades incoming connections. Clients are read-only; anything they
// send is discarded. A slow client loses messages rather than stalling
// the broadcast.
type WSHub struct {
	id       string
	filter   Filter
	met      *metrics.Registry
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	closed  bool
}

func NewWSHub(id string, filter Filter, met *metrics.Registry, logger zerolog.Logger) *WSHub {
	if filter == nil {
		filter = DefaultFilter()
	}
	return &WSHub{
		id:     id,
		filter: filter,
		met:    met,
		log:    logger.With().Str("channel", id).Str("kind", "websocket").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

func (h *WSHub) ID() string   { return h.id }
func (h *WSHub) Kind() string { return "websocket" }

func (h *WSHub) Filter(ag signal.AggregatedSignal) bool { return h.filter(ag) }

// Deliver broadcasts the alert record to every connected client. No
// clients is a successful no-op; a client with a full buffer skips
// this message. The lock serializes sends against drop closing a
// client's buffer, and the sends never block.
func (h *WSHub) Deliver(_ context.Context, ag signal.AggregatedSignal) error {
	payload, err := json.Marshal(NewRecord(ag))
	if err != nil {
		return fmt.Errorf("marshal websocket payload: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, send := range h.clients {
		select {
		case send <- payload:
		default:
			h.log.Debug().Msg("Websocket client buffer full, message skipped")
		}
	}
	return nil
}

// ServeHTTP upgrades the connection and keeps it until the client
// disconnects or the hub closes.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	send := make(chan []byte, wsClientBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = send
	n := len(h.clients)
	h.mu.Unlock()
	h.met.WSClients.Set(float64(n))
	h.log.Debug().Str("remote", conn.RemoteAddr().String()).Int("clients", n).
		Msg("Websocket client connected")

	go h.writePump(conn, send)
	h.readPump(conn)
}

func (h *WSHub) writePump(conn *websocket.Conn, send chan []byte) {
	for payload := range send {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			return
		}
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	conn.Close()
}

// readPump discards inbound frames and detects disconnects.
func (h *WSHub) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(wsReadLimitBytes)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(conn)
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	send, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(send)
	}
	n := len(h.clients)
	closed := h.closed
	h.mu.Unlock()
	if !ok {
		return
	}
	if !closed {
		h.met.WSClients.Set(float64(n))
		h.log.Debug().Int("clients", n).Msg("Websocket client disconnected")
	}
}

// ClientCount is the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. The hub accepts no new connections
// afterwards.
func (h *WSHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		h.drop(conn)
	}
	h.met.WSClients.Set(0)
	return nil
}
