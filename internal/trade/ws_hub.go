// Package trade: WebSocket hub pushing trade events to the account that made them.
package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papertrade/ledger-engine/internal/auth"
	"github.com/papertrade/ledger-engine/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type          string `json:"type"`
	AccountID     string `json:"-"`
	TransactionID string `json:"transaction_id"`
	Direction     string `json:"direction"`
	AssetID       string `json:"asset_id"`
	Symbol        string `json:"symbol,omitempty"`
	Quantity      string `json:"quantity"`
	UnitPrice     string `json:"unit_price"`
	Balance       string `json:"new_balance"`
	Timestamp     string `json:"timestamp"`
}

type wsClient struct {
	accountID string
	conn      *websocket.Conn
	send      chan []byte
}

type envelope struct {
	accountID string
	data      []byte
}

// WSHub manages WebSocket connections grouped by account. A message is only
// delivered to the connections of the account it belongs to.
type WSHub struct {
	clients    map[string]map[*wsClient]struct{} // owned by Run
	broadcast  chan envelope
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{} // closed when Run returns
	upgrader   websocket.Upgrader
}

// NewWSHub creates a hub accepting handshakes from allowedOrigins ("*"
// allows any origin).
func NewWSHub(allowedOrigins []string) *WSHub {
	h := &WSHub{
		clients:    make(map[string]map[*wsClient]struct{}),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// Run starts the hub's event loop and returns when ctx is done, closing
// every connection. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			if h.clients[c.accountID] == nil {
				h.clients[c.accountID] = make(map[*wsClient]struct{})
			}
			h.clients[c.accountID][c] = struct{}{}
			metrics.WebSocketClients.Inc()
			slog.Debug("ws client connected", "account", c.accountID)

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			for c := range h.clients[msg.accountID] {
				select {
				case c.send <- msg.data:
				default:
					// Slow consumer.
					h.remove(c)
				}
			}

		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					h.remove(c)
				}
			}
			return
		}
	}
}

func (h *WSHub) remove(c *wsClient) {
	set, ok := h.clients[c.accountID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.accountID)
	}
	close(c.send)
	metrics.WebSocketClients.Dec()
}

// Publish queues msg for the connections of msg.AccountID. It never blocks;
// when the queue is full the message is dropped.
func (h *WSHub) Publish(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- envelope{accountID: msg.AccountID, data: data}:
	default:
		slog.Warn("ws broadcast queue full, dropping event", "account", msg.AccountID, "type", msg.Type)
	}
}

// HandleWS handles WebSocket upgrade requests at GET /api/ws. The account
// comes from the auth middleware.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	accountID, ok := auth.AccountID(r.Context())
	if !ok {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{accountID: accountID, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the connection's only writer.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
