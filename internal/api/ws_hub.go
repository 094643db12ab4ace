// Package api: WebSocket hub for real-time price and settlement broadcasting.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
)

// Message types sent to WebSocket clients.
const (
	MsgPrices          = "prices"
	MsgPositionOpened  = "position_opened"
	MsgPositionSettled = "position_settled"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type       string              `json:"type"`
	At         time.Time           `json:"at"`
	Prices     []PriceQuote        `json:"prices,omitempty"`
	PositionID string              `json:"position_id,omitempty"`
	UserID     string              `json:"user_id,omitempty"`
	Kind       model.Kind          `json:"kind,omitempty"`
	Instrument string              `json:"instrument,omitempty"`
	Side       model.Side          `json:"side,omitempty"`
	Stake      string              `json:"stake,omitempty"`
	EntryPrice string              `json:"entry_price,omitempty"`
	Settlement *model.HistoryEntry `json:"settlement,omitempty"`
}

// PriceQuote is one instrument's price in a prices message.
type PriceQuote struct {
	Instrument string `json:"instrument"`
	Price      string `json:"price"`
}

// WSHub manages WebSocket connections and broadcasts engine events to
// connected clients. It implements settlement.Notifier.
//
// A client that connects with ?user_id= only receives that user's position
// events; prices go to everyone.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn -> user filter, "" for all
	broadcast  chan outbound
	register   chan wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
}

// outbound is an encoded message and the user it concerns, if any.
type outbound struct {
	data   []byte
	userID string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan outbound, 256),
		register:   make(chan wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's event loop and closes every client when ctx ends.
// Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c.userID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "user_id", c.userID, "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, filter := range h.clients {
				if filter != "" && msg.userID != "" && filter != msg.userID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to every client whose filter matches
// msg.UserID. Messages without a user go to all clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{data: data, userID: msg.UserID}:
	default:
		// Drop if buffer full; the engine must never wait on display.
	}
}

// PricesUpdated broadcasts one tick's prices, sorted by instrument.
func (h *WSHub) PricesUpdated(prices map[string]decimal.Decimal, at time.Time) {
	quotes := make([]PriceQuote, 0, len(prices))
	for sym, p := range prices {
		quotes = append(quotes, PriceQuote{Instrument: sym, Price: p.String()})
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Instrument < quotes[j].Instrument })
	h.Broadcast(WSMessage{Type: MsgPrices, At: at, Prices: quotes})
}

func (h *WSHub) PositionOpened(p model.Position) {
	h.Broadcast(WSMessage{
		Type:       MsgPositionOpened,
		At:         p.EntryTime,
		PositionID: p.ID,
		UserID:     p.UserID,
		Kind:       p.Kind,
		Instrument: p.Instrument,
		Side:       p.Side,
		Stake:      p.Stake.String(),
		EntryPrice: p.EntryPrice.String(),
	})
}

func (h *WSHub) PositionSettled(p model.Position, entry model.HistoryEntry) {
	h.Broadcast(WSMessage{
		Type:       MsgPositionSettled,
		At:         entry.SettledAt,
		PositionID: p.ID,
		UserID:     p.UserID,
		Kind:       p.Kind,
		Instrument: p.Instrument,
		Side:       p.Side,
		Settlement: &entry,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // display clients are served from any origin
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The
// optional user_id query parameter narrows position events to one user.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- wsClient{conn: conn, userID: userID}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
