// Package ws streams public listing events to websocket watchers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"auction_go/internal/domain"
	"auction_go/internal/infra"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SnapshotFunc returns the current public state of a listing.
type SnapshotFunc func(listingID string) (domain.Listing, error)

// Envelope is the frame sent to watchers.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	hub       *Hub
	listingID string
	conn      *websocket.Conn
	send      chan []byte
}

type broadcastMsg struct {
	listingID string
	data      []byte
}

// Hub fans price and settlement events out to the watchers of each listing.
// It implements domain.EventSink; Publish never blocks the engine.
type Hub struct {
	watchers   map[string]map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan broadcastMsg
	done       chan struct{}

	snapshot SnapshotFunc
	metrics  *infra.Metrics
	logger   *slog.Logger
}

// NewHub creates a hub. snapshot may be nil.
func NewHub(snapshot SnapshotFunc, metrics *infra.Metrics, logger *slog.Logger) *Hub {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		watchers:   make(map[string]map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan broadcastMsg, 256),
		done:       make(chan struct{}),
		snapshot:   snapshot,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for id, set := range h.watchers {
				for c := range set {
					h.drop(c)
				}
				delete(h.watchers, id)
			}
			return nil

		case c := <-h.register:
			set, ok := h.watchers[c.listingID]
			if !ok {
				set = make(map[*client]bool)
				h.watchers[c.listingID] = set
			}
			set[c] = true
			h.metrics.IncrementWatchers()
			h.logger.Debug("Watcher joined", slog.String("listing", c.listingID), slog.Int("watchers", len(set)))

		case c := <-h.unregister:
			if set, ok := h.watchers[c.listingID]; ok && set[c] {
				delete(set, c)
				h.drop(c)
				if len(set) == 0 {
					delete(h.watchers, c.listingID)
				}
			}

		case msg := <-h.broadcast:
			for c := range h.watchers[msg.listingID] {
				select {
				case c.send <- msg.data:
				default:
					// slow watcher
					delete(h.watchers[msg.listingID], c)
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	close(c.send)
	h.metrics.DecrementWatchers()
}

// Publish forwards public events to the listing's watchers.
// Order requests are private to the order collaborator and are skipped.
func (h *Hub) Publish(_ context.Context, ev domain.Outbound) error {
	if ev.Type() == domain.OutboundOrderRequested {
		return nil
	}
	data, err := json.Marshal(Envelope{Type: string(ev.Type()), Payload: ev})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- broadcastMsg{listingID: ev.Listing(), data: data}:
	default:
		h.logger.Warn("Watcher broadcast dropped", slog.String("listing", ev.Listing()))
	}
	return nil
}

// Routes registers the hub's endpoints on mux.
func (h *Hub) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/listings/{id}", h.HandleWS)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
}

// HandleWS upgrades the request and subscribes it to one listing.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	listingID := r.PathValue("id")

	var initial []byte
	if h.snapshot != nil {
		l, err := h.snapshot(listingID)
		if errors.Is(err, domain.ErrListingNotFound) {
			http.Error(w, "listing not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		initial, _ = json.Marshal(Envelope{Type: "listing", Payload: l})
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{hub: h, listingID: listingID, conn: conn, send: make(chan []byte, sendBufferSize)}
	if initial != nil {
		c.send <- initial
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.metrics.Snapshot()); err != nil {
		h.logger.Warn("Metrics encode failed", slog.Any("error", err))
	}
}

// readPump only watches for close and pong frames; watchers send nothing.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Watcher closed unexpectedly", slog.Any("error", err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
