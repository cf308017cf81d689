package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cellguard/cellguard/pkg/database"
	"github.com/cellguard/cellguard/pkg/logger"
)

const (
	pollBatch  = 200
	writeWait  = 10 * time.Second
	clientSize = 256
)

// EventSource is the event log the hub follows
type EventSource interface {
	ReadEvents(ctx context.Context, cursor uint, limit int) ([]database.Event, error)
	LatestEventID(ctx context.Context) (uint, error)
}

// Message is what clients receive: one event of the log
type Message struct {
	Type      string         `json:"type"`
	Cursor    uint           `json:"cursor"`
	Timestamp time.Time      `json:"timestamp"`
	Data      database.Event `json:"data"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID       string
	conn     *websocket.Conn
	messages chan []byte
}

// WebSocketHub follows the event log and pushes new events to every
// connected client. Clients that missed events catch up through
// /api/events with the cursor of the last message they saw.
type WebSocketHub struct {
	source   EventSource
	interval time.Duration
	cursor   uint

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	observer   func(int)
	logger     *logger.Logger
	mu         sync.RWMutex
}

// NewWebSocketHub creates a new WebSocket hub polling source every interval
func NewWebSocketHub(source EventSource, interval time.Duration, log *logger.Logger) *WebSocketHub {
	if interval <= 0 {
		interval = time.Second
	}
	return &WebSocketHub{
		source:     source,
		interval:   interval,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		observer:   func(int) {},
		logger:     log,
	}
}

// SetClientObserver installs a callback receiving the client count on
// every change
func (h *WebSocketHub) SetClientObserver(fn func(int)) {
	if fn == nil {
		fn = func(int) {}
	}
	h.observer = fn
}

// Run starts the WebSocket hub event loop. Events appended before Run are
// not streamed.
func (h *WebSocketHub) Run(ctx context.Context) {
	defer close(h.done)

	cursor, err := h.source.LatestEventID(ctx)
	if err != nil {
		h.logger.Warn("Failed to read event cursor, streaming from start", logger.Error(err))
	}
	h.setCursor(cursor)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.observer(n)
			h.logger.Debug("WebSocket client registered",
				logger.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.messages)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.observer(n)
			h.logger.Debug("WebSocket client unregistered",
				logger.String("client_id", client.ID))

		case <-ticker.C:
			h.poll(ctx)

		case <-ctx.Done():
			h.logger.Info("WebSocket hub shutting down")
			h.mu.Lock()
			for client := range h.clients {
				close(client.messages)
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			h.observer(0)
			return
		}
	}
}

// poll reads everything appended since the cursor and broadcasts it
func (h *WebSocketHub) poll(ctx context.Context) {
	for {
		events, err := h.source.ReadEvents(ctx, h.Cursor(), pollBatch)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("Failed to read events", logger.Error(err))
			}
			return
		}
		for _, e := range events {
			h.broadcast(Message{Type: e.Kind, Cursor: e.ID, Timestamp: e.CreatedAt, Data: e})
			h.setCursor(e.ID)
		}
		if len(events) < pollBatch {
			return
		}
	}
}

func (h *WebSocketHub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal event",
			logger.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.messages <- data:
		default:
			// Client buffer full, skip
			h.logger.Warn("Client message buffer full, skipping",
				logger.String("client_id", client.ID),
				logger.Uint("cursor", msg.Cursor))
		}
	}
}

// Cursor returns the id of the last streamed event
func (h *WebSocketHub) Cursor() uint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cursor
}

func (h *WebSocketHub) setCursor(c uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cursor = c
}

// Handler returns an HTTP handler for WebSocket connections
func (h *WebSocketHub) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied
			h.logger.Debug("WebSocket upgrade failed", logger.Error(err))
			return
		}
		client := &Client{ID: r.RemoteAddr, conn: conn, messages: make(chan []byte, clientSize)}

		select {
		case h.register <- client:
		case <-h.done:
			_ = conn.Close()
			return
		}

		// Reader goroutine: drain read to detect close
		go func() {
			defer func() {
				select {
				case h.unregister <- client:
				case <-h.done:
				}
				_ = client.conn.Close()
			}()
			client.conn.SetReadLimit(1024)
			for {
				if _, _, err := client.conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		// Writer loop
		go func() {
			defer func() { _ = client.conn.Close() }()
			for msg := range client.messages {
				_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
			_ = client.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		}()
	})
}

// GetClientCount returns the number of connected clients
func (h *WebSocketHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
