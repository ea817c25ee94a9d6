package opsapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/agentloop/internal/journal"
)

const writeWait = 5 * time.Second

var errHubStopped = errors.New("journal stream hub stopped")

type client struct {
	conn  *websocket.Conn
	runID string // empty streams every run
}

// StreamHub fans committed journal entries out to WebSocket clients. It is a
// journal.Sink; subscribe it with Journal.Subscribe and start Run.
type StreamHub struct {
	clients    map[*websocket.Conn]*client
	broadcast  chan journal.Entry
	register   chan *client
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewStreamHub creates a hub. allowOrigin decides cross-origin upgrades; nil
// allows every origin.
func NewStreamHub(logger *slog.Logger, allowOrigin func(*http.Request) bool) *StreamHub {
	if logger == nil {
		logger = slog.Default()
	}
	if allowOrigin == nil {
		allowOrigin = func(*http.Request) bool { return true }
	}
	return &StreamHub{
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan journal.Entry, 256),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader:   websocket.Upgrader{CheckOrigin: allowOrigin},
		logger:     logger,
	}
}

func (h *StreamHub) Name() string { return "websocket" }

// Deliver queues e for broadcast. It blocks until the hub accepts the entry
// or ctx ends; the journal bounds the wait with its deliver timeout.
func (h *StreamHub) Deliver(ctx context.Context, e journal.Entry) error {
	select {
	case h.broadcast <- e:
		return nil
	case <-h.done:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the client set until ctx is cancelled, then closes every
// connection. Run must be called at most once.
func (h *StreamHub) Run(ctx context.Context) {
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
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("journal stream client connected", "run_id", c.runID, "clients", n)

		case conn := <-h.unregister:
			h.drop(conn)

		case e := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for _, c := range h.clients {
				if c.runID == "" || c.runID == e.RunID {
					targets = append(targets, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range targets {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteJSON(e); err != nil {
					h.logger.Warn("journal stream write failed", "error", err)
					h.drop(c.conn)
				}
			}
		}
	}
}

func (h *StreamHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("journal stream client disconnected", "clients", n)
}

// HandleWebSocket upgrades the request and streams entries, optionally
// filtered by the run_id query parameter.
func (h *StreamHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- &client{conn: conn, runID: r.URL.Query().Get("run_id")}:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	// Reads only detect the peer going away.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Clients returns the number of connected clients.
func (h *StreamHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
