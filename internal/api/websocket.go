package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Size of the send buffer per client
	sendBufferSize = 256

	// Events queued for fan-out before BroadcastRingUpdate starts dropping
	broadcastBufferSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var _ chord.RingUpdateBroadcaster = (*WebSocketHub)(nil)

// client is one subscriber of the ring event stream.
type client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte
}

// WebSocketHub fans ring update events out to every connected client.
// Events are newline-separated JSON objects; several may share one frame.
type WebSocketHub struct {
	clients    map[*client]struct{}
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	shutdown   chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	started    bool
	dropped    uint64
	logger     *pkg.Logger
}

// NewWebSocketHub creates a hub. Run must be started before clients connect.
func NewWebSocketHub(logger *pkg.Logger) (*WebSocketHub, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &WebSocketHub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan []byte, broadcastBufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger.WithComponent("ws_hub"),
	}, nil
}

// Run serves register, unregister and broadcast requests until Stop. It
// returns at once if the hub is already running or was stopped first.
func (h *WebSocketHub) Run() {
	if !h.begin() {
		return
	}
	h.loop()
}

// Start marks the hub running before returning and serves it in the
// background, so a following Stop always waits for the loop to exit.
func (h *WebSocketHub) Start() {
	if h.begin() {
		go h.loop()
	}
}

func (h *WebSocketHub) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.shutdown:
		return false
	default:
	}
	if h.started {
		return false
	}
	h.started = true
	return true
}

func (h *WebSocketHub) loop() {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("total_clients", total).Msg("Client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				total := len(h.clients)
				h.mu.Unlock()
				h.logger.Info().Int("total_clients", total).Msg("Client disconnected")
			} else {
				h.mu.Unlock()
			}

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// slow client
					delete(h.clients, c)
					close(c.send)
					h.logger.Warn().Msg("Client send buffer full, disconnecting slow client")
				}
			}
			h.mu.Unlock()

		case <-h.shutdown:
			h.logger.Info().Msg("Shutting down WebSocket hub")
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.logger.Info().Msg("WebSocket hub shutdown complete")
			return
		}
	}
}

// Stop shuts the hub down, closes every client connection and waits for
// the loop to exit. It is safe to call more than once.
func (h *WebSocketHub) Stop() {
	h.mu.Lock()
	h.stopOnce.Do(func() {
		close(h.shutdown)
	})
	started := h.started
	h.mu.Unlock()

	if started {
		<-h.done
	}
}

// Clients returns the number of connected clients.
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded because the queue was full.
func (h *WebSocketHub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// the stream is one-way; reads only keep the connection alive
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error().Err(err).Msg("WebSocket unexpected close error")
			}
			return
		}
	}
}

// writePump is the only writer of c.conn.
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// HandleWebSocket upgrades the request and subscribes it to ring events.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.shutdown:
		http.Error(w, "hub stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade to websocket")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- c:
	case <-h.shutdown:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// BroadcastRingUpdate queues update for every connected client. It never
// blocks: nodes call it from their mailbox goroutine.
func (h *WebSocketHub) BroadcastRingUpdate(update any) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode ring update: %w", err)
	}

	select {
	case h.broadcast <- data:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.Warn().Msg("Broadcast channel full, dropping ring update")
	}
	return nil
}
