// Package relay is the WebSocket relay the dashboard page and the plot
// processes talk through. Every text message a client sends is written to
// every connected client, the sender included; routing happens at the
// receivers, which look at the dest field.
package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hpwhdash/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

type Hub struct {
	register   chan *Client
	unregister chan *Client
	clients    map[*Client]bool
	broadcast  chan []byte
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once

	logger  zerolog.Logger
	metrics telemetry.Collector
}

type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger zerolog.Logger, metrics telemetry.Collector) *Hub {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, sendBuffer),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		logger:     logger,
		metrics:    metrics,
	}
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.metrics.SetRelayClients(len(h.clients))
			h.logger.Debug().Str("client", c.id).Int("clients", len(h.clients)).Msg("relay client connected")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.metrics.SetRelayClients(len(h.clients))
				h.logger.Debug().Str("client", c.id).Int("clients", len(h.clients)).Msg("relay client disconnected")
			}
		case msg := <-h.broadcast:
			h.metrics.IncRelayed()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn().Str("client", c.id).Msg("relay client too slow, dropping")
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.metrics.SetRelayClients(len(h.clients))
		case <-h.stop:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.metrics.SetRelayClients(0)
			return
		}
	}
}

// Broadcast queues msg for every connected client. It reports false when
// the hub has been shut down.
func (h *Hub) Broadcast(msg []byte) bool {
	select {
	case h.broadcast <- msg:
		return true
	case <-h.stopped:
		return false
	}
}

// shutdown closes every client connection and stops the hub loop.
func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.stopped
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func serveWS(h *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade")
		return
	}
	client := &Client{id: uuid.New().String(), hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- client:
	case <-h.stopped:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopped:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Str("client", c.id).Err(err).Msg("relay read")
			}
			return
		}
		if !c.hub.Broadcast(msg) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Relay owns the current hub. Restart drops every connection and starts
// over with an empty hub, the way relaunching the relay process did.
type Relay struct {
	logger  zerolog.Logger
	metrics telemetry.Collector

	mu  sync.Mutex
	hub *Hub
}

func New(logger zerolog.Logger, metrics telemetry.Collector) *Relay {
	r := &Relay{logger: logger, metrics: metrics}
	r.hub = r.start()
	return r
}

func (r *Relay) start() *Hub {
	h := NewHub(r.logger, r.metrics)
	go h.run()
	return h
}

func (r *Relay) current() *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hub
}

// Restart closes all clients and replaces the hub.
func (r *Relay) Restart() {
	r.mu.Lock()
	old := r.hub
	r.hub = r.start()
	r.mu.Unlock()
	old.shutdown()
	r.logger.Info().Msg("relay restarted")
}

// Close shuts the relay down.
func (r *Relay) Close() {
	r.current().shutdown()
}

// Broadcast sends msg to every client of the current hub.
func (r *Relay) Broadcast(msg []byte) bool {
	return r.current().Broadcast(msg)
}

// BroadcastJSON encodes v and broadcasts it. Run events reach the plot
// processes this way.
func (r *Relay) BroadcastJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		r.logger.Warn().Err(err).Msg("relay encode")
		return
	}
	r.Broadcast(b)
}

// ServeHTTP upgrades the request and attaches the connection to the
// current hub.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	serveWS(r.current(), w, req)
}
