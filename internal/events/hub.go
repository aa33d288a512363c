package events

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketBufferSize is the per-client send buffer, sized to absorb a
// burst of flushes before a slow client applies backpressure.
const WebSocketBufferSize = 256

// Client is a single websocket connection subscribed to the event stream.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub broadcasts flushed event batches to every connected websocket client,
// adapted from the teacher's internal/server/hub.go dashboard broadcaster.
// Subscribe it to a Bus to tail the stream live.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	gzip       bool
	log        zerolog.Logger
}

// NewHub creates a websocket broadcast hub. When gzipEncode is true, every
// outbound batch is gzip-compressed before being written to clients
// (spec.md §4.2 "optionally gzips").
func NewHub(gzipEncode bool, log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, WebSocketBufferSize),
		gzip:       gzipEncode,
		log:        log.With().Str("component", "eventhub").Logger(),
	}
}

// Run starts the hub's main loop; call it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// NewClient wraps a websocket connection as a Client and starts its pumps.
func (h *Hub) NewClient(conn *websocket.Conn) *Client {
	c := &Client{hub: h, conn: conn, send: make(chan []byte, WebSocketBufferSize)}
	h.Register(c)
	go c.writePump()
	go c.readPump()
	return c
}

// ClientCount reports the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastBatch is an events.Handler suitable for Bus.Subscribe: it
// serializes the batch to JSON, optionally gzips it, and broadcasts the
// result to every connected client.
func (h *Hub) BroadcastBatch(batch []Event) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	if h.gzip {
		data, err = gzipEncode(data)
		if err != nil {
			return err
		}
	}
	h.broadcast <- data
	return nil
}

func gzipEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
		// The event stream is one-directional; inbound frames are discarded.
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
