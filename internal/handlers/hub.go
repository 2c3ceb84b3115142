package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"crash-mines-backend/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// ConnSession is the identity paired with one live connection. It is nil
// until the connection authenticates.
type ConnSession struct {
	mu       sync.RWMutex
	identity *models.Identity
}

func (s *ConnSession) Identity() *models.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *ConnSession) bind(id *models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	session *ConnSession
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		session: &ConnSession{},
	}
}

type binding struct {
	client  *Client
	ownerID int64
}

type directMessage struct {
	ownerID int64
	payload []byte
}

// Hub fans messages out to connections. Only Run touches the client maps.
type Hub struct {
	clients map[*Client]int64
	owners  map[int64]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	bind       chan binding
	broadcast  chan []byte
	direct     chan directMessage
	stopped    chan struct{}

	log logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		clients:    make(map[*Client]int64),
		owners:     make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		bind:       make(chan binding),
		broadcast:  make(chan []byte, 256),
		direct:     make(chan directMessage, 256),
		stopped:    make(chan struct{}),
		log:        log.WithField("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) error {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return nil

		case c := <-h.register:
			h.clients[c] = 0

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case b := <-h.bind:
			prev, ok := h.clients[b.client]
			if !ok {
				continue
			}
			if prev != 0 {
				delete(h.owners[prev], b.client)
			}
			h.clients[b.client] = b.ownerID
			if h.owners[b.ownerID] == nil {
				h.owners[b.ownerID] = make(map[*Client]struct{})
			}
			h.owners[b.ownerID][b.client] = struct{}{}

		case payload := <-h.broadcast:
			for c := range h.clients {
				h.deliver(c, payload)
			}

		case m := <-h.direct:
			for c := range h.owners[m.ownerID] {
				h.deliver(c, m.payload)
			}
		}
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

func (h *Hub) attach(c *Client, ownerID int64) {
	select {
	case h.bind <- binding{client: c, ownerID: ownerID}:
	case <-h.stopped:
	}
}

func (h *Hub) deliver(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.log.WithField("owner_id", h.clients[c]).Warn("dropping slow websocket client")
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	owner := h.clients[c]
	delete(h.clients, c)
	if owner != 0 {
		delete(h.owners[owner], c)
		if len(h.owners[owner]) == 0 {
			delete(h.owners, owner)
		}
	}
	close(c.done)
}

// Broadcast queues msg for every connection. It never blocks the caller; a
// full queue drops the message.
func (h *Hub) Broadcast(msg *models.OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).WithField("type", msg.Type).Error("failed to encode broadcast")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.WithField("type", msg.Type).Warn("broadcast queue full, message dropped")
	}
}

// SendTo queues msg for every connection authenticated as ownerID.
func (h *Hub) SendTo(ownerID int64, msg *models.OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).WithField("type", msg.Type).Error("failed to encode message")
		return
	}
	select {
	case h.direct <- directMessage{ownerID: ownerID, payload: data}:
	default:
		h.log.WithFields(logrus.Fields{"type": msg.Type, "owner_id": ownerID}).Warn("direct queue full, message dropped")
	}
}

// reply writes to this connection only.
func (c *Client) reply(msg *models.OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.log.WithError(err).WithField("type", msg.Type).Error("failed to encode reply")
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.hub.log.WithField("type", msg.Type).Warn("reply dropped, client send buffer full")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
