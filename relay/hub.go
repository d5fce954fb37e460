package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/formacademy/liveclass/signal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendQueueSize  = 256
)

// Client is one WebSocket attachment to a session. A client with an empty
// userID is an observer: it receives broadcasts (roster, strokes) but no
// directed signals.
type Client struct {
	SessionID string
	UserID    string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// Hub tracks the WebSocket clients attached to this relay instance, keyed
// by session. Cross-instance delivery goes through the Bus; the hub only
// writes to local sockets.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{}

	// OnEnvelope is invoked for each inbound envelope read from a client
	// socket. Set before the first Register call.
	OnEnvelope func(c *Client, env *signal.Envelope)
	// OnDetach is invoked after a client's read pump exits.
	OnDetach func(c *Client)

	log *logrus.Entry
}

func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*Client]struct{}),
		log:      log.WithField("component", "hub"),
	}
}

// Register attaches a connection to a session and starts its pumps.
func (h *Hub) Register(sessionID, userID string, conn *websocket.Conn) *Client {
	c := &Client{
		SessionID: sessionID,
		UserID:    userID,
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	clients, ok := h.sessions[sessionID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.sessions[sessionID] = clients
	}
	clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if clients, ok := h.sessions[c.SessionID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.sessions, c.SessionID)
		}
	}
	h.mu.Unlock()
}

// SessionActive reports whether any local client is attached to the session.
func (h *Hub) SessionActive(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID]) > 0
}

// Deliver routes one envelope to local clients: directed signals go only
// to the recipient, everything else is broadcast to the session.
func (h *Hub) Deliver(env *signal.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.WithError(err).Error("encode envelope")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.sessions[env.SessionID] {
		if env.Kind == signal.KindSignal && env.Signal != nil {
			if c.UserID == "" || c.UserID != env.Signal.To {
				continue
			}
		}
		c.enqueue(data)
	}
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		// Slow consumer: drop the connection rather than block the hub.
		c.hub.log.WithFields(logrus.Fields{
			"session_id": c.SessionID,
			"user_id":    c.UserID,
		}).Warn("send queue full, closing client")
		c.Close()
	}
}

// Close tears the connection down once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Close()
		if c.hub.OnDetach != nil {
			c.hub.OnDetach(c)
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.WithError(err).WithField("user_id", c.UserID).Debug("read error")
			}
			return
		}
		var env signal.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.hub.log.WithError(err).WithField("user_id", c.UserID).
				Warn("dropping malformed message")
			continue
		}
		if c.hub.OnEnvelope != nil {
			c.hub.OnEnvelope(c, &env)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
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
