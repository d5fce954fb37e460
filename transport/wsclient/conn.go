package wsclient

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/formacademy/liveclass/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// wsConn owns one subscription WebSocket: a read pump dispatching envelopes
// and a write pump serializing outbound frames with keepalive pings.
type wsConn struct {
	ws     *websocket.Conn
	send   chan []byte
	handle func(signal.Envelope)
	log    *logrus.Entry
	once   sync.Once
	done   chan struct{}
}

func newWSConn(ws *websocket.Conn, handle func(signal.Envelope), log *logrus.Entry) *wsConn {
	return &wsConn{
		ws:     ws,
		send:   make(chan []byte, 256),
		handle: handle,
		log:    log,
		done:   make(chan struct{}),
	}
}

func (c *wsConn) start() {
	go c.writePump()
	go c.readPump()
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *wsConn) sendMessage(data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	}
}

func (c *wsConn) readPump() {
	defer c.close()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("relay connection lost")
			}
			return
		}
		var env signal.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.WithError(err).Warn("malformed envelope, ignoring")
			continue
		}
		c.handle(env)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
