// Package wsclient implements the signaling transport contract against the
// reference relay: REST for presence, roster and stroke history, one
// WebSocket per subscription for the live push channels.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/formacademy/liveclass/signal"
	"github.com/formacademy/liveclass/whiteboard"
)

// Client talks to one relay instance. Safe for concurrent use.
type Client struct {
	baseURL string
	wsURL   string
	http    *http.Client
	log     *logrus.Entry

	mu    sync.Mutex
	conns map[string]*wsConn // session/user -> subscription conn
}

// New creates a client for the relay at baseURL (http:// or https://).
func New(baseURL string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	base := strings.TrimRight(baseURL, "/")
	ws := strings.Replace(base, "http", "ws", 1)
	return &Client{
		baseURL: base,
		wsURL:   ws,
		http:    &http.Client{},
		log:     logger.WithField("component", "wsclient"),
		conns:   make(map[string]*wsConn),
	}
}

// JoinSession registers presence; the relay upserts, so re-joins are safe.
func (c *Client) JoinSession(ctx context.Context, sessionID, userID string) error {
	return c.post(ctx, fmt.Sprintf("/api/sessions/%s/join", sessionID), map[string]string{"userId": userID}, nil)
}

// LeaveSession deregisters presence.
func (c *Client) LeaveSession(ctx context.Context, sessionID, userID string) error {
	return c.post(ctx, fmt.Sprintf("/api/sessions/%s/leave", sessionID), map[string]string{"userId": userID}, nil)
}

// UpdateParticipantState merge-patches flags.
func (c *Client) UpdateParticipantState(ctx context.Context, sessionID, userID string, flags signal.Flags) error {
	body := struct {
		UserID string       `json:"userId"`
		Flags  signal.Flags `json:"flags"`
	}{UserID: userID, Flags: flags}
	return c.post(ctx, fmt.Sprintf("/api/sessions/%s/flags", sessionID), body, nil)
}

// Participants fetches the roster snapshot.
func (c *Client) Participants(ctx context.Context, sessionID string) ([]signal.Participant, error) {
	var out []signal.Participant
	if err := c.get(ctx, fmt.Sprintf("/api/sessions/%s/participants", sessionID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe opens the live channel for one user: every signal addressed to
// them plus roster changes. The relay serializes per-connection writes, so
// same-sender signal order survives the trip.
func (c *Client) Subscribe(ctx context.Context, sessionID, userID string, onSignal func(signal.Signal), onRoster func([]signal.Participant)) (func(), error) {
	conn, err := c.dial(ctx, sessionID, userID, func(env signal.Envelope) {
		switch env.Kind {
		case signal.KindSignal:
			if env.Signal != nil && onSignal != nil {
				onSignal(*env.Signal)
			}
		case signal.KindRoster:
			if onRoster != nil {
				onRoster(env.Participants)
			}
		case signal.KindError:
			c.log.WithField("error", env.Error).Warn("relay error")
		}
	})
	if err != nil {
		return nil, err
	}

	key := sessionID + "/" + userID
	c.mu.Lock()
	if old, ok := c.conns[key]; ok {
		old.close()
	}
	c.conns[key] = conn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if c.conns[key] == conn {
			delete(c.conns, key)
		}
		c.mu.Unlock()
		conn.close()
	}, nil
}

// SendSignal writes one directed message on the user's subscription channel.
// Subscribe must be active for the sender.
func (c *Client) SendSignal(ctx context.Context, sessionID, from, to string, t signal.Type, payload json.RawMessage) error {
	c.mu.Lock()
	conn, ok := c.conns[sessionID+"/"+from]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("wsclient: no subscription for %s in %s", from, sessionID)
	}
	env := signal.Envelope{
		Kind:      signal.KindSignal,
		SessionID: sessionID,
		UserID:    from,
		Signal: &signal.Signal{
			SessionID: sessionID,
			From:      from,
			To:        to,
			Type:      t,
			Payload:   payload,
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	return conn.sendMessage(data)
}

// Strokes fetches the full ordered stroke history.
func (c *Client) Strokes(ctx context.Context, sessionID string) ([]whiteboard.Stroke, error) {
	var out []whiteboard.Stroke
	if err := c.get(ctx, fmt.Sprintf("/api/sessions/%s/strokes", sessionID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddStroke persists one stroke.
func (c *Client) AddStroke(ctx context.Context, sessionID, userID string, op whiteboard.Op) (whiteboard.Stroke, error) {
	body := struct {
		UserID string        `json:"userId"`
		Op     whiteboard.Op `json:"op"`
	}{UserID: userID, Op: op}
	var out whiteboard.Stroke
	if err := c.post(ctx, fmt.Sprintf("/api/sessions/%s/strokes", sessionID), body, &out); err != nil {
		return whiteboard.Stroke{}, err
	}
	return out, nil
}

// ClearBoard commits a clear stroke.
func (c *Client) ClearBoard(ctx context.Context, sessionID, userID string) error {
	return c.post(ctx, fmt.Sprintf("/api/sessions/%s/clear", sessionID), map[string]string{"userId": userID}, nil)
}

// SubscribeStrokes opens an observer channel carrying every committed stroke.
func (c *Client) SubscribeStrokes(ctx context.Context, sessionID string, onStroke func(whiteboard.Stroke)) (func(), error) {
	conn, err := c.dial(ctx, sessionID, "", func(env signal.Envelope) {
		if env.Kind != signal.KindStroke || env.Stroke == nil {
			return
		}
		var s whiteboard.Stroke
		if err := json.Unmarshal(env.Stroke, &s); err != nil {
			c.log.WithError(err).Warn("malformed stroke push, ignoring")
			return
		}
		onStroke(s)
	})
	if err != nil {
		return nil, err
	}
	return conn.close, nil
}

func (c *Client) dial(ctx context.Context, sessionID, userID string, handle func(signal.Envelope)) (*wsConn, error) {
	u := fmt.Sprintf("%s/ws/%s", c.wsURL, sessionID)
	if userID != "" {
		u += "?user=" + url.QueryEscape(userID)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn := newWSConn(ws, handle, c.log)
	conn.start()
	return conn, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relay %s %s: %s: %s", req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	return nil
}
