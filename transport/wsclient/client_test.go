package wsclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formacademy/liveclass/signal"
	"github.com/formacademy/liveclass/whiteboard"
)

// stubRelay records REST calls and pushes canned envelopes over the
// WebSocket endpoint, standing in for the real relay.
type stubRelay struct {
	srv *httptest.Server

	mu    sync.Mutex
	posts map[string][]byte
	conns []*websocket.Conn
}

func newStubRelay(t *testing.T) *stubRelay {
	t.Helper()
	s := &stubRelay{posts: map[string][]byte{}}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			s.mu.Lock()
			s.posts[r.URL.Path] = body
			s.mu.Unlock()
			switch r.URL.Path {
			case "/api/sessions/s1/strokes":
				var req struct {
					UserID string        `json:"userId"`
					Op     whiteboard.Op `json:"op"`
				}
				require.NoError(t, json.Unmarshal(body, &req))
				json.NewEncoder(w).Encode(whiteboard.Stroke{ID: 7, SessionID: "s1", UserID: req.UserID, Op: req.Op})
			default:
				w.Write([]byte(`{"status":"ok"}`))
			}
		case http.MethodGet:
			switch r.URL.Path {
			case "/api/sessions/s1/participants":
				json.NewEncoder(w).Encode([]signal.Participant{
					{SessionID: "s1", UserID: "alice", Status: signal.StatusPresent, Muted: true},
				})
			case "/api/sessions/s1/strokes":
				json.NewEncoder(w).Encode([]whiteboard.Stroke{
					{ID: 1, SessionID: "s1", UserID: "alice", Op: whiteboard.Op{Kind: whiteboard.KindClear}},
				})
			case "/api/sessions/missing/participants":
				http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
			}
		}
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubRelay) postBody(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts[path]
}

func (s *stubRelay) pushToAll(t *testing.T, env signal.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestRESTBodies(t *testing.T) {
	relay := newStubRelay(t)
	c := New(relay.srv.URL, quietLogger())
	ctx := context.Background()

	require.NoError(t, c.JoinSession(ctx, "s1", "alice"))
	assert.JSONEq(t, `{"userId":"alice"}`, string(relay.postBody("/api/sessions/s1/join")))

	require.NoError(t, c.UpdateParticipantState(ctx, "s1", "alice", signal.Flags{Muted: signal.Bool(true)}))
	assert.JSONEq(t, `{"userId":"alice","flags":{"is_muted":true}}`, string(relay.postBody("/api/sessions/s1/flags")))

	require.NoError(t, c.ClearBoard(ctx, "s1", "alice"))
	assert.JSONEq(t, `{"userId":"alice"}`, string(relay.postBody("/api/sessions/s1/clear")))

	require.NoError(t, c.LeaveSession(ctx, "s1", "alice"))
	assert.JSONEq(t, `{"userId":"alice"}`, string(relay.postBody("/api/sessions/s1/leave")))
}

func TestParticipantsAndErrors(t *testing.T) {
	relay := newStubRelay(t)
	c := New(relay.srv.URL, quietLogger())
	ctx := context.Background()

	parts, err := c.Participants(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.True(t, parts[0].Muted)

	_, err = c.Participants(ctx, "missing")
	require.Error(t, err)
}

func TestAddStrokeReturnsAssignedID(t *testing.T) {
	relay := newStubRelay(t)
	c := New(relay.srv.URL, quietLogger())

	op := whiteboard.Op{Kind: whiteboard.KindLine, StartX: 1, StartY: 2, EndX: 3, EndY: 4, Color: "#000000", StrokeWidth: 2}
	stroke, err := c.AddStroke(context.Background(), "s1", "alice", op)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stroke.ID)
	assert.Equal(t, op, stroke.Op)
}

func TestSubscribeDispatchesPushes(t *testing.T) {
	relay := newStubRelay(t)
	c := New(relay.srv.URL, quietLogger())
	ctx := context.Background()

	var mu sync.Mutex
	var sigs []signal.Signal
	var rosters [][]signal.Participant
	unsub, err := c.Subscribe(ctx, "s1", "alice", func(s signal.Signal) {
		mu.Lock()
		sigs = append(sigs, s)
		mu.Unlock()
	}, func(parts []signal.Participant) {
		mu.Lock()
		rosters = append(rosters, parts)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	relay.pushToAll(t, signal.Envelope{
		Kind:      signal.KindSignal,
		SessionID: "s1",
		Signal:    &signal.Signal{From: "bob", To: "alice", Type: signal.TypeOffer, Payload: signal.MarshalSDP("v=0")},
	})
	relay.pushToAll(t, signal.Envelope{
		Kind:         signal.KindRoster,
		SessionID:    "s1",
		Participants: []signal.Participant{{UserID: "bob", Status: signal.StatusPresent}},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sigs) == 1 && len(rosters) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, signal.TypeOffer, sigs[0].Type)
	assert.Equal(t, "bob", rosters[0][0].UserID)
}

func TestSendSignalRequiresSubscription(t *testing.T) {
	relay := newStubRelay(t)
	c := New(relay.srv.URL, quietLogger())
	ctx := context.Background()

	err := c.SendSignal(ctx, "s1", "alice", "bob", signal.TypeOffer, signal.MarshalSDP("v=0"))
	require.Error(t, err, "sending without a live subscription must fail")

	unsub, err := c.Subscribe(ctx, "s1", "alice", nil, nil)
	require.NoError(t, err)
	defer unsub()
	require.NoError(t, c.SendSignal(ctx, "s1", "alice", "bob", signal.TypeOffer, signal.MarshalSDP("v=0")))

	// The relay side sees the serialized envelope.
	relay.mu.Lock()
	conn := relay.conns[0]
	relay.mu.Unlock()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env signal.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.NotNil(t, env.Signal)
	assert.Equal(t, "bob", env.Signal.To)
}

func TestSubscribeStrokes(t *testing.T) {
	relay := newStubRelay(t)
	c := New(relay.srv.URL, quietLogger())
	ctx := context.Background()

	var mu sync.Mutex
	var strokes []whiteboard.Stroke
	unsub, err := c.SubscribeStrokes(ctx, "s1", func(s whiteboard.Stroke) {
		mu.Lock()
		strokes = append(strokes, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	payload, err := json.Marshal(whiteboard.Stroke{ID: 9, SessionID: "s1", UserID: "bob", Op: whiteboard.Op{Kind: whiteboard.KindClear}})
	require.NoError(t, err)
	relay.pushToAll(t, signal.Envelope{Kind: signal.KindStroke, SessionID: "s1", Stroke: payload})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(strokes) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(9), strokes[0].ID)
}
