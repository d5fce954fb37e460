package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formacademy/liveclass/signal"
)

// hubFixture runs a Hub behind a real WebSocket endpoint so tests exercise
// the actual read/write pumps.
type hubFixture struct {
	hub *Hub
	srv *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	hub := NewHub(log)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.Register(r.URL.Query().Get("session"), r.URL.Query().Get("user"), conn)
	}))
	t.Cleanup(srv.Close)
	return &hubFixture{hub: hub, srv: srv}
}

func (f *hubFixture) dial(t *testing.T, sessionID, userID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?session=" + sessionID + "&user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (*signal.Envelope, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	var env signal.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return &env, true
}

func waitForClients(t *testing.T, hub *Hub, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.SessionActive(sessionID)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHubBroadcastsRosterToSession(t *testing.T) {
	f := newHubFixture(t)
	bob := f.dial(t, "s1", "bob")
	carol := f.dial(t, "s1", "carol")
	observer := f.dial(t, "s1", "")
	outsider := f.dial(t, "s2", "dave")
	waitForClients(t, f.hub, "s1")
	waitForClients(t, f.hub, "s2")

	f.hub.Deliver(&signal.Envelope{
		Kind:      signal.KindRoster,
		SessionID: "s1",
		Participants: []signal.Participant{
			{SessionID: "s1", UserID: "bob", Status: signal.StatusPresent},
		},
	})

	for _, conn := range []*websocket.Conn{bob, carol, observer} {
		env, ok := readEnvelope(t, conn)
		require.True(t, ok)
		assert.Equal(t, signal.KindRoster, env.Kind)
		assert.Len(t, env.Participants, 1)
	}
	_, ok := readEnvelope(t, outsider)
	assert.False(t, ok, "other sessions must not see the roster")
}

func TestHubDirectsSignalsToRecipientOnly(t *testing.T) {
	f := newHubFixture(t)
	bob := f.dial(t, "s1", "bob")
	carol := f.dial(t, "s1", "carol")
	observer := f.dial(t, "s1", "")
	waitForClients(t, f.hub, "s1")

	f.hub.Deliver(&signal.Envelope{
		Kind:      signal.KindSignal,
		SessionID: "s1",
		Signal: &signal.Signal{
			SessionID: "s1",
			From:      "carol",
			To:        "bob",
			Type:      signal.TypeOffer,
			Payload:   signal.MarshalSDP("v=0"),
		},
	})

	env, ok := readEnvelope(t, bob)
	require.True(t, ok)
	require.NotNil(t, env.Signal)
	assert.Equal(t, signal.TypeOffer, env.Signal.Type)

	_, ok = readEnvelope(t, carol)
	assert.False(t, ok, "directed signal must not reach other participants")
	_, ok = readEnvelope(t, observer)
	assert.False(t, ok, "observers receive no directed signals")
}

func TestHubInvokesOnEnvelopeForInbound(t *testing.T) {
	f := newHubFixture(t)

	var mu sync.Mutex
	var got []*signal.Envelope
	f.hub.OnEnvelope = func(c *Client, env *signal.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	}

	bob := f.dial(t, "s1", "bob")
	waitForClients(t, f.hub, "s1")

	out, err := json.Marshal(signal.Envelope{
		Kind: signal.KindSignal,
		Signal: &signal.Signal{
			To:      "carol",
			Type:    signal.TypeAnswer,
			Payload: signal.MarshalSDP("v=0"),
		},
	})
	require.NoError(t, err)
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, out))
	// Malformed frames are dropped without killing the connection.
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, out))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, signal.TypeAnswer, got[0].Signal.Type)
}

func TestHubDetachOnClose(t *testing.T) {
	f := newHubFixture(t)

	detached := make(chan *Client, 1)
	f.hub.OnDetach = func(c *Client) { detached <- c }

	bob := f.dial(t, "s1", "bob")
	waitForClients(t, f.hub, "s1")
	bob.Close()

	select {
	case c := <-detached:
		assert.Equal(t, "bob", c.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("detach callback not invoked")
	}
	require.Eventually(t, func() bool {
		return !f.hub.SessionActive("s1")
	}, 2*time.Second, 5*time.Millisecond)
}
