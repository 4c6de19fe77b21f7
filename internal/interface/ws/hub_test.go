package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
	"github.com/mathquest/mathquest-progress/internal/interface/http/handlers"
)

type fakeSubscriber struct {
	handlers map[shared.EventType]shared.EventHandler
}

func (s *fakeSubscriber) Subscribe(t shared.EventType, h shared.EventHandler) error {
	s.handlers[t] = h
	return nil
}

func (s *fakeSubscriber) SubscribeAll(shared.EventHandler) error { return nil }

func newTestHub(t *testing.T, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		player := r.URL.Query().Get("player")
		if player != "" {
			r = r.WithContext(handlers.WithPlayer(r.Context(), shared.PlayerID(player)))
		}
		hub.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, player string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?player=" + player
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHub_PushesPlayerEvents(t *testing.T) {
	hub, srv := newTestHub(t, WithSnapshot(func(_ context.Context, _ shared.PlayerID) (progression.LevelSnapshot, error) {
		return progression.Snapshot(100), nil
	}))
	sub := &fakeSubscriber{handlers: map[shared.EventType]shared.EventHandler{}}
	require.NoError(t, hub.Subscribe(sub))
	assert.Contains(t, sub.handlers, shared.EventXPChanged)
	assert.Contains(t, sub.handlers, shared.EventLevelUp)

	ada := dial(t, srv, "ada")
	bob := dial(t, srv, "bob")

	hello := readEnvelope(t, ada)
	assert.Equal(t, TypeHello, hello.Type)
	var helloData struct {
		PlayerID string                    `json:"player_id"`
		Progress progression.LevelSnapshot `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(hello.Data, &helloData))
	assert.Equal(t, "ada", helloData.PlayerID)
	assert.Equal(t, progression.Level(2), helloData.Progress.Level)
	assert.Equal(t, TypeHello, readEnvelope(t, bob).Type)

	require.NoError(t, sub.handlers[shared.EventXPChanged](shared.NewXPChangedEvent("ada", 250)))
	require.NoError(t, sub.handlers[shared.EventLevelUp](shared.NewLevelUpEvent("ada", 3)))

	env := readEnvelope(t, ada)
	assert.Equal(t, TypeXPChanged, env.Type)
	var snap progression.LevelSnapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, progression.XP(250), snap.TotalXP)
	assert.Equal(t, progression.Level(3), snap.Level)

	env = readEnvelope(t, ada)
	assert.Equal(t, TypeLevelUp, env.Type)
	assert.JSONEq(t, `{"new_level":3}`, string(env.Data))

	// bob receives nothing
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err)
}

func TestHub_RejectsAnonymous(t *testing.T) {
	_, srv := newTestHub(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_SlowClientDrops(t *testing.T) {
	hub := NewHub(nil, WithSendBuffer(1))
	c := &client{playerID: "ada", send: make(chan []byte, 1)}
	require.True(t, hub.register(c))

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.HandleEvent(shared.NewXPChangedEvent("ada", int64(i))))
	}
	assert.Equal(t, int64(2), hub.Dropped())
	assert.Equal(t, 1, hub.Connections("ada"))

	hub.unregister(c)
	assert.Equal(t, 0, hub.Connections("ada"))
}

func TestHub_ClosedRejectsRegistration(t *testing.T) {
	hub := NewHub(nil)
	hub.Close()
	assert.False(t, hub.register(&client{playerID: "ada", send: make(chan []byte, 1)}))
}

func TestHub_EventsAfterCloseAreIgnored(t *testing.T) {
	hub := NewHub(nil)
	c := &client{playerID: "ada", send: make(chan []byte, 4)}
	require.True(t, hub.register(c))

	hub.Close()
	assert.Equal(t, 0, hub.Connections("ada"))

	assert.NotPanics(t, func() {
		require.NoError(t, hub.HandleEvent(shared.NewXPChangedEvent("ada", 10)))
		require.NoError(t, hub.HandleEvent(shared.NewLevelUpEvent("ada", 2)))
	})
	assert.Zero(t, hub.Dropped())

	// the reader of a closed connection still unregisters
	assert.NotPanics(t, func() { hub.unregister(c) })
}

func TestPayloadInt(t *testing.T) {
	assert.Equal(t, int64(7), payloadInt(7))
	assert.Equal(t, int64(7), payloadInt(int64(7)))
	assert.Equal(t, int64(7), payloadInt(float64(7)))
	assert.Equal(t, int64(progression.InfiniteXP), payloadInt(float64(progression.InfiniteXP)))
	assert.Equal(t, int64(0), payloadInt("seven"))
}
