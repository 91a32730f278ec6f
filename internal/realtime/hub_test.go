package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type tokenAuth map[string]string

func (a tokenAuth) UserIDFromToken(_ context.Context, token string) (string, error) {
	if id, ok := a[token]; ok {
		return id, nil
	}
	return "", errors.New("invalid token")
}

type fakeEditor struct {
	mu    sync.Mutex
	calls []Edit
	fn    func(userID string, edit Edit) (Update, error)
}

func (f *fakeEditor) ApplyEdit(_ context.Context, userID string, edit Edit) (Update, error) {
	f.mu.Lock()
	f.calls = append(f.calls, edit)
	f.mu.Unlock()
	return f.fn(userID, edit)
}

func (f *fakeEditor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	server *httptest.Server
	cancel context.CancelFunc
	done   chan error
}

func startHub(t *testing.T, editor Editor, relay Relay) *harness {
	t.Helper()
	hub := NewHub(editor, relay, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	auth := tokenAuth{"tok-alice": "usr_alice", "tok-bob": "usr_bob", "tok-carol": "usr_carol"}
	server := httptest.NewServer(NewHandler(hub, auth, 0, zap.NewNop()))
	h := &harness{server: server, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		server.Close()
		<-done
	})
	return h
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, raw, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", raw)
	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

func sendEdit(t *testing.T, conn *websocket.Conn, edit Edit) {
	t.Helper()
	data, err := json.Marshal(edit)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Envelope{Event: EventUpdateLibrary, Data: data}))
}

func strPtr(s string) *string { return &s }

func TestBroadcastReachesEverySessionOnce(t *testing.T) {
	editor := &fakeEditor{fn: func(_ string, edit Edit) (Update, error) {
		return Update{
			Payload:  map[string]any{"id": edit.Target(), "title": *edit.Title},
			Audience: Audience{All: true},
		}, nil
	}}
	h := startHub(t, editor, NewLocalRelay())

	conns := []*websocket.Conn{h.dial(t, "tok-alice"), h.dial(t, "tok-bob"), h.dial(t, "tok-carol")}
	for _, c := range conns {
		assert.Equal(t, EventWelcome, readEnvelope(t, c).Event)
	}

	sendEdit(t, conns[0], Edit{ContentID: "cnt_1", Title: strPtr("Morning")})

	for _, c := range conns {
		env := readEnvelope(t, c)
		assert.Equal(t, EventLibraryUpdated, env.Event)
		assert.JSONEq(t, `{"id":"cnt_1","title":"Morning"}`, string(env.Data))
	}
	for _, c := range conns {
		expectSilence(t, c)
	}
	assert.Equal(t, 1, editor.callCount())
}

func TestBroadcastRespectsAudience(t *testing.T) {
	editor := &fakeEditor{fn: func(string, Edit) (Update, error) {
		return Update{Payload: map[string]string{"id": "cnt_1"}, Audience: Audience{UserIDs: []string{"usr_alice", "usr_bob"}}}, nil
	}}
	h := startHub(t, editor, NewLocalRelay())

	alice, bob, carol := h.dial(t, "tok-alice"), h.dial(t, "tok-bob"), h.dial(t, "tok-carol")
	for _, c := range []*websocket.Conn{alice, bob, carol} {
		readEnvelope(t, c)
	}

	sendEdit(t, alice, Edit{ContentID: "cnt_1"})

	assert.Equal(t, EventLibraryUpdated, readEnvelope(t, alice).Event)
	assert.Equal(t, EventLibraryUpdated, readEnvelope(t, bob).Event)
	expectSilence(t, carol)
}

func TestFailedEditBroadcastsNothing(t *testing.T) {
	editor := &fakeEditor{fn: func(string, Edit) (Update, error) {
		return Update{}, errors.New("forbidden")
	}}
	h := startHub(t, editor, NewLocalRelay())

	alice, bob := h.dial(t, "tok-alice"), h.dial(t, "tok-bob")
	readEnvelope(t, alice)
	readEnvelope(t, bob)

	sendEdit(t, alice, Edit{ContentID: "cnt_1", Title: strPtr("x")})

	expectSilence(t, alice)
	expectSilence(t, bob)
	assert.Equal(t, 1, editor.callCount())
}

func TestLegacyIDAndMalformedEdits(t *testing.T) {
	editor := &fakeEditor{fn: func(_ string, edit Edit) (Update, error) {
		return Update{Payload: map[string]string{"id": edit.Target()}, Audience: Audience{All: true}}, nil
	}}
	h := startHub(t, editor, NewLocalRelay())
	alice := h.dial(t, "tok-alice")
	readEnvelope(t, alice)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, alice.WriteJSON(Envelope{Event: EventUpdateLibrary, Data: json.RawMessage(`{}`)}))
	require.NoError(t, alice.WriteJSON(Envelope{Event: EventUpdateLibrary, Data: json.RawMessage(`{"id":"cnt_legacy"}`)}))

	env := readEnvelope(t, alice)
	assert.JSONEq(t, `{"id":"cnt_legacy"}`, string(env.Data))
	assert.Equal(t, 1, editor.callCount())
}

func TestPingPong(t *testing.T) {
	h := startHub(t, &fakeEditor{}, NewLocalRelay())
	conn := h.dial(t, "tok-alice")
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(Envelope{Event: EventPing}))
	assert.Equal(t, EventPong, readEnvelope(t, conn).Event)
}

func TestAuthFailureClosesWith4401(t *testing.T) {
	h := startHub(t, &fakeEditor{}, NewLocalRelay())
	conn := h.dial(t, "bogus")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, CloseAuthFailed, closeErr.Code)
	assert.Equal(t, "authentication failed", closeErr.Text)
}

func TestTokenFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
	assert.Equal(t, "query", tokenFrom(r))

	r.Header.Set("Authorization", "Bearer header")
	assert.Equal(t, "header", tokenFrom(r))
}

func TestRedisRelaySharesBroadcastsAcrossHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { c.Close() })
		return c
	}

	editor := &fakeEditor{fn: func(string, Edit) (Update, error) {
		return Update{Payload: map[string]string{"id": "cnt_1"}, Audience: Audience{All: true}}, nil
	}}
	relayA := NewRedisRelay(newClient(), "reflect:test", zap.NewNop())
	relayB := NewRedisRelay(newClient(), "reflect:test", zap.NewNop())
	t.Cleanup(func() {
		relayA.Close()
		relayB.Close()
	})

	a := startHub(t, editor, relayA)
	b := startHub(t, editor, relayB)

	onA := a.dial(t, "tok-alice")
	onB := b.dial(t, "tok-bob")
	readEnvelope(t, onA)
	readEnvelope(t, onB)

	sendEdit(t, onA, Edit{ContentID: "cnt_1"})

	assert.Equal(t, EventLibraryUpdated, readEnvelope(t, onA).Event)
	assert.Equal(t, EventLibraryUpdated, readEnvelope(t, onB).Event)
	expectSilence(t, onA)
	expectSilence(t, onB)
}

func TestLocalRelayClose(t *testing.T) {
	relay := NewLocalRelay()
	ch, err := relay.Subscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, relay.Close())

	_, open := <-ch
	assert.False(t, open)
	assert.ErrorIs(t, relay.Publish(context.Background(), Message{}), ErrHubClosed)
}
