package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

type verifier map[string]auth.Identity

func (v verifier) Verify(token string) (auth.Identity, error) {
	id, ok := v[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

var testVerifier = verifier{
	"tok-a": {ID: "a", Name: "Alice"},
	"tok-b": {ID: "b", Name: "Bob"},
	"tok-c": {ID: "c", Name: "Carol"},
	"tok-d": {ID: "d", Name: "Dave"},
}

func newTestHub(t *testing.T, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()

	h, err := New(zap.NewNop().Sugar(), testVerifier, opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		srv.Close()
	})

	return h, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(wsURL(srv), header)
}

// connect dials and waits for the connected event
func connect(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	ws, _, err := dial(srv, token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	event, data := readFrame(t, ws)
	require.Equal(t, EventConnected, event)
	require.Equal(t, testVerifier[token].ID, fastjson.GetString(data, "id"))

	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) (string, []byte) {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f.Event, f.Data
}

// requireSilent asserts nothing arrives for a while. The connection can not be read afterwards.
func requireSilent(t *testing.T, ws *websocket.Conn) {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, msg, err := ws.ReadMessage()
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "unexpected frame %q or error %v", msg, err)
}

func emit(t *testing.T, ws *websocket.Conn, event string, data interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]interface{}{"event": event, "data": data}))
}

// barrier waits until every event sent before it on ws was processed
func barrier(t *testing.T, ws *websocket.Conn, userID string) {
	t.Helper()

	emit(t, ws, EventSetup, map[string]string{"id": userID})
	event, _ := readFrame(t, ws)
	require.Equal(t, EventConnected, event)
}

func TestHandshakeRejected(t *testing.T) {
	t.Parallel()
	h, srv := newTestHub(t)

	for _, token := range []string{"", "forged"} {
		ws, resp, err := dial(srv, token)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Nil(t, ws)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	require.Equal(t, float64(0), testutil.ToFloat64(h.metrics.connections))
	require.Equal(t, float64(2), testutil.ToFloat64(h.metrics.rejected))
}

func TestHandshakeTokenSources(t *testing.T) {
	t.Parallel()
	h, srv := newTestHub(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=tok-a", nil)
	require.NoError(t, err)
	defer ws.Close()
	event, _ := readFrame(t, ws)
	require.Equal(t, EventConnected, event)

	header := http.Header{}
	header.Set("Cookie", auth.CookieName+"=tok-b")
	ws2, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	defer ws2.Close()
	event, _ = readFrame(t, ws2)
	require.Equal(t, EventConnected, event)

	require.Equal(t, 1, h.Online("a"))
	require.Equal(t, 1, h.Online("b"))
}

func TestMessageDeliveredExcludesSender(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t)

	a := connect(t, srv, "tok-a")
	b1 := connect(t, srv, "tok-b")
	b2 := connect(t, srv, "tok-b")
	c := connect(t, srv, "tok-c")

	emit(t, a, EventMessageDelivered, map[string]interface{}{
		"_id":     "m1",
		"content": "hello",
		"sender":  map[string]string{"_id": "a", "name": "Alice"},
		"chat": map[string]interface{}{
			"_id":   "c1",
			"users": []interface{}{map[string]string{"_id": "a"}, "b", map[string]string{"id": "c"}},
		},
	})

	for _, ws := range []*websocket.Conn{b1, b2, c} {
		event, data := readFrame(t, ws)
		require.Equal(t, EventMessageReceived, event)
		require.Equal(t, "hello", fastjson.GetString(data, "content"))
		require.Equal(t, "m1", fastjson.GetString(data, "_id"))
	}

	requireSilent(t, a)
	requireSilent(t, b1)
}

func TestMessageDeliveredResolvesMembers(t *testing.T) {
	t.Parallel()
	resolver := MemberResolverFunc(func(_ context.Context, chatID string) ([]string, error) {
		if chatID != "c1" {
			return nil, errors.New("unknown chat")
		}
		return []string{"a", "b"}, nil
	})
	_, srv := newTestHub(t, WithResolver(resolver))

	a := connect(t, srv, "tok-a")
	b := connect(t, srv, "tok-b")
	c := connect(t, srv, "tok-c")

	emit(t, a, EventMessageDelivered, map[string]string{"chatId": "c1", "sender": "a", "content": "hi"})

	event, data := readFrame(t, b)
	require.Equal(t, EventMessageReceived, event)
	require.Equal(t, "hi", fastjson.GetString(data, "content"))

	requireSilent(t, c)
	requireSilent(t, a)
}

func TestMessageDeliveredRequiresMembership(t *testing.T) {
	t.Parallel()
	resolver := MemberResolverFunc(func(_ context.Context, chatID string) ([]string, error) {
		return []string{"a", "b"}, nil
	})
	_, srv := newTestHub(t, WithResolver(resolver))

	a := connect(t, srv, "tok-a")
	b := connect(t, srv, "tok-b")
	d := connect(t, srv, "tok-d")

	emit(t, a, EventJoinChatRoom, "c1")
	barrier(t, a, "a")

	// the embedded users list does not override the resolver
	emit(t, d, EventMessageDelivered, map[string]interface{}{
		"_id":     "fake",
		"content": "send me your password",
		"sender":  map[string]string{"_id": "d"},
		"chat":    map[string]interface{}{"_id": "c1", "users": []string{"d", "b"}},
	})
	emit(t, d, EventMessageDelivered, map[string]string{"chatId": "c1", "sender": "d", "content": "hi"})
	emit(t, d, EventTyping, "c1")
	barrier(t, d, "d")

	requireSilent(t, a)
	requireSilent(t, b)
}

func TestMessageDeliveredEmbeddedSenderMustBeMember(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t)

	b := connect(t, srv, "tok-b")
	d := connect(t, srv, "tok-d")

	emit(t, d, EventMessageDelivered, map[string]interface{}{
		"sender": "d",
		"chat":   map[string]interface{}{"_id": "c1", "users": []string{"a", "b"}},
	})
	barrier(t, d, "d")

	requireSilent(t, b)
}

func TestTypingScopedToChatRoom(t *testing.T) {
	t.Parallel()
	resolver := MemberResolverFunc(func(_ context.Context, chatID string) ([]string, error) {
		return []string{"a", "b", "c"}, nil
	})
	_, srv := newTestHub(t, WithResolver(resolver))

	a := connect(t, srv, "tok-a")
	b := connect(t, srv, "tok-b")
	c := connect(t, srv, "tok-c")
	d := connect(t, srv, "tok-d")

	emit(t, a, EventJoinChatRoom, "c1")
	barrier(t, a, "a")
	emit(t, b, EventJoinChatRoom, map[string]string{"_id": "c1"})
	barrier(t, b, "b")
	// d is not a member, the join is refused
	emit(t, d, EventJoinChatRoom, "c1")
	barrier(t, d, "d")

	emit(t, a, EventTyping, "c1")
	event, data := readFrame(t, b)
	require.Equal(t, EventTyping, event)
	require.JSONEq(t, `{"chatId":"c1","userId":"a"}`, string(data))

	emit(t, b, EventTyping, "c1")
	event, data = readFrame(t, a)
	require.Equal(t, EventTyping, event)
	require.JSONEq(t, `{"chatId":"c1","userId":"b"}`, string(data))

	emit(t, a, EventStopTyping, map[string]string{"id": "c1"})
	event, data = readFrame(t, b)
	require.Equal(t, EventStopTyping, event)
	require.JSONEq(t, `{"chatId":"c1","userId":"a"}`, string(data))

	requireSilent(t, c)
	requireSilent(t, d)
	requireSilent(t, a)
}

func TestMalformedEventsDropped(t *testing.T) {
	t.Parallel()
	h, srv := newTestHub(t)

	a := connect(t, srv, "tok-a")
	b := connect(t, srv, "tok-b")

	for _, raw := range []string{
		`not json`,
		`[1,2,3]`,
		`{"event":"typing"}`,
		`{"event":"join-chat-room","data":{"name":"x"}}`,
		`{"event":"message-delivered","data":{"chat":5,"sender":"a"}}`,
		`{"event":"message-delivered","data":{"chat":{"_id":"c1","users":["a","b"]}}}`,
		`{"event":"message-delivered","data":{"chat":{"_id":"c1","users":["a","b"]},"sender":{"_id":"b"}}}`,
		`{"event":"message-delivered","data":{"chatId":"c1","sender":"a"}}`,
		`{"event":"setup","data":{"id":"b"}}`,
		`{"event":"explode","data":1}`,
	} {
		require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(raw)))
	}

	// the connection survives and keeps processing events in order
	barrier(t, a, "a")
	require.Equal(t, 1, h.Online("a"))

	requireSilent(t, a)
	requireSilent(t, b)
}

func TestNotifyMessage(t *testing.T) {
	t.Parallel()
	h, srv := newTestHub(t)

	a := connect(t, srv, "tok-a")
	b := connect(t, srv, "tok-b")
	c := connect(t, srv, "tok-c")

	// b was just removed, the chat no longer lists b
	left := storage.Message{
		ID:      "m1",
		ChatID:  "c1",
		Content: "Bob has left the group",
		Chat:    &storage.Chat{ID: "c1", IsGroup: true, Members: []storage.User{{ID: "a"}, {ID: "c"}}},
	}
	require.Equal(t, 3, h.NotifyMessage(left, "b"))

	for _, ws := range []*websocket.Conn{a, b, c} {
		event, data := readFrame(t, ws)
		require.Equal(t, EventMessageReceived, event)
		require.Equal(t, "Bob has left the group", fastjson.GetString(data, "content"))
		require.Equal(t, "c1", fastjson.GetString(data, "chat", "id"))
	}

	sent := storage.Message{
		ID:     "m2",
		ChatID: "c1",
		Sender: &storage.User{ID: "a"},
		Chat:   &storage.Chat{ID: "c1", Members: []storage.User{{ID: "a"}, {ID: "c"}, {ID: "c"}}},
	}
	require.Equal(t, 1, h.NotifyMessage(sent))

	event, _ := readFrame(t, c)
	require.Equal(t, EventMessageReceived, event)

	requireSilent(t, a)
	requireSilent(t, b)
}

func TestEventRateLimit(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t, WithConfig(Config{EventRate: 0.001, EventBurst: 1}))

	a := connect(t, srv, "tok-a")

	emit(t, a, EventSetup, "a")
	emit(t, a, EventSetup, "a")

	event, _ := readFrame(t, a)
	require.Equal(t, EventConnected, event)
	requireSilent(t, a)
}

func TestMetricsRegistered(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	h, srv := newTestHub(t, WithRegisterer(reg))

	connect(t, srv, "tok-a")
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.connections))

	_, err := New(zap.NewNop().Sugar(), testVerifier, WithRegisterer(reg))
	require.Error(t, err)
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	h, err := New(zap.NewNop().Sugar(), testVerifier)
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	a := connect(t, srv, "tok-a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = a.ReadMessage()
	require.Error(t, err)
	require.Equal(t, 0, h.Online("a"))

	_, resp, err := dial(srv, "tok-a")
	require.Error(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
