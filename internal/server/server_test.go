package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livesync/internal/codec"
	"github.com/roach88/livesync/internal/session"
	"github.com/roach88/livesync/internal/testutil"
)

func startServer(t *testing.T, f *fixture) (*Server, string) {
	t.Helper()
	srv := New(f.cache, session.Trusting{},
		WithLogger(discardLogger()),
		WithIDGenerator(testutil.NewSequentialIDs("conn")),
		WithReadTimeout(5*time.Second))
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.CloseAll()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeMsg(t *testing.T, ws *websocket.Conn, msg ...any) {
	t.Helper()
	data, err := codec.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, data))
}

func readMsg(t *testing.T, ws *websocket.Conn) []any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	msg, err := codec.Decode(data)
	require.NoError(t, err)
	return msg
}

func TestServer_SubscribeAndPush(t *testing.T) {
	f := newFixture(t)
	f.put(t, "n1", "hello")
	_, url := startServer(t, f)
	ws := dial(t, url)

	writeMsg(t, ws, FlavorFunctions)
	writeMsg(t, ws, 1, ActionSubscribe, "notes.get", map[string]any{"user": "u1", "args": []any{"n1"}})

	ack := readMsg(t, ws)
	require.Len(t, ack, 4)
	assert.Equal(t, MsgSubscribed, ack[0])
	assert.Equal(t, int64(1), ack[1])
	assert.Equal(t, "hello", ack[3])

	f.put(t, "n1", "world")
	data := readMsg(t, ws)
	assert.Equal(t, []any{MsgData, ack[2], "world"}, data)
}

func TestServer_PingPong(t *testing.T) {
	f := newFixture(t)
	_, url := startServer(t, f)
	ws := dial(t, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(Ping)))
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, Pong, string(data))
}

func TestServer_UndecodableMessageIsNotFatal(t *testing.T) {
	f := newFixture(t)
	_, url := startServer(t, f)
	ws := dial(t, url)

	writeMsg(t, ws, FlavorFunctions)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0xc1, 0xc1}))
	writeMsg(t, ws, 5, ActionSubscribe, "whoami", map[string]any{"user": "dave"})

	ack := readMsg(t, ws)
	assert.Equal(t, MsgSubscribed, ack[0])
	assert.Equal(t, "dave", ack[3])
}

func TestServer_RejectsUnknownFlavor(t *testing.T) {
	f := newFixture(t)
	_, url := startServer(t, f)
	ws := dial(t, url)

	writeMsg(t, ws, "documents")

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "got %v", err)
}

func TestServer_DisconnectCancelsSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.put(t, "n1", "hello")
	srv, url := startServer(t, f)
	ws := dial(t, url)

	writeMsg(t, ws, FlavorFunctions)
	writeMsg(t, ws, 1, ActionSubscribe, "notes.get", map[string]any{"args": []any{"n1"}})
	writeMsg(t, ws, 2, ActionSubscribe, "notes.list", map[string]any{})
	readMsg(t, ws)
	readMsg(t, ws)
	assert.Equal(t, 2, f.cache.Len())
	assert.Equal(t, 1, srv.Connections())

	ws.Close()

	require.Eventually(t, func() bool {
		return f.cache.Len() == 0 && srv.Connections() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.store.ObservedIDs())
}
