package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, worlds ...string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.WriteJSON(SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: Version, Worlds: worlds}))
	return conn
}

func newTestServer(t *testing.T, status func() []WorldStatus) (*Server, *httptest.Server) {
	s := NewServer(status, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.WSHandler())
	mux.HandleFunc("/status", s.StatusHandler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func TestAnnounceReachesSubscribedObservers(t *testing.T) {
	s, srv := newTestServer(t, nil)
	all := dial(t, srv)
	nether := dial(t, srv, "nether")
	require.Eventually(t, func() bool { return s.Observers() == 2 }, time.Second, 5*time.Millisecond)

	s.Announce(StructureMsg{ID: "a", World: "overworld", Template: "hut", Anchor: [3]int{1, 64, 2}})
	s.Announce(StructureMsg{ID: "b", World: "nether", Template: "fort"})

	var got StructureMsg
	_ = all.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, "STRUCTURE", got.Type)
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, [3]int{1, 64, 2}, got.Anchor)
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, "b", got.ID)

	_ = nether.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, nether.ReadJSON(&got))
	assert.Equal(t, "b", got.ID)
}

func TestBadHandshakeIsClosed(t *testing.T) {
	s, srv := newTestServer(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(SubscribeMsg{Type: "HELLO", ProtocolVersion: Version}))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "err=%v", err)
	assert.Equal(t, 0, s.Observers())
}

func TestStatusHandler(t *testing.T) {
	_, srv := newTestServer(t, func() []WorldStatus {
		return []WorldStatus{{Name: "overworld", Type: "NORMAL", Pending: 3}}
	})
	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, Version, st.ProtocolVersion)
	require.Len(t, st.Worlds, 1)
	assert.Equal(t, 3, st.Worlds[0].Pending)
}

func TestIsLoopbackRemote(t *testing.T) {
	assert.True(t, isLoopbackRemote("127.0.0.1:5555"))
	assert.True(t, isLoopbackRemote("[::1]:80"))
	assert.False(t, isLoopbackRemote("10.0.0.2:80"))
	assert.False(t, isLoopbackRemote("garbage"))
}
