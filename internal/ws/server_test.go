package ws

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

	"github.com/cabwire/cabwire/pkg/logger"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	s := NewServer(log)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcastReachesConnectedClient(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	s.Publish("booking_dispatched", map[string]any{"call_id": "call-1", "reference": "CAB-4711"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "booking_dispatched", msg.Type)
	assert.Equal(t, "CAB-4711", msg.Data["reference"])
}

func TestBroadcastReachesAllClients(t *testing.T) {
	s, ts := newTestServer(t)
	conn1 := dial(t, ts)
	conn2 := dial(t, ts)

	require.Eventually(t, func() bool { return s.ClientCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	s.Publish("session_started", map[string]any{"call_id": "call-2"})

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg Message
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, "session_started", msg.Type)
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dial(t, ts)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	s.Close()
	assert.Equal(t, 0, s.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.Eventually(t, func() bool {
		_, _, err := conn.ReadMessage()
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBroadcastWithNoClientsIsNoOp(t *testing.T) {
	s, _ := newTestServer(t)

	s.Publish("session_started", map[string]any{"call_id": "call-1"})
	assert.Equal(t, 0, s.ClientCount())
}
