package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := New(nil)
	go h.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return h, srv
}

func TestBroadcastToRoom(t *testing.T) {
	h, srv := startHub(t)

	all := dial(t, srv, "")
	runsOnly := dial(t, srv, "?rooms=runs")

	hello := read(t, all)
	assert.Equal(t, "connected", hello.Type)
	read(t, runsOnly)
	assert.Equal(t, 2, h.ClientCount())

	h.Broadcast(RoomStateMachines, "statemachine.transitioned", map[string]interface{}{"machineId": "pump"})
	h.Broadcast(RoomRuns, "flow.run.completed", map[string]interface{}{"flowId": "threshold"})

	first := read(t, all)
	assert.Equal(t, "statemachine.transitioned", first.Event)
	assert.Equal(t, "pump", first.Payload.(map[string]interface{})["machineId"])
	assert.Equal(t, "flow.run.completed", read(t, all).Event)

	assert.Equal(t, "flow.run.completed", read(t, runsOnly).Event)
}

func TestSubscribeAndPing(t *testing.T) {
	h, srv := startHub(t)
	conn := dial(t, srv, "?rooms=runs")
	read(t, conn)

	require.NoError(t, conn.WriteJSON(Message{Type: "subscribe", Room: RoomStateMachines}))
	ack := read(t, conn)
	assert.Equal(t, "ack", ack.Type)
	assert.Equal(t, "subscribed", ack.Event)

	h.Broadcast(RoomStateMachines, "statemachine.transitioned", nil)
	assert.Equal(t, "statemachine.transitioned", read(t, conn).Event)

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	assert.Equal(t, "pong", read(t, conn).Type)
}

func TestDisconnectUnregisters(t *testing.T) {
	h, srv := startHub(t)
	conn := dial(t, srv, "")
	read(t, conn)
	require.Equal(t, 1, h.ClientCount())

	conn.Close()
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
