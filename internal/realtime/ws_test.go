package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, hub *Hub, identity Identity) string {
	t.Helper()
	upgrader := NewUpgrader("*")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, upgrader, identity)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var event Event
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestWebSocketSubscribeAndTyping(t *testing.T) {
	hub := NewHub()
	conn := dial(t, startServer(t, hub, Identity{UserID: 1, Username: "ann"}))

	require.NoError(t, conn.WriteJSON(clientFrame{Action: "subscribe", Channel: "chat-1"}))
	require.Eventually(t, func() bool { return hub.SubscriberCount("chat-1") == 1 }, time.Second, 10*time.Millisecond)

	_, err := hub.Publish(context.Background(), "chat-1", EventMessage, map[string]any{"id": 1, "senderId": 2, "message": "hi"})
	require.NoError(t, err)
	event := readEvent(t, conn)
	assert.Equal(t, EventMessage, event.Name)

	require.NoError(t, conn.WriteJSON(clientFrame{Action: "typing", Channel: "chat-1", IsTyping: true}))
	event = readEvent(t, conn)
	assert.Equal(t, EventTyping, event.Name)
	var typing typingData
	require.NoError(t, json.Unmarshal(event.Data, &typing))
	assert.Equal(t, typingData{UserID: 1, Username: "ann", IsTyping: true}, typing)
}

func TestWebSocketDeniedChannel(t *testing.T) {
	hub := NewHub()
	conn := dial(t, startServer(t, hub, Identity{UserID: 1, Username: "ann"}))

	require.NoError(t, conn.WriteJSON(clientFrame{Action: "subscribe", Channel: "user-2"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame errorFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Name)
	assert.Equal(t, "user-2", frame.Channel)
}

func TestWebSocketDisconnectCleansUp(t *testing.T) {
	hub := NewHub()
	conn := dial(t, startServer(t, hub, Identity{UserID: 1}))
	require.NoError(t, conn.WriteJSON(clientFrame{Action: "subscribe", Channel: "lobby"}))
	require.Eventually(t, func() bool { return hub.SubscriberCount("lobby") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUpgraderOriginCheck(t *testing.T) {
	upgrader := NewUpgrader("https://chat.example.com/")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "https://chat.example.com")
	assert.True(t, upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, upgrader.CheckOrigin(req))
}

func TestRedisBridgeSharesEventsAcrossHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newInstance := func() *Hub {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		hub := NewHub()
		go func() { _ = NewRedisBroker(client, hub).Run(ctx) }()
		return hub
	}
	first, second := newInstance(), newInstance()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(BridgeChannel)[BridgeChannel] == 2 && first.Bridged() && second.Bridged()
	}, 2*time.Second, 10*time.Millisecond)

	listener := testClient(second, 5)
	second.Subscribe(listener, "user-5", false)
	local := testClient(first, 5)
	first.Subscribe(local, "user-5", false)

	_, err := first.Publish(ctx, "user-5", EventNotification, map[string]string{"title": "New message from ann"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(listener.outbox) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(local.outbox) == 1 }, 2*time.Second, 10*time.Millisecond)
	events := drain(t, listener)
	assert.Equal(t, EventNotification, events[0].Name)
}
