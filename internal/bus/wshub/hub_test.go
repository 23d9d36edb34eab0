package wshub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/execweave/internal/bus"
)

var upgrader = websocket.Upgrader{}

func newTestServer(t *testing.T, hub *Hub, topic bus.Topic) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		_ = hub.Serve(r.Context(), conn, topic, "client-1")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHubForwardsBusMessagesToClient(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	hub := NewHub(b, nil)
	topic := bus.Topic{ProjectID: "p1", Kind: bus.TopicExecution, ID: "e1"}
	srv := newTestServer(t, hub, topic)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	b.Publish(topic, map[string]string{"status": "running"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"running"}`, string(data))
}

func TestHubDropsClientOnDisconnect(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	hub := NewHub(b, nil)
	topic := bus.Topic{ProjectID: "p1", Kind: bus.TopicWorkflow, ID: "w1"}
	srv := newTestServer(t, hub, topic)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	b := bus.NewMemoryBus(nil)
	defer b.Close()

	hub := NewHub(b, nil)
	topic := bus.Topic{ProjectID: "p1", Kind: bus.TopicExecution, ID: "e2"}

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = hub.Serve(ctx, conn, topic, "client-2")
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
