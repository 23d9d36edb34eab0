// Package wshub bridges the in-process fan-out bus (internal/bus) onto
// websocket connections, for subscribers that live outside this process.
// Grounded on the teacher's internal/orchestrator/streaming.Hub, but with a
// mutex-guarded client set instead of its register/unregister/broadcast
// channel loop: each client's write pump forwards messages straight from
// its own internal/bus.Subscription, keyed by the bus's (projectId,
// executionId|workflowId) Topic instead of a bare taskID.
//
// Accepting the upgraded *websocket.Conn is the caller's job: building the
// HTTP route surface that performs the upgrade is explicitly out of scope
// here, matching the core specification's listed non-goals.
package wshub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/bus"
	"github.com/sudocode-ai/execweave/internal/obs/logger"
)

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
)

// Client is one external subscriber bridged onto a websocket connection.
type Client struct {
	id    string
	conn  *websocket.Conn
	topic bus.Topic
	send  chan []byte
	hub   *Hub
	log   *logger.Logger
}

// Hub owns the set of connected clients and forwards each client's bus
// subscription onto its websocket connection.
type Hub struct {
	b   bus.Bus
	log *logger.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(b bus.Bus, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{b: b, log: log.WithFields(zap.String("component", "wshub")), clients: make(map[*Client]struct{})}
}

// Serve registers conn as a client of topic and blocks, pumping messages
// in both directions, until the connection closes or ctx is cancelled.
// Grounded on the teacher's per-client read/write pump pair; simplified
// to one blocking call since this package owns no HTTP handler to run the
// pumps as independent goroutines registered with a net/http mux.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, topic bus.Topic, clientID string) error {
	c := &Client{
		id:    clientID,
		conn:  conn,
		topic: topic,
		send:  make(chan []byte, clientSendBuffer),
		hub:   h,
		log:   h.log.WithFields(zap.String("client_id", clientID)),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.send)
	}()

	sub := h.b.Subscribe(topic)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.readPump(ctx, cancel)

	return c.writePump(ctx, sub)
}

// readPump drains and discards inbound frames (e.g. pong control frames,
// or client acks); it exists to detect connection close promptly.
func (c *Client) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context, sub bus.Subscription) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return ctx.Err()

		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			data, err := json.Marshal(msg.Payload)
			if err != nil {
				c.log.Error("marshal bus message for client", zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

// ClientCount reports how many clients are currently bridged.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
