package jsonrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// NotificationHandler receives a server-to-client notification.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler receives a server-to-client request and must return a
// result (or an error) to send back as the Response.
type RequestHandler func(method string, params json.RawMessage) (interface{}, *Error)

// Client is a newline-delimited-JSON JSON-RPC 2.0 client over a pair of
// stdio-like streams, matching the framing every ACP agent subprocess
// speaks. The read loop dispatches incoming Responses to pending Call
// callers and incoming Requests/Notifications to registered handlers.
type Client struct {
	w  io.Writer
	wc io.Closer

	writeMu sync.Mutex

	nextID int64

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	mu                 sync.RWMutex
	notificationHandler NotificationHandler
	requestHandler      RequestHandler

	closed atomic.Bool
	doneCh chan struct{}
}

// NewClient wraps r (agent stdout) and w (agent stdin) in a Client and
// starts its read loop.
func NewClient(r io.Reader, w io.WriteCloser) *Client {
	c := &Client{
		w:       w,
		wc:      w,
		pending: make(map[int64]chan *Response),
		doneCh:  make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *Client) SetNotificationHandler(h NotificationHandler) {
	c.mu.Lock()
	c.notificationHandler = h
	c.mu.Unlock()
}

func (c *Client) SetRequestHandler(h RequestHandler) {
	c.mu.Lock()
	c.requestHandler = h
	c.mu.Unlock()
}

// Call sends a request and blocks for its matching response.
func (c *Client) Call(method string, params interface{}, result interface{}) error {
	id := atomic.AddInt64(&c.nextID, 1)
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("jsonrpc: marshal params: %w", err)
	}
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}

	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, result)
	case <-c.doneCh:
		return fmt.Errorf("jsonrpc: connection closed before response to %s", method)
	}
}

// Notify sends a one-way notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("jsonrpc: marshal params: %w", err)
	}
	return c.write(Notification{JSONRPC: "2.0", Method: method, Params: raw})
}

// Respond sends a Response to an inbound request identified by id.
func (c *Client) Respond(id interface{}, result interface{}, rpcErr *Error) error {
	resp := Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		resp.Result = raw
	}
	return c.write(resp)
}

func (c *Client) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.w.Write(data)
	return err
}

func (c *Client) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.doneCh)
	}
	return c.wc.Close()
}

// envelope is used to sniff an incoming line's shape before committing to
// Request, Response or Notification decoding.
type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		switch {
		case env.Method != "" && len(env.ID) > 0:
			c.dispatchRequest(line, env)
		case env.Method != "":
			c.dispatchNotification(line, env)
		default:
			c.dispatchResponse(line, env)
		}
	}
	c.closed.Store(true)
	close(c.doneCh)
}

func (c *Client) dispatchRequest(line []byte, env envelope) {
	var req Request
	_ = json.Unmarshal(line, &req)
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()
	if handler == nil {
		_ = c.Respond(req.ID, nil, &Error{Code: MethodNotFound, Message: "no handler registered"})
		return
	}
	result, rpcErr := handler(req.Method, req.Params)
	_ = c.Respond(req.ID, result, rpcErr)
}

func (c *Client) dispatchNotification(line []byte, env envelope) {
	var n Notification
	_ = json.Unmarshal(line, &n)
	c.mu.RLock()
	handler := c.notificationHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(n.Method, n.Params)
	}
}

func (c *Client) dispatchResponse(line []byte, env envelope) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return
	}
	var id int64
	switch v := resp.ID.(type) {
	case float64:
		id = int64(v)
	case string:
		_, _ = fmt.Sscanf(v, "%d", &id)
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if ok {
		ch <- &resp
	}
}
