// Package transport implements the duplex session over a websocket
// debugging endpoint: one outstanding envelope per Send, correlated by
// integer message id, with protocol events fanned out to the bus.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/marionette/pkg/bus"
	"github.com/odvcencio/marionette/pkg/cdp"
	"github.com/odvcencio/marionette/pkg/logging"
)

// EventSubjectPrefix prefixes every protocol event subject published to the
// bus, e.g. "cdp.Network.requestIntercepted".
const EventSubjectPrefix = "cdp."

// Options configures a Conn.
type Options struct {
	DialTimeout time.Duration
	Bus         bus.Bus
	Logger      *logging.Logger
}

// Conn is a websocket-backed cdp.Session.
type Conn struct {
	ws  *websocket.Conn
	bus bus.Bus
	log *logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan response

	nextID atomic.Int64
	closed atomic.Bool
	done   chan struct{}
	group  *errgroup.Group
}

type envelope struct {
	ID     int64              `json:"id,omitempty"`
	Method string             `json:"method,omitempty"`
	Params json.RawMessage    `json:"params,omitempty"`
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *cdp.ProtocolError `json:"error,omitempty"`
}

type response struct {
	result json.RawMessage
	err    *cdp.ProtocolError
}

// Dial connects to a websocket debugger URL and starts the reader pump.
func Dial(ctx context.Context, endpoint string, opts Options) (*Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.DialTimeout,
		// Protocol messages carry base64 response bodies; do not cap reads.
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
	}
	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Conn{
		ws:      ws,
		bus:     opts.Bus,
		log:     opts.Logger,
		pending: make(map[int64]chan response),
		done:    make(chan struct{}),
		group:   &errgroup.Group{},
	}
	c.group.Go(c.readLoop)
	return c, nil
}

// Send issues one method+params envelope and waits for the matching
// response. A protocol error response is returned as *cdp.ProtocolError.
func (c *Conn) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c == nil {
		return nil, cdp.ErrSessionClosed
	}
	if c.closed.Load() {
		return nil, cdp.ErrSessionClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	env := envelope{
		ID:     c.nextID.Add(1),
		Method: method,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		env.Params = data
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(env.ID)
		return nil, fmt.Errorf("write %s: %w", method, err)
	}
	_ = c.log.Debug(logging.CategoryTransport, "send", method, map[string]any{"id": env.ID})

	select {
	case resp := <-ch:
		if resp.err != nil {
			return nil, resp.err
		}
		return resp.result, nil
	case <-ctx.Done():
		c.forget(env.ID)
		return nil, ctx.Err()
	case <-c.done:
		return nil, cdp.ErrSessionClosed
	}
}

// Close terminates the connection and rejects all pending calls.
func (c *Conn) Close() error {
	if c == nil || c.closed.Swap(true) {
		return nil
	}

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.ws.Close()
	_ = c.group.Wait()
	return err
}

func (c *Conn) readLoop() error {
	defer c.shutdown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			_ = c.log.Warn(logging.CategoryTransport, "read_failed", err.Error(), nil)
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = c.log.Warn(logging.CategoryTransport, "bad_frame", err.Error(), nil)
			continue
		}

		if env.Method != "" {
			// Protocol event, not a response
			_ = c.log.Debug(logging.CategoryTransport, "event", env.Method, nil)
			if c.bus != nil {
				_ = c.bus.Publish(context.Background(), EventSubjectPrefix+env.Method, env.Params)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Response for a call we already abandoned
			continue
		}
		ch <- response{result: env.Result, err: env.Error}
	}
}

// shutdown rejects every pending call once the reader exits.
func (c *Conn) shutdown() {
	c.closed.Store(true)
	close(c.done)

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: &cdp.ProtocolError{Code: -1, Message: "session closed"}}
	}
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

var _ cdp.Session = (*Conn)(nil)
