package devtools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/marionette/pkg/bus"
	"github.com/odvcencio/marionette/pkg/cdp"
	"github.com/odvcencio/marionette/pkg/cdp/network"
	"github.com/odvcencio/marionette/pkg/cdp/runtime"
	"github.com/odvcencio/marionette/pkg/config"
)

type stubSession struct {
	mu      sync.Mutex
	methods []string
	reply   func(method string, params json.RawMessage) (json.RawMessage, error)
}

func (s *stubSession) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.methods = append(s.methods, method)
	s.mu.Unlock()
	if s.reply != nil {
		return s.reply(method, data)
	}
	return json.RawMessage(`{"result": {}}`), nil
}

func (s *stubSession) sent(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.methods {
		if m == method {
			return true
		}
	}
	return false
}

func newTestClient(t *testing.T, session *stubSession) *Client {
	t.Helper()
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	c := New(session, b, nil, Options{})
	require.NoError(t, c.start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func publish(t *testing.T, c *Client, subject string, data string) {
	t.Helper()
	require.NoError(t, c.bus.Publish(context.Background(), subject, []byte(data)))
}

func TestStartEnablesRuntime(t *testing.T) {
	session := &stubSession{}
	c := newTestClient(t, session)
	assert.True(t, session.sent("Runtime.enable"))
	assert.Equal(t, 0, c.Contexts().Len())
}

func TestContextEventsFeedRegistry(t *testing.T) {
	session := &stubSession{}
	c := newTestClient(t, session)

	publish(t, c, "cdp.Runtime.executionContextCreated",
		`{"context": {"id": 1, "auxData": {"frameId": "frame-1", "isDefault": true}}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ec, err := c.WaitForDefaultContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, cdp.ExecutionContextID(1), ec.ID())

	publish(t, c, "cdp.Runtime.executionContextDestroyed", `{"executionContextId": 1}`)
	require.Eventually(t, func() bool {
		_, err := c.DefaultContext()
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, ec.Gone())
}

func TestDefaultContextAbsent(t *testing.T) {
	session := &stubSession{}
	c := newTestClient(t, session)

	_, err := c.DefaultContext()
	assert.ErrorIs(t, err, cdp.ErrContextGone)

	_, err = c.Evaluate(context.Background(), "1")
	assert.ErrorIs(t, err, cdp.ErrContextGone)
}

func TestWaitForDefaultContextTimesOut(t *testing.T) {
	session := &stubSession{}
	c := newTestClient(t, session)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.WaitForDefaultContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEvaluateUsesDefaultContext(t *testing.T) {
	session := &stubSession{
		reply: func(method string, _ json.RawMessage) (json.RawMessage, error) {
			if method == "Runtime.evaluate" {
				return json.RawMessage(`{"result": {"type": "number", "value": 2}}`), nil
			}
			return json.RawMessage(`{"result": {}}`), nil
		},
	}
	c := newTestClient(t, session)
	publish(t, c, "cdp.Runtime.executionContextCreated",
		`{"context": {"id": 1, "auxData": {"frameId": "frame-1", "isDefault": true}}}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.WaitForDefaultContext(ctx)
	require.NoError(t, err)

	v, err := c.Evaluate(ctx, "1 + 1")
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)
}

// wireEnvelope mirrors the transport's wire frame for the test endpoint.
type wireEnvelope struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// newDebuggerEndpoint serves a minimal remote: it acknowledges every command
// and announces one default execution context after Runtime.enable.
func newDebuggerEndpoint(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var env wireEnvelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			reply := wireEnvelope{ID: env.ID, Result: json.RawMessage(`{}`)}
			if env.Method == "Runtime.evaluate" {
				reply.Result = json.RawMessage(`{"result": {"type": "object", "objectId": "obj-1"}}`)
			}
			if err := ws.WriteJSON(reply); err != nil {
				return
			}
			if env.Method == "Runtime.enable" {
				event := wireEnvelope{
					Method: "Runtime.executionContextCreated",
					Params: json.RawMessage(`{"context": {"id": 1, "auxData": {"frameId": "frame-1", "isDefault": true}}}`),
				}
				if err := ws.WriteJSON(event); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectForwardsHandleFactory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Session.Endpoint = newDebuggerEndpoint(t)

	var factoryCalls atomic.Int64
	opts := Options{
		HandleFactory: func(ec *runtime.ExecutionContext, remote cdp.RemoteObject) *runtime.Handle {
			factoryCalls.Add(1)
			return runtime.NewHandle(ec, remote)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, &cfg, nil, opts)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.WaitForDefaultContext(ctx)
	require.NoError(t, err)

	h, err := c.EvaluateHandle(ctx, "({})")
	require.NoError(t, err)
	assert.Equal(t, "obj-1", h.ObjectID())
	assert.Equal(t, int64(1), factoryCalls.Load())
}

func TestInterceptionEventsReachHandler(t *testing.T) {
	session := &stubSession{}
	c := newTestClient(t, session)
	require.NoError(t, c.EnableInterception(context.Background(), []string{"*"}))
	assert.True(t, session.sent("Network.setRequestInterception"))

	intercepted := make(chan string, 1)
	c.OnRequest(func(r *network.Request) {
		intercepted <- r.InterceptionID()
	})

	publish(t, c, "cdp.Network.requestIntercepted",
		`{"interceptionId": "int-1", "requestId": "req-1", "request": {"url": "https://example.test/", "method": "GET", "headers": {}}}`)

	select {
	case id := <-intercepted:
		assert.Equal(t, "int-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	req, ok := c.Network().Get("req-1")
	require.True(t, ok)
	assert.Equal(t, "https://example.test/", req.URL())
}
