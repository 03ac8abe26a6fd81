// Package devtools composes the transport, the execution-context registry,
// and the network manager into one client session against a remote browser's
// debugging endpoint.
package devtools

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/odvcencio/marionette/pkg/bus"
	"github.com/odvcencio/marionette/pkg/cdp"
	"github.com/odvcencio/marionette/pkg/cdp/network"
	"github.com/odvcencio/marionette/pkg/cdp/runtime"
	"github.com/odvcencio/marionette/pkg/cdp/transport"
	"github.com/odvcencio/marionette/pkg/config"
	"github.com/odvcencio/marionette/pkg/logging"
)

// Client is one live session against a remote browser. It owns the event
// subscriptions that feed the context registry and the request manager.
type Client struct {
	session  cdp.Session
	bus      bus.Bus
	log      *logging.Logger
	contexts *runtime.Registry
	network  *network.Manager

	subs    []bus.Subscription
	closers []io.Closer
}

// Options tunes client construction.
type Options struct {
	// HandleFactory customizes handle construction; nil uses the default.
	HandleFactory runtime.HandleFactory
}

// Connect dials the configured endpoint and wires up a ready client. The
// returned client owns the connection and the bus; Close releases both.
func Connect(ctx context.Context, cfg *config.Config, log *logging.Logger, opts Options) (*Client, error) {
	b := bus.NewMemoryBus()
	conn, err := transport.Dial(ctx, cfg.Session.Endpoint, transport.Options{
		DialTimeout: cfg.Session.DialTimeout,
		Bus:         b,
		Logger:      log,
	})
	if err != nil {
		b.Close()
		return nil, err
	}

	c := New(conn, b, log, opts)
	c.closers = append(c.closers, conn, b)

	if err := c.start(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if cfg.Interception.Enabled {
		if err := c.EnableInterception(ctx, cfg.Interception.Patterns); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// New assembles a client on an existing session and bus without dialing.
// The caller keeps ownership of both.
func New(session cdp.Session, b bus.Bus, log *logging.Logger, opts Options) *Client {
	return &Client{
		session:  session,
		bus:      b,
		log:      log,
		contexts: runtime.NewRegistry(session, log, opts.HandleFactory),
		network:  network.NewManager(session, log),
	}
}

// start subscribes the registries to their protocol events and enables the
// runtime domain so the remote side starts announcing contexts.
func (c *Client) start(ctx context.Context) error {
	handlers := map[string]func([]byte){
		"Runtime.executionContextCreated":   c.contexts.HandleContextCreated,
		"Runtime.executionContextDestroyed": c.contexts.HandleContextDestroyed,
		"Runtime.executionContextsCleared":  c.contexts.HandleContextsCleared,
		"Network.requestWillBeSent":         c.network.HandleRequestWillBeSent,
		"Network.requestIntercepted":        c.network.HandleRequestIntercepted,
		"Network.responseReceived":          c.network.HandleResponseReceived,
		"Network.loadingFinished":           c.network.HandleLoadingFinished,
		"Network.loadingFailed":             c.network.HandleLoadingFailed,
	}
	for event, handle := range handlers {
		handle := handle
		// Subscriptions live for the client's lifetime, not the dial context's;
		// Close drops them.
		sub, err := c.bus.Subscribe(context.Background(), transport.EventSubjectPrefix+event, func(msg *bus.Message) {
			handle(msg.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", event, err)
		}
		c.subs = append(c.subs, sub)
	}

	if _, err := c.session.Send(ctx, "Runtime.enable", nil); err != nil {
		return fmt.Errorf("enable runtime domain: %w", err)
	}
	_ = c.log.Info(logging.CategorySession, "session_started", "", nil)
	return nil
}

// Contexts returns the execution-context registry.
func (c *Client) Contexts() *runtime.Registry {
	return c.contexts
}

// Network returns the request manager.
func (c *Client) Network() *network.Manager {
	return c.network
}

// DefaultContext returns the main-world execution context, failing with
// ErrContextGone when none has been announced or it was destroyed.
func (c *Client) DefaultContext() (*runtime.ExecutionContext, error) {
	ec, ok := c.contexts.Default()
	if !ok || ec.Gone() {
		return nil, cdp.ErrContextGone
	}
	return ec, nil
}

// WaitForDefaultContext polls until the remote side announces a default
// context or ctx expires.
func (c *Client) WaitForDefaultContext(ctx context.Context) (*runtime.ExecutionContext, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if ec, err := c.DefaultContext(); err == nil {
			return ec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Evaluate evaluates an expression in the default context and resolves the
// result by value.
func (c *Client) Evaluate(ctx context.Context, expression string) (any, error) {
	ec, err := c.DefaultContext()
	if err != nil {
		return nil, err
	}
	return ec.Evaluate(ctx, expression)
}

// EvaluateHandle evaluates an expression in the default context and returns
// a handle to the result.
func (c *Client) EvaluateHandle(ctx context.Context, expression string) (*runtime.Handle, error) {
	ec, err := c.DefaultContext()
	if err != nil {
		return nil, err
	}
	return ec.EvaluateHandle(ctx, expression)
}

// Call evaluates a function applied to args in the default context and
// resolves the result by value.
func (c *Client) Call(ctx context.Context, fn string, args ...any) (any, error) {
	ec, err := c.DefaultContext()
	if err != nil {
		return nil, err
	}
	return ec.Call(ctx, fn, args...)
}

// OnRequest installs the interception handler. It has no effect on traffic
// until interception is enabled.
func (c *Client) OnRequest(handler network.RequestHandler) {
	c.network.SetRequestHandler(handler)
}

// EnableInterception turns on request interception for the given patterns.
func (c *Client) EnableInterception(ctx context.Context, patterns []string) error {
	return c.network.EnableInterception(ctx, patterns)
}

// DisableInterception turns interception back off.
func (c *Client) DisableInterception(ctx context.Context) error {
	return c.network.DisableInterception(ctx)
}

// Close drops the event subscriptions and releases the owned connection and
// bus. It is safe to call more than once.
func (c *Client) Close() error {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil

	var firstErr error
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closers = nil
	_ = c.log.Info(logging.CategorySession, "session_closed", "", nil)
	return firstErr
}
