package network

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func willBeSentJSON(requestID, url string, redirectFrom string) []byte {
	redirect := ""
	if redirectFrom != "" {
		redirect = fmt.Sprintf(`, "redirectResponse": {"url": %q, "status": 302, "statusText": "Found", "headers": {"location": %q}}`, redirectFrom, url)
	}
	return fmt.Appendf(nil,
		`{"requestId": %q, "frameId": "frame-1", "type": "Document", "request": {"url": %q, "method": "GET", "headers": {}}%s}`,
		requestID, url, redirect)
}

func interceptedJSON(interceptionID, requestID, url, redirectURL string) []byte {
	extra := ""
	if requestID != "" {
		extra += fmt.Sprintf(`, "requestId": %q`, requestID)
	}
	if redirectURL != "" {
		extra += fmt.Sprintf(`, "redirectUrl": %q, "responseStatusCode": 302, "responseHeaders": {"location": %q}`, redirectURL, redirectURL)
	}
	return fmt.Appendf(nil,
		`{"interceptionId": %q, "frameId": "frame-1", "resourceType": "Document", "request": {"url": %q, "method": "GET", "headers": {}}%s}`,
		interceptionID, url, extra)
}

func TestEnableDisableInterception(t *testing.T) {
	session := &stubSession{}
	m := NewManager(session, nil)
	assert.False(t, m.InterceptionEnabled())

	require.NoError(t, m.EnableInterception(context.Background(), []string{"*"}))
	assert.True(t, m.InterceptionEnabled())
	assert.Equal(t, 1, session.callCount("Network.enable"))

	var params setInterceptionParams
	require.NoError(t, json.Unmarshal(session.lastParams(t, "Network.setRequestInterception"), &params))
	require.Len(t, params.Patterns, 1)
	assert.Equal(t, "*", params.Patterns[0].URLPattern)

	require.NoError(t, m.DisableInterception(context.Background()))
	assert.False(t, m.InterceptionEnabled())

	require.NoError(t, json.Unmarshal(session.lastParams(t, "Network.setRequestInterception"), &params))
	assert.Empty(t, params.Patterns)
}

func TestRequestLifecycleWithoutInterception(t *testing.T) {
	session := &stubSession{}
	m := NewManager(session, nil)

	m.HandleRequestWillBeSent(willBeSentJSON("req-1", "https://example.test/", ""))
	req, ok := m.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, "https://example.test/", req.URL())
	assert.Equal(t, "", req.InterceptionID())

	m.HandleResponseReceived([]byte(`{"requestId": "req-1", "response": {"url": "https://example.test/", "status": 200, "statusText": "OK", "headers": {"content-type": "text/html"}, "mimeType": "text/html"}}`))
	resp := req.Response()
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "OK", resp.StatusText)
	assert.Equal(t, "text/html", resp.MimeType)

	m.HandleLoadingFinished([]byte(`{"requestId": "req-1"}`))
	_, ok = m.Get("req-1")
	assert.False(t, ok)
}

func TestLoadingFailedRecordsFailure(t *testing.T) {
	session := &stubSession{}
	m := NewManager(session, nil)

	m.HandleRequestWillBeSent(willBeSentJSON("req-1", "https://example.test/", ""))
	req, _ := m.Get("req-1")

	m.HandleLoadingFailed([]byte(`{"requestId": "req-1", "errorText": "net::ERR_CONNECTION_REFUSED"}`))
	assert.Equal(t, "net::ERR_CONNECTION_REFUSED", req.Failure())
	_, ok := m.Get("req-1")
	assert.False(t, ok)
}

func TestRedirectChainGrowsShared(t *testing.T) {
	session := &stubSession{}
	m := NewManager(session, nil)

	m.HandleRequestWillBeSent(willBeSentJSON("req-1", "https://a.test/", ""))
	r1, _ := m.Get("req-1")

	m.HandleRequestWillBeSent(willBeSentJSON("req-1", "https://b.test/", "https://a.test/"))
	r2, _ := m.Get("req-1")
	require.NotSame(t, r1, r2)
	assert.Equal(t, "https://b.test/", r2.URL())

	// The redirect closed out r1 with its redirect response.
	resp := r1.Response()
	require.NotNil(t, resp)
	assert.Equal(t, 302, resp.Status)

	chain := r2.RedirectChain()
	require.Len(t, chain, 1)
	assert.Same(t, r1, chain[0])

	m.HandleRequestWillBeSent(willBeSentJSON("req-1", "https://c.test/", "https://b.test/"))
	r3, _ := m.Get("req-1")

	chain = r3.RedirectChain()
	require.Len(t, chain, 2)
	assert.Same(t, r1, chain[0])
	assert.Same(t, r2, chain[1])

	// All requests of the lineage observe the same growing container.
	assert.Len(t, r2.RedirectChain(), 2)
	assert.Len(t, r1.RedirectChain(), 2)
}

func TestInterceptionConstructsRequestFromInterceptedEvent(t *testing.T) {
	session := &stubSession{}
	m := NewManager(session, nil)
	require.NoError(t, m.EnableInterception(context.Background(), []string{"*"}))

	var handled *Request
	m.SetRequestHandler(func(r *Request) { handled = r })

	m.HandleRequestWillBeSent(willBeSentJSON("req-1", "https://example.test/", ""))
	_, ok := m.Get("req-1")
	assert.False(t, ok, "paused requests are constructed from the interception event")

	m.HandleRequestIntercepted(interceptedJSON("int-1", "req-1", "https://example.test/", ""))
	require.NotNil(t, handled)
	assert.Equal(t, "int-1", handled.InterceptionID())
	assert.Equal(t, "req-1", handled.RequestID())

	req, ok := m.Get("req-1")
	require.True(t, ok)
	assert.Same(t, handled, req)
}

func TestInterceptionRequestIDFallsBackToInterceptionID(t *testing.T) {
	session := &stubSession{}
	m := NewManager(session, nil)

	m.HandleRequestIntercepted(interceptedJSON("int-1", "", "https://example.test/", ""))
	req, ok := m.Get("int-1")
	require.True(t, ok)
	assert.Equal(t, "int-1", req.InterceptionID())
}

func TestInterceptedRedirectInheritsChain(t *testing.T) {
	session := &stubSession{}
	m := NewManager(session, nil)
	require.NoError(t, m.EnableInterception(context.Background(), []string{"*"}))

	m.HandleRequestIntercepted(interceptedJSON("int-1", "req-1", "https://a.test/", ""))
	r1, _ := m.Get("req-1")

	m.HandleRequestIntercepted(interceptedJSON("int-2", "req-1", "https://b.test/", "https://b.test/"))
	r2, _ := m.Get("req-1")
	require.NotSame(t, r1, r2)

	chain := r2.RedirectChain()
	require.Len(t, chain, 1)
	assert.Same(t, r1, chain[0])

	// The predecessor carries its redirect outcome.
	resp := r1.Response()
	require.NotNil(t, resp)
	assert.Equal(t, 302, resp.Status)
	assert.Equal(t, "https://b.test/", resp.Headers["location"])
}

func TestRedirectReportedByBothEventsAppendsOnce(t *testing.T) {
	session := &stubSession{}
	m := NewManager(session, nil)
	require.NoError(t, m.EnableInterception(context.Background(), []string{"*"}))

	m.HandleRequestIntercepted(interceptedJSON("int-1", "req-1", "https://a.test/", ""))
	r1, _ := m.Get("req-1")

	// Some remotes announce the same redirect through both events: the
	// requestWillBeSent with a redirectResponse and the successor's
	// interception event with a redirectUrl.
	m.HandleRequestWillBeSent(willBeSentJSON("req-1", "https://b.test/", "https://a.test/"))
	m.HandleRequestIntercepted(interceptedJSON("int-2", "req-1", "https://b.test/", "https://b.test/"))
	r2, _ := m.Get("req-1")
	require.NotSame(t, r1, r2)

	chain := r2.RedirectChain()
	require.Len(t, chain, 1)
	assert.Same(t, r1, chain[0])

	m.mu.Lock()
	parked := len(m.pendingChains)
	m.mu.Unlock()
	assert.Zero(t, parked)
}

func TestInterceptedRedirectViaWillBeSent(t *testing.T) {
	session := &stubSession{}
	m := NewManager(session, nil)
	require.NoError(t, m.EnableInterception(context.Background(), []string{"*"}))

	m.HandleRequestIntercepted(interceptedJSON("int-1", "req-1", "https://a.test/", ""))
	r1, _ := m.Get("req-1")

	// The redirect surfaces as a requestWillBeSent bearing the redirect
	// response; the successor's interception event follows.
	m.HandleRequestWillBeSent(willBeSentJSON("req-1", "https://b.test/", "https://a.test/"))
	m.HandleRequestIntercepted(interceptedJSON("int-2", "req-1", "https://b.test/", ""))
	r2, _ := m.Get("req-1")
	require.NotSame(t, r1, r2)

	chain := r2.RedirectChain()
	require.Len(t, chain, 1)
	assert.Same(t, r1, chain[0])
	require.NotNil(t, r1.Response())
	assert.Equal(t, 302, r1.Response().Status)
}

func TestBadNetworkEventIgnored(t *testing.T) {
	session := &stubSession{}
	m := NewManager(session, nil)

	m.HandleRequestWillBeSent([]byte(`{not json`))
	m.HandleRequestIntercepted([]byte(`{not json`))
	m.HandleResponseReceived([]byte(`{not json`))
	m.HandleLoadingFinished([]byte(`{not json`))
	m.HandleLoadingFailed([]byte(`{not json`))
	assert.Empty(t, session.calls)
}
