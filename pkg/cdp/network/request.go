// Package network implements the request interception state machine: each
// intercepted request is resolved at most once, by continuing, fulfilling,
// or aborting it.
package network

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/odvcencio/marionette/pkg/cdp"
	"github.com/odvcencio/marionette/pkg/logging"
)

// AbortReason is the network-error token sent when aborting an intercepted
// request.
type AbortReason string

const (
	AbortFailed               AbortReason = "Failed"
	AbortAborted              AbortReason = "Aborted"
	AbortTimedOut             AbortReason = "TimedOut"
	AbortAccessDenied         AbortReason = "AccessDenied"
	AbortConnectionClosed     AbortReason = "ConnectionClosed"
	AbortConnectionReset      AbortReason = "ConnectionReset"
	AbortConnectionRefused    AbortReason = "ConnectionRefused"
	AbortConnectionAborted    AbortReason = "ConnectionAborted"
	AbortConnectionFailed     AbortReason = "ConnectionFailed"
	AbortNameNotResolved      AbortReason = "NameNotResolved"
	AbortInternetDisconnected AbortReason = "InternetDisconnected"
	AbortAddressUnreachable   AbortReason = "AddressUnreachable"
	AbortBlockedByClient      AbortReason = "BlockedByClient"
	AbortBlockedByResponse    AbortReason = "BlockedByResponse"
)

var abortReasons = map[AbortReason]bool{
	AbortFailed:               true,
	AbortAborted:              true,
	AbortTimedOut:             true,
	AbortAccessDenied:         true,
	AbortConnectionClosed:     true,
	AbortConnectionReset:      true,
	AbortConnectionRefused:    true,
	AbortConnectionAborted:    true,
	AbortConnectionFailed:     true,
	AbortNameNotResolved:      true,
	AbortInternetDisconnected: true,
	AbortAddressUnreachable:   true,
	AbortBlockedByClient:      true,
	AbortBlockedByResponse:    true,
}

// Response records the terminal outcome of a request that received one.
type Response struct {
	Status     int
	StatusText string
	URL        string
	Headers    map[string]string
	MimeType   string
}

// redirectChain is the ordered history of prior requests that led, via HTTP
// redirects, to the current request. Every request of one logical navigation
// holds a reference to the same chain instance; appends are visible to all
// of them.
type redirectChain struct {
	mu       sync.Mutex
	requests []*Request
}

func (c *redirectChain) append(r *Request) {
	c.mu.Lock()
	c.requests = append(c.requests, r)
	c.mu.Unlock()
}

// snapshot returns a copy for external exposure.
func (c *redirectChain) snapshot() []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Request is one in-flight network request observed from the remote side.
// When interception is enabled it carries an interception id and can be
// resolved exactly once.
type Request struct {
	session cdp.Session
	log     *logging.Logger

	interceptionID string
	requestID      string
	url            string
	method         string
	headers        map[string]string
	postData       string
	resourceType   string
	frameID        string
	chain          *redirectChain

	// handled flips before the resolution wire call is sent, so a racing
	// second resolution observes it deterministically.
	handled atomic.Bool

	mu          sync.Mutex
	response    *Response
	failureText string
}

func newRequest(session cdp.Session, log *logging.Logger, chain *redirectChain, ev requestInfo) *Request {
	if chain == nil {
		chain = &redirectChain{}
	}
	headers := make(map[string]string, len(ev.Headers))
	for k, v := range ev.Headers {
		headers[k] = v
	}
	return &Request{
		session:        session,
		log:            log,
		interceptionID: ev.InterceptionID,
		requestID:      ev.RequestID,
		url:            ev.URL,
		method:         ev.Method,
		headers:        headers,
		postData:       ev.PostData,
		resourceType:   ev.ResourceType,
		frameID:        ev.FrameID,
		chain:          chain,
	}
}

// requestInfo is the constructor input assembled by the manager from
// protocol events.
type requestInfo struct {
	InterceptionID string
	RequestID      string
	URL            string
	Method         string
	Headers        map[string]string
	PostData       string
	ResourceType   string
	FrameID        string
}

// RequestID returns the stable identifier correlating all events for one
// HTTP exchange.
func (r *Request) RequestID() string { return r.requestID }

// InterceptionID returns the interception identifier, or "" when the
// request was observed without interception.
func (r *Request) InterceptionID() string { return r.interceptionID }

// URL returns the request URL.
func (r *Request) URL() string { return r.url }

// Method returns the HTTP method.
func (r *Request) Method() string { return r.method }

// Headers returns a copy of the request headers.
func (r *Request) Headers() map[string]string {
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

// PostData returns the request body, or "".
func (r *Request) PostData() string { return r.postData }

// ResourceType returns the resource category (document, script, image, ...).
func (r *Request) ResourceType() string { return r.resourceType }

// FrameID returns the owning frame id, or "" for non-frame-scoped loads.
func (r *Request) FrameID() string { return r.frameID }

// IsHandled reports whether a resolution operation has completed.
func (r *Request) IsHandled() bool { return r.handled.Load() }

// RedirectChain returns the requests that redirected to this one, oldest
// first. The returned slice is a copy; the underlying chain keeps growing
// as redirects occur.
func (r *Request) RedirectChain() []*Request {
	return r.chain.snapshot()
}

// Response returns the received response, if any.
func (r *Request) Response() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// Failure returns the loading failure text, or "".
func (r *Request) Failure() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failureText
}

func (r *Request) recordResponse(resp *Response) {
	r.mu.Lock()
	r.response = resp
	r.mu.Unlock()
}

func (r *Request) recordFailure(text string) {
	r.mu.Lock()
	r.failureText = text
	r.mu.Unlock()
}

type continueParams struct {
	InterceptionID string            `json:"interceptionId"`
	URL            string            `json:"url,omitempty"`
	Method         string            `json:"method,omitempty"`
	PostData       string            `json:"postData,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	RawResponse    string            `json:"rawResponse,omitempty"`
	ErrorReason    string            `json:"errorReason,omitempty"`
}

// ContinueOverrides optionally replaces parts of the original request when
// continuing it. Zero fields are left untouched.
type ContinueOverrides struct {
	URL      string
	Method   string
	PostData string
	Headers  map[string]string
}

// Continue proceeds with the request, optionally applying overrides. The
// request transitions to handled before the wire call; a wire failure is
// logged and swallowed because the remote request may already be gone.
func (r *Request) Continue(ctx context.Context, overrides *ContinueOverrides) error {
	if r.interceptionID == "" {
		return cdp.ErrInterceptionDisabled
	}
	if !r.handled.CompareAndSwap(false, true) {
		return cdp.ErrAlreadyHandled
	}
	cdp.RecordResolution("continue")

	params := continueParams{InterceptionID: r.interceptionID}
	if overrides != nil {
		params.URL = overrides.URL
		params.Method = overrides.Method
		params.PostData = overrides.PostData
		params.Headers = overrides.Headers
	}
	r.resolve(ctx, params, "continue")
	return nil
}

// RespondOptions describes a synthesized HTTP response.
type RespondOptions struct {
	// Status defaults to 200.
	Status      int
	Headers     map[string]string
	ContentType string
	Body        []byte
}

// Respond fulfills the request with a synthesized response. Inline data
// URLs cannot carry a real network response; responding to one is a silent
// no-op that leaves the request unresolved.
func (r *Request) Respond(ctx context.Context, opts RespondOptions) error {
	if r.interceptionID == "" {
		return cdp.ErrInterceptionDisabled
	}
	if strings.HasPrefix(r.url, "data:") {
		return nil
	}
	if !r.handled.CompareAndSwap(false, true) {
		return cdp.ErrAlreadyHandled
	}
	cdp.RecordResolution("fulfill")

	raw := renderRawResponse(opts)
	r.resolve(ctx, continueParams{
		InterceptionID: r.interceptionID,
		RawResponse:    base64.StdEncoding.EncodeToString(raw),
	}, "fulfill")
	return nil
}

// Abort fails the request with a network error. An empty reason defaults
// to Failed.
func (r *Request) Abort(ctx context.Context, reason AbortReason) error {
	if r.interceptionID == "" {
		return cdp.ErrInterceptionDisabled
	}
	if reason == "" {
		reason = AbortFailed
	}
	if !abortReasons[reason] {
		return fmt.Errorf("unknown abort reason %q", reason)
	}
	if !r.handled.CompareAndSwap(false, true) {
		return cdp.ErrAlreadyHandled
	}
	cdp.RecordResolution("abort")

	r.resolve(ctx, continueParams{
		InterceptionID: r.interceptionID,
		ErrorReason:    string(reason),
	}, "abort")
	return nil
}

// resolve sends the resolution command. Protocol errors are swallowed: the
// remote side legitimately errors when the underlying request was already
// canceled or the page already closed, and that race is not a caller
// failure.
func (r *Request) resolve(ctx context.Context, params continueParams, outcome string) {
	if _, err := r.session.Send(ctx, "Network.continueInterceptedRequest", params); err != nil {
		cdp.RecordSwallowedRace()
		_ = r.log.Debug(logging.CategoryNetwork, "resolution_race", err.Error(), map[string]any{
			"interception_id": r.interceptionID,
			"outcome":         outcome,
		})
	}
}

// renderRawResponse renders a byte-exact HTTP/1.1 response: status line,
// one "key: value" line per header, a blank separator, then the body
// verbatim. Headers merge caller values, then the content-type override,
// then a computed content-length only if absent.
func renderRawResponse(opts RespondOptions) []byte {
	status := opts.Status
	if status == 0 {
		status = http.StatusOK
	}

	headers := make(map[string]string, len(opts.Headers)+2)
	for k, v := range opts.Headers {
		headers[strings.ToLower(k)] = v
	}
	if opts.ContentType != "" {
		headers["content-type"] = opts.ContentType
	}
	if _, ok := headers["content-length"]; !ok {
		headers["content-length"] = strconv.Itoa(len(opts.Body))
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	if text := http.StatusText(status); text != "" {
		fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", status, text)
	} else {
		fmt.Fprintf(&sb, "HTTP/1.1 %d\r\n", status)
	}
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, headers[k])
	}
	sb.WriteString("\r\n")

	out := make([]byte, 0, sb.Len()+len(opts.Body))
	out = append(out, sb.String()...)
	out = append(out, opts.Body...)
	return out
}
