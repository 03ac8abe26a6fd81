package network

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/odvcencio/marionette/pkg/cdp"
	"github.com/odvcencio/marionette/pkg/logging"
)

// RequestHandler receives each intercepted request. The handler owns the
// resolution: exactly one of Continue, Respond, or Abort.
type RequestHandler func(*Request)

// Manager tracks in-flight requests for one session, builds Request objects
// from protocol events, and maintains redirect lineage across the requests
// of one logical navigation chain.
type Manager struct {
	session cdp.Session
	log     *logging.Logger

	mu           sync.Mutex
	interception bool
	requests     map[string]*Request
	// pendingChains carries a redirect lineage from a redirect-bearing
	// requestWillBeSent to the interception event that constructs the
	// successor Request.
	pendingChains map[string]*redirectChain
	handler       RequestHandler
}

// NewManager creates an empty request table.
func NewManager(session cdp.Session, log *logging.Logger) *Manager {
	return &Manager{
		session:       session,
		log:           log,
		requests:      make(map[string]*Request),
		pendingChains: make(map[string]*redirectChain),
	}
}

// SetRequestHandler installs the interception callback.
func (m *Manager) SetRequestHandler(handler RequestHandler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

// InterceptionEnabled reports whether interception is active.
func (m *Manager) InterceptionEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interception
}

type interceptPattern struct {
	URLPattern string `json:"urlPattern"`
}

type setInterceptionParams struct {
	Patterns []interceptPattern `json:"patterns"`
}

// EnableInterception turns on request interception for the given URL
// patterns. Requests observed afterwards carry an interception id and pause
// until resolved.
func (m *Manager) EnableInterception(ctx context.Context, patterns []string) error {
	if _, err := m.session.Send(ctx, "Network.enable", nil); err != nil {
		return err
	}
	wire := make([]interceptPattern, 0, len(patterns))
	for _, p := range patterns {
		wire = append(wire, interceptPattern{URLPattern: p})
	}
	if _, err := m.session.Send(ctx, "Network.setRequestInterception", setInterceptionParams{Patterns: wire}); err != nil {
		return err
	}

	m.mu.Lock()
	m.interception = true
	m.mu.Unlock()
	_ = m.log.Info(logging.CategoryNetwork, "interception_enabled", "", map[string]any{
		"patterns": patterns,
	})
	return nil
}

// DisableInterception turns interception back off.
func (m *Manager) DisableInterception(ctx context.Context) error {
	if _, err := m.session.Send(ctx, "Network.setRequestInterception", setInterceptionParams{Patterns: []interceptPattern{}}); err != nil {
		return err
	}
	m.mu.Lock()
	m.interception = false
	m.mu.Unlock()
	_ = m.log.Info(logging.CategoryNetwork, "interception_disabled", "", nil)
	return nil
}

type wireRequest struct {
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Headers  map[string]string `json:"headers"`
	PostData string            `json:"postData,omitempty"`
}

type wireResponse struct {
	URL        string            `json:"url"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	MimeType   string            `json:"mimeType"`
}

type requestWillBeSentEvent struct {
	RequestID        string        `json:"requestId"`
	FrameID          string        `json:"frameId"`
	Request          wireRequest   `json:"request"`
	Type             string        `json:"type"`
	RedirectResponse *wireResponse `json:"redirectResponse,omitempty"`
}

type requestInterceptedEvent struct {
	InterceptionID     string            `json:"interceptionId"`
	RequestID          string            `json:"requestId"`
	FrameID            string            `json:"frameId"`
	ResourceType       string            `json:"resourceType"`
	Request            wireRequest       `json:"request"`
	RedirectURL        string            `json:"redirectUrl,omitempty"`
	ResponseStatusCode int               `json:"responseStatusCode,omitempty"`
	ResponseHeaders    map[string]string `json:"responseHeaders,omitempty"`
}

type responseReceivedEvent struct {
	RequestID string       `json:"requestId"`
	Response  wireResponse `json:"response"`
}

type loadingFinishedEvent struct {
	RequestID string `json:"requestId"`
}

type loadingFailedEvent struct {
	RequestID string `json:"requestId"`
	ErrorText string `json:"errorText"`
	Canceled  bool   `json:"canceled"`
}

// HandleRequestWillBeSent records a new request, or — when the event
// carries a redirect response — closes out the previous request and chains
// its successor onto the same lineage container.
func (m *Manager) HandleRequestWillBeSent(data []byte) {
	var ev requestWillBeSentEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		_ = m.log.Warn(logging.CategoryNetwork, "bad_network_event", err.Error(), nil)
		return
	}

	m.mu.Lock()
	interception := m.interception
	var chain *redirectChain
	if prev, ok := m.requests[ev.RequestID]; ok && ev.RedirectResponse != nil {
		// Same logical request retried at a new URL. The previous request
		// joins the shared lineage that the successor inherits by reference.
		prev.recordResponse(fromWireResponse(ev.RedirectResponse))
		prev.chain.append(prev)
		chain = prev.chain
	}

	if interception {
		// The paused interception event constructs the Request; this event
		// only contributed redirect bookkeeping.
		if chain != nil {
			m.pendingChains[ev.RequestID] = chain
		}
		m.mu.Unlock()
		return
	}

	req := newRequest(m.session, m.log, chain, requestInfo{
		RequestID:    ev.RequestID,
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		Headers:      ev.Request.Headers,
		PostData:     ev.Request.PostData,
		ResourceType: ev.Type,
		FrameID:      ev.FrameID,
	})
	m.requests[ev.RequestID] = req
	m.mu.Unlock()
}

// HandleRequestIntercepted constructs a Request for a paused interception
// and hands it to the installed handler for resolution.
func (m *Manager) HandleRequestIntercepted(data []byte) {
	var ev requestInterceptedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		_ = m.log.Warn(logging.CategoryNetwork, "bad_network_event", err.Error(), nil)
		return
	}

	requestID := ev.RequestID
	if requestID == "" {
		requestID = ev.InterceptionID
	}

	m.mu.Lock()
	var chain *redirectChain
	if pending, ok := m.pendingChains[requestID]; ok {
		// The redirect-bearing requestWillBeSent already closed out the
		// predecessor and parked the lineage; consuming it here keeps each
		// request on the chain exactly once.
		chain = pending
		delete(m.pendingChains, requestID)
	} else if prev, ok := m.requests[requestID]; ok && ev.RedirectURL != "" {
		prev.recordResponse(&Response{
			Status:  ev.ResponseStatusCode,
			URL:     prev.url,
			Headers: copyHeaders(ev.ResponseHeaders),
		})
		prev.chain.append(prev)
		chain = prev.chain
	}

	req := newRequest(m.session, m.log, chain, requestInfo{
		InterceptionID: ev.InterceptionID,
		RequestID:      requestID,
		URL:            ev.Request.URL,
		Method:         ev.Request.Method,
		Headers:        ev.Request.Headers,
		PostData:       ev.Request.PostData,
		ResourceType:   ev.ResourceType,
		FrameID:        ev.FrameID,
	})
	m.requests[requestID] = req
	handler := m.handler
	m.mu.Unlock()

	cdp.RecordInterceptedRequest()
	if handler != nil {
		handler(req)
	}
}

// HandleResponseReceived records the terminal response on the request.
func (m *Manager) HandleResponseReceived(data []byte) {
	var ev responseReceivedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		_ = m.log.Warn(logging.CategoryNetwork, "bad_network_event", err.Error(), nil)
		return
	}
	if req, ok := m.Get(ev.RequestID); ok {
		req.recordResponse(fromWireResponse(&ev.Response))
	}
}

// HandleLoadingFinished drops the finished request from the table.
func (m *Manager) HandleLoadingFinished(data []byte) {
	var ev loadingFinishedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	m.mu.Lock()
	delete(m.requests, ev.RequestID)
	m.mu.Unlock()
}

// HandleLoadingFailed records the failure text and drops the request.
func (m *Manager) HandleLoadingFailed(data []byte) {
	var ev loadingFailedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	m.mu.Lock()
	req, ok := m.requests[ev.RequestID]
	delete(m.requests, ev.RequestID)
	m.mu.Unlock()

	if ok {
		req.recordFailure(ev.ErrorText)
	}
}

// Get returns the in-flight request for a request id.
func (m *Manager) Get(requestID string) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	return req, ok
}

func fromWireResponse(w *wireResponse) *Response {
	return &Response{
		Status:     w.Status,
		StatusText: w.StatusText,
		URL:        w.URL,
		Headers:    copyHeaders(w.Headers),
		MimeType:   w.MimeType,
	}
}

func copyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
