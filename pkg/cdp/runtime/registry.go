package runtime

import (
	"encoding/json"
	"sync"

	"github.com/odvcencio/marionette/pkg/cdp"
	"github.com/odvcencio/marionette/pkg/logging"
)

// Registry tracks live execution contexts for one session. It reacts to the
// remote side's construct/invalidate signals; it never originates them.
type Registry struct {
	session cdp.Session
	log     *logging.Logger
	factory HandleFactory

	mu        sync.RWMutex
	contexts  map[cdp.ExecutionContextID]*ExecutionContext
	defaultID cdp.ExecutionContextID
}

// NewRegistry creates an empty context registry. factory may be nil to use
// the generic handle constructor for every context.
func NewRegistry(session cdp.Session, log *logging.Logger, factory HandleFactory) *Registry {
	return &Registry{
		session:  session,
		log:      log,
		factory:  factory,
		contexts: make(map[cdp.ExecutionContextID]*ExecutionContext),
	}
}

type contextCreatedEvent struct {
	Context struct {
		ID      cdp.ExecutionContextID `json:"id"`
		Origin  string                 `json:"origin"`
		Name    string                 `json:"name"`
		AuxData struct {
			FrameID   string `json:"frameId"`
			IsDefault bool   `json:"isDefault"`
		} `json:"auxData"`
	} `json:"context"`
}

type contextDestroyedEvent struct {
	ExecutionContextID cdp.ExecutionContextID `json:"executionContextId"`
}

// HandleContextCreated registers the realm announced by an
// executionContextCreated event.
func (r *Registry) HandleContextCreated(data []byte) {
	var ev contextCreatedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		_ = r.log.Warn(logging.CategoryRuntime, "bad_context_event", err.Error(), nil)
		return
	}

	ec := NewExecutionContext(r.session, r.log, ev.Context.ID, ev.Context.AuxData.FrameID, r.factory)

	r.mu.Lock()
	if _, exists := r.contexts[ev.Context.ID]; exists {
		r.mu.Unlock()
		return
	}
	r.contexts[ev.Context.ID] = ec
	if ev.Context.AuxData.IsDefault && r.defaultID == 0 {
		r.defaultID = ev.Context.ID
	}
	r.mu.Unlock()

	cdp.RecordContextCreated()
	_ = r.log.Debug(logging.CategoryRuntime, "context_created", ev.Context.Origin, map[string]any{
		"context_id": ev.Context.ID,
		"frame_id":   ev.Context.AuxData.FrameID,
		"is_default": ev.Context.AuxData.IsDefault,
	})
}

// HandleContextDestroyed invalidates the realm named by an
// executionContextDestroyed event. Holders of the context object observe
// ErrContextGone on their next operation.
func (r *Registry) HandleContextDestroyed(data []byte) {
	var ev contextDestroyedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		_ = r.log.Warn(logging.CategoryRuntime, "bad_context_event", err.Error(), nil)
		return
	}
	r.remove(ev.ExecutionContextID)
}

// HandleContextsCleared invalidates every realm, e.g. on navigation.
func (r *Registry) HandleContextsCleared(data []byte) {
	r.mu.Lock()
	contexts := r.contexts
	r.contexts = make(map[cdp.ExecutionContextID]*ExecutionContext)
	r.defaultID = 0
	r.mu.Unlock()

	for _, ec := range contexts {
		ec.invalidate()
		cdp.RecordContextDestroyed()
	}
	_ = r.log.Debug(logging.CategoryRuntime, "contexts_cleared", "", map[string]any{
		"count": len(contexts),
	})
}

// Get returns the live context for a realm id.
func (r *Registry) Get(id cdp.ExecutionContextID) (*ExecutionContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ec, ok := r.contexts[id]
	return ec, ok
}

// Default returns the first default (main-world) context seen, if any.
func (r *Registry) Default() (*ExecutionContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultID == 0 {
		return nil, false
	}
	ec, ok := r.contexts[r.defaultID]
	return ec, ok
}

// Len returns the number of live contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

func (r *Registry) remove(id cdp.ExecutionContextID) {
	r.mu.Lock()
	ec, ok := r.contexts[id]
	if ok {
		delete(r.contexts, id)
		if r.defaultID == id {
			r.defaultID = 0
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	ec.invalidate()
	cdp.RecordContextDestroyed()
	_ = r.log.Debug(logging.CategoryRuntime, "context_destroyed", "", map[string]any{
		"context_id": id,
	})
}
