package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/odvcencio/marionette/pkg/cdp"
	"github.com/odvcencio/marionette/pkg/logging"
)

// Handle is an owned reference to a value living in the remote JavaScript
// heap, or an inline primitive already resolved by value. Handles are
// produced exclusively by an ExecutionContext's factory and are only valid
// as arguments on that same context.
type Handle struct {
	ec       *ExecutionContext
	remote   cdp.RemoteObject
	disposed atomic.Bool
}

// NewHandle wraps a raw remote result. It is the default handle factory.
func NewHandle(ec *ExecutionContext, remote cdp.RemoteObject) *Handle {
	return &Handle{ec: ec, remote: remote}
}

// ObjectID returns the remote object id, or "" for an inline primitive.
func (h *Handle) ObjectID() string {
	if h == nil {
		return ""
	}
	return h.remote.ObjectID
}

// Remote returns the raw remote-object descriptor.
func (h *Handle) Remote() cdp.RemoteObject {
	if h == nil {
		return cdp.RemoteObject{}
	}
	return h.remote
}

// Disposed reports whether the handle has been released.
func (h *Handle) Disposed() bool {
	return h != nil && h.disposed.Load()
}

// asCallArgument serializes the handle as a call argument for ec. A
// disposed or foreign-context handle is a local precondition violation,
// reported before any wire call is made.
func (h *Handle) asCallArgument(ec *ExecutionContext) (cdp.CallArgument, error) {
	if h == nil || h.disposed.Load() || h.ec != ec {
		return cdp.CallArgument{}, cdp.ErrInvalidHandle
	}
	if h.remote.ObjectID != "" {
		return cdp.CallArgument{ObjectID: h.remote.ObjectID}, nil
	}
	if h.remote.UnserializableValue != "" {
		return cdp.CallArgument{UnserializableValue: h.remote.UnserializableValue}, nil
	}
	return cdp.CallArgument{Value: h.remote.Value}, nil
}

// JSONValue resolves the handle to a JSON-deserializable Go value. For
// reference types this round-trips through the remote side; inline
// primitives resolve locally.
func (h *Handle) JSONValue(ctx context.Context) (any, error) {
	if h == nil {
		return nil, nil
	}
	if h.disposed.Load() {
		return nil, cdp.ErrInvalidHandle
	}
	if h.remote.ObjectID == "" {
		return valueFromRemoteObject(h.remote)
	}

	raw, err := h.ec.session.Send(ctx, "Runtime.callFunctionOn", callFunctionParams{
		FunctionDeclaration: "function() { return this; }",
		ObjectID:            h.remote.ObjectID,
		ReturnByValue:       true,
		AwaitPromise:        true,
	})
	if err != nil {
		return nil, err
	}
	var res evaluationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse callFunctionOn result: %w", err)
	}
	if res.ExceptionDetails != nil {
		return nil, cdp.NewEvaluationError(res.ExceptionDetails)
	}
	return valueFromRemoteObject(res.Result)
}

// Dispose releases the remote object. Releasing twice is a no-op, and a
// failed release is swallowed: the remote side legitimately errors when the
// realm is already gone.
func (h *Handle) Dispose(ctx context.Context) error {
	if h == nil || h.disposed.Swap(true) {
		return nil
	}
	cdp.RecordHandleReleased()
	if h.remote.ObjectID == "" {
		return nil
	}

	_, err := h.ec.session.Send(ctx, "Runtime.releaseObject", releaseObjectParams{
		ObjectID: h.remote.ObjectID,
	})
	if err != nil {
		_ = h.ec.log.Debug(logging.CategoryRuntime, "release_failed", err.Error(), map[string]any{
			"object_id": h.remote.ObjectID,
		})
	}
	return nil
}

type releaseObjectParams struct {
	ObjectID string `json:"objectId"`
}

// valueFromRemoteObject converts a by-value remote object into a Go value.
// Unserializable floating-point tokens map back to their float64 forms.
func valueFromRemoteObject(obj cdp.RemoteObject) (any, error) {
	if obj.UnserializableValue != "" {
		switch obj.UnserializableValue {
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		case "NaN":
			return math.NaN(), nil
		case "-0":
			return math.Copysign(0, -1), nil
		default:
			return nil, fmt.Errorf("unsupported unserializable value %q", obj.UnserializableValue)
		}
	}
	if len(obj.Value) == 0 {
		// undefined
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(obj.Value, &v); err != nil {
		return nil, fmt.Errorf("decode remote value: %w", err)
	}
	return v, nil
}
