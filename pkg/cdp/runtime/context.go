// Package runtime implements the remote evaluation bridge: execution
// contexts bound to remote JavaScript realms, and the handles they produce.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/odvcencio/marionette/pkg/cdp"
	"github.com/odvcencio/marionette/pkg/logging"
)

// evaluationScriptURL is the synthetic source locator appended to evaluated
// scripts so the remote side attributes them to an identifiable pseudo-file.
const evaluationScriptURL = "__marionette_evaluation_script__"

const sourceURLSuffix = "//# sourceURL=" + evaluationScriptURL

// sourceURLPattern detects a script that already declares its own locator.
var sourceURLPattern = regexp.MustCompile(`(?m)^[\t ]*//[@#] sourceURL=\s*\S*?\s*$`)

// HandleFactory produces the concrete handle representation for a raw remote
// result, letting higher layers substitute richer handle types.
type HandleFactory func(ec *ExecutionContext, remote cdp.RemoteObject) *Handle

// ExecutionContext owns a remote realm identifier and evaluates script in
// that realm. One ExecutionContext exists per realm; the identifier is
// immutable after construction.
type ExecutionContext struct {
	session cdp.Session
	log     *logging.Logger
	id      cdp.ExecutionContextID
	frameID string
	factory HandleFactory
	gone    atomic.Bool
}

// NewExecutionContext binds a realm identifier to a session. frameID is the
// owning logical document scope and may be empty (worker realms). A nil
// factory falls back to NewHandle.
func NewExecutionContext(session cdp.Session, log *logging.Logger, id cdp.ExecutionContextID, frameID string, factory HandleFactory) *ExecutionContext {
	if factory == nil {
		factory = NewHandle
	}
	return &ExecutionContext{
		session: session,
		log:     log,
		id:      id,
		frameID: frameID,
		factory: factory,
	}
}

// ID returns the realm identifier.
func (ec *ExecutionContext) ID() cdp.ExecutionContextID {
	return ec.id
}

// FrameID returns the owning frame id, or "" for non-frame realms.
func (ec *ExecutionContext) FrameID() string {
	return ec.frameID
}

// Gone reports whether the remote side has destroyed this realm.
func (ec *ExecutionContext) Gone() bool {
	return ec.gone.Load()
}

// invalidate marks the context destroyed. All subsequent operations fail
// with ErrContextGone instead of hanging on a realm that no longer exists.
func (ec *ExecutionContext) invalidate() {
	ec.gone.Store(true)
}

type evaluateParams struct {
	Expression    string                 `json:"expression"`
	ContextID     cdp.ExecutionContextID `json:"contextId"`
	ReturnByValue bool                   `json:"returnByValue"`
	AwaitPromise  bool                   `json:"awaitPromise"`
	UserGesture   bool                   `json:"userGesture"`
}

type callFunctionParams struct {
	FunctionDeclaration string                 `json:"functionDeclaration"`
	ExecutionContextID  cdp.ExecutionContextID `json:"executionContextId,omitempty"`
	ObjectID            string                 `json:"objectId,omitempty"`
	Arguments           []cdp.CallArgument     `json:"arguments,omitempty"`
	ReturnByValue       bool                   `json:"returnByValue"`
	AwaitPromise        bool                   `json:"awaitPromise"`
	UserGesture         bool                   `json:"userGesture,omitempty"`
}

type evaluationResult struct {
	Result           cdp.RemoteObject      `json:"result"`
	ExceptionDetails *cdp.ExceptionDetails `json:"exceptionDetails,omitempty"`
}

// EvaluateHandle evaluates a bare expression in the realm and returns a
// handle to the result. An empty expression is a no-op and yields a nil
// handle. Remote exceptions surface as *cdp.EvaluationError; session
// failures propagate unchanged.
func (ec *ExecutionContext) EvaluateHandle(ctx context.Context, expression string) (*Handle, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}
	if ec.gone.Load() {
		return nil, cdp.ErrContextGone
	}

	script := expression
	if !sourceURLPattern.MatchString(script) {
		script = script + "\n" + sourceURLSuffix
	}

	cdp.RecordEvaluation("Runtime.evaluate")
	raw, err := ec.session.Send(ctx, "Runtime.evaluate", evaluateParams{
		Expression:    script,
		ContextID:     ec.id,
		ReturnByValue: false,
		AwaitPromise:  true,
		UserGesture:   true,
	})
	if err != nil {
		return nil, err
	}
	return ec.wrapResult(raw)
}

// CallHandle evaluates a function declaration applied to args and returns a
// handle to the result. Arguments are marshaled before any wire call; a
// disposed or foreign handle argument fails with ErrInvalidHandle locally.
func (ec *ExecutionContext) CallHandle(ctx context.Context, fn string, args ...any) (*Handle, error) {
	if strings.TrimSpace(fn) == "" {
		return nil, nil
	}
	if ec.gone.Load() {
		return nil, cdp.ErrContextGone
	}

	wireArgs := make([]cdp.CallArgument, 0, len(args))
	for _, arg := range args {
		wireArg, err := ec.marshalArg(arg)
		if err != nil {
			return nil, err
		}
		wireArgs = append(wireArgs, wireArg)
	}

	cdp.RecordEvaluation("Runtime.callFunctionOn")
	raw, err := ec.session.Send(ctx, "Runtime.callFunctionOn", callFunctionParams{
		FunctionDeclaration: fn + "\n" + sourceURLSuffix + "\n",
		ExecutionContextID:  ec.id,
		Arguments:           wireArgs,
		ReturnByValue:       false,
		AwaitPromise:        true,
		UserGesture:         true,
	})
	if err != nil {
		return nil, err
	}
	return ec.wrapResult(raw)
}

// Evaluate evaluates an expression and resolves the result to a
// JSON-deserializable value, releasing the intermediate handle.
func (ec *ExecutionContext) Evaluate(ctx context.Context, expression string) (any, error) {
	h, err := ec.EvaluateHandle(ctx, expression)
	if err != nil {
		return nil, err
	}
	return ec.resolveAndRelease(ctx, h)
}

// Call evaluates a function applied to args and resolves the result to a
// JSON-deserializable value, releasing the intermediate handle.
func (ec *ExecutionContext) Call(ctx context.Context, fn string, args ...any) (any, error) {
	h, err := ec.CallHandle(ctx, fn, args...)
	if err != nil {
		return nil, err
	}
	return ec.resolveAndRelease(ctx, h)
}

// QueryObjects enumerates live remote objects sharing a prototype. The
// prototype must be a live reference type produced by this context.
func (ec *ExecutionContext) QueryObjects(ctx context.Context, prototype *Handle) (*Handle, error) {
	if ec.gone.Load() {
		return nil, cdp.ErrContextGone
	}
	if prototype == nil || prototype.Disposed() || prototype.ec != ec {
		return nil, cdp.ErrInvalidHandle
	}
	if prototype.ObjectID() == "" {
		// Only meaningful for reference types
		return nil, cdp.ErrInvalidHandle
	}

	raw, err := ec.session.Send(ctx, "Runtime.queryObjects", queryObjectsParams{
		PrototypeObjectID: prototype.ObjectID(),
	})
	if err != nil {
		return nil, err
	}
	var res queryObjectsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse queryObjects result: %w", err)
	}
	return ec.factory(ec, res.Objects), nil
}

type queryObjectsParams struct {
	PrototypeObjectID string `json:"prototypeObjectId"`
}

type queryObjectsResult struct {
	Objects cdp.RemoteObject `json:"objects"`
}

// wrapResult translates an evaluation response: exceptions become structured
// evaluation failures, everything else goes through the handle factory.
func (ec *ExecutionContext) wrapResult(raw json.RawMessage) (*Handle, error) {
	var res evaluationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse evaluation result: %w", err)
	}
	if res.ExceptionDetails != nil {
		cdp.RecordEvaluationFailure()
		return nil, cdp.NewEvaluationError(res.ExceptionDetails)
	}
	return ec.factory(ec, res.Result), nil
}

// marshalArg classifies one function-call argument for the wire.
func (ec *ExecutionContext) marshalArg(arg any) (cdp.CallArgument, error) {
	switch v := arg.(type) {
	case *Handle:
		return v.asCallArgument(ec)
	case float64:
		if token := unserializableToken(v); token != "" {
			return cdp.CallArgument{UnserializableValue: token}, nil
		}
	case float32:
		if token := unserializableToken(float64(v)); token != "" {
			return cdp.CallArgument{UnserializableValue: token}, nil
		}
	}

	data, err := json.Marshal(arg)
	if err != nil {
		return cdp.CallArgument{}, fmt.Errorf("marshal argument: %w", err)
	}
	return cdp.CallArgument{Value: data}, nil
}

// unserializableToken returns the wire token for floats JSON cannot carry.
func unserializableToken(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}
	return ""
}

// resolveAndRelease extracts a JSON value from a handle and releases it
// regardless of the outcome. The two "value cannot be returned" remote
// states are not failures; they yield nil.
func (ec *ExecutionContext) resolveAndRelease(ctx context.Context, h *Handle) (any, error) {
	if h == nil {
		return nil, nil
	}
	defer h.Dispose(ctx)

	v, err := h.JSONValue(ctx)
	if err != nil {
		if cdp.IsDegenerateValueError(err) {
			cdp.RecordDegenerateResult()
			_ = ec.log.Debug(logging.CategoryRuntime, "degenerate_result", err.Error(), map[string]any{
				"context_id": ec.id,
			})
			return nil, nil
		}
		cdp.RecordEvaluationFailure()
		var evalErr *cdp.EvaluationError
		if errors.As(err, &evalErr) {
			return nil, evalErr
		}
		return nil, &cdp.EvaluationError{Message: err.Error()}
	}
	return v, nil
}

// Evaluate evaluates an expression and deserializes the result into T.
// Shape mismatches are evaluation failures; the degenerate by-value cases
// yield T's zero value.
func Evaluate[T any](ctx context.Context, ec *ExecutionContext, expression string) (T, error) {
	var zero T
	v, err := ec.Evaluate(ctx, expression)
	if err != nil || v == nil {
		return zero, err
	}
	return convert[T](v)
}

// Call evaluates a function applied to args and deserializes the result
// into T.
func Call[T any](ctx context.Context, ec *ExecutionContext, fn string, args ...any) (T, error) {
	var zero T
	v, err := ec.Call(ctx, fn, args...)
	if err != nil || v == nil {
		return zero, err
	}
	return convert[T](v)
}

func convert[T any](v any) (T, error) {
	var zero T
	if t, ok := v.(T); ok {
		return t, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return zero, &cdp.EvaluationError{Message: fmt.Sprintf("result not representable as %T: %v", zero, err)}
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, &cdp.EvaluationError{Message: fmt.Sprintf("result does not match requested type %T: %v", zero, err)}
	}
	return out, nil
}
