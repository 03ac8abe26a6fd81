// Package cdp holds the wire-level types of the JSON debugging protocol and
// the session contract consumed by the evaluation and interception layers.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Session is the duplex-connection contract consumed by the core subsystems.
// Send issues one method+params envelope and resolves with the matching
// response; calls may be issued concurrently and are correlated by the
// implementation, not by the caller.
type Session interface {
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// ExecutionContextID identifies a remote JavaScript realm. It is issued by
// the remote side and stable for the realm's lifetime.
type ExecutionContextID int64

// RemoteObject mirrors the protocol's remote-object descriptor: either a
// reference to a value living in the remote heap (ObjectID set) or an inline
// primitive resolved by value.
type RemoteObject struct {
	Type                string          `json:"type,omitempty"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
}

// ExceptionDetails describes an execution exception reported inside an
// otherwise successful response envelope.
type ExceptionDetails struct {
	ExceptionID  int64         `json:"exceptionId"`
	Text         string        `json:"text"`
	LineNumber   int64         `json:"lineNumber"`
	ColumnNumber int64         `json:"columnNumber"`
	ScriptID     string        `json:"scriptId,omitempty"`
	URL          string        `json:"url,omitempty"`
	StackTrace   *StackTrace   `json:"stackTrace,omitempty"`
	Exception    *RemoteObject `json:"exception,omitempty"`
}

// StackTrace is a remote call stack.
type StackTrace struct {
	Description string      `json:"description,omitempty"`
	CallFrames  []CallFrame `json:"callFrames"`
}

// CallFrame is a single remote stack frame.
type CallFrame struct {
	FunctionName string `json:"functionName"`
	ScriptID     string `json:"scriptId,omitempty"`
	URL          string `json:"url"`
	LineNumber   int64  `json:"lineNumber"`
	ColumnNumber int64  `json:"columnNumber"`
}

// CallArgument is one marshaled argument of a Runtime.callFunctionOn call.
// Exactly one of Value, UnserializableValue, or ObjectID is populated.
type CallArgument struct {
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
}

// Message renders the exception as a human-readable, possibly multi-line
// string: the exception's own description when the remote side provides one,
// otherwise the exception text followed by one line per stack frame.
func (d *ExceptionDetails) Message() string {
	if d == nil {
		return ""
	}
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}

	var sb strings.Builder
	sb.WriteString(d.Text)
	if d.StackTrace != nil {
		for _, frame := range d.StackTrace.CallFrames {
			name := frame.FunctionName
			if name == "" {
				name = "<anonymous>"
			}
			sb.WriteString(fmt.Sprintf("\n    at %s (%s:%d:%d)", name, frame.URL, frame.LineNumber, frame.ColumnNumber))
		}
	}
	return sb.String()
}
