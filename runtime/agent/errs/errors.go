// Package errs implements the §7 error taxonomy on top of
// runtime/agent/toolerrors. Every sentinel kind wraps a *toolerrors.ToolError
// so the existing message+cause chain and errors.As-based inspection keep
// working across the taxonomy boundary.
package errs

import (
	"errors"
	"fmt"

	"goa.design/agentcore/runtime/agent/toolerrors"
)

// Kind classifies an error per §7 for transport-layer translation
// (A2AHandler maps these to HTTP/JSON-RPC status codes) and for the turn's
// propagation policy (tool errors recover locally, everything else unwinds
// the turn).
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindBadRequest           Kind = "bad_request"
	KindToolFailed           Kind = "tool_failed"
	KindCredentialUnavailable Kind = "credential_unavailable"
	KindModelTimeout         Kind = "model_timeout"
	KindModelError           Kind = "model_error"
	KindCancelled            Kind = "cancelled"
	KindInternal             Kind = "internal"
)

// Error is a taxonomy-classified error. It wraps a *toolerrors.ToolError so
// callers that only know about tool errors still see a coherent Unwrap
// chain.
type Error struct {
	Kind Kind
	Err  *toolerrors.ToolError
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return string(e.safeKind())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *Error) safeKind() Kind {
	if e == nil {
		return ""
	}
	return e.Kind
}

// Unwrap exposes the underlying ToolError chain to errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil || e.Err == nil {
		return nil
	}
	return e.Err
}

func wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Err: toolerrors.NewWithCause(message, cause)}
}

// NotFound builds a repository-miss error. The core's read paths generally
// prefer returning (nil, nil) directly; NotFound is for operations where the
// missing row is itself the failure (e.g. updating a task that was never
// created).
func NotFound(message string) *Error { return wrap(KindNotFound, message, nil) }

// BadRequest builds a schema/parameter-violation error, surfaced to the
// client as-is.
func BadRequest(message string) *Error { return wrap(KindBadRequest, message, nil) }

// ToolFailed wraps a remote-tool error envelope or an execute() exception.
// It is recorded in both the ToolSession and AgentSession and propagated to
// the model as a textual error so Phase 1 may recover.
func ToolFailed(message string, cause error) *Error { return wrap(KindToolFailed, message, cause) }

// CredentialUnavailable blocks the owning tool call; callers generally
// re-surface it to the model as ToolFailed per §7.
func CredentialUnavailable(message string, cause error) *Error {
	return wrap(KindCredentialUnavailable, message, cause)
}

// ModelTimeout reports that the turn's abort signal fired waiting on a model
// call. It terminates the turn with a failed status.
func ModelTimeout(message string) *Error { return wrap(KindModelTimeout, message, nil) }

// ModelError reports a non-timeout model failure. It terminates the turn.
func ModelError(message string, cause error) *Error { return wrap(KindModelError, message, cause) }

// Cancelled reports a client disconnect or explicit cancel. It terminates
// the turn cleanly and persists a partial Task.
func Cancelled(message string) *Error { return wrap(KindCancelled, message, nil) }

// Internal reports an unexpected failure, logged with its cause and
// translated to HTTP 500 at the transport boundary.
func Internal(message string, cause error) *Error { return wrap(KindInternal, message, cause) }

// As reports whether err (or any error in its chain) is an *Error of the
// given kind.
func As(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
