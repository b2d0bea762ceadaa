// Package errs defines the tagged error type shared by every layer of the
// worker. An Error carries a kind, a code and optional params; the pair
// (kind, code) is what clients receive as errtype and errcode.
package errs

import (
	"errors"
	"fmt"
	"maps"
)

// Kind groups error codes by the layer that raises them.
type Kind string

const (
	KindBackend Kind = "BackendError"
	KindModel   Kind = "ModelError"
	KindLink    Kind = "LinkError"
	KindQueue   Kind = "QueueError"
	KindRedis   Kind = "RedisError"
	KindGeneric Kind = "GenericError"
)

// Error is an immutable tagged error. Use With* methods to derive variants.
type Error struct {
	kind   Kind
	code   string
	msg    string
	params map[string]any
	cause  error
}

// New creates a tagged error.
func New(kind Kind, code, msg string) *Error {
	return &Error{kind: kind, code: code, msg: msg}
}

// Wrap tags cause with kind and code. A nil cause returns nil.
func Wrap(cause error, kind Kind, code, msg string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, code: code, msg: msg, cause: cause}
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s#%s", e.kind, e.code)
	if e.msg != "" {
		s += ": " + e.msg
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

// Message returns the human readable part without the kind/code prefix.
func (e *Error) Message() string {
	if e.msg == "" && e.cause != nil {
		return e.cause.Error()
	}
	return e.msg
}

func (e *Error) Kind() Kind { return e.kind }
func (e *Error) Code() string { return e.code }
func (e *Error) Unwrap() error { return e.cause }

// Params returns a copy of the params map, or nil.
func (e *Error) Params() map[string]any {
	if e.params == nil {
		return nil
	}
	return maps.Clone(e.params)
}

// WithParams returns a copy of e carrying params.
func (e *Error) WithParams(params map[string]any) *Error {
	cp := *e
	cp.params = maps.Clone(params)
	return &cp
}

// WithMessage returns a copy of e with a different message.
func (e *Error) WithMessage(msg string) *Error {
	cp := *e
	cp.msg = msg
	return &cp
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// Is matches any *Error with the same kind and code, so sentinels below
// work with errors.Is regardless of message or params.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind && e.code == t.code
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

var (
	ErrAccessDenied        = New(KindBackend, "AccessDenied", "access denied")
	ErrIPNotAllowed        = New(KindBackend, "IPNotAllowed", "ip address is blacklisted")
	ErrCORSNotAllowed      = New(KindBackend, "CORSNotAllowed", "origin is not allowed")
	ErrAuthFailed          = New(KindBackend, "AuthFailed", "authorization failed")
	ErrAnonymousNotAllowed = New(KindBackend, "AnonymousNotAllowed", "anonymous connections are disabled")
	ErrModuleNotLoaded     = New(KindBackend, "ModuleNotLoaded", "module is not loaded")
	ErrDuplicateModule     = New(KindBackend, "DuplicateModule", "module is already registered")
	ErrInvalidModule       = New(KindBackend, "InvalidModule", "module id is empty")

	ErrKeyNotFound = New(KindModel, "KeyNotFound", "key not found")
	ErrVoidID      = New(KindModel, "VoidID", "id is empty")
	ErrUnknown     = New(KindModel, "Unknown", "unknown model error")

	ErrWrongFormat   = New(KindLink, "WrongFormat", "malformed relay payload")
	ErrPublishFailed = New(KindLink, "PublishFailed", "relay publish failed")

	ErrQueueWrongFormat   = New(KindQueue, "WrongFormat", "malformed queue payload")
	ErrQueueNotConnected  = New(KindQueue, "NotConnected", "queue broker is not connected")
	ErrQueuePublishFailed = New(KindQueue, "PublishFailed", "queue publish failed")

	ErrRedis = New(KindRedis, "CoreError", "redis command failed")

	ErrTest         = New(KindGeneric, "Test", "test exception")
	ErrInvalidInput = New(KindGeneric, "InvalidInput", "invalid input data")
)
