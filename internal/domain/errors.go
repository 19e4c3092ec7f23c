package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a proxy failure for the retry engine (see the
// capacity / auth / client / upstream / blocked taxonomy).
type ErrorKind string

const (
	ErrKindCapacity  ErrorKind = "capacity"
	ErrKindAuth      ErrorKind = "auth_expired"
	ErrKindClient    ErrorKind = "client"
	ErrKindUpstream  ErrorKind = "upstream_fatal"
	ErrKindBlocked   ErrorKind = "blocked"
	ErrKindConvert   ErrorKind = "conversion"
	ErrKindCancelled ErrorKind = "cancelled"
)

// Sentinel errors
var (
	ErrNoAccounts         = errors.New("no usable accounts available")
	ErrAllAccountsCooling = errors.New("all accounts cooling down for this model")
	ErrModelSlotBusy      = errors.New("model concurrency limit reached")
	ErrTokenRefresh       = errors.New("oauth token refresh failed")
	ErrBlocked            = errors.New("prompt blocked by upstream")
	ErrStreamAborted      = errors.New("client aborted stream")
	ErrMalformedUpstream  = errors.New("malformed upstream response")
)

// ProxyError carries retry semantics alongside the underlying error.
type ProxyError struct {
	Kind       ErrorKind
	Err        error
	Message    string
	StatusCode int           // upstream HTTP status, 0 if not HTTP
	Retryable  bool
	RetryAfter time.Duration // capacity reset hint, 0 when unknown
	AccountID  uint64        // last account the error was observed on
}

func (e *ProxyError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *ProxyError) Unwrap() error { return e.Err }

// IsCapacity reports whether the error is a per-model capacity event.
func (e *ProxyError) IsCapacity() bool { return e.Kind == ErrKindCapacity }

func NewProxyError(kind ErrorKind, err error, retryable bool) *ProxyError {
	return &ProxyError{Kind: kind, Err: err, Retryable: retryable}
}

func NewProxyErrorf(kind ErrorKind, retryable bool, format string, args ...interface{}) *ProxyError {
	return &ProxyError{Kind: kind, Err: fmt.Errorf(format, args...), Retryable: retryable}
}

// AsProxyError unwraps err into a *ProxyError, wrapping unknown errors as
// upstream-fatal retryable.
func AsProxyError(err error) *ProxyError {
	if err == nil {
		return nil
	}
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProxyError{Kind: ErrKindUpstream, Err: err, Retryable: true}
}
