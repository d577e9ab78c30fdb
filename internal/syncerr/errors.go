// Package syncerr classifies errors returned by sync components.
//
// Every error crossing a component boundary is an *Error whose Kind is one of
// the sentinels below, so callers can branch with errors.Is.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport covers network failures, timeouts and 429/5xx responses.
	ErrTransport = errors.New("transport error")
	// ErrAuthorization covers 401/403 responses and failed token refreshes.
	ErrAuthorization = errors.New("authorization error")
	// ErrProtocol covers malformed responses and unparseable payloads.
	ErrProtocol = errors.New("protocol error")
	// ErrConflict covers failed preconditions (412, revision mismatch).
	ErrConflict = errors.New("conflict")
	// ErrCrypto covers envelope decryption and key derivation failures.
	ErrCrypto = errors.New("cryptographic error")
	// ErrBusy is returned when a provider already has a sync in flight.
	ErrBusy = errors.New("sync already in progress")
	// ErrUIDExhausted is returned when every create attempt collided on UID.
	ErrUIDExhausted = errors.New("uid attempts exhausted")
	// ErrNotFound covers 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrCancelled is returned when the caller's context ends mid-cycle.
	ErrCancelled = errors.New("cancelled")
)

// Error is a classified error.
type Error struct {
	Kind error  // one of the sentinels above
	Op   string // operation, e.g. "caldav.put"
	Item string // optional item identifier (uid, path)
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Item != "" {
		msg += " (" + e.Item + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// New returns a classified error.
func New(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf returns a classified error with a formatted cause.
func Newf(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithItem returns a copy of e carrying the item identifier.
func (e *Error) WithItem(item string) *Error {
	cp := *e
	cp.Item = item
	return &cp
}

// KindOf returns the kind sentinel of err, or nil if err is unclassified.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// FromStatus maps an HTTP status code to a kind. It returns nil for 2xx.
func FromStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthorization
	case status == http.StatusPreconditionFailed:
		return ErrConflict
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return ErrTransport
	default:
		return ErrProtocol
	}
}

// Retryable reports whether a request that failed with err may be retried.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
