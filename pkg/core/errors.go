package core

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for the wire protocol.
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindAuthFailed
	KindTimeout
	KindInvalidState
	KindInvalidParticipant
	KindRateLimited
	KindInvalidArgument
)

var kindNames = map[Kind]string{
	KindInternal:           "Internal",
	KindNotFound:           "NotFound",
	KindAuthFailed:         "AuthFailed",
	KindTimeout:            "Timeout",
	KindInvalidState:       "InvalidState",
	KindInvalidParticipant: "InvalidParticipant",
	KindRateLimited:        "RateLimited",
	KindInvalidArgument:    "InvalidArgument",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Internal"
}

// ParseKind is the inverse of Kind.String. Unknown names map to KindInternal.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindInternal
}

// Common errors
var (
	// ErrNotFound is returned for unknown concept or transaction ids
	ErrNotFound = errors.New("not found")

	// ErrAuthFailed is returned for bad signatures, expired timestamps or insufficient claims
	ErrAuthFailed = errors.New("authentication failed")

	// ErrTimeout is returned when a transaction exceeds its deadline
	ErrTimeout = errors.New("transaction timed out")

	// ErrInvalidState is returned for operations against a transaction in an incompatible state
	ErrInvalidState = errors.New("invalid transaction state")

	// ErrInvalidParticipant is returned when an unknown shard id is referenced
	ErrInvalidParticipant = errors.New("invalid participant")

	// ErrInternal covers storage, WAL and index failures
	ErrInternal = errors.New("internal error")

	// ErrRateLimited is returned when a subject exceeds its request budget
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidArgument is returned for malformed ids, vectors or options
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDimensionMismatch is returned when a vector does not match the engine dimension
	ErrDimensionMismatch = fmt.Errorf("%w: vector dimension mismatch", ErrInvalidArgument)

	// ErrClosed is returned when using a closed engine, shard or log
	ErrClosed = fmt.Errorf("%w: closed", ErrInternal)
)

var kindSentinels = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrAuthFailed, KindAuthFailed},
	{ErrTimeout, KindTimeout},
	{ErrInvalidState, KindInvalidState},
	{ErrInvalidParticipant, KindInvalidParticipant},
	{ErrRateLimited, KindRateLimited},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrInternal, KindInternal},
}

// Error wraps errors with operation context
type Error struct {
	Op   string // Operation name
	Kind Kind   // Classification
	Err  error  // Underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("conceptdb: %v", e.Err)
	}
	return fmt.Sprintf("conceptdb: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel belonging to the error's kind as well as the wrapped chain.
func (e *Error) Is(target error) bool {
	for _, s := range kindSentinels {
		if s.kind == e.Kind && s.err == target {
			return true
		}
	}
	return false
}

// WrapError wraps an error with operation context. The kind is derived from the error chain.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: KindOf(err), Err: err}
}

// Errorf builds an error of the given kind.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies any error. Unknown errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindInternal
}
