// Package fault defines the error taxonomy shared by every arbor component.
//
// Leaf components classify the failures they surface so that callers can
// decide whether to retry, bisect, skip, or stop:
//
//   - Transient: network errors, 5xx, 429. Retried with backoff and tracked
//     by the dependency's circuit breaker.
//   - Permanent: other 4xx, bad credentials. Surfaced, never retried.
//   - Parse: a single file could not be parsed. Swallowed by the pipeline.
//   - BatchWrite: one write batch failed. Logged, the build continues.
//   - TokenLimit: an embedding batch exceeded the model's token limit.
//     Bisected and retried; fatal only for a single-item batch.
//   - Cancelled: cooperative cancellation observed at a checkpoint.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	Unknown Kind = iota
	Transient
	Permanent
	Parse
	BatchWrite
	TokenLimit
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Parse:
		return "parse"
	case BatchWrite:
		return "batch_write"
	case TokenLimit:
		return "token_limit"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrCancelled is the sentinel wrapped by every Cancelled error.
var ErrCancelled = errors.New("job cancelled")

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCancelled) match any Cancelled error.
func (e *Error) Is(target error) bool {
	return target == ErrCancelled && e.Kind == Cancelled
}

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transientf(op, format string, args ...any) error {
	return newError(Transient, op, fmt.Errorf(format, args...))
}

func Permanentf(op, format string, args ...any) error {
	return newError(Permanent, op, fmt.Errorf(format, args...))
}

func TransientErr(op string, err error) error  { return newError(Transient, op, err) }
func PermanentErr(op string, err error) error  { return newError(Permanent, op, err) }
func ParseErr(op string, err error) error      { return newError(Parse, op, err) }
func BatchWriteErr(op string, err error) error { return newError(BatchWrite, op, err) }
func TokenLimitErr(op string, err error) error { return newError(TokenLimit, op, err) }

// CancelledAt returns a Cancelled error raised at the named checkpoint.
func CancelledAt(checkpoint string) error {
	return &Error{Kind: Cancelled, Op: checkpoint, Err: ErrCancelled}
}

// KindOf returns the Kind of the outermost classified error in err's chain,
// or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

func IsTransient(err error) bool  { return KindOf(err) == Transient }
func IsTokenLimit(err error) bool { return KindOf(err) == TokenLimit }
func IsCancelled(err error) bool  { return errors.Is(err, ErrCancelled) }
