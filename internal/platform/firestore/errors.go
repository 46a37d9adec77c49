package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a Firestore failure the way repositories.RepositoryError reports it.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindUnavailable
)

var kindsByCode = map[codes.Code]Kind{
	codes.NotFound:           KindNotFound,
	codes.AlreadyExists:      KindConflict,
	codes.FailedPrecondition: KindConflict,
	codes.Aborted:            KindConflict,
	codes.OutOfRange:         KindConflict,
	codes.Unavailable:        KindUnavailable,
	codes.ResourceExhausted:  KindUnavailable,
	codes.Internal:           KindUnavailable,
	codes.DeadlineExceeded:   KindUnavailable,
}

// Error implements repositories.RepositoryError for document store failures.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports a missing document.
func (e *Error) IsNotFound() bool { return e != nil && e.Kind == KindNotFound }

// IsConflict reports a precondition failure or an aborted transaction.
func (e *Error) IsConflict() bool { return e != nil && e.Kind == KindConflict }

// IsUnavailable reports a transient backend outage.
func (e *Error) IsUnavailable() bool { return e != nil && e.Kind == KindUnavailable }

// WrapError classifies err by its gRPC status. Cancellations surface as the plain context errors so
// callers can tell a client disconnect from a store failure.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op == "" {
			existing.Op = op
		}
		return existing
	}
	return &Error{Op: op, Kind: kindsByCode[code], Err: err}
}

// IsUnavailable reports whether err carries a transient store outage.
func IsUnavailable(err error) bool {
	var storeErr *Error
	return errors.As(err, &storeErr) && storeErr.IsUnavailable()
}
