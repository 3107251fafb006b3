package docstore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrQuotaExceeded marks a backend read or write quota exhaustion.
	ErrQuotaExceeded = errors.New("document store quota exceeded")
	// ErrSystemBusy is what callers see once a quota error has been absorbed
	// by the breaker. It never carries the backend error.
	ErrSystemBusy = errors.New("system temporarily limited, please try again shortly")
	// ErrTimeout marks a read that exceeded its deadline.
	ErrTimeout = errors.New("document store operation timed out")
	// ErrSuperseded is returned for a page result that arrived after the pager
	// had moved on; the result is discarded.
	ErrSuperseded = errors.New("page result superseded by a newer load")
)

// TransientIOError is any other read or write failure.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("document store %s failed: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

// IsQuotaError reports whether err signals quota exhaustion.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) || status.Code(err) == codes.ResourceExhausted
}

// classify maps a backend error onto the taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsQuotaError(err):
		return fmt.Errorf("%s: %w: %w", op, ErrQuotaExceeded, err)
	case errors.Is(err, context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &TransientIOError{Op: op, Err: err}
	}
}
