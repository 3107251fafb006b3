package breaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen matches any *CircuitOpenError with errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitOpenError reports that the local throttle is in effect. Remaining is
// the cooldown left at the moment the request was refused.
type CircuitOpenError struct {
	Reason    string
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	secs := int(e.Remaining.Round(time.Second) / time.Second)
	if e.Reason == "" {
		return fmt.Sprintf("circuit breaker open: retry in %ds", secs)
	}
	return fmt.Sprintf("circuit breaker open (%s): retry in %ds", e.Reason, secs)
}

// Is makes errors.Is(err, ErrCircuitOpen) hold.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}
