package scheduling

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrDuplicateJob   = errors.New("job already registered")
	ErrAlreadyRunning = errors.New("job skipped: previous run still in progress")
	ErrCircuitOpen    = errors.New("job skipped: circuit breaker open")
)

// NoRetry marks an error as permanent, the run fails without further
// attempts.
//
//	return scheduling.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

type panicError struct {
	value any
}

func (e panicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.value)
}
