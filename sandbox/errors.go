package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/umbra/dispatch"
	"github.com/chazu/umbra/platform"
)

var (
	// ErrRetired is returned when entering a retired sandbox.
	ErrRetired = errors.New("sandbox: retired")
	// ErrNotActive is returned by Exit on a sandbox no test is using.
	ErrNotActive = errors.New("sandbox: not active")
	// ErrClosed is returned by a manager after Shutdown.
	ErrClosed = errors.New("sandbox: manager is shut down")
)

// InitializationError reports that a sandbox could not be loaded. It is
// memoized per fingerprint; the configuration is not retried.
type InitializationError struct {
	Fingerprint dispatch.Fingerprint
	Level       platform.Level
	Err         error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("sandbox: cannot initialize level %s (fingerprint %s): %v",
		e.Level, e.Fingerprint.Short(), e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// TeardownError collects the failures of a test's teardown hooks. The reset
// pass ran regardless.
type TeardownError struct {
	Test string
	Errs []error
}

func (e *TeardownError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("sandbox: teardown of %s failed: %s", e.Test, strings.Join(msgs, "; "))
}

func (e *TeardownError) Unwrap() []error { return e.Errs }

// ResetError reports that a sandbox could not return to its baseline. The
// sandbox is retired.
type ResetError struct {
	Sandbox string
	Err     error
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("sandbox %s: reset failed: %v", e.Sandbox, e.Err)
}

func (e *ResetError) Unwrap() error { return e.Err }
