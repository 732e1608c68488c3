// Package errors provides domain-specific error types for sercon.
//
// These types carry structured context (stage, device, direction,
// retryability) so the controller can turn a failure into the right
// user-visible output line, and so open retries can tell a busy port
// from a rejected baud rate.
package errors

import (
	"errors"
	"fmt"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrSelectionCancelled is returned when the user declines to pick a
	// device. It is informational, not a failure.
	ErrSelectionCancelled = errors.New("no serial port selected")
	ErrUnavailable        = errors.New("serial capability not available")
	ErrNotConnected       = errors.New("not connected")
	ErrSessionLive        = errors.New("a session is live")
	ErrReadLoopActive     = errors.New("read loop already running")
	ErrReaderCancelled    = errors.New("reader cancelled")
	ErrControllerStopped  = errors.New("controller is not running")
	ErrPortClosed         = errors.New("port closed")
	ErrInvalidBaudRate    = errors.New("unsupported baud rate")
)

// ── Structured error types ───────────────────────────────────────────

// OpenError reports a failed session open.
type OpenError struct {
	Stage     string // "select", "open", "pipe"
	Device    string // device path, empty before selection
	Baud      int
	Err       error
	Retryable bool // busy / permission races worth another attempt
}

func (e *OpenError) Error() string {
	s := "open"
	if e.Device != "" {
		s += " " + e.Device
	}
	if e.Baud > 0 {
		s += fmt.Sprintf(" @%d", e.Baud)
	}
	s += fmt.Sprintf(" (%s): %v", e.Stage, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *OpenError) Unwrap() error { return e.Err }

// StreamError is a fault on the byte source or sink of a live session.
type StreamError struct {
	Dir    string // "read" or "write"
	Device string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Dir, e.Device, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// TeardownError records a single failed teardown step. Teardown never
// returns these to its caller; they are logged and counted.
type TeardownError struct {
	Step string
	Err  error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown %s: %v", e.Step, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// WrapOpen creates an OpenError. A nil err yields nil.
func WrapOpen(stage, device string, baud int, err error, retryable bool) error {
	if err == nil {
		return nil
	}
	return &OpenError{Stage: stage, Device: device, Baud: baud, Err: err, Retryable: retryable}
}

// WrapStream creates a StreamError.
func WrapStream(dir, device string, err error) *StreamError {
	return &StreamError{Dir: dir, Device: device, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is an open failure worth retrying.
func IsRetryable(err error) bool {
	var oe *OpenError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return false
}

// IsCancelled reports whether err means the user picked no device.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrSelectionCancelled)
}

// Cause strips sercon's structured wrappers and returns the innermost
// message-bearing error, which is what users see in the output stream.
func Cause(err error) error {
	for {
		switch e := err.(type) {
		case *OpenError:
			err = e.Err
		case *StreamError:
			err = e.Err
		case *TeardownError:
			err = e.Err
		default:
			return err
		}
	}
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
