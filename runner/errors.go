package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrWaitTimeout means the device was still busy when the bounded wait expired.
	ErrWaitTimeout = errors.New("timed out waiting for dispatch to complete")
	// ErrDeviceLost means the device reported failure instead of completion.
	ErrDeviceLost = errors.New("device lost or dispatch failed")
	// ErrResultRange means a result slot held a value the kernel cannot produce.
	ErrResultRange = errors.New("result slot out of range")
	// ErrPlanMismatch means the device returned a different slot count than planned.
	ErrPlanMismatch = errors.New("result buffer does not match dispatch plan")
)

// Kind classifies an error so callers can choose between retry and abort.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindSetup
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration"
	case KindSetup:
		return "setup"
	case KindTransient:
		return "transient runtime"
	case KindFatal:
		return "fatal runtime"
	default:
		return "unknown"
	}
}

// Error records which operation failed, in which iteration and phase.
type Error struct {
	Kind      Kind
	Op        string
	Iteration uint64
	Phase     Phase
	Err       error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTransient, KindFatal:
		return fmt.Sprintf("%s error: %s (iteration %d, %s): %v", e.Kind, e.Op, e.Iteration, e.Phase, e.Err)
	default:
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ConfigError wraps err as a configuration error.
func ConfigError(op string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// SetupError wraps err as a setup error.
func SetupError(op string, err error) error {
	return &Error{Kind: KindSetup, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// runtimeKind picks the kind for an error raised inside the loop.
func runtimeKind(err error) Kind {
	if errors.Is(err, ErrWaitTimeout) {
		return KindTransient
	}
	return KindFatal
}
