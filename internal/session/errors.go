package session

import (
	"errors"
	"fmt"

	"github.com/audiolibrelab/replaycapture/internal/export"
)

// Sentinel errors for errors.Is checks
var (
	ErrPrecondition         = errors.New("operation not allowed")
	ErrCaptureSetup         = errors.New("capture setup failed")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrClosed               = errors.New("session closed")
)

// PreconditionError is returned when an operation is requested while the
// session flags do not allow it.
type PreconditionError struct {
	Op    Op
	Phase Phase
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s not allowed while %s", e.Op, e.Phase)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPrecondition
}

// CaptureSetupError is returned by Start when a source cannot be opened. The
// session is left as it was before the request.
type CaptureSetupError struct {
	Stream string
	Err    error
}

func (e *CaptureSetupError) Error() string {
	return fmt.Sprintf("capture setup failed for stream '%s': %v", e.Stream, e.Err)
}

func (e *CaptureSetupError) Unwrap() error {
	return e.Err
}

func (e *CaptureSetupError) Is(target error) bool {
	return target == ErrCaptureSetup
}

// InvalidConfigurationError is returned by Start for parameters that are
// rejected before any resource is acquired.
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *InvalidConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// ExportIOError is delivered through ExportFailed events when an export file
// cannot be written.
type ExportIOError = export.IOError
