package export

import (
	"errors"
	"fmt"
)

var (
	// ErrNothingToExport is returned when a snapshot holds no frame
	ErrNothingToExport = errors.New("nothing to export")
	// ErrQueueFull is returned by Submit when too many exports are pending
	ErrQueueFull = errors.New("export queue is full")
	// ErrExporterStopped is returned by Submit after Stop
	ErrExporterStopped = errors.New("exporter stopped")
)

// IOError reports a failure while writing an export file. The partially
// written file has already been removed when the error is returned.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("export %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func ioErr(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}
