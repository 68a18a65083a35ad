package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/replaycapture/internal/export"
)

// Phase is the coarse lifecycle position of a session
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCapturing Phase = "capturing"
	// PhaseStopped is idle with the last window still available for flush
	PhaseStopped Phase = "stopped"
)

// Op names a control operation
type Op string

const (
	OpStart Op = "start"
	OpStop  Op = "stop"
	OpFlush Op = "flush"
)

// State is the externally visible session state
type State struct {
	Phase    Phase `json:"phase"`
	CanStart bool  `json:"can_start"`
	CanStop  bool  `json:"can_stop"`
	CanFlush bool  `json:"can_flush"`
}

func idleState() State {
	return State{Phase: PhaseIdle, CanStart: true}
}

func capturingState() State {
	return State{Phase: PhaseCapturing, CanStop: true, CanFlush: true}
}

func stoppedState() State {
	return State{Phase: PhaseStopped, CanStart: true, CanFlush: true}
}

// allows reports whether op is permitted in this state
func (s State) allows(op Op) bool {
	switch op {
	case OpStart:
		return s.CanStart
	case OpStop:
		return s.CanStop
	case OpFlush:
		return s.CanFlush
	}
	return false
}

// EventKind identifies an asynchronous session notification
type EventKind string

const (
	EventExportCompleted EventKind = "export_completed"
	EventExportFailed    EventKind = "export_failed"
	EventCaptureFailed   EventKind = "capture_failed"
)

// Event is published on the session's event channel
type Event struct {
	Kind     EventKind
	ExportID uuid.UUID
	Export   *export.Result
	Stream   string
	Err      error
	Time     time.Time
}
