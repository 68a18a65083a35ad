package framestore

import (
	"time"

	"github.com/audiolibrelab/replaycapture/internal/media"
)

// Frame is one encoded unit of a stream. Frames are never modified after they
// have been stored, so snapshots may share them freely.
type Frame struct {
	Payload []byte
	Size    int
	// Delay is the wall-clock time elapsed since the previous accepted
	// frame of the same stream.
	Delay time.Duration
	Meta  media.Meta
}

// Stats is a point-in-time view of a stream's counters
type Stats struct {
	Frames      int           `json:"frames"`
	Bytes       int64         `json:"bytes"`
	Accumulated time.Duration `json:"accumulated"`
	Window      time.Duration `json:"window"`
	HasAnchor   bool          `json:"has_anchor"`
	Pushed      uint64        `json:"pushed"`
	Evicted     uint64        `json:"evicted"`
}

// Option configures a Stream or a Buffer
type Option func(*options)

type options struct {
	clock func() time.Time
}

// WithClock replaces time.Now as the arrival clock
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Stream keeps the frames of one media stream that arrived within the last
// window. The very first frame is kept aside as the anchor: it is never
// evicted and leads every snapshot.
//
// Stream is not safe for concurrent use. The session coordinator serializes
// every call.
type Stream struct {
	window      time.Duration
	clock       func() time.Time
	lastArrival time.Time

	anchor      *Frame
	frames      []*Frame
	accumulated time.Duration
	bytes       int64

	pushed  uint64
	evicted uint64
}

// NewStream creates an empty stream. The arrival clock starts now, so the
// delay of the first frame is measured from creation.
func NewStream(window time.Duration, opts ...Option) *Stream {
	o := buildOptions(opts)
	return &Stream{
		window:      window,
		clock:       o.clock,
		lastArrival: o.clock(),
	}
}

// Push stores the first size bytes of payload. The bytes are copied, the
// caller may reuse payload as soon as Push returns. A frame with size <= 0 is
// ignored entirely and does not advance the arrival clock.
func (s *Stream) Push(payload []byte, size int, meta media.Meta) {
	if size <= 0 {
		return
	}
	if size > len(payload) {
		size = len(payload)
	}

	now := s.clock()
	delay := now.Sub(s.lastArrival)
	s.lastArrival = now

	data := make([]byte, size)
	copy(data, payload[:size])
	frame := &Frame{Payload: data, Size: size, Delay: delay, Meta: meta}
	s.pushed++

	if s.anchor == nil {
		// The anchor's delay is not part of the window.
		s.anchor = frame
		return
	}

	s.frames = append(s.frames, frame)
	s.accumulated += delay
	s.bytes += int64(size)

	for len(s.frames) > 0 && s.accumulated > s.window {
		head := s.frames[0]
		s.frames[0] = nil
		s.frames = s.frames[1:]
		s.accumulated -= head.Delay
		s.bytes -= int64(head.Size)
		s.evicted++
	}
}

// Snapshot returns the anchor and a copy of the retained sequence. The
// stream itself is left untouched.
func (s *Stream) Snapshot() StreamSnapshot {
	frames := make([]*Frame, len(s.frames))
	copy(frames, s.frames)
	return StreamSnapshot{
		Anchor: s.anchor,
		Frames: frames,
	}
}

// Len returns the number of evictable frames currently retained
func (s *Stream) Len() int {
	return len(s.frames)
}

// Accumulated returns the sum of the delays of the retained frames
func (s *Stream) Accumulated() time.Duration {
	return s.accumulated
}

// WindowLimit returns the retention window the stream was created with
func (s *Stream) WindowLimit() time.Duration {
	return s.window
}

// HasAnchor reports whether a frame has been accepted yet
func (s *Stream) HasAnchor() bool {
	return s.anchor != nil
}

// Stats returns the stream counters
func (s *Stream) Stats() Stats {
	bytes := s.bytes
	if s.anchor != nil {
		bytes += int64(s.anchor.Size)
	}
	return Stats{
		Frames:      len(s.frames),
		Bytes:       bytes,
		Accumulated: s.accumulated,
		Window:      s.window,
		HasAnchor:   s.anchor != nil,
		Pushed:      s.pushed,
		Evicted:     s.evicted,
	}
}
