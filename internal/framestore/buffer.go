package framestore

import (
	"fmt"
	"time"

	"github.com/audiolibrelab/replaycapture/internal/media"
)

// StreamSnapshot is an immutable copy of one stream. Anchor is nil when the
// stream never received a frame.
type StreamSnapshot struct {
	Anchor *Frame
	Frames []*Frame
}

// All returns the anchor followed by the retained frames, in arrival order
func (s StreamSnapshot) All() []*Frame {
	if s.Anchor == nil {
		return s.Frames
	}
	all := make([]*Frame, 0, len(s.Frames)+1)
	all = append(all, s.Anchor)
	return append(all, s.Frames...)
}

// Empty reports whether the snapshot holds no frame at all
func (s StreamSnapshot) Empty() bool {
	return s.Anchor == nil && len(s.Frames) == 0
}

// Bytes returns the total payload size of the snapshot
func (s StreamSnapshot) Bytes() int64 {
	var total int64
	for _, f := range s.All() {
		total += int64(f.Size)
	}
	return total
}

// Span returns the sum of the delays of the retained frames
func (s StreamSnapshot) Span() time.Duration {
	var total time.Duration
	for _, f := range s.Frames {
		total += f.Delay
	}
	return total
}

// NamedSnapshot couples a stream snapshot with its name and format
type NamedSnapshot struct {
	Name       string
	Descriptor media.Descriptor
	StreamSnapshot
}

// Snapshot is a consistent copy of every stream of a buffer, in the order the
// streams were declared.
type Snapshot struct {
	TakenAt time.Time
	Window  time.Duration
	Streams []NamedSnapshot
}

// Stream returns the snapshot of the named stream
func (s Snapshot) Stream(name string) (NamedSnapshot, bool) {
	for _, st := range s.Streams {
		if st.Name == name {
			return st, true
		}
	}
	return NamedSnapshot{}, false
}

// Empty reports whether no stream of the snapshot holds a frame
func (s Snapshot) Empty() bool {
	for _, st := range s.Streams {
		if !st.Empty() {
			return false
		}
	}
	return true
}

// StreamSpec declares one stream of a buffer
type StreamSpec struct {
	Name       string
	Descriptor media.Descriptor
}

// Buffer is the set of named streams of one capture session. It carries no
// locking of its own.
type Buffer struct {
	window  time.Duration
	clock   func() time.Time
	specs   []StreamSpec
	streams map[string]*Stream
}

// NewBuffer creates one empty stream per spec, all sharing the same window
func NewBuffer(window time.Duration, specs []StreamSpec, opts ...Option) (*Buffer, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be > 0, got %s", window)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one stream is required")
	}

	o := buildOptions(opts)
	b := &Buffer{
		window:  window,
		clock:   o.clock,
		specs:   make([]StreamSpec, 0, len(specs)),
		streams: make(map[string]*Stream, len(specs)),
	}
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("stream[%d]: name is required", i)
		}
		if _, exists := b.streams[spec.Name]; exists {
			return nil, fmt.Errorf("stream[%d]: duplicate name '%s'", i, spec.Name)
		}
		b.specs = append(b.specs, spec)
		b.streams[spec.Name] = NewStream(window, opts...)
	}
	return b, nil
}

// Stream returns the named stream
func (b *Buffer) Stream(name string) (*Stream, bool) {
	s, ok := b.streams[name]
	return s, ok
}

// Names returns the stream names in declaration order
func (b *Buffer) Names() []string {
	names := make([]string, len(b.specs))
	for i, spec := range b.specs {
		names[i] = spec.Name
	}
	return names
}

// Window returns the retention window shared by all streams
func (b *Buffer) Window() time.Duration {
	return b.window
}

// SnapshotAll copies every stream
func (b *Buffer) SnapshotAll() Snapshot {
	snap := Snapshot{
		TakenAt: b.clock(),
		Window:  b.window,
		Streams: make([]NamedSnapshot, 0, len(b.specs)),
	}
	for _, spec := range b.specs {
		snap.Streams = append(snap.Streams, NamedSnapshot{
			Name:           spec.Name,
			Descriptor:     spec.Descriptor,
			StreamSnapshot: b.streams[spec.Name].Snapshot(),
		})
	}
	return snap
}

// Stats returns the counters of every stream keyed by name
func (b *Buffer) Stats() map[string]Stats {
	stats := make(map[string]Stats, len(b.streams))
	for name, s := range b.streams {
		stats[name] = s.Stats()
	}
	return stats
}
