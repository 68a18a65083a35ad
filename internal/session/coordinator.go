package session

import (
	"sync"

	"github.com/audiolibrelab/replaycapture/internal/capture"
	"github.com/audiolibrelab/replaycapture/internal/framestore"
	"github.com/audiolibrelab/replaycapture/internal/media"
)

// Coordinator serializes every access to the live buffer behind one lock:
// producer pushes on any stream, snapshots, installing a new buffer and
// closing the push gate on stop.
type Coordinator struct {
	mu        sync.Mutex
	buffer    *framestore.Buffer
	accepting bool
	dropped   uint64
}

// NewCoordinator returns a coordinator without a buffer
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Install replaces the buffer and opens the push gate
func (c *Coordinator) Install(b *framestore.Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buffer = b
	c.accepting = true
	c.dropped = 0
}

// Detach closes the push gate. The buffer is kept so that its window can
// still be snapshotted.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accepting = false
}

// Push stores a frame on the named stream. Frames pushed while the gate is
// closed, or for an unknown stream, are counted and dropped.
func (c *Coordinator) Push(stream string, payload []byte, size int, meta media.Meta) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.accepting || c.buffer == nil {
		c.dropped++
		return false
	}
	s, ok := c.buffer.Stream(stream)
	if !ok {
		c.dropped++
		return false
	}
	s.Push(payload, size, meta)
	return true
}

// Snapshot copies every stream of the current buffer
func (c *Coordinator) Snapshot() (framestore.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buffer == nil {
		return framestore.Snapshot{}, false
	}
	return c.buffer.SnapshotAll(), true
}

// Stats returns the stream counters and the number of dropped pushes
func (c *Coordinator) Stats() (map[string]framestore.Stats, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buffer == nil {
		return map[string]framestore.Stats{}, c.dropped
	}
	return c.buffer.Stats(), c.dropped
}

// Sink returns a push handle bound to one stream
func (c *Coordinator) Sink(stream string) capture.Sink {
	return capture.SinkFunc(func(payload []byte, size int, meta media.Meta) {
		c.Push(stream, payload, size, meta)
	})
}
