package capture

import (
	"context"

	"github.com/audiolibrelab/replaycapture/internal/media"
)

// Sink receives the frames produced by a source. Push must not retain
// payload after it returns.
type Sink interface {
	Push(payload []byte, size int, meta media.Meta)
}

// Source produces the encoded frames of one stream.
//
// Open acquires the underlying device or process and reports the stream
// format. Run then delivers frames to the sink until ctx is cancelled or the
// source fails, and Close releases whatever Open acquired. Close may be called
// while Run is still returning.
type Source interface {
	Name() string
	Open(ctx context.Context) (media.Descriptor, error)
	Run(ctx context.Context, sink Sink) error
	Close() error
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(payload []byte, size int, meta media.Meta)

func (f SinkFunc) Push(payload []byte, size int, meta media.Meta) {
	f(payload, size, meta)
}
