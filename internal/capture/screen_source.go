package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"github.com/audiolibrelab/replaycapture/internal/media"
)

// ScreenFormat describes the encoded screen stream
type ScreenFormat struct {
	Display   string
	Width     int
	Height    int
	FrameRate int
	Bitrate   string
}

// ScreenSource grabs an X11 display with ffmpeg and encodes it to VP8. The
// encoder writes IVF to its stdout; every IVF frame becomes one buffered frame.
type ScreenSource struct {
	name   string
	format ScreenFormat

	mu        sync.Mutex
	proc      *process
	reader    *ivfreader.IVFReader
	header    *ivfreader.IVFFileHeader
	closeOnce sync.Once
	closeErr  error
}

// NewScreenSource creates a screen capture source
func NewScreenSource(name string, format ScreenFormat) *ScreenSource {
	return &ScreenSource{name: name, format: format}
}

func (s *ScreenSource) Name() string { return s.name }

func (s *ScreenSource) buildArgs() []string {
	return []string{
		"ffmpeg",
		"-hide_banner", "-nostdin", "-loglevel", ffmpegLogLevel(),
		"-f", "x11grab",
		"-framerate", fmt.Sprintf("%d", s.format.FrameRate),
		"-video_size", fmt.Sprintf("%dx%d", s.format.Width, s.format.Height),
		"-i", s.format.Display,
		"-c:v", "libvpx",
		"-b:v", s.format.Bitrate,
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-g", fmt.Sprintf("%d", s.format.FrameRate*2),
		"-f", "ivf",
		"pipe:1",
	}
}

// Open starts the encoder and waits for the IVF file header
func (s *ScreenSource) Open(ctx context.Context) (media.Descriptor, error) {
	proc, err := startProcess(s.name, s.buildArgs(), nil)
	if err != nil {
		return media.Descriptor{}, err
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	type opened struct {
		reader *ivfreader.IVFReader
		header *ivfreader.IVFFileHeader
		err    error
	}
	result := make(chan opened, 1)
	go func() {
		reader, header, err := ivfreader.NewWith(proc.stdout)
		result <- opened{reader, header, err}
	}()

	select {
	case <-ctx.Done():
		proc.stop()
		return media.Descriptor{}, ctx.Err()
	case o := <-result:
		if o.err != nil {
			return media.Descriptor{}, fmt.Errorf("failed to read IVF header: %w (encoder: %s)", o.err, proc.stderrTail(5))
		}
		s.mu.Lock()
		s.reader, s.header = o.reader, o.header
		s.mu.Unlock()
		return ivfDescriptor(o.header, s.format.FrameRate), nil
	}
}

func ivfDescriptor(header *ivfreader.IVFFileHeader, frameRate int) media.Descriptor {
	return media.Descriptor{
		Kind:      media.KindVideo,
		CodecID:   codecFromFourCC(header.FourCC),
		Width:     int(header.Width),
		Height:    int(header.Height),
		FrameRate: frameRate,
	}
}

func codecFromFourCC(fourcc string) string {
	switch fourcc {
	case "VP90":
		return media.CodecVP9
	case "AV01":
		return media.CodecAV1
	default:
		return media.CodecVP8
	}
}

// Run forwards IVF frames until the encoder stops
func (s *ScreenSource) Run(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	reader, header, proc := s.reader, s.header, s.proc
	s.mu.Unlock()
	if reader == nil {
		return fmt.Errorf("source %s is not open", s.name)
	}

	err := readIVF(reader, header, sink)
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("video stream ended unexpectedly: %s", proc.stderrTail(5))
	}
	return err
}

// readIVF pushes frames until the reader fails and returns that error
func readIVF(reader *ivfreader.IVFReader, header *ivfreader.IVFFileHeader, sink Sink) error {
	for {
		payload, frameHeader, err := reader.ParseNextFrame()
		if err != nil {
			return err
		}
		sink.Push(payload, len(payload), media.Meta{
			PTS:      ivfTimestamp(header, frameHeader.Timestamp),
			Keyframe: isVP8Keyframe(payload),
		})
	}
}

// ivfTimestamp converts a timestamp in IVF timebase units to a duration
func ivfTimestamp(header *ivfreader.IVFFileHeader, ts uint64) time.Duration {
	if header.TimebaseDenominator == 0 {
		return 0
	}
	return time.Duration(ts) * time.Second * time.Duration(header.TimebaseNumerator) / time.Duration(header.TimebaseDenominator)
}

// isVP8Keyframe reads the frame type bit of the VP8 frame tag
func isVP8Keyframe(payload []byte) bool {
	return len(payload) > 0 && payload[0]&0x01 == 0
}

func (s *ScreenSource) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()
		if proc != nil {
			s.closeErr = proc.stop()
		}
	})
	return s.closeErr
}
