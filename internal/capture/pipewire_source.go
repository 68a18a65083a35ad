package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/replaycapture/internal/media"
)

// portWaitTimeout bounds how long the JACK client of the encoder takes to appear
const portWaitTimeout = 5 * time.Second

// PCMFormat describes the raw samples a source emits
type PCMFormat struct {
	SampleRate    int
	BitsPerSample int
	ChunkSamples  int // samples per channel in each frame
}

// PipeWireSource captures one or two JACK ports as raw PCM through
// `pw-jack ffmpeg`. Every frame carries ChunkSamples samples per channel.
type PipeWireSource struct {
	name   string
	ports  []string
	format PCMFormat
	pw     *PipeWire

	mu        sync.Mutex
	proc      *process
	closeOnce sync.Once
	closeErr  error
}

// NewPipeWireSource creates a source for the given JACK ports (mono or stereo)
func NewPipeWireSource(name string, ports []string, format PCMFormat) *PipeWireSource {
	return &PipeWireSource{
		name:   name,
		ports:  ports,
		format: format,
		pw:     NewPipeWire(),
	}
}

func (s *PipeWireSource) Name() string { return s.name }

func (s *PipeWireSource) clientName() string {
	return "replaycapture_" + s.name
}

func (s *PipeWireSource) descriptor() media.Descriptor {
	return media.Descriptor{
		Kind:          media.KindAudio,
		CodecID:       media.CodecPCM,
		SampleRate:    s.format.SampleRate,
		Channels:      len(s.ports),
		BitsPerSample: s.format.BitsPerSample,
	}
}

// pcmCodec maps a bit depth to the ffmpeg raw format and codec names. WAV
// stores 8-bit samples unsigned.
func pcmCodec(bits int) (format, codec string, err error) {
	switch bits {
	case 8:
		return "u8", "pcm_u8", nil
	case 16:
		return "s16le", "pcm_s16le", nil
	case 24:
		return "s24le", "pcm_s24le", nil
	case 32:
		return "s32le", "pcm_s32le", nil
	}
	return "", "", fmt.Errorf("unsupported bits per sample: %d", bits)
}

func (s *PipeWireSource) buildArgs() ([]string, error) {
	format, codec, err := pcmCodec(s.format.BitsPerSample)
	if err != nil {
		return nil, err
	}
	return []string{
		"pw-jack", "ffmpeg",
		"-hide_banner", "-nostdin", "-loglevel", ffmpegLogLevel(),
		"-f", "jack",
		"-channels", fmt.Sprintf("%d", len(s.ports)),
		"-i", s.clientName(),
		"-ar", fmt.Sprintf("%d", s.format.SampleRate),
		"-c:a", codec,
		"-f", format,
		"pipe:1",
	}, nil
}

// Open starts the encoder and links the configured ports to its inputs
func (s *PipeWireSource) Open(ctx context.Context) (media.Descriptor, error) {
	if len(s.ports) == 0 || len(s.ports) > 2 {
		return media.Descriptor{}, fmt.Errorf("pipewire stream requires 1 or 2 sources, got %d", len(s.ports))
	}
	if s.format.ChunkSamples <= 0 {
		return media.Descriptor{}, fmt.Errorf("chunk samples must be > 0")
	}

	for _, port := range s.ports {
		if err := s.pw.ValidatePort(port); err != nil {
			return media.Descriptor{}, err
		}
	}

	args, err := s.buildArgs()
	if err != nil {
		return media.Descriptor{}, err
	}
	proc, err := startProcess(s.name, args, []string{
		"PIPEWIRE_QUANTUM=256/48000",
		"PIPEWIRE_LATENCY=256/48000",
	})
	if err != nil {
		return media.Descriptor{}, err
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	for i, source := range s.ports {
		destPort := fmt.Sprintf("%s:input_%d", s.clientName(), i+1)
		if err := s.pw.WaitForPort(ctx, destPort, portWaitTimeout); err != nil {
			return media.Descriptor{}, fmt.Errorf("encoder JACK port did not appear: %w", err)
		}
		if err := s.pw.ConnectPortsWithRetry(ctx, source, destPort); err != nil {
			return media.Descriptor{}, err
		}
		slog.Info("Connected source", "stream", s.name, "source", source, "dest", destPort)
	}

	return s.descriptor(), nil
}

// Run reads fixed-size PCM chunks from the encoder
func (s *PipeWireSource) Run(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("source %s is not open", s.name)
	}

	return readPCM(ctx, proc.stdout, s.descriptor(), s.format.ChunkSamples, sink, func() string {
		return proc.stderrTail(5)
	})
}

// readPCM slices r into frames of chunkSamples samples. PTS is derived from
// the number of samples read so far.
func readPCM(ctx context.Context, r io.Reader, desc media.Descriptor, chunkSamples int, sink Sink, diag func() string) error {
	frameSize := desc.Channels * desc.BitsPerSample / 8
	buf := make([]byte, chunkSamples*frameSize)
	var samples int64

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			pts := time.Duration(samples) * time.Second / time.Duration(desc.SampleRate)
			sink.Push(buf, n, media.Meta{PTS: pts, Keyframe: true})
			samples += int64(n / frameSize)
		}
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("audio stream ended unexpectedly: %s", diag())
		}
		return fmt.Errorf("failed to read audio stream: %w", err)
	}
}

// Close stops the encoder. The JACK links disappear with its client.
func (s *PipeWireSource) Close() error {
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
