package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/audiolibrelab/replaycapture/internal/media"
)

// SyntheticSource generates frames without any capture device. Audio streams
// carry a PCM sine tone. Video streams carry opaque numbered payloads tagged
// with the VP8 codec, with a keyframe every KeyframeInterval frames.
type SyntheticSource struct {
	name string
	desc media.Descriptor

	// Interval between frames
	Interval time.Duration
	// ChunkSamples is the number of samples per channel in an audio frame
	ChunkSamples int
	// KeyframeInterval is the keyframe distance of video streams
	KeyframeInterval int
	// ToneHz is the frequency of the generated audio tone
	ToneHz float64
}

// NewSyntheticAudio creates a raw PCM test tone source
func NewSyntheticAudio(name string, format PCMFormat, channels int) *SyntheticSource {
	interval := time.Duration(format.ChunkSamples) * time.Second / time.Duration(max(format.SampleRate, 1))
	return &SyntheticSource{
		name: name,
		desc: media.Descriptor{
			Kind:          media.KindAudio,
			CodecID:       media.CodecPCM,
			SampleRate:    format.SampleRate,
			Channels:      channels,
			BitsPerSample: format.BitsPerSample,
		},
		Interval:     interval,
		ChunkSamples: format.ChunkSamples,
		ToneHz:       440,
	}
}

// NewSyntheticVideo creates a video test pattern source
func NewSyntheticVideo(name string, width, height, frameRate int) *SyntheticSource {
	return &SyntheticSource{
		name: name,
		desc: media.Descriptor{
			Kind:      media.KindVideo,
			CodecID:   media.CodecVP8,
			Width:     width,
			Height:    height,
			FrameRate: frameRate,
		},
		Interval:         time.Second / time.Duration(max(frameRate, 1)),
		KeyframeInterval: max(frameRate, 1) * 2,
	}
}

func (s *SyntheticSource) Name() string { return s.name }

func (s *SyntheticSource) Open(ctx context.Context) (media.Descriptor, error) {
	if s.Interval <= 0 {
		return media.Descriptor{}, fmt.Errorf("frame interval must be > 0")
	}
	if err := s.desc.Validate(); err != nil {
		return media.Descriptor{}, err
	}
	return s.desc, nil
}

// Run emits one frame per interval until ctx is cancelled
func (s *SyntheticSource) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for n := 0; ; n++ {
		payload, meta := s.Frame(n)
		sink.Push(payload, len(payload), meta)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Frame builds the n-th frame of the stream
func (s *SyntheticSource) Frame(n int) ([]byte, media.Meta) {
	meta := media.Meta{PTS: time.Duration(n) * s.Interval, Keyframe: true}

	if s.desc.Kind == media.KindAudio {
		return s.tone(n), meta
	}

	if s.KeyframeInterval > 0 {
		meta.Keyframe = n%s.KeyframeInterval == 0
	}
	payload := make([]byte, 64)
	if !meta.Keyframe {
		// VP8 frame tag: bit 0 set marks an interframe
		payload[0] = 0x01
	}
	binary.LittleEndian.PutUint32(payload[4:], uint32(n))
	return payload, meta
}

// tone renders chunk n of a sine wave at the configured bit depth
func (s *SyntheticSource) tone(n int) []byte {
	bytesPerSample := s.desc.BitsPerSample / 8
	channels := s.desc.Channels
	payload := make([]byte, s.ChunkSamples*channels*bytesPerSample)

	for i := 0; i < s.ChunkSamples; i++ {
		t := float64(n*s.ChunkSamples+i) / float64(s.desc.SampleRate)
		v := math.Sin(2*math.Pi*s.ToneHz*t) * 0.25

		for c := 0; c < channels; c++ {
			off := (i*channels + c) * bytesPerSample
			putSample(payload[off:off+bytesPerSample], v)
		}
	}
	return payload
}

// putSample writes v in [-1, 1] as a little-endian PCM sample sized to dst
func putSample(dst []byte, v float64) {
	switch len(dst) {
	case 1:
		dst[0] = uint8(int(v*127) + 128)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(int16(v*math.MaxInt16)))
	case 3:
		x := int32(v * (1<<23 - 1))
		dst[0], dst[1], dst[2] = byte(x), byte(x>>8), byte(x>>16)
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v*math.MaxInt32)))
	}
}

func (s *SyntheticSource) Close() error { return nil }
