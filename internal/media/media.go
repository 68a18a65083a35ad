package media

import (
	"fmt"
	"time"
)

// Kind identifies the type of samples carried by a stream
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Matroska codec identifiers used by the capture sources
const (
	CodecVP8  = "V_VP8"
	CodecVP9  = "V_VP9"
	CodecAV1  = "V_AV1"
	CodecOpus = "A_OPUS"
	// CodecPCM is raw little-endian integer PCM. Streams with this codec are
	// exported as WAV instead of being muxed.
	CodecPCM = "A_PCM/INT/LIT"
)

// Meta is the per-frame metadata handed over by the producer together with
// the payload. The frame store never interprets it.
type Meta struct {
	PTS      time.Duration `json:"pts" yaml:"pts"`
	Keyframe bool          `json:"keyframe" yaml:"keyframe"`
}

// Descriptor describes the format of a stream as negotiated by its source.
// It is attached to a stream when capture starts and reused verbatim when a
// track is registered with a container writer.
type Descriptor struct {
	Kind         Kind   `json:"kind" yaml:"kind"`
	CodecID      string `json:"codec_id" yaml:"codec_id"`
	CodecPrivate []byte `json:"-" yaml:"-"`

	// Video
	Width     int `json:"width,omitempty" yaml:"width,omitempty"`
	Height    int `json:"height,omitempty" yaml:"height,omitempty"`
	FrameRate int `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty"`

	// Audio
	SampleRate    int `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	Channels      int `json:"channels,omitempty" yaml:"channels,omitempty"`
	BitsPerSample int `json:"bits_per_sample,omitempty" yaml:"bits_per_sample,omitempty"`
}

// IsRawAudio reports whether the stream carries uncompressed PCM samples
func (d Descriptor) IsRawAudio() bool {
	return d.Kind == KindAudio && d.CodecID == CodecPCM
}

// BytesPerSecond returns the data rate of a raw audio stream, or 0 for
// anything else.
func (d Descriptor) BytesPerSecond() int {
	if !d.IsRawAudio() {
		return 0
	}
	return d.SampleRate * d.Channels * d.BitsPerSample / 8
}

// Validate checks that the descriptor carries enough information to build a
// container track.
func (d Descriptor) Validate() error {
	if d.CodecID == "" {
		return fmt.Errorf("codec id is required")
	}
	switch d.Kind {
	case KindVideo:
		if d.Width <= 0 || d.Height <= 0 {
			return fmt.Errorf("video dimensions must be > 0, got %dx%d", d.Width, d.Height)
		}
	case KindAudio:
		if d.SampleRate <= 0 {
			return fmt.Errorf("sample rate must be > 0, got %d", d.SampleRate)
		}
		if d.Channels <= 0 {
			return fmt.Errorf("channels must be > 0, got %d", d.Channels)
		}
		if d.IsRawAudio() && (d.BitsPerSample <= 0 || d.BitsPerSample%8 != 0) {
			return fmt.Errorf("bits per sample must be a multiple of 8, got %d", d.BitsPerSample)
		}
	default:
		return fmt.Errorf("unknown stream kind: %q", d.Kind)
	}
	return nil
}

// IsWebMCodec reports whether the codec may be stored in a WebM file
func IsWebMCodec(codecID string) bool {
	switch codecID {
	case CodecVP8, CodecVP9, CodecAV1, CodecOpus, "A_VORBIS":
		return true
	}
	return false
}
