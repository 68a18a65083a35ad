package capture

import (
	"fmt"

	"github.com/audiolibrelab/replaycapture/internal/config"
)

// NewSources builds one source per configured stream. Sources are single-use:
// a new set is needed for every capture session.
func NewSources(cfg *config.Config) ([]Source, error) {
	pcm := PCMFormat{
		SampleRate:    cfg.Audio.SampleRate,
		BitsPerSample: cfg.Audio.BitsPerSample,
		ChunkSamples:  cfg.Audio.ChunkSamples,
	}

	sources := make([]Source, 0, len(cfg.Streams))
	for _, stream := range cfg.Streams {
		src, err := newSource(stream, cfg, pcm)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", stream.Name, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func newSource(stream config.Stream, cfg *config.Config, pcm PCMFormat) (Source, error) {
	switch stream.Backend {
	case config.BackendPipeWire:
		return NewPipeWireSource(stream.Name, stream.Sources, pcm), nil

	case config.BackendScreen:
		return NewScreenSource(stream.Name, ScreenFormat{
			Display:   stream.Display,
			Width:     cfg.Video.Width,
			Height:    cfg.Video.Height,
			FrameRate: cfg.Video.FrameRate,
			Bitrate:   cfg.Video.Bitrate,
		}), nil

	case config.BackendSynthetic:
		if stream.Kind == config.KindVideo {
			return NewSyntheticVideo(stream.Name, cfg.Video.Width, cfg.Video.Height, cfg.Video.FrameRate), nil
		}
		channels := len(stream.Sources)
		if channels < 1 || channels > 2 {
			channels = 2
		}
		return NewSyntheticAudio(stream.Name, pcm, channels), nil
	}

	return nil, fmt.Errorf("unknown backend: %q", stream.Backend)
}

// StreamStatus reports the availability of each configured stream: PipeWire
// streams are checked against the JACK graph, the other backends are always
// "available".
func StreamStatus(cfg *config.Config, pw *PipeWire) map[string]string {
	var ports []string
	for _, stream := range cfg.Streams {
		if stream.Backend == config.BackendPipeWire {
			ports = append(ports, stream.Sources...)
		}
	}
	portStatus := map[string]string{}
	if len(ports) > 0 {
		portStatus = pw.PortStatus(ports)
	}

	status := make(map[string]string, len(cfg.Streams))
	for _, stream := range cfg.Streams {
		status[stream.Name] = "available"
		if stream.Backend != config.BackendPipeWire {
			continue
		}
		for _, port := range stream.Sources {
			if s := portStatus[port]; s != "available" {
				status[stream.Name] = s
				break
			}
		}
	}
	return status
}
