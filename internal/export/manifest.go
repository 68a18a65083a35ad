package export

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is written next to the exported files and describes their content
type Manifest struct {
	ID        string          `yaml:"id"`
	TakenAt   time.Time       `yaml:"taken_at"`
	Window    time.Duration   `yaml:"window"`
	Container string          `yaml:"container,omitempty"`
	Tracks    []ManifestTrack `yaml:"tracks"`
}

// ManifestTrack describes one exported stream
type ManifestTrack struct {
	Name       string        `yaml:"name"`
	Kind       string        `yaml:"kind"`
	CodecID    string        `yaml:"codec_id"`
	File       string        `yaml:"file"`
	Frames     int           `yaml:"frames"`
	Bytes      int64         `yaml:"bytes"`
	Span       time.Duration `yaml:"span"`
	SampleRate int           `yaml:"sample_rate,omitempty"`
	Channels   int           `yaml:"channels,omitempty"`
	Width      int           `yaml:"width,omitempty"`
	Height     int           `yaml:"height,omitempty"`
}

// WriteManifest stores the manifest as YAML at path
func WriteManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return ioErr("write", path, err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing manifest %s: %w", path, err)
	}
	return &m, nil
}

// ContainerAudioTracks counts the audio tracks muxed into the container
func (m *Manifest) ContainerAudioTracks() int {
	n := 0
	for _, t := range m.Tracks {
		if t.Kind == "audio" && m.Container != "" && t.File == m.Container {
			n++
		}
	}
	return n
}
