package config

import (
	"os"
	"strings"
	"testing"
)

func TestValidateConfigurationFormat_ValidConfig(t *testing.T) {
	validConfig := `
active_config: test

definitions:
  streams:
    - id: test_screen
      name: screen
      kind: video
      backend: screen
      display: ":1.0"

    - id: test_desktop
      name: desktop
      kind: audio
      backend: pipewire
      sources:
        - system:monitor_FL
        - system:monitor_FR

configs:
  test:
    capture:
      window_seconds: 15
    streams:
      - ref: test_screen
      - ref: test_desktop
        backend: synthetic
    output:
      video_directory: ~/Videos/Test
`

	configFile := createTempConfig(t, validConfig)

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if rootConfig.ActiveConfig != "test" {
		t.Errorf("Expected active config 'test', got: %s", rootConfig.ActiveConfig)
	}
	if len(rootConfig.Definitions.Streams) != 2 {
		t.Errorf("Expected 2 stream definitions, got: %d", len(rootConfig.Definitions.Streams))
	}
	if rootConfig.Definitions.Streams[0].Display != ":1.0" {
		t.Errorf("Expected display ':1.0', got: %s", rootConfig.Definitions.Streams[0].Display)
	}

	profile, exists := rootConfig.Configs["test"]
	if !exists {
		t.Fatal("Expected 'test' config to exist")
	}
	if len(profile.Streams) != 2 {
		t.Fatalf("Expected 2 stream references, got: %d", len(profile.Streams))
	}
	if profile.Streams[1].Backend == nil || *profile.Streams[1].Backend != BackendSynthetic {
		t.Errorf("Expected backend override 'synthetic', got: %v", profile.Streams[1].Backend)
	}
	if profile.Capture.WindowSeconds != 15 {
		t.Errorf("Expected window_seconds 15, got: %d", profile.Capture.WindowSeconds)
	}
}

func TestValidateConfigurationFormat_MissingDefinitions(t *testing.T) {
	invalidConfig := `
active_config: test
configs:
  test:
    streams:
      - ref: test_screen
`

	configFile := createTempConfig(t, invalidConfig)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for missing definitions")
	}
	if !strings.Contains(err.Error(), "definitions section is required") {
		t.Errorf("Expected definitions error, got: %v", err)
	}
}

func TestValidateConfigurationFormat_EmptyDefinitions(t *testing.T) {
	invalidConfig := `
definitions:
  streams: []
configs:
  test:
    streams: []
`

	configFile := createTempConfig(t, invalidConfig)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for empty definitions")
	}
	if !strings.Contains(err.Error(), "definitions.streams cannot be empty") {
		t.Errorf("Expected empty streams error, got: %v", err)
	}
}

func TestValidateConfigurationFormat_InvalidReference(t *testing.T) {
	invalidConfig := `
definitions:
  streams:
    - id: test_screen
      name: screen
      kind: video
      backend: screen
configs:
  test:
    streams:
      - ref: nonexistent
`

	configFile := createTempConfig(t, invalidConfig)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for invalid reference")
	}
	if !strings.Contains(err.Error(), "references undefined stream definition 'nonexistent'") {
		t.Errorf("Expected reference error, got: %v", err)
	}
}

func TestValidateConfigurationFormat_DuplicateDefinitionIDs(t *testing.T) {
	invalidConfig := `
definitions:
  streams:
    - id: dup
      name: screen
      kind: video
      backend: screen
    - id: dup
      name: other
      kind: video
      backend: synthetic
configs:
  test:
    streams:
      - ref: dup
`

	configFile := createTempConfig(t, invalidConfig)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for duplicate IDs")
	}
	if !strings.Contains(err.Error(), "duplicate ID 'dup'") {
		t.Errorf("Expected duplicate ID error, got: %v", err)
	}
}

func TestValidateConfigurationFormat_InvalidStreamDefinition(t *testing.T) {
	tests := []struct {
		name        string
		definition  string
		expectedErr string
	}{
		{
			name: "missing ID",
			definition: `
    - name: mic
      kind: audio
      backend: synthetic
`,
			expectedErr: "'id' is required",
		},
		{
			name: "missing name",
			definition: `
    - id: test_stream
      kind: audio
      backend: synthetic
`,
			expectedErr: "'name' is required",
		},
		{
			name: "missing kind",
			definition: `
    - id: test_stream
      name: mic
      backend: synthetic
`,
			expectedErr: "'kind' is required",
		},
		{
			name: "invalid kind",
			definition: `
    - id: test_stream
      name: mic
      kind: subtitles
      backend: synthetic
`,
			expectedErr: "'kind' must be 'audio' or 'video', got: subtitles",
		},
		{
			name: "screen backend for audio",
			definition: `
    - id: test_stream
      name: mic
      kind: audio
      backend: screen
`,
			expectedErr: "audio 'backend' must be 'pipewire' or 'synthetic', got: screen",
		},
		{
			name: "pipewire backend for video",
			definition: `
    - id: test_stream
      name: cam
      kind: video
      backend: pipewire
`,
			expectedErr: "video 'backend' must be 'screen' or 'synthetic', got: pipewire",
		},
		{
			name: "pipewire without sources",
			definition: `
    - id: test_stream
      name: mic
      kind: audio
      backend: pipewire
`,
			expectedErr: "pipewire stream requires 1 or 2 sources, got 0",
		},
		{
			name: "pipewire with three sources",
			definition: `
    - id: test_stream
      name: mic
      kind: audio
      backend: pipewire
      sources:
        - system:capture_1
        - system:capture_2
        - system:capture_3
`,
			expectedErr: "pipewire stream requires 1 or 2 sources, got 3",
		},
		{
			name: "disabled source",
			definition: `
    - id: test_stream
      name: mic
      kind: audio
      backend: pipewire
      sources:
        - disabled
`,
			expectedErr: "source[0] must not be empty or disabled",
		},
		{
			name: "malformed source",
			definition: `
    - id: test_stream
      name: mic
      kind: audio
      backend: pipewire
      sources:
        - "system:"
`,
			expectedErr: "source[0] must be a valid audio source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fullConfig := `
active_config: test
definitions:
  streams:` + tt.definition + `
configs:
  test:
    streams:
      - ref: test_stream
`

			configFile := createTempConfig(t, fullConfig)

			_, err := ValidateConfigurationFormat(configFile)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.expectedErr) {
				t.Errorf("Expected error containing '%s', got: %v", tt.expectedErr, err)
			}
		})
	}
}

func TestValidateConfigurationFormat_InvalidBackendOverride(t *testing.T) {
	invalidConfig := `
definitions:
  streams:
    - id: test_screen
      name: screen
      kind: video
      backend: screen
configs:
  test:
    streams:
      - ref: test_screen
        backend: pipewire
`

	configFile := createTempConfig(t, invalidConfig)

	_, err := ValidateConfigurationFormat(configFile)
	if err == nil {
		t.Fatal("Expected error for invalid backend override")
	}
	if !strings.Contains(err.Error(), "invalid config 'test'") {
		t.Errorf("Expected error naming the profile, got: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Capture: CaptureConfig{WindowSeconds: 10},
			Streams: []Stream{{Name: "screen", Kind: KindVideo, Backend: BackendSynthetic}},
			Audio:   AudioConfig{SampleRate: 44100, BitsPerSample: 16, ChunkSamples: 1024},
			Video:   VideoConfig{FrameRate: 15, Width: 1280, Height: 720},
		}
	}

	if err := validateConfig(valid()); err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}

	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectedErr string
	}{
		{"zero window", func(c *Config) { c.Capture.WindowSeconds = 0 }, "capture.window_seconds"},
		{"no streams", func(c *Config) { c.Streams = nil }, "at least one stream"},
		{"duplicate streams", func(c *Config) { c.Streams = append(c.Streams, c.Streams[0]) }, "duplicate stream name 'screen'"},
		{"zero sample rate", func(c *Config) { c.Audio.SampleRate = 0 }, "audio.sample_rate"},
		{"odd bit depth", func(c *Config) { c.Audio.BitsPerSample = 12 }, "audio.bits_per_sample"},
		{"zero chunk", func(c *Config) { c.Audio.ChunkSamples = 0 }, "audio.chunk_samples"},
		{"zero frame rate", func(c *Config) { c.Video.FrameRate = 0 }, "video.frame_rate"},
		{"odd width", func(c *Config) { c.Video.Width = 1279 }, "positive even numbers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := validateConfig(c)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.expectedErr) {
				t.Errorf("Expected error containing '%s', got: %v", tt.expectedErr, err)
			}
		})
	}
}

func TestConvertProfileToConfig_ValidProfile(t *testing.T) {
	definitions := &DefinitionsConfig{
		Streams: []StreamDefinition{
			{ID: "main_screen", Name: "screen", Kind: KindVideo, Backend: BackendScreen, Display: ":0.0"},
			{ID: "mic", Name: "mic", Kind: KindAudio, Backend: BackendPipeWire, Sources: []string{"system:capture_1"}},
		},
	}

	synthetic := BackendSynthetic
	profile := &ConfigProfile{
		Capture: CaptureConfig{WindowSeconds: 12},
		Streams: []StreamReference{
			{Ref: "main_screen"},
			{Ref: "mic", Backend: &synthetic},
		},
		AutoMerge: true,
	}

	config, err := convertProfileToConfig(profile, definitions)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(config.Streams) != 2 {
		t.Fatalf("Expected 2 streams, got: %d", len(config.Streams))
	}
	if config.Streams[0].Name != "screen" || config.Streams[0].Display != ":0.0" {
		t.Errorf("Screen stream incorrect: %+v", config.Streams[0])
	}
	if config.Streams[1].Backend != BackendSynthetic {
		t.Errorf("Expected backend override, got: %s", config.Streams[1].Backend)
	}
	if len(config.Streams[1].Sources) != 1 || config.Streams[1].Sources[0] != "system:capture_1" {
		t.Errorf("Expected sources from definition, got: %v", config.Streams[1].Sources)
	}
	if config.Capture.WindowSeconds != 12 || !config.AutoMerge {
		t.Errorf("Profile settings not carried over: %+v", config)
	}
}

func TestConvertProfileToConfig_MissingReference(t *testing.T) {
	definitions := &DefinitionsConfig{
		Streams: []StreamDefinition{{ID: "screen", Name: "screen", Kind: KindVideo, Backend: BackendScreen}},
	}
	profile := &ConfigProfile{Streams: []StreamReference{{Ref: "nonexistent"}}}

	_, err := convertProfileToConfig(profile, definitions)
	if err == nil {
		t.Fatal("Expected error for missing reference")
	}
	if !strings.Contains(err.Error(), "reference 'nonexistent' not found") {
		t.Errorf("Expected reference error, got: %v", err)
	}
}

func TestConvertProfileToConfig_EmptyRef(t *testing.T) {
	profile := &ConfigProfile{Streams: []StreamReference{{Ref: ""}}}

	_, err := convertProfileToConfig(profile, &DefinitionsConfig{})
	if err == nil {
		t.Fatal("Expected error for empty ref")
	}
	if !strings.Contains(err.Error(), "'ref' is required") {
		t.Errorf("Expected ref error, got: %v", err)
	}
}

func TestExtractDeviceAndPort(t *testing.T) {
	tests := []struct {
		source string
		device string
		port   string
	}{
		{"system:capture_1", "system", "capture_1"},
		{"alsa_output.pci:analog:monitor_FL", "alsa_output.pci:analog", "monitor_FL"},
		{"nocolon", "nocolon", ""},
	}

	for _, tt := range tests {
		device, port := ExtractDeviceAndPort(tt.source)
		if device != tt.device || port != tt.port {
			t.Errorf("ExtractDeviceAndPort(%q) = (%q, %q), expected (%q, %q)", tt.source, device, port, tt.device, tt.port)
		}
	}
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()

	tmpfile, err := os.CreateTemp(t.TempDir(), "replaycapture-test-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}

	if err := tmpfile.Close(); err != nil {
		t.Fatalf("Failed to close temp file: %v", err)
	}

	return tmpfile.Name()
}
