package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMergeConfigs_SelectionAndFallback(t *testing.T) {
	base := &Config{
		Capture: CaptureConfig{WindowSeconds: 30},
		Audio:   AudioConfig{SampleRate: 48000, BitsPerSample: 16, ChunkSamples: 1024},
		Video:   VideoConfig{FrameRate: 30, Width: 1920, Height: 1080, Bitrate: "4M"},
		Streams: []Stream{
			{Name: "screen", Kind: KindVideo, Backend: BackendScreen, Display: ":0.0"},
			{Name: "mic", Kind: KindAudio, Backend: BackendPipeWire, Sources: []string{"system:capture_1"}},
			{Name: "desktop", Kind: KindAudio, Backend: BackendPipeWire, Sources: []string{"system:monitor_FL", "system:monitor_FR"}},
		},
		Output: OutputConfig{
			VideoDirectory: "~/Videos/Default",
			AudioDirectory: "~/Music/Default",
		},
	}

	profile := &Config{
		Capture: CaptureConfig{WindowSeconds: 10},
		Video:   VideoConfig{Width: 640, Height: 360},
		Streams: []Stream{
			{Name: "mic", Kind: KindAudio, Backend: BackendSynthetic},
		},
		Output:    OutputConfig{AudioDirectory: "~/Music/Short"},
		AutoMerge: true,
	}

	result := mergeConfigs(base, profile)

	// Only the streams listed in the profile are captured
	if len(result.Streams) != 1 {
		t.Fatalf("Expected 1 stream, got %d", len(result.Streams))
	}
	if result.Streams[0].Name != "mic" || result.Streams[0].Backend != BackendSynthetic {
		t.Errorf("Mic stream incorrect: got %+v", result.Streams[0])
	}

	if result.Capture.WindowSeconds != 10 {
		t.Errorf("Expected window 10s, got %d", result.Capture.WindowSeconds)
	}
	if result.Audio.SampleRate != 48000 {
		t.Errorf("Expected inherited sample rate 48000, got %d", result.Audio.SampleRate)
	}
	if result.Video.Width != 640 || result.Video.Height != 360 {
		t.Errorf("Expected video size 640x360, got %dx%d", result.Video.Width, result.Video.Height)
	}
	if result.Video.FrameRate != 30 || result.Video.Bitrate != "4M" {
		t.Errorf("Expected inherited frame rate and bitrate, got %d %s", result.Video.FrameRate, result.Video.Bitrate)
	}
	if result.Output.VideoDirectory != "~/Videos/Default" {
		t.Errorf("Expected inherited video directory, got %s", result.Output.VideoDirectory)
	}
	if result.Output.AudioDirectory != "~/Music/Short" {
		t.Errorf("Expected profile audio directory, got %s", result.Output.AudioDirectory)
	}
	if !result.AutoMerge {
		t.Error("Expected auto_merge from profile")
	}

	if result.Inheritance == nil {
		t.Fatal("Inheritance tracking not initialized")
	}
	if result.Inheritance.Capture.WindowSeconds != "profile-specific" {
		t.Errorf("Expected window to be profile-specific, got %s", result.Inheritance.Capture.WindowSeconds)
	}
	if result.Inheritance.Audio.SampleRate != "inherited" {
		t.Errorf("Expected sample rate to be inherited, got %s", result.Inheritance.Audio.SampleRate)
	}
	if result.Inheritance.Video.Size != "profile-specific" {
		t.Errorf("Expected video size to be profile-specific, got %s", result.Inheritance.Video.Size)
	}
	if result.Inheritance.Output.VideoDirectory != "inherited" {
		t.Errorf("Expected video directory to be inherited, got %s", result.Inheritance.Output.VideoDirectory)
	}
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := &Config{
		Capture: CaptureConfig{WindowSeconds: 30},
		Streams: []Stream{{Name: "screen", Kind: KindVideo, Backend: BackendScreen}},
	}

	result := mergeConfigs(base, &Config{})

	if len(result.Streams) != 0 {
		t.Errorf("Expected no streams for an empty profile, got %d", len(result.Streams))
	}
	if result.Capture.WindowSeconds != 30 {
		t.Errorf("Expected inherited window 30, got %d", result.Capture.WindowSeconds)
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Videos/ReplayCapture", filepath.Join(homeDir, "Videos", "ReplayCapture")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"}, // Should not expand bare tilde
	}

	for _, test := range tests {
		result := expandPath(test.input)
		if result != test.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", test.input, result, test.expected)
		}
	}
}

const testConfig = `
active_config: default

globals:
  output:
    video_directory: /tmp/replay/video

catalog:
  path: /tmp/replay/exports.db

definitions:
  streams:
    - id: screen
      name: screen
      kind: video
      backend: screen
    - id: mic
      name: mic
      kind: audio
      backend: pipewire
      sources:
        - system:capture_1
    - id: desktop
      name: desktop
      kind: audio
      backend: pipewire
      sources:
        - system:monitor_FL
        - system:monitor_FR

configs:
  default:
    capture:
      window_seconds: 20
    streams:
      - ref: screen
      - ref: mic
    audio:
      sample_rate: 48000
    output:
      video_directory: /tmp/ignored
      audio_directory: /tmp/replay/audio
  demo:
    capture:
      window_seconds: 5
    streams:
      - ref: screen
        backend: synthetic
      - ref: desktop
        backend: synthetic
    auto_merge: true
`

func TestLoadWithProfile_Default(t *testing.T) {
	configFile := createTempConfig(t, testConfig)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Window() != 20*time.Second {
		t.Errorf("Expected window 20s, got %s", cfg.Window())
	}
	if len(cfg.Streams) != 2 {
		t.Fatalf("Expected 2 streams, got %d", len(cfg.Streams))
	}
	if cfg.Streams[0].Display != ":0.0" {
		t.Errorf("Expected default display :0.0, got %q", cfg.Streams[0].Display)
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("Expected sample rate 48000, got %d", cfg.Audio.SampleRate)
	}
	// Unset values fall back to built-in defaults
	if cfg.Audio.BitsPerSample != 16 || cfg.Audio.ChunkSamples != 1024 {
		t.Errorf("Expected default audio format, got %+v", cfg.Audio)
	}
	if cfg.Video.FrameRate != 15 {
		t.Errorf("Expected default frame rate 15, got %d", cfg.Video.FrameRate)
	}
	// Global directories take priority
	if cfg.Output.VideoDirectory != "/tmp/replay/video" {
		t.Errorf("Expected global video directory, got %s", cfg.Output.VideoDirectory)
	}
	if cfg.Output.AudioDirectory != "/tmp/replay/audio" {
		t.Errorf("Expected profile audio directory, got %s", cfg.Output.AudioDirectory)
	}
	if cfg.Catalog.Path != "/tmp/replay/exports.db" {
		t.Errorf("Expected catalog path from file, got %s", cfg.Catalog.Path)
	}
}

func TestLoadWithProfile_Named(t *testing.T) {
	configFile := createTempConfig(t, testConfig)

	cfg, err := LoadWithProfile(configFile, "demo")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Window() != 5*time.Second {
		t.Errorf("Expected window 5s, got %s", cfg.Window())
	}
	desktop, ok := cfg.StreamByName("desktop")
	if !ok {
		t.Fatal("Expected desktop stream")
	}
	if desktop.Backend != BackendSynthetic {
		t.Errorf("Expected backend override, got %s", desktop.Backend)
	}
	if _, ok := cfg.StreamByName("mic"); ok {
		t.Error("Expected mic stream to be excluded from demo profile")
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("Expected sample rate inherited from default, got %d", cfg.Audio.SampleRate)
	}
	if !cfg.AutoMerge {
		t.Error("Expected auto_merge enabled")
	}
	if cfg.Inheritance == nil || cfg.Inheritance.Audio.SampleRate != "inherited" {
		t.Errorf("Expected inheritance info, got %+v", cfg.Inheritance)
	}
}

func TestLoadWithProfile_Errors(t *testing.T) {
	configFile := createTempConfig(t, testConfig)

	if _, err := LoadWithProfile("", ""); err == nil {
		t.Error("Expected error for empty config file")
	}
	if _, err := LoadWithProfile(configFile, "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Expected profile not found error, got %v", err)
	}
}

func TestLoadWithProfile_InvalidWindow(t *testing.T) {
	content := strings.Replace(testConfig, "window_seconds: 20", "window_seconds: -1", 1)
	configFile := createTempConfig(t, content)

	_, err := LoadWithProfile(configFile, "")
	if err == nil {
		t.Fatal("Expected error for negative window")
	}
	if !strings.Contains(err.Error(), "capture.window_seconds") {
		t.Errorf("Expected error naming the window field, got: %v", err)
	}
}

func TestUpdateActiveConfig(t *testing.T) {
	configFile := createTempConfig(t, testConfig)

	if err := UpdateActiveConfig(configFile, "demo"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	profiles, active, err := ListProfiles(configFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if active != "demo" {
		t.Errorf("Expected active profile demo, got %s", active)
	}
	if len(profiles) != 2 || profiles[0] != "default" || profiles[1] != "demo" {
		t.Errorf("Unexpected profiles: %v", profiles)
	}

	if err := UpdateActiveConfig(configFile, "missing"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}
