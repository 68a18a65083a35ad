package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Stream kinds
const (
	KindVideo = "video"
	KindAudio = "audio"
)

// Capture backends
const (
	BackendPipeWire  = "pipewire"
	BackendScreen    = "screen"
	BackendSynthetic = "synthetic"
)

type DefinitionsConfig struct {
	Streams []StreamDefinition `mapstructure:"streams" yaml:"streams"`
}

type StreamDefinition struct {
	ID      string   `mapstructure:"id" yaml:"id"`
	Name    string   `mapstructure:"name" yaml:"name"`
	Kind    string   `mapstructure:"kind" yaml:"kind"`
	Backend string   `mapstructure:"backend" yaml:"backend"`
	Sources []string `mapstructure:"sources" yaml:"sources,omitempty"` // JACK ports: mono=[source], stereo=[left,right]
	Display string   `mapstructure:"display" yaml:"display,omitempty"` // X11 display for screen capture
}

type StreamReference struct {
	Ref     string  `mapstructure:"ref" yaml:"ref"`
	Backend *string `mapstructure:"backend,omitempty" yaml:"backend,omitempty"`
}

type GlobalsConfig struct {
	Output OutputConfig `mapstructure:"output" yaml:"output"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Catalog      *CatalogConfig            `mapstructure:"catalog,omitempty" yaml:"catalog,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Capture   CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Streams   []Stream      `mapstructure:"streams" yaml:"streams"`
	Audio     AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Video     VideoConfig   `mapstructure:"video" yaml:"video"`
	Output    OutputConfig  `mapstructure:"output" yaml:"output"`
	Catalog   CatalogConfig `mapstructure:"catalog" yaml:"catalog"`
	AutoMerge bool          `mapstructure:"auto_merge" yaml:"auto_merge"`

	// Internal field to track inheritance information for info command
	Inheritance *InheritanceInfo `mapstructure:"-" yaml:"-"`
}

type ConfigProfile struct {
	Capture   CaptureConfig     `mapstructure:"capture" yaml:"capture"`
	Streams   []StreamReference `mapstructure:"streams" yaml:"streams"`
	Audio     AudioConfig       `mapstructure:"audio" yaml:"audio"`
	Video     VideoConfig       `mapstructure:"video" yaml:"video"`
	Output    OutputConfig      `mapstructure:"output" yaml:"output"`
	AutoMerge bool              `mapstructure:"auto_merge" yaml:"auto_merge"`
}

type InheritanceInfo struct {
	Capture struct {
		WindowSeconds string // "inherited" or "profile-specific"
	}
	Audio struct {
		SampleRate    string
		BitsPerSample string
		ChunkSamples  string
	}
	Video struct {
		FrameRate string
		Size      string
		Bitrate   string
	}
	Output struct {
		VideoDirectory  string
		AudioDirectory  string
		MergedDirectory string
	}
}

type CaptureConfig struct {
	WindowSeconds int `mapstructure:"window_seconds" yaml:"window_seconds"`
}

type Stream struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Kind    string   `mapstructure:"kind" yaml:"kind"`
	Backend string   `mapstructure:"backend" yaml:"backend"`
	Sources []string `mapstructure:"sources" yaml:"sources,omitempty"`
	Display string   `mapstructure:"display" yaml:"display,omitempty"`
}

type AudioConfig struct {
	SampleRate    int `mapstructure:"sample_rate" yaml:"sample_rate"`
	BitsPerSample int `mapstructure:"bits_per_sample" yaml:"bits_per_sample"`
	ChunkSamples  int `mapstructure:"chunk_samples" yaml:"chunk_samples"` // samples per captured frame
}

type VideoConfig struct {
	FrameRate int    `mapstructure:"frame_rate" yaml:"frame_rate"`
	Width     int    `mapstructure:"width" yaml:"width"`
	Height    int    `mapstructure:"height" yaml:"height"`
	Bitrate   string `mapstructure:"bitrate" yaml:"bitrate"`
}

type OutputConfig struct {
	VideoDirectory  string `mapstructure:"video_directory" yaml:"video_directory"`
	AudioDirectory  string `mapstructure:"audio_directory" yaml:"audio_directory"`
	MergedDirectory string `mapstructure:"merged_directory" yaml:"merged_directory"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

var defaultConfig = Config{
	Capture: CaptureConfig{
		WindowSeconds: 30,
	},
	Audio: AudioConfig{
		SampleRate:    44100,
		BitsPerSample: 16,
		ChunkSamples:  1024,
	},
	Video: VideoConfig{
		FrameRate: 15,
		Width:     1280,
		Height:    720,
		Bitrate:   "2M",
	},
	Output: OutputConfig{
		VideoDirectory:  filepath.Join(os.Getenv("HOME"), "Videos", "ReplayCapture"),
		AudioDirectory:  filepath.Join(os.Getenv("HOME"), "Music", "ReplayCapture"),
		MergedDirectory: filepath.Join(os.Getenv("HOME"), "Videos", "ReplayCapture", "Merged"),
	},
	Catalog: CatalogConfig{
		Path: filepath.Join(os.Getenv("HOME"), ".local", "share", "replaycapture", "exports.db"),
	},
}

// Window returns the retention window of the capture buffer
func (c *Config) Window() time.Duration {
	return time.Duration(c.Capture.WindowSeconds) * time.Second
}

// StreamByName returns the named stream of the resolved configuration
func (c *Config) StreamByName(name string) (Stream, bool) {
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return Stream{}, false
}

func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	// Validate configuration format first
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default config if it exists and we're not already using default
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			base, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(base, selectedConfig)
		}
	}

	// Global directories take priority over profile-specific ones
	if rootConfig.Globals != nil {
		if rootConfig.Globals.Output.VideoDirectory != "" {
			selectedConfig.Output.VideoDirectory = rootConfig.Globals.Output.VideoDirectory
		}
		if rootConfig.Globals.Output.AudioDirectory != "" {
			selectedConfig.Output.AudioDirectory = rootConfig.Globals.Output.AudioDirectory
		}
		if rootConfig.Globals.Output.MergedDirectory != "" {
			selectedConfig.Output.MergedDirectory = rootConfig.Globals.Output.MergedDirectory
		}
	}
	if rootConfig.Catalog != nil && rootConfig.Catalog.Path != "" {
		selectedConfig.Catalog.Path = rootConfig.Catalog.Path
	}

	applyDefaults(selectedConfig)

	selectedConfig.Output.VideoDirectory = expandPath(selectedConfig.Output.VideoDirectory)
	selectedConfig.Output.AudioDirectory = expandPath(selectedConfig.Output.AudioDirectory)
	selectedConfig.Output.MergedDirectory = expandPath(selectedConfig.Output.MergedDirectory)
	selectedConfig.Catalog.Path = expandPath(selectedConfig.Catalog.Path)

	if err := validateConfig(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	if _, ok := v.GetStringMap("configs")[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// ListProfiles returns the sorted profile names and the active one
func ListProfiles(configFile string) ([]string, string, error) {
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}

	names := make([]string, 0, len(rootConfig.Configs))
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	sort.Strings(names)

	active := rootConfig.ActiveConfig
	if active == "" {
		active = "default"
	}
	return names, active, nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving stream references
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Capture:   profile.Capture,
		Audio:     profile.Audio,
		Video:     profile.Video,
		Output:    profile.Output,
		AutoMerge: profile.AutoMerge,
	}

	for i, ref := range profile.Streams {
		if ref.Ref == "" {
			return nil, fmt.Errorf("streams[%d]: 'ref' is required", i)
		}

		definition := findDefinition(definitions, ref.Ref)
		if definition == nil {
			return nil, fmt.Errorf("streams[%d]: reference '%s' not found in definitions", i, ref.Ref)
		}

		stream := Stream{
			Name:    definition.Name,
			Kind:    definition.Kind,
			Backend: definition.Backend,
			Sources: definition.Sources,
			Display: definition.Display,
		}
		if ref.Backend != nil {
			stream.Backend = *ref.Backend
		}

		config.Streams = append(config.Streams, stream)
	}

	return config, nil
}

func findDefinition(definitions *DefinitionsConfig, id string) *StreamDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Streams {
		if definitions.Streams[i].ID == id {
			return &definitions.Streams[i]
		}
	}
	return nil
}

// mergeConfigs implements the "Selection & Fallback" inheritance model:
// - Streams: only the streams listed by the profile are captured
// - Everything else: profile value, or the default profile's value when unset
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{}}
	inh := result.Inheritance

	if base != nil {
		result.Capture = base.Capture
		result.Audio = base.Audio
		result.Video = base.Video
		result.Output = base.Output

		inh.Capture.WindowSeconds = "inherited"
		inh.Audio.SampleRate = "inherited"
		inh.Audio.BitsPerSample = "inherited"
		inh.Audio.ChunkSamples = "inherited"
		inh.Video.FrameRate = "inherited"
		inh.Video.Size = "inherited"
		inh.Video.Bitrate = "inherited"
		inh.Output.VideoDirectory = "inherited"
		inh.Output.AudioDirectory = "inherited"
		inh.Output.MergedDirectory = "inherited"
	}

	if profile == nil {
		return result
	}

	if profile.Capture.WindowSeconds != 0 {
		result.Capture.WindowSeconds = profile.Capture.WindowSeconds
		inh.Capture.WindowSeconds = "profile-specific"
	}

	if profile.Audio.SampleRate != 0 {
		result.Audio.SampleRate = profile.Audio.SampleRate
		inh.Audio.SampleRate = "profile-specific"
	}
	if profile.Audio.BitsPerSample != 0 {
		result.Audio.BitsPerSample = profile.Audio.BitsPerSample
		inh.Audio.BitsPerSample = "profile-specific"
	}
	if profile.Audio.ChunkSamples != 0 {
		result.Audio.ChunkSamples = profile.Audio.ChunkSamples
		inh.Audio.ChunkSamples = "profile-specific"
	}

	if profile.Video.FrameRate != 0 {
		result.Video.FrameRate = profile.Video.FrameRate
		inh.Video.FrameRate = "profile-specific"
	}
	if profile.Video.Width != 0 && profile.Video.Height != 0 {
		result.Video.Width = profile.Video.Width
		result.Video.Height = profile.Video.Height
		inh.Video.Size = "profile-specific"
	}
	if profile.Video.Bitrate != "" {
		result.Video.Bitrate = profile.Video.Bitrate
		inh.Video.Bitrate = "profile-specific"
	}

	if profile.Output.VideoDirectory != "" {
		result.Output.VideoDirectory = profile.Output.VideoDirectory
		inh.Output.VideoDirectory = "profile-specific"
	}
	if profile.Output.AudioDirectory != "" {
		result.Output.AudioDirectory = profile.Output.AudioDirectory
		inh.Output.AudioDirectory = "profile-specific"
	}
	if profile.Output.MergedDirectory != "" {
		result.Output.MergedDirectory = profile.Output.MergedDirectory
		inh.Output.MergedDirectory = "profile-specific"
	}

	// AutoMerge: profile value always takes precedence if the profile is loaded
	result.AutoMerge = profile.AutoMerge
	result.Catalog = profile.Catalog

	// STREAMS: Selection model, only the streams the profile lists
	result.Streams = make([]Stream, len(profile.Streams))
	copy(result.Streams, profile.Streams)

	return result
}

// applyDefaults fills every unset field from the built-in defaults
func applyDefaults(c *Config) {
	if c.Capture.WindowSeconds == 0 {
		c.Capture.WindowSeconds = defaultConfig.Capture.WindowSeconds
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = defaultConfig.Audio.SampleRate
	}
	if c.Audio.BitsPerSample == 0 {
		c.Audio.BitsPerSample = defaultConfig.Audio.BitsPerSample
	}
	if c.Audio.ChunkSamples == 0 {
		c.Audio.ChunkSamples = defaultConfig.Audio.ChunkSamples
	}
	if c.Video.FrameRate == 0 {
		c.Video.FrameRate = defaultConfig.Video.FrameRate
	}
	if c.Video.Width == 0 || c.Video.Height == 0 {
		c.Video.Width = defaultConfig.Video.Width
		c.Video.Height = defaultConfig.Video.Height
	}
	if c.Video.Bitrate == "" {
		c.Video.Bitrate = defaultConfig.Video.Bitrate
	}
	if c.Output.VideoDirectory == "" {
		c.Output.VideoDirectory = defaultConfig.Output.VideoDirectory
	}
	if c.Output.AudioDirectory == "" {
		c.Output.AudioDirectory = defaultConfig.Output.AudioDirectory
	}
	if c.Output.MergedDirectory == "" {
		c.Output.MergedDirectory = defaultConfig.Output.MergedDirectory
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = defaultConfig.Catalog.Path
	}
	for i := range c.Streams {
		if c.Streams[i].Kind == KindVideo && c.Streams[i].Backend == BackendScreen && c.Streams[i].Display == "" {
			c.Streams[i].Display = ":0.0"
		}
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
