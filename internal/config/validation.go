package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("REPLAYCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			return nil, fmt.Errorf("invalid config '%s': profile is empty", configName)
		}
		if err := validateStreamReferences(configProfile.Streams, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return fmt.Errorf("definitions section is required")
	}

	if len(definitions.Streams) == 0 {
		return fmt.Errorf("definitions.streams cannot be empty")
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Streams {
		if def.ID == "" {
			return fmt.Errorf("definitions.streams[%d]: 'id' is required", i)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("definitions.streams[%d]: duplicate ID '%s'", i, def.ID)
		}
		seenIDs[def.ID] = true

		if err := validateStream(def.Name, def.Kind, def.Backend, def.Sources, fmt.Sprintf("definitions.streams[%d]", i)); err != nil {
			return err
		}
	}

	return nil
}

// validateStream checks one stream definition or resolved stream
func validateStream(name, kind, backend string, sources []string, prefix string) error {
	if name == "" {
		return fmt.Errorf("%s: 'name' is required", prefix)
	}

	switch kind {
	case KindAudio:
		if backend != BackendPipeWire && backend != BackendSynthetic {
			return fmt.Errorf("%s: audio 'backend' must be '%s' or '%s', got: %s", prefix, BackendPipeWire, BackendSynthetic, backend)
		}
	case KindVideo:
		if backend != BackendScreen && backend != BackendSynthetic {
			return fmt.Errorf("%s: video 'backend' must be '%s' or '%s', got: %s", prefix, BackendScreen, BackendSynthetic, backend)
		}
	case "":
		return fmt.Errorf("%s: 'kind' is required", prefix)
	default:
		return fmt.Errorf("%s: 'kind' must be '%s' or '%s', got: %s", prefix, KindAudio, KindVideo, kind)
	}

	if backend != BackendPipeWire {
		return nil
	}

	// PipeWire streams are mono or stereo
	if len(sources) == 0 || len(sources) > 2 {
		return fmt.Errorf("%s: pipewire stream requires 1 or 2 sources, got %d", prefix, len(sources))
	}
	for j, source := range sources {
		if source == "" || source == "disabled" {
			return fmt.Errorf("%s: source[%d] must not be empty or disabled", prefix, j)
		}
		if !isValidAudioSource(source) {
			return fmt.Errorf("%s: source[%d] must be a valid audio source (JACK port), got: %s", prefix, j, source)
		}
	}

	return nil
}

// validateStreamReferences validates stream references in a config profile
func validateStreamReferences(refs []StreamReference, definitions *DefinitionsConfig) error {
	for i, ref := range refs {
		prefix := fmt.Sprintf("streams[%d]", i)

		if ref.Ref == "" {
			return fmt.Errorf("%s: 'ref' is required", prefix)
		}

		def := findDefinition(definitions, ref.Ref)
		if def == nil {
			return fmt.Errorf("%s: references undefined stream definition '%s'", prefix, ref.Ref)
		}

		if ref.Backend != nil {
			if err := validateStream(def.Name, def.Kind, *ref.Backend, def.Sources, prefix); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateConfig checks a resolved configuration
func validateConfig(c *Config) error {
	if c.Capture.WindowSeconds <= 0 {
		return fmt.Errorf("capture.window_seconds: must be > 0, got %d", c.Capture.WindowSeconds)
	}

	if len(c.Streams) == 0 {
		return fmt.Errorf("streams: at least one stream is required")
	}
	seen := make(map[string]bool)
	for i, s := range c.Streams {
		if err := validateStream(s.Name, s.Kind, s.Backend, s.Sources, fmt.Sprintf("streams[%d]", i)); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("streams[%d]: duplicate stream name '%s'", i, s.Name)
		}
		seen[s.Name] = true
	}

	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate: must be > 0, got %d", c.Audio.SampleRate)
	}
	switch c.Audio.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("audio.bits_per_sample: must be 8, 16, 24 or 32, got %d", c.Audio.BitsPerSample)
	}
	if c.Audio.ChunkSamples <= 0 {
		return fmt.Errorf("audio.chunk_samples: must be > 0, got %d", c.Audio.ChunkSamples)
	}

	if c.Video.FrameRate <= 0 {
		return fmt.Errorf("video.frame_rate: must be > 0, got %d", c.Video.FrameRate)
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 || c.Video.Width%2 != 0 || c.Video.Height%2 != 0 {
		return fmt.Errorf("video: width and height must be positive even numbers, got %dx%d", c.Video.Width, c.Video.Height)
	}

	return nil
}

// isValidAudioSource checks if a source name is valid for JACK/PipeWire
func isValidAudioSource(source string) bool {
	source = strings.TrimSpace(source)

	if source == "" {
		return false
	}

	if strings.Contains(source, ":") {
		// Device names may contain colons themselves, the port is after the last one
		lastColonIndex := strings.LastIndex(source, ":")

		deviceName := strings.TrimSpace(source[:lastColonIndex])
		channelOrPort := strings.TrimSpace(source[lastColonIndex+1:])

		return len(deviceName) > 0 && len(channelOrPort) > 0
	}

	// Device name without colon (not recommended for JACK/PipeWire)
	return true
}

// ExtractDeviceAndPort splits a JACK port specification into device and port components
func ExtractDeviceAndPort(source string) (device, port string) {
	lastColonIndex := strings.LastIndex(source, ":")
	if lastColonIndex == -1 {
		return source, ""
	}
	return source[:lastColonIndex], source[lastColonIndex+1:]
}
