package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/audiolibrelab/replaycapture/internal/capture"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available capture sources",
	Long: `List the PipeWire/JACK ports that can be used by audio streams. When a
configuration is loaded, also shows the availability of each configured stream.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pw := capture.NewPipeWire()

		fmt.Printf("Capture Sources (%s)\n", runtime.GOOS)
		fmt.Printf("=======================================\n\n")

		if err := listPipeWireSources(pw); err != nil {
			return err
		}

		// cfg is only loaded when --config was given
		if cfg != nil {
			listStreamStatus(pw)
		}
		return nil
	},
}

// listPipeWireSources lists available PipeWire/JACK ports
func listPipeWireSources(pw *capture.PipeWire) error {
	ports, err := pw.ListPorts()
	if err != nil {
		return fmt.Errorf("failed to get PipeWire sources: %w", err)
	}

	fmt.Printf("PIPEWIRE/JACK PORTS (%d found):\n", len(ports))
	for i, port := range ports {
		fmt.Printf("  %d. %s\n", i+1, port)
	}

	fmt.Printf("\nPipeWire Usage:\n")
	fmt.Printf("  - Format: \"Device: Audio (hw:X,Y):Z\" or \"Application:port\"\n")
	fmt.Printf("  - Example: \"Scarlett 2i2 USB: Audio (hw:1,0):capture_FL\"\n")
	fmt.Printf("  - Configure in definitions.streams[].sources: mono=[port], stereo=[left, right]\n\n")

	return nil
}

func listStreamStatus(pw *capture.PipeWire) {
	status := capture.StreamStatus(cfg, pw)

	fmt.Printf("CONFIGURED STREAMS (%d):\n", len(cfg.Streams))
	for _, stream := range cfg.Streams {
		detail := stream.Backend
		if len(stream.Sources) > 0 {
			detail += ": " + strings.Join(stream.Sources, ", ")
		} else if stream.Display != "" {
			detail += ": " + stream.Display
		}
		fmt.Printf("  [%s] %s (%s, %s)\n", status[stream.Name], stream.Name, stream.Kind, detail)
	}
}
