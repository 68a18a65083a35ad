package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/replaycapture/internal/config"
)

var infoCmd = &cobra.Command{
	Use:   "info [export-id]",
	Short: "Show resolved configuration, and the files of an export",
	Long: `Display the resolved configuration with inheritance indicators. Shows which
values are inherited from default vs profile-specific. When an export ID is
given, also shows the catalog entry and files of that export.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			svc, err := newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			e, err := svc.GetExport(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get export %s: %w", args[0], err)
			}
			fmt.Printf("=== EXPORT ===\n")
			printEntry(e)
			fmt.Println()
		}

		fmt.Printf("=== RESOLVED CONFIGURATION ===\n")

		// The default profile has nothing to inherit from
		inh := cfg.Inheritance
		if inh == nil {
			inh = &config.InheritanceInfo{}
		}

		fmt.Printf("\n[Capture]\n")
		fmt.Printf("window_seconds: %d %s\n", cfg.Capture.WindowSeconds, getInheritanceIndicator(inh.Capture.WindowSeconds))

		fmt.Printf("\n[Streams]\n")
		for i, stream := range cfg.Streams {
			fmt.Printf("%d. name: %s\n", i, stream.Name)
			fmt.Printf("   kind: %s\n", stream.Kind)
			fmt.Printf("   backend: %s\n", stream.Backend)
			if len(stream.Sources) > 0 {
				fmt.Printf("   sources: %s\n", strings.Join(stream.Sources, ", "))
			}
			if stream.Display != "" {
				fmt.Printf("   display: %s\n", stream.Display)
			}
		}

		fmt.Printf("\n[Audio]\n")
		fmt.Printf("sample_rate: %d %s\n", cfg.Audio.SampleRate, getInheritanceIndicator(inh.Audio.SampleRate))
		fmt.Printf("bits_per_sample: %d %s\n", cfg.Audio.BitsPerSample, getInheritanceIndicator(inh.Audio.BitsPerSample))
		fmt.Printf("chunk_samples: %d %s\n", cfg.Audio.ChunkSamples, getInheritanceIndicator(inh.Audio.ChunkSamples))

		fmt.Printf("\n[Video]\n")
		fmt.Printf("frame_rate: %d %s\n", cfg.Video.FrameRate, getInheritanceIndicator(inh.Video.FrameRate))
		fmt.Printf("size: %dx%d %s\n", cfg.Video.Width, cfg.Video.Height, getInheritanceIndicator(inh.Video.Size))
		fmt.Printf("bitrate: %s %s\n", cfg.Video.Bitrate, getInheritanceIndicator(inh.Video.Bitrate))

		fmt.Printf("\n[Output]\n")
		fmt.Printf("video_directory: %s %s\n", cfg.Output.VideoDirectory, getInheritanceIndicator(inh.Output.VideoDirectory))
		fmt.Printf("audio_directory: %s %s\n", cfg.Output.AudioDirectory, getInheritanceIndicator(inh.Output.AudioDirectory))
		fmt.Printf("merged_directory: %s %s\n", cfg.Output.MergedDirectory, getInheritanceIndicator(inh.Output.MergedDirectory))
		fmt.Printf("auto_merge: %t\n", cfg.AutoMerge)

		fmt.Printf("\n[Catalog]\n")
		fmt.Printf("path: %s\n", cfg.Catalog.Path)

		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "":
		return ""
	default:
		return "[unknown]"
	}
}
