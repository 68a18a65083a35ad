package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/replaycapture/internal/catalog"
	"github.com/audiolibrelab/replaycapture/internal/service"
)

var exportsCmd = &cobra.Command{
	Use:   "exports",
	Short: "List recorded exports",
	Long:  `List the exports recorded in the catalog, most recent first.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		exports, err := svc.ListExports(context.Background(), limit)
		if err != nil {
			return fmt.Errorf("failed to list exports: %w", err)
		}
		if len(exports) == 0 {
			fmt.Println("No exports recorded yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tFINISHED\tFRAMES\tSIZE\tMERGED")
		for _, e := range exports {
			merged := "-"
			if e.MergedPath != "" {
				merged = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				e.ID, e.Status, e.FinishedAt.Local().Format("2006-01-02 15:04:05"), e.Frames, formatSize(e.Bytes), merged)
		}
		return w.Flush()
	},
}

var exportsAnalyzeCmd = &cobra.Command{
	Use:   "analyze [export-id]",
	Short: "Show the tracks of an export using ffprobe",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx := context.Background()
		exportID, err := resolveExportID(ctx, svc, args)
		if err != nil {
			return err
		}

		analysis, err := svc.AnalyzeExport(ctx, exportID)
		if err != nil {
			return err
		}

		fmt.Printf("%s (%d tracks)\n", analysis.File, analysis.TrackCount)
		for _, t := range analysis.Tracks {
			switch t.CodecType {
			case "video":
				fmt.Printf("  %d. %s [%s %dx%d]\n", t.Index, t.Title, t.CodecName, t.Width, t.Height)
			default:
				fmt.Printf("  %d. %s [%s, %d ch]\n", t.Index, t.Title, t.CodecName, t.Channels)
			}
		}
		return nil
	},
}

// resolveExportID returns the export named in args, or the most recent one
func resolveExportID(ctx context.Context, svc service.Service, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	exports, err := svc.ListExports(ctx, 1)
	if err != nil {
		return "", fmt.Errorf("failed to list exports: %w", err)
	}
	if len(exports) == 0 {
		return "", fmt.Errorf("no exports recorded yet")
	}
	return exports[0].ID, nil
}

func printExportFiles(videoPath string, audioPaths map[string]string, mergedPath string) {
	if videoPath != "" {
		fmt.Printf("  video:  %s\n", videoPath)
	}
	names := make([]string, 0, len(audioPaths))
	for name := range audioPaths {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  audio:  %s (%s)\n", audioPaths[name], name)
	}
	if mergedPath != "" {
		fmt.Printf("  merged: %s\n", mergedPath)
	}
}

func printEntry(e *catalog.Entry) {
	fmt.Printf("id: %s\n", e.ID)
	fmt.Printf("status: %s\n", e.Status)
	if e.Error != "" {
		fmt.Printf("error: %s\n", e.Error)
	}
	fmt.Printf("submitted: %s\n", e.SubmittedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("finished: %s\n", e.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("frames: %d (%s)\n", e.Frames, formatSize(e.Bytes))
	printExportFiles(e.VideoPath, e.AudioPaths, e.MergedPath)
	if e.ManifestPath != "" {
		fmt.Printf("  manifest: %s\n", e.ManifestPath)
	}
}

// formatSize formats bytes in human readable format
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func init() {
	exportsCmd.Flags().IntP("limit", "n", 20, "maximum number of exports to list (0 for all)")
	exportsCmd.AddCommand(exportsAnalyzeCmd)
}
