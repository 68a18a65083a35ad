package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge [export-id]",
	Short: "Merge the files of an export into one Matroska file",
	Long: `Combine the video file and the WAV files of an export into a single
Matroska file with one titled audio track per stream. Streams are copied,
not re-encoded. Without an export ID the most recent export is merged.`,
	Args: cobra.MaximumNArgs(1),
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

		fmt.Printf("Merging export: %s\n", exportID)
		path, err := svc.Merge(ctx, exportID)
		if err != nil {
			return fmt.Errorf("merge failed: %w", err)
		}
		fmt.Printf("Merged into %s\n", path)

		return executePipeline(ctx, svc, exportID)
	},
}
