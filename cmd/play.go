package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [export-id]",
	Short: "Play an export",
	Long: `Play the merged file of an export, or its video or audio file when it was
not merged. Uses VLC, mpv or ffplay, whichever is installed first. Without an
export ID the most recent export is played.`,
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

		fmt.Printf("Playing export: %s\n", exportID)
		if err := svc.Play(ctx, exportID); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}
