package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [export-id]",
	Short: "Execute pipeline steps on an export",
	Long: `Execute the specified pipeline steps on an existing export. Use -p to specify
which steps to run, e.g. 'replaycapture run <id> -p mp' merges then plays.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exportID := args[0]

		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p mp)")
		}

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		return executePipeline(context.Background(), svc, exportID)
	},
}
