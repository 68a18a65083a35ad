package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/replaycapture/internal/service"
	"github.com/audiolibrelab/replaycapture/internal/session"
)

// exportWaitTimeout bounds how long capture waits for queued exports on exit
const exportWaitTimeout = 30 * time.Second

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture into the replay buffer and flush on demand",
	Long: `Start capturing the configured streams into the replay buffer. Only the last
window (capture.window_seconds) is kept in memory.

Press Enter or send SIGUSR1 to flush the buffer to disk. Press Ctrl+C to stop;
with --flush-on-stop the remaining buffer is exported before exiting.
Pipeline steps given with -p run on every completed export.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flushOnStop, _ := cmd.Flags().GetBool("flush-on-stop")
		ctx := context.Background()

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		notifications, cancel := svc.Subscribe()
		defer cancel()

		slog.Info("Starting capture", "streams", len(cfg.Streams), "window", cfg.Window())
		if err := svc.StartCapture(ctx); err != nil {
			return fmt.Errorf("failed to start capture: %w", err)
		}

		fmt.Printf("Capturing the last %s - press Enter to flush, Ctrl+C to stop\n", cfg.Window())

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
		defer signal.Stop(sigChan)

		enter := make(chan struct{})
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				enter <- struct{}{}
			}
		}()

		pending := make(map[string]bool)
		flush := func() {
			id, err := svc.Flush(ctx)
			if err != nil {
				slog.Warn("Flush rejected", "error", err)
				return
			}
			pending[id.String()] = true
			fmt.Printf("Flushing buffer as export %s...\n", id)
		}

	loop:
		for {
			select {
			case <-enter:
				flush()
			case sig := <-sigChan:
				if sig == syscall.SIGUSR1 {
					flush()
					continue
				}
				break loop
			case n, ok := <-notifications:
				if !ok {
					return nil
				}
				delete(pending, n.ExportID)
				handleNotification(ctx, svc, n)
			}
		}

		slog.Info("Stopping capture...")
		if err := svc.StopCapture(ctx); err != nil && !errors.Is(err, session.ErrPrecondition) {
			return fmt.Errorf("failed to stop capture: %w", err)
		}
		if flushOnStop {
			flush()
		}

		return waitForExports(ctx, svc, notifications, pending)
	},
}

// waitForExports handles notifications until every queued export finished
func waitForExports(ctx context.Context, svc service.Service, notifications <-chan service.Notification, pending map[string]bool) error {
	if len(pending) == 0 {
		return nil
	}
	slog.Info("Waiting for pending exports", "count", len(pending))

	timeout := time.After(exportWaitTimeout)
	for len(pending) > 0 {
		select {
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			delete(pending, n.ExportID)
			handleNotification(ctx, svc, n)
		case <-timeout:
			return fmt.Errorf("timed out waiting for %d export(s)", len(pending))
		}
	}
	return nil
}

func handleNotification(ctx context.Context, svc service.Service, n service.Notification) {
	switch n.Type {
	case session.EventExportCompleted:
		fmt.Printf("Export %s completed\n", n.ExportID)
		if n.Export != nil {
			printExportFiles(n.Export.VideoPath, n.Export.AudioPaths, n.Export.MergedPath)
		}
		if err := executePipeline(ctx, svc, n.ExportID); err != nil {
			slog.Error("Pipeline failed", "export_id", n.ExportID, "error", err)
		}
	case session.EventExportFailed:
		fmt.Printf("Export %s failed: %s\n", n.ExportID, n.Error)
	case session.EventCaptureFailed:
		fmt.Printf("Capture of stream %s failed: %s\n", n.Stream, n.Error)
		fmt.Println("Capture stopped - press Enter to flush the remaining buffer, Ctrl+C to exit")
	}
}

func init() {
	captureCmd.Flags().Bool("flush-on-stop", false, "export the remaining buffer when capture is stopped")
}
