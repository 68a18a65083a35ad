package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/audiolibrelab/replaycapture/internal/service"
)

// executePipeline runs the pipeline steps on one export
func executePipeline(ctx context.Context, svc service.Service, exportID string) error {
	if pipeline == "" {
		return nil
	}

	steps := []rune(strings.ToLower(pipeline))
	for i, step := range steps {
		fmt.Printf("Pipeline: executing step %d/%d: '%c' on %s...\n", i+1, len(steps), step, exportID)

		switch step {
		case 'm':
			path, err := svc.Merge(ctx, exportID)
			if err != nil {
				return fmt.Errorf("pipeline merge failed: %w", err)
			}
			fmt.Printf("Pipeline: merged into %s\n", path)

		case 'p':
			if err := svc.Play(ctx, exportID); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
			fmt.Println("Pipeline: playback completed")

		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: m=merge, p=play)", step)
		}
	}

	return nil
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		'm': true, // merge
		'p': true, // play
	}

	steps := []rune(strings.ToLower(pipeline))
	for _, step := range steps {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: m=merge, p=play)", step)
		}
	}

	return nil
}
