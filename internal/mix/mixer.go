package mix

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Input lists the files of one export
type Input struct {
	ID         string
	VideoPath  string
	AudioPaths map[string]string // stream name -> WAV path
	// ContainerAudioTracks is the number of audio tracks muxed in VideoPath
	ContainerAudioTracks int
}

// Mixer merges the video container and the WAV files of an export into a
// single Matroska file with ffmpeg
type Mixer struct {
	outputDir string
}

func New(outputDir string) *Mixer {
	return &Mixer{outputDir: outputDir}
}

// OutputPath returns where the merged file of an export is written
func (m *Mixer) OutputPath(id string) string {
	return filepath.Join(m.outputDir, id+".mkv")
}

// Merge writes the merged file and returns its path
func (m *Mixer) Merge(ctx context.Context, in Input) (string, error) {
	if in.VideoPath == "" && len(in.AudioPaths) == 0 {
		return "", fmt.Errorf("export %s has no files to merge", in.ID)
	}

	for _, path := range inputPaths(in) {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("input file not found: %s", path)
		}
	}

	if err := os.MkdirAll(m.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create merge directory: %w", err)
	}

	outputFile := m.OutputPath(in.ID)
	os.Remove(outputFile)

	args := buildArgs(in, outputFile)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	slog.Debug("Running FFmpeg for merging", "command", strings.Join(cmd.Args, " "))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("FFmpeg merging failed: %w\nOutput: %s", err, string(output))
	}

	if _, err := os.Stat(outputFile); err != nil {
		return "", fmt.Errorf("output file not created: %s", outputFile)
	}

	slog.Info("Merged export saved to", "file", outputFile)
	return outputFile, nil
}

// audioNames returns the stream names in a stable order
func audioNames(in Input) []string {
	names := make([]string, 0, len(in.AudioPaths))
	for name := range in.AudioPaths {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func inputPaths(in Input) []string {
	var paths []string
	if in.VideoPath != "" {
		paths = append(paths, in.VideoPath)
	}
	for _, name := range audioNames(in) {
		paths = append(paths, in.AudioPaths[name])
	}
	return paths
}

// buildArgs copies every track of the video container and adds one audio
// track per WAV file, titled with its stream name
func buildArgs(in Input, outputFile string) []string {
	args := []string{"-hide_banner", "-nostdin"}
	for _, path := range inputPaths(in) {
		args = append(args, "-i", path)
	}

	input := 0
	if in.VideoPath != "" {
		args = append(args, "-map", "0")
		input = 1
	}

	// Audio tracks already in the container come first
	for i, name := range audioNames(in) {
		args = append(args, "-map", fmt.Sprintf("%d:a", input+i))
		args = append(args, fmt.Sprintf("-metadata:s:a:%d", in.ContainerAudioTracks+i), fmt.Sprintf("title=%s", name))
	}

	args = append(args,
		"-c", "copy",
		"-y",
		outputFile,
	)
	return args
}
