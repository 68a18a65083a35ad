package play

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Player opens exported files with the first media player found on PATH
type Player struct {
	lookPath func(string) (string, error)
}

func New() *Player {
	return &Player{lookPath: exec.LookPath}
}

// Play blocks until the player exits
func (p *Player) Play(ctx context.Context, file string) error {
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("file not found: %s", file)
	}

	player, err := p.findPlayer(file)
	if err != nil {
		return fmt.Errorf("no suitable player found: %w", err)
	}

	cmd := exec.CommandContext(ctx, player, playerArgs(player, file)...)
	slog.Info("Playing", "file", file, "player", player)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	return nil
}

// candidates lists the players in order of preference. aplay only handles WAV.
func candidates(file string) []string {
	players := []string{"vlc", "mpv", "ffplay"}
	if isWAV(file) {
		players = append(players, "aplay")
	}
	return players
}

func isWAV(file string) bool {
	return strings.EqualFold(filepath.Ext(file), ".wav")
}

func (p *Player) findPlayer(file string) (string, error) {
	players := candidates(file)
	for _, player := range players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no player found (tried: %s)", strings.Join(players, ", "))
}

func playerArgs(player, file string) []string {
	switch player {
	case "vlc":
		return []string{"--play-and-exit", file}
	case "ffplay":
		args := []string{"-autoexit"}
		if isWAV(file) {
			args = append(args, "-nodisp")
		}
		return append(args, file)
	case "mpv":
		if isWAV(file) {
			return []string{"--no-video", file}
		}
	}
	return []string{file}
}
