package play

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func fakeLookPath(available ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, a := range available {
			if a == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.New("not found")
	}
}

func TestFindPlayer_Preference(t *testing.T) {
	p := &Player{lookPath: fakeLookPath("ffplay", "mpv")}

	player, err := p.findPlayer("x.webm")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if player != "mpv" {
		t.Errorf("Expected mpv, got %s", player)
	}
}

func TestFindPlayer_AplayOnlyForWAV(t *testing.T) {
	p := &Player{lookPath: fakeLookPath("aplay")}

	if player, err := p.findPlayer("x.WAV"); err != nil || player != "aplay" {
		t.Errorf("Expected aplay for WAV, got %q (%v)", player, err)
	}
	if _, err := p.findPlayer("x.mkv"); err == nil {
		t.Error("Expected no player for mkv when only aplay is installed")
	}
}

func TestPlayerArgs(t *testing.T) {
	tests := []struct {
		player string
		file   string
		want   []string
	}{
		{"vlc", "a.webm", []string{"--play-and-exit", "a.webm"}},
		{"mpv", "a.wav", []string{"--no-video", "a.wav"}},
		{"mpv", "a.webm", []string{"a.webm"}},
		{"ffplay", "a.wav", []string{"-autoexit", "-nodisp", "a.wav"}},
		{"ffplay", "a.mkv", []string{"-autoexit", "a.mkv"}},
		{"aplay", "a.wav", []string{"a.wav"}},
	}

	for _, tt := range tests {
		if got := playerArgs(tt.player, tt.file); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("playerArgs(%s, %s) = %v, expected %v", tt.player, tt.file, got, tt.want)
		}
	}
}

func TestPlay_MissingFile(t *testing.T) {
	p := New()
	err := p.Play(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	if err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestPlay_NoPlayer(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a.webm")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	p := &Player{lookPath: fakeLookPath()}
	if err := p.Play(context.Background(), file); err == nil {
		t.Error("Expected error when no player is installed")
	}
}
