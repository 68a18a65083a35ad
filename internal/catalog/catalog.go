// Package catalog keeps a SQLite record of every export, successful or not,
// so that past replays can be listed, merged and played back by ID.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/audiolibrelab/replaycapture/internal/export"
)

// ErrNotFound is returned when an export ID is not in the catalog
var ErrNotFound = errors.New("export not found")

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS exports (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	submitted_at  INTEGER NOT NULL,
	finished_at   INTEGER NOT NULL,
	video_path    TEXT NOT NULL DEFAULT '',
	audio_paths   TEXT NOT NULL DEFAULT '{}',
	manifest_path TEXT NOT NULL DEFAULT '',
	merged_path   TEXT NOT NULL DEFAULT '',
	frames        INTEGER NOT NULL DEFAULT 0,
	bytes         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_exports_finished ON exports(finished_at);
`

// Entry is one catalogued export
type Entry struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Error        string            `json:"error,omitempty"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	VideoPath    string            `json:"video_path,omitempty"`
	AudioPaths   map[string]string `json:"audio_paths,omitempty"`
	ManifestPath string            `json:"manifest_path,omitempty"`
	MergedPath   string            `json:"merged_path,omitempty"`
	Frames       int               `json:"frames"`
	Bytes        int64             `json:"bytes"`
}

// Catalog is a handle on the export database
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog database at path
func Open(path string) (*Catalog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	// Pragmas are per connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}

	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Record stores the outcome of an export
func (c *Catalog) Record(ctx context.Context, r export.Result) error {
	status, errText := StatusCompleted, ""
	if r.Err != nil {
		status, errText = StatusFailed, r.Err.Error()
	}

	audio := r.AudioPaths
	if audio == nil {
		audio = map[string]string{}
	}
	audioJSON, err := json.Marshal(audio)
	if err != nil {
		return fmt.Errorf("failed to encode audio paths: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO exports (id, status, error, submitted_at, finished_at, video_path, audio_paths, manifest_path, frames, bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			finished_at = excluded.finished_at,
			video_path = excluded.video_path,
			audio_paths = excluded.audio_paths,
			manifest_path = excluded.manifest_path,
			frames = excluded.frames,
			bytes = excluded.bytes`,
		r.ID.String(), status, errText,
		r.SubmittedAt.UnixMilli(), r.FinishedAt.UnixMilli(),
		r.VideoPath, string(audioJSON), r.ManifestPath,
		r.Frames(), r.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("failed to record export %s: %w", r.ID, err)
	}
	return nil
}

// SetMerged stores the path of the merged file of an export
func (c *Catalog) SetMerged(ctx context.Context, id, path string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE exports SET merged_path = ? WHERE id = ?`, path, id)
	if err != nil {
		return fmt.Errorf("failed to update export %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectColumns = `id, status, error, submitted_at, finished_at, video_path, audio_paths, manifest_path, merged_path, frames, bytes`

// Get returns a single export by ID
func (c *Catalog) Get(ctx context.Context, id string) (Entry, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM exports WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

// List returns the most recent exports first. limit <= 0 returns all.
func (c *Catalog) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := c.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM exports ORDER BY finished_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list exports: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                   Entry
		submitted, finished int64
		audioJSON           string
	)
	if err := s.Scan(&e.ID, &e.Status, &e.Error, &submitted, &finished,
		&e.VideoPath, &audioJSON, &e.ManifestPath, &e.MergedPath, &e.Frames, &e.Bytes); err != nil {
		return Entry{}, err
	}
	e.SubmittedAt = time.UnixMilli(submitted)
	e.FinishedAt = time.UnixMilli(finished)
	if err := json.Unmarshal([]byte(audioJSON), &e.AudioPaths); err != nil {
		return Entry{}, fmt.Errorf("failed to decode audio paths of %s: %w", e.ID, err)
	}
	return e, nil
}
