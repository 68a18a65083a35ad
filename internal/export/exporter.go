package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/replaycapture/internal/framestore"
)

const defaultQueueSize = 8

// Config holds the output locations of an exporter
type Config struct {
	VideoDirectory string
	AudioDirectory string
	QueueSize      int
}

// Job is one snapshot waiting to be written
type Job struct {
	ID          uuid.UUID
	Snapshot    framestore.Snapshot
	SubmittedAt time.Time
}

// Result describes a finished export. Err is nil on success.
type Result struct {
	ID           uuid.UUID
	VideoPath    string
	AudioPaths   map[string]string
	ManifestPath string
	Tracks       map[string]TrackStats
	SubmittedAt  time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	Err          error
}

// Paths returns every file produced by the export
func (r Result) Paths() []string {
	var paths []string
	if r.VideoPath != "" {
		paths = append(paths, r.VideoPath)
	}
	for _, p := range r.AudioPaths {
		paths = append(paths, p)
	}
	return paths
}

// Bytes returns the total payload size written
func (r Result) Bytes() int64 {
	var total int64
	for _, t := range r.Tracks {
		total += t.Bytes
	}
	return total
}

// Frames returns the total number of frames written
func (r Result) Frames() int {
	var total int
	for _, t := range r.Tracks {
		total += t.Frames
	}
	return total
}

// Exporter writes snapshots to disk on a single worker goroutine, one job at
// a time, and publishes a Result for every submitted job.
type Exporter struct {
	cfg Config

	jobs    chan Job
	results chan Result

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewExporter creates an exporter. Start must be called before jobs are
// processed.
func NewExporter(cfg Config) *Exporter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Exporter{
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueSize),
		results: make(chan Result, cfg.QueueSize),
	}
}

// Start launches the worker goroutine
func (e *Exporter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("exporter already started")
	}
	if e.stopped {
		return ErrExporterStopped
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.started = true

	e.wg.Add(1)
	go e.run(ctx)

	slog.Debug("Exporter started", "video_dir", e.cfg.VideoDirectory, "audio_dir", e.cfg.AudioDirectory)
	return nil
}

// Submit queues a snapshot for export and returns its id without waiting
// for any I/O.
func (e *Exporter) Submit(snap framestore.Snapshot) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return uuid.Nil, ErrExporterStopped
	}

	job := Job{ID: uuid.New(), Snapshot: snap, SubmittedAt: time.Now()}
	select {
	case e.jobs <- job:
		slog.Debug("Export queued", "export_id", job.ID, "streams", len(snap.Streams))
		return job.ID, nil
	default:
		return uuid.Nil, ErrQueueFull
	}
}

// Results delivers one Result per submitted job. The channel is closed by
// Stop once every queued job has been processed.
func (e *Exporter) Results() <-chan Result {
	return e.results
}

// Stop refuses new jobs, waits for the queued ones to be written and closes
// the results channel.
func (e *Exporter) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	close(e.jobs)
	e.mu.Unlock()

	if started {
		e.wg.Wait()
		e.cancel()
	}
	close(e.results)
}

func (e *Exporter) run(ctx context.Context) {
	defer e.wg.Done()

	for job := range e.jobs {
		result := e.Export(job)
		select {
		case e.results <- result:
		case <-ctx.Done():
			slog.Warn("Export result dropped", "export_id", result.ID, "error", result.Err)
		}
	}
}

// Export writes one job synchronously. Raw audio streams go to WAV files in
// the audio directory, every other stream is muxed into one container in the
// video directory. The files are written concurrently; if any of them fails,
// the ones already written are removed and the result lists no files.
func (e *Exporter) Export(job Job) Result {
	result := Result{
		ID:          job.ID,
		AudioPaths:  make(map[string]string),
		Tracks:      make(map[string]TrackStats),
		SubmittedAt: job.SubmittedAt,
		StartedAt:   time.Now(),
	}
	defer func() {
		result.FinishedAt = time.Now()
		if result.Err != nil {
			slog.Error("Export failed", "export_id", job.ID, "error", result.Err)
		} else {
			slog.Info("Export completed", "export_id", job.ID, "files", len(result.Paths()), "frames", result.Frames())
		}
	}()

	snap := job.Snapshot
	if snap.Empty() {
		result.Err = ErrNothingToExport
		return result
	}

	var muxed, raw []framestore.NamedSnapshot
	for _, s := range snap.Streams {
		if s.Empty() {
			continue
		}
		if s.Descriptor.IsRawAudio() {
			raw = append(raw, s)
		} else {
			muxed = append(muxed, s)
		}
	}

	var mu sync.Mutex
	var committed []string
	g, ctx := errgroup.WithContext(context.Background())

	if len(muxed) > 0 {
		path := filepath.Join(e.cfg.VideoDirectory, job.ID.String()+ContainerExtension(muxed))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats, err := WriteMatroska(path, muxed)
			if err != nil {
				return err
			}
			mu.Lock()
			committed = append(committed, path)
			result.VideoPath = path
			for name, st := range stats {
				result.Tracks[name] = st
			}
			mu.Unlock()
			return nil
		})
	}

	for _, s := range raw {
		path := e.audioPath(job.ID, s.Name, len(raw))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := WriteWAV(path, s.Descriptor, s.StreamSnapshot)
			if err != nil {
				return fmt.Errorf("stream %s: %w", s.Name, err)
			}
			mu.Lock()
			committed = append(committed, path)
			result.AudioPaths[s.Name] = path
			result.Tracks[s.Name] = TrackStats{Frames: len(s.All()), Bytes: n, Span: s.Span()}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		removeCommitted(job.ID, committed)
		result.VideoPath = ""
		result.AudioPaths = make(map[string]string)
		result.Tracks = make(map[string]TrackStats)
		result.Err = err
		return result
	}

	manifestDir := e.cfg.VideoDirectory
	if result.VideoPath == "" {
		manifestDir = e.cfg.AudioDirectory
	}
	manifestPath := filepath.Join(manifestDir, job.ID.String()+".yaml")
	if err := WriteManifest(manifestPath, e.manifest(job, result)); err != nil {
		slog.Warn("Failed to write export manifest", "export_id", job.ID, "error", err)
	} else {
		result.ManifestPath = manifestPath
	}

	return result
}

// removeCommitted deletes the files a failed export already moved into place
func removeCommitted(id uuid.UUID, paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove file of failed export", "export_id", id, "path", p, "error", err)
		}
	}
}

func (e *Exporter) audioPath(id uuid.UUID, stream string, rawStreams int) string {
	name := id.String()
	if rawStreams > 1 {
		name += "-" + stream
	}
	return filepath.Join(e.cfg.AudioDirectory, name+".wav")
}

func (e *Exporter) manifest(job Job, result Result) *Manifest {
	m := &Manifest{
		ID:      job.ID.String(),
		TakenAt: job.Snapshot.TakenAt,
		Window:  job.Snapshot.Window,
	}
	if result.VideoPath != "" {
		m.Container = filepath.Base(result.VideoPath)
	}
	for _, s := range job.Snapshot.Streams {
		st, ok := result.Tracks[s.Name]
		if !ok {
			continue
		}
		file := m.Container
		if p, ok := result.AudioPaths[s.Name]; ok {
			file = filepath.Base(p)
		}
		m.Tracks = append(m.Tracks, ManifestTrack{
			Name:       s.Name,
			Kind:       string(s.Descriptor.Kind),
			CodecID:    s.Descriptor.CodecID,
			File:       file,
			Frames:     st.Frames,
			Bytes:      st.Bytes,
			Span:       st.Span,
			SampleRate: s.Descriptor.SampleRate,
			Channels:   s.Descriptor.Channels,
			Width:      s.Descriptor.Width,
			Height:     s.Descriptor.Height,
		})
	}
	return m
}

// IsIOError reports whether err was caused by a failed file operation
func IsIOError(err error) bool {
	var ioe *IOError
	return errors.As(err, &ioe)
}
