package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/replaycapture/internal/capture"
	"github.com/audiolibrelab/replaycapture/internal/catalog"
	"github.com/audiolibrelab/replaycapture/internal/config"
	"github.com/audiolibrelab/replaycapture/internal/export"
	"github.com/audiolibrelab/replaycapture/internal/framestore"
	"github.com/audiolibrelab/replaycapture/internal/mix"
	"github.com/audiolibrelab/replaycapture/internal/play"
	"github.com/audiolibrelab/replaycapture/internal/session"
)

// ErrCapturing is returned when an operation requires capture to be stopped
var ErrCapturing = errors.New("operation not allowed while capturing")

// Service represents the core ReplayCapture service interface
type Service interface {
	// Capture operations
	StartCapture(ctx context.Context) error
	StopCapture(ctx context.Context) error
	Flush(ctx context.Context) (uuid.UUID, error)
	GetState(ctx context.Context) (session.State, error)
	GetStats(ctx context.Context) (*CaptureStats, error)

	// Export operations
	ListExports(ctx context.Context, limit int) ([]catalog.Entry, error)
	GetExport(ctx context.Context, id string) (*catalog.Entry, error)
	Merge(ctx context.Context, id string) (string, error)
	Play(ctx context.Context, id string) error
	AnalyzeExport(ctx context.Context, id string) (*ExportAnalysis, error)

	// Configuration operations
	LoadProfile(ctx context.Context, profile string) error
	GetConfig() *config.Config

	// Information operations
	GetStreamStatus() map[string]string
	GetLastError() string

	// Subscribe returns a channel of notifications and a function that
	// cancels the subscription
	Subscribe() (<-chan Notification, func())

	Close() error
}

// CaptureStats is the live buffer summary reported to clients
type CaptureStats struct {
	State   session.State          `json:"state"`
	Window  time.Duration          `json:"window"`
	Streams map[string]StreamStats `json:"streams"`
	Dropped uint64                 `json:"dropped"`
}

// StreamStats summarizes one buffered stream
type StreamStats struct {
	Frames     int           `json:"frames"`
	Bytes      int64         `json:"bytes"`
	BytesHuman string        `json:"bytes_human"`
	Buffered   time.Duration `json:"buffered"`
	HasAnchor  bool          `json:"has_anchor"`
	Pushed     uint64        `json:"pushed"`
	Evicted    uint64        `json:"evicted"`
}

// Notification is fanned out to subscribers for every session event
type Notification struct {
	Type     session.EventKind `json:"type"`
	ExportID string            `json:"export_id,omitempty"`
	Export   *catalog.Entry    `json:"export,omitempty"`
	Stream   string            `json:"stream,omitempty"`
	Error    string            `json:"error,omitempty"`
	Time     time.Time         `json:"time"`
}

// ExportAnalysis contains the track information of an exported file
type ExportAnalysis struct {
	ID         string      `json:"id"`
	File       string      `json:"file"`
	TrackCount int         `json:"track_count"`
	Tracks     []TrackInfo `json:"tracks"`
}

// TrackInfo contains information about a single track of an exported file
type TrackInfo struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Title     string `json:"title"`
	Channels  int    `json:"channels,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// SourceFactory builds the sources of one capture run
type SourceFactory func(cfg *config.Config) ([]capture.Source, error)

// Option configures the service
type Option func(*ReplayService)

// WithSourceFactory replaces the configured capture backends
func WithSourceFactory(f SourceFactory) Option {
	return func(s *ReplayService) { s.newSources = f }
}

// WithSessionOptions passes options to every session the service creates
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *ReplayService) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

// ReplayService is the main service implementation
type ReplayService struct {
	configFile  string
	newSources  SourceFactory
	sessionOpts []session.Option
	catalog     *catalog.Catalog
	player      *play.Player

	// mu guards cfg and sess, which are replaced together by LoadProfile
	mu   sync.RWMutex
	cfg  *config.Config
	sess *session.Session

	consumers sync.WaitGroup

	subMu       sync.Mutex
	subscribers map[int]chan Notification
	nextSub     int

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex

	closeOnce sync.Once
	closeErr  error
}

// New creates a ReplayCapture service instance and opens its export catalog
func New(cfg *config.Config, configFile string, opts ...Option) (*ReplayService, error) {
	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	s := &ReplayService{
		configFile:  configFile,
		newSources:  capture.NewSources,
		catalog:     cat,
		player:      play.New(),
		subscribers: make(map[int]chan Notification),
	}
	for _, opt := range opts {
		opt(s)
	}

	sess, err := s.newSession(cfg)
	if err != nil {
		cat.Close()
		return nil, err
	}
	s.cfg = cfg
	s.sess = sess

	return s, nil
}

// newSession creates a session exporting to the directories of cfg and
// starts consuming its events
func (s *ReplayService) newSession(cfg *config.Config) (*session.Session, error) {
	exporter := export.NewExporter(export.Config{
		VideoDirectory: cfg.Output.VideoDirectory,
		AudioDirectory: cfg.Output.AudioDirectory,
	})
	sess, err := session.New(exporter, s.sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture session: %w", err)
	}

	s.consumers.Add(1)
	go s.consume(sess, cfg)
	return sess, nil
}

func (s *ReplayService) current() (*session.Session, *config.Config) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess, s.cfg
}

// StartCapture opens the configured streams and starts buffering
func (s *ReplayService) StartCapture(ctx context.Context) error {
	slog.Debug("Service.StartCapture called")
	s.clearLastError()

	sess, cfg := s.current()
	sources, err := s.newSources(cfg)
	if err != nil {
		err = &session.InvalidConfigurationError{Field: "streams", Reason: err.Error()}
		s.setLastError(fmt.Sprintf("Failed to start capture: %v", err))
		return err
	}

	if err := sess.Start(ctx, session.StartParams{Window: cfg.Window(), Sources: sources}); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start capture: %v", err))
		return err
	}

	slog.Info("Capture started", "streams", len(sources), "window", cfg.Window())
	return nil
}

// StopCapture stops the sources and keeps the buffer for a final flush
func (s *ReplayService) StopCapture(ctx context.Context) error {
	sess, _ := s.current()
	if err := sess.Stop(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop capture: %v", err))
		return err
	}
	s.clearLastError()
	slog.Info("Capture stopped")
	return nil
}

// Flush queues an export of the current buffer
func (s *ReplayService) Flush(ctx context.Context) (uuid.UUID, error) {
	sess, _ := s.current()
	id, err := sess.Flush(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to flush: %v", err))
		return uuid.Nil, err
	}
	slog.Info("Flush queued", "export_id", id)
	return id, nil
}

func (s *ReplayService) GetState(ctx context.Context) (session.State, error) {
	sess, _ := s.current()
	return sess.State(ctx)
}

func (s *ReplayService) GetStats(ctx context.Context) (*CaptureStats, error) {
	sess, cfg := s.current()
	st, err := sess.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return newCaptureStats(st, cfg.Window()), nil
}

func newCaptureStats(st session.Stats, window time.Duration) *CaptureStats {
	out := &CaptureStats{
		State:   st.State,
		Window:  window,
		Streams: make(map[string]StreamStats, len(st.Streams)),
		Dropped: st.Dropped,
	}
	for name, fs := range st.Streams {
		out.Streams[name] = streamStats(fs)
	}
	return out
}

func streamStats(fs framestore.Stats) StreamStats {
	return StreamStats{
		Frames:     fs.Frames,
		Bytes:      fs.Bytes,
		BytesHuman: formatBytes(fs.Bytes),
		Buffered:   fs.Accumulated,
		HasAnchor:  fs.HasAnchor,
		Pushed:     fs.Pushed,
		Evicted:    fs.Evicted,
	}
}

// ListExports returns the most recent exports first
func (s *ReplayService) ListExports(ctx context.Context, limit int) ([]catalog.Entry, error) {
	return s.catalog.List(ctx, limit)
}

func (s *ReplayService) GetExport(ctx context.Context, id string) (*catalog.Entry, error) {
	e, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Merge combines the files of an export into one Matroska file
func (s *ReplayService) Merge(ctx context.Context, id string) (string, error) {
	e, err := s.catalog.Get(ctx, id)
	if err != nil {
		return "", err
	}
	_, cfg := s.current()
	return s.merge(ctx, cfg, e)
}

func (s *ReplayService) merge(ctx context.Context, cfg *config.Config, e catalog.Entry) (string, error) {
	if e.Status != catalog.StatusCompleted {
		return "", fmt.Errorf("export %s did not complete: %s", e.ID, e.Error)
	}

	in := mix.Input{ID: e.ID, VideoPath: e.VideoPath, AudioPaths: e.AudioPaths}
	if e.ManifestPath != "" {
		if m, err := export.ReadManifest(e.ManifestPath); err == nil {
			in.ContainerAudioTracks = m.ContainerAudioTracks()
		} else {
			slog.Warn("Failed to read export manifest", "export_id", e.ID, "error", err)
		}
	}

	path, err := mix.New(cfg.Output.MergedDirectory).Merge(ctx, in)
	if err != nil {
		s.setLastError(fmt.Sprintf("Merge failed for %s: %v", e.ID, err))
		return "", err
	}
	if err := s.catalog.SetMerged(ctx, e.ID, path); err != nil {
		return "", err
	}
	return path, nil
}

// Play opens the best file of an export: merged, then video, then audio
func (s *ReplayService) Play(ctx context.Context, id string) error {
	e, err := s.catalog.Get(ctx, id)
	if err != nil {
		return err
	}
	file := playableFile(e)
	if file == "" {
		return fmt.Errorf("export %s has no playable file", id)
	}
	return s.player.Play(ctx, file)
}

func playableFile(e catalog.Entry) string {
	if e.MergedPath != "" {
		return e.MergedPath
	}
	if e.VideoPath != "" {
		return e.VideoPath
	}
	for _, p := range e.AudioPaths {
		return p
	}
	return ""
}

// AnalyzeExport extracts track information from an exported file using ffprobe
func (s *ReplayService) AnalyzeExport(ctx context.Context, id string) (*ExportAnalysis, error) {
	e, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	file := playableFile(e)
	if _, err := os.Stat(file); file == "" || err != nil {
		return nil, fmt.Errorf("export file not found for %s", id)
	}

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		file,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", filepath.Base(file), err)
	}

	analysis, err := parseProbe(output)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output for %s: %w", filepath.Base(file), err)
	}
	analysis.ID = id
	analysis.File = file

	slog.Debug("Export analysis completed", "export_id", id, "tracks", analysis.TrackCount)
	return analysis, nil
}

func parseProbe(output []byte) (*ExportAnalysis, error) {
	var probeResult struct {
		Streams []struct {
			Index     int               `json:"index"`
			CodecType string            `json:"codec_type"`
			CodecName string            `json:"codec_name"`
			Channels  int               `json:"channels"`
			Width     int               `json:"width"`
			Height    int               `json:"height"`
			Tags      map[string]string `json:"tags"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probeResult); err != nil {
		return nil, err
	}

	analysis := &ExportAnalysis{}
	for _, stream := range probeResult.Streams {
		// Extract title from metadata, fallback to index-based name
		title := fmt.Sprintf("Track %d", stream.Index)
		if t := stream.Tags["title"]; t != "" {
			title = t
		} else if t := stream.Tags["TITLE"]; t != "" {
			title = t
		}

		analysis.Tracks = append(analysis.Tracks, TrackInfo{
			Index:     stream.Index,
			CodecType: stream.CodecType,
			CodecName: stream.CodecName,
			Title:     title,
			Channels:  stream.Channels,
			Width:     stream.Width,
			Height:    stream.Height,
		})
	}
	analysis.TrackCount = len(analysis.Tracks)
	return analysis, nil
}

// LoadProfile switches to another configuration profile. The switch is
// refused while capturing; a stopped buffer that was not flushed is dropped.
func (s *ReplayService) LoadProfile(ctx context.Context, profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.sess.State(ctx)
	if err != nil {
		return err
	}
	if state.Phase == session.PhaseCapturing {
		return ErrCapturing
	}

	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	sess, err := s.newSession(newCfg)
	if err != nil {
		return err
	}

	old := s.sess
	s.cfg = newCfg
	s.sess = sess

	// Pending exports of the old session still complete and are recorded
	if err := old.Close(); err != nil {
		slog.Warn("Failed to close previous session", "error", err)
	}

	slog.Info("Profile loaded", "profile", profile, "streams", len(newCfg.Streams))
	return nil
}

// GetConfig returns the current configuration
func (s *ReplayService) GetConfig() *config.Config {
	_, cfg := s.current()
	return cfg
}

// GetStreamStatus returns the availability status of configured streams
func (s *ReplayService) GetStreamStatus() map[string]string {
	_, cfg := s.current()
	return capture.StreamStatus(cfg, capture.NewPipeWire())
}

// Subscribe registers a notification listener. Slow listeners miss
// notifications rather than blocking the service.
func (s *ReplayService) Subscribe() (<-chan Notification, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Notification, 16)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if _, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(ch)
			}
		})
	}
}

func (s *ReplayService) notify(n Notification) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, ch := range s.subscribers {
		select {
		case ch <- n:
		default:
			slog.Warn("Dropping notification for slow subscriber", "subscriber", id, "type", n.Type)
		}
	}
}

// consume records every session event until the session is closed
func (s *ReplayService) consume(sess *session.Session, cfg *config.Config) {
	defer s.consumers.Done()
	for ev := range sess.Events() {
		s.handleEvent(cfg, ev)
	}
}

func (s *ReplayService) handleEvent(cfg *config.Config, ev session.Event) {
	ctx := context.Background()
	n := Notification{Type: ev.Kind, Stream: ev.Stream, Time: ev.Time}
	if ev.ExportID != uuid.Nil {
		n.ExportID = ev.ExportID.String()
	}
	if ev.Err != nil {
		n.Error = ev.Err.Error()
	}

	switch ev.Kind {
	case session.EventExportCompleted, session.EventExportFailed:
		if ev.Export != nil {
			if err := s.catalog.Record(ctx, *ev.Export); err != nil {
				slog.Error("Failed to record export", "export_id", ev.ExportID, "error", err)
			}
		}
		if ev.Kind == session.EventExportFailed {
			s.setLastError(fmt.Sprintf("Export %s failed: %v", ev.ExportID, ev.Err))
		} else if cfg.AutoMerge {
			if e, err := s.catalog.Get(ctx, n.ExportID); err == nil {
				if _, err := s.merge(ctx, cfg, e); err != nil {
					slog.Error("Auto-merge failed", "export_id", ev.ExportID, "error", err)
				}
			}
		}
		if e, err := s.catalog.Get(ctx, n.ExportID); err == nil {
			n.Export = &e
		}

	case session.EventCaptureFailed:
		s.setLastError(fmt.Sprintf("Capture of stream %s failed: %v", ev.Stream, ev.Err))
	}

	s.notify(n)
}

// Close stops the session, waits for pending exports and closes the catalog
func (s *ReplayService) Close() error {
	s.closeOnce.Do(func() {
		sess, _ := s.current()
		if err := sess.Close(); err != nil {
			s.closeErr = err
		}
		s.consumers.Wait()

		s.subMu.Lock()
		for id, ch := range s.subscribers {
			delete(s.subscribers, id)
			close(ch)
		}
		s.subMu.Unlock()

		if err := s.catalog.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// GetLastError returns the last error message (thread-safe)
func (s *ReplayService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *ReplayService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *ReplayService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
