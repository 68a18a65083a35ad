package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/replaycapture/internal/capture"
	"github.com/audiolibrelab/replaycapture/internal/export"
	"github.com/audiolibrelab/replaycapture/internal/framestore"
)

const eventBufferSize = 32

// StartParams configures one capture run
type StartParams struct {
	Window  time.Duration
	Sources []capture.Source
}

// Stats describes the live buffer of a session
type Stats struct {
	State   State                       `json:"state"`
	Streams map[string]framestore.Stats `json:"streams"`
	Dropped uint64                      `json:"dropped"`
}

// Option configures a Session
type Option func(*Session)

// WithBufferOptions passes options to every buffer the session creates
func WithBufferOptions(opts ...framestore.Option) Option {
	return func(s *Session) { s.bufferOpts = append(s.bufferOpts, opts...) }
}

type requestKind int

const (
	reqStart requestKind = iota
	reqStop
	reqFlush
	reqState
	reqCaptureFailed
	reqClose
)

type request struct {
	kind   requestKind
	ctx    context.Context
	params StartParams
	run    int
	stream string
	err    error
	reply  chan reply
}

type reply struct {
	state    State
	exportID uuid.UUID
	err      error
}

// captureRun holds the producers of one start/stop cycle
type captureRun struct {
	id      int
	cancel  context.CancelFunc
	sources []capture.Source
	wg      sync.WaitGroup
}

// Session is the recording state machine. Every control request goes
// through a single queue served by one goroutine, which is the only place the
// state flags are read or written.
type Session struct {
	coord      *Coordinator
	exporter   *export.Exporter
	bufferOpts []framestore.Option

	requests chan request
	events   chan Event
	loopDone chan struct{}
	closed   chan struct{}

	closeOnce sync.Once
	fwdWg     sync.WaitGroup

	// owned by the loop goroutine
	state   State
	run     *captureRun
	nextRun int
}

// New creates a session around an exporter and starts both. The exporter is
// stopped by Close.
func New(exporter *export.Exporter, opts ...Option) (*Session, error) {
	s := &Session{
		coord:    NewCoordinator(),
		exporter: exporter,
		requests: make(chan request),
		events:   make(chan Event, eventBufferSize),
		loopDone: make(chan struct{}),
		closed:   make(chan struct{}),
		state:    idleState(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := exporter.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start exporter: %w", err)
	}

	s.fwdWg.Add(1)
	go s.forwardResults()
	go s.loop()

	return s, nil
}

// Events delivers export results and capture failures. It must be drained by
// the owner and is closed by Close after the last pending export.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Start opens every source and begins capturing into a fresh buffer.
// Parameters are validated before anything is queued. Cancelling ctx only
// abandons a request that is still waiting to be queued; once queued, Start
// returns the actual outcome.
func (s *Session) Start(ctx context.Context, params StartParams) error {
	if err := validateParams(params); err != nil {
		return err
	}
	_, err := s.do(ctx, request{kind: reqStart, params: params})
	return err
}

// Stop ends capture. The retained window stays available for Flush.
func (s *Session) Stop(ctx context.Context) error {
	_, err := s.do(ctx, request{kind: reqStop})
	return err
}

// Flush snapshots the current window and queues it for export. It returns
// the export id as soon as the job is queued; the outcome is published on
// Events.
func (s *Session) Flush(ctx context.Context) (uuid.UUID, error) {
	r, err := s.do(ctx, request{kind: reqFlush})
	return r.exportID, err
}

// State returns the current flags
func (s *Session) State(ctx context.Context) (State, error) {
	r, err := s.do(ctx, request{kind: reqState})
	return r.state, err
}

// Stats returns the live buffer counters together with the current state
func (s *Session) Stats(ctx context.Context) (Stats, error) {
	state, err := s.State(ctx)
	if err != nil {
		return Stats{}, err
	}
	streams, dropped := s.coord.Stats()
	return Stats{State: state, Streams: streams, Dropped: dropped}, nil
}

// Close stops any capture, waits for queued exports and closes Events
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_, err = s.do(context.Background(), request{kind: reqClose})
		<-s.loopDone
		s.exporter.Stop()
		s.fwdWg.Wait()
		close(s.closed)
		close(s.events)
	})
	return err
}

func (s *Session) do(ctx context.Context, req request) (reply, error) {
	req.ctx = ctx
	req.reply = make(chan reply, 1)

	select {
	case s.requests <- req:
	case <-s.loopDone:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	// Once accepted, the request runs to completion and its outcome is
	// reported even if ctx is cancelled meanwhile.
	r := <-req.reply
	return r, r.err
}

func (s *Session) loop() {
	defer close(s.loopDone)

	for req := range s.requests {
		var r reply
		switch req.kind {
		case reqStart:
			r.err = s.handleStart(req.ctx, req.params)
		case reqStop:
			r.err = s.handleStop()
		case reqFlush:
			r.exportID, r.err = s.handleFlush()
		case reqState:
		case reqCaptureFailed:
			s.handleCaptureFailed(req.run, req.stream, req.err)
		case reqClose:
			if s.run != nil {
				s.teardown()
			}
			s.state = idleState()
		}
		r.state = s.state
		if req.reply != nil {
			req.reply <- r
		}
		if req.kind == reqClose {
			return
		}
	}
}

func (s *Session) handleStart(ctx context.Context, params StartParams) error {
	if !s.state.allows(OpStart) {
		return &PreconditionError{Op: OpStart, Phase: s.state.Phase}
	}

	specs := make([]framestore.StreamSpec, 0, len(params.Sources))
	opened := make([]capture.Source, 0, len(params.Sources))
	abort := func() {
		for _, src := range opened {
			if err := src.Close(); err != nil {
				slog.Debug("Failed to close source after aborted start", "stream", src.Name(), "error", err)
			}
		}
	}

	for _, src := range params.Sources {
		desc, err := src.Open(ctx)
		if err != nil {
			if cerr := src.Close(); cerr != nil {
				slog.Debug("Failed to close source after aborted start", "stream", src.Name(), "error", cerr)
			}
			abort()
			return &CaptureSetupError{Stream: src.Name(), Err: err}
		}
		opened = append(opened, src)
		if err := desc.Validate(); err != nil {
			abort()
			return &CaptureSetupError{Stream: src.Name(), Err: fmt.Errorf("invalid stream format: %w", err)}
		}
		specs = append(specs, framestore.StreamSpec{Name: src.Name(), Descriptor: desc})
		slog.Debug("Source opened", "stream", src.Name(), "kind", desc.Kind, "codec", desc.CodecID)
	}

	buffer, err := framestore.NewBuffer(params.Window, specs, s.bufferOpts...)
	if err != nil {
		abort()
		return &InvalidConfigurationError{Field: "streams", Reason: err.Error()}
	}
	s.coord.Install(buffer)

	s.nextRun++
	runCtx, cancel := context.WithCancel(context.Background())
	run := &captureRun{id: s.nextRun, cancel: cancel, sources: opened}
	for _, src := range opened {
		run.wg.Add(1)
		go s.produce(runCtx, run, src)
	}
	s.run = run
	s.state = capturingState()

	slog.Info("Capture started", "streams", buffer.Names(), "window", params.Window)
	return nil
}

// produce runs one source until it stops. A failure that was not caused by
// cancellation is reported back to the loop.
func (s *Session) produce(ctx context.Context, run *captureRun, src capture.Source) {
	err := src.Run(ctx, s.coord.Sink(src.Name()))
	run.wg.Done()

	if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}

	req := request{kind: reqCaptureFailed, run: run.id, stream: src.Name(), err: err}
	select {
	case s.requests <- req:
	case <-s.loopDone:
	}
}

func (s *Session) handleStop() error {
	if !s.state.allows(OpStop) {
		return &PreconditionError{Op: OpStop, Phase: s.state.Phase}
	}
	s.teardown()
	s.state = stoppedState()
	slog.Info("Capture stopped")
	return nil
}

// teardown closes the push gate under the coordinator lock, then cancels and
// closes the sources outside of it and waits for every producer to return.
func (s *Session) teardown() {
	run := s.run
	s.run = nil
	if run == nil {
		return
	}

	s.coord.Detach()
	run.cancel()
	for _, src := range run.sources {
		if err := src.Close(); err != nil {
			slog.Warn("Failed to close source", "stream", src.Name(), "error", err)
		}
	}
	run.wg.Wait()
}

func (s *Session) handleFlush() (uuid.UUID, error) {
	if !s.state.allows(OpFlush) {
		return uuid.Nil, &PreconditionError{Op: OpFlush, Phase: s.state.Phase}
	}

	snap, ok := s.coord.Snapshot()
	if !ok {
		return uuid.Nil, &PreconditionError{Op: OpFlush, Phase: s.state.Phase}
	}

	id, err := s.exporter.Submit(snap)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to queue export: %w", err)
	}
	slog.Info("Flush requested", "export_id", id)
	return id, nil
}

func (s *Session) handleCaptureFailed(runID int, stream string, err error) {
	if s.run == nil || s.run.id != runID {
		slog.Debug("Ignoring failure of a finished capture run", "stream", stream, "error", err)
		return
	}

	slog.Error("Capture failed, stopping", "stream", stream, "error", err)
	s.teardown()
	s.state = stoppedState()
	s.emit(Event{Kind: EventCaptureFailed, Stream: stream, Err: err, Time: time.Now()})
}

func (s *Session) forwardResults() {
	defer s.fwdWg.Done()

	for result := range s.exporter.Results() {
		ev := Event{Kind: EventExportCompleted, ExportID: result.ID, Export: &result, Err: result.Err, Time: result.FinishedAt}
		if result.Err != nil {
			ev.Kind = EventExportFailed
		}
		s.emit(ev)
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
		slog.Warn("Session event dropped", "kind", ev.Kind)
	}
}

func validateParams(params StartParams) error {
	if params.Window <= 0 {
		return &InvalidConfigurationError{Field: "window", Reason: fmt.Sprintf("must be > 0, got %s", params.Window)}
	}
	if len(params.Sources) == 0 {
		return &InvalidConfigurationError{Field: "sources", Reason: "at least one source is required"}
	}
	seen := make(map[string]bool, len(params.Sources))
	for i, src := range params.Sources {
		if src == nil {
			return &InvalidConfigurationError{Field: fmt.Sprintf("sources[%d]", i), Reason: "source is nil"}
		}
		name := src.Name()
		if name == "" {
			return &InvalidConfigurationError{Field: fmt.Sprintf("sources[%d]", i), Reason: "name is required"}
		}
		if seen[name] {
			return &InvalidConfigurationError{Field: fmt.Sprintf("sources[%d]", i), Reason: fmt.Sprintf("duplicate stream name '%s'", name)}
		}
		seen[name] = true
	}
	return nil
}
