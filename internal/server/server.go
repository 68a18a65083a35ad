package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/replaycapture/internal/catalog"
	"github.com/audiolibrelab/replaycapture/internal/config"
	"github.com/audiolibrelab/replaycapture/internal/service"
	"github.com/audiolibrelab/replaycapture/internal/session"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server represents the web server for controlling ReplayCapture
type Server struct {
	service    service.Service
	configFile string
	port       string
	router     *chi.Mux
	httpServer *http.Server
}

// StatusResponse represents the JSON response for the state endpoint
type StatusResponse struct {
	State         session.State `json:"state"`
	Message       string        `json:"message,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	ActiveProfile string        `json:"active_profile"`
	Window        string        `json:"window"`
}

// SourceInfo contains information about a configured stream
type SourceInfo struct {
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Backend     string   `json:"backend"`
	Sources     []string `json:"sources,omitempty"`
	Status      string   `json:"status"` // "available", "duplicate", "unavailable"
	LastChecked string   `json:"last_checked"`
}

// SourcesResponse represents the JSON response for sources endpoint
type SourcesResponse struct {
	Sources []SourceInfo `json:"sources"`
}

// ProfilesResponse lists the configuration profiles of the config file
type ProfilesResponse struct {
	Profiles      []string `json:"profiles"`
	ActiveProfile string   `json:"active_profile"`
}

// ProfileSelectRequest selects a configuration profile
type ProfileSelectRequest struct {
	Profile string `json:"profile"`
}

// ExportsResponse represents the JSON response for the exports endpoint
type ExportsResponse struct {
	Exports    []catalog.Entry `json:"exports"`
	TotalCount int             `json:"total_count"`
}

// New creates a new web server instance
func New(svc service.Service, configFile string, port string) *Server {
	s := &Server{
		service:    svc,
		configFile: configFile,
		port:       port,
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", "path", r.URL.Path, "method", r.Method)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/flush", s.handleFlush)
		r.Get("/state", s.handleState)
		r.Get("/stats", s.handleStats)
		r.Get("/sources", s.handleSources)
		r.Get("/profiles", s.handleProfiles)
		r.Post("/profile", s.handleSelectProfile)
		r.Get("/events", s.handleEvents)

		r.Get("/exports", s.handleExports)
		r.Route("/exports/{id}", func(r chi.Router) {
			r.Get("/", s.handleExport)
			r.Post("/merge", s.handleMerge)
			r.Get("/analyze", s.handleAnalyze)
			r.Get("/files/{name}", s.handleFileStream)
		})
	})
	return r
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the web server and blocks until it is shut down
func (s *Server) Start() error {
	localIP := getLocalIP()

	slog.Info("Starting ReplayCapture Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestLogger logs every request through slog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Start capture request received")

	if err := s.service.StartCapture(r.Context()); err != nil {
		s.sendServiceError(w, err, "operation", "start")
		return
	}

	s.sendJSON(w, map[string]interface{}{
		"success": true,
		"message": "Capture started",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Stop capture request received")

	if err := s.service.StopCapture(r.Context()); err != nil {
		s.sendServiceError(w, err, "operation", "stop")
		return
	}

	s.sendJSON(w, map[string]interface{}{
		"success": true,
		"message": "Capture stopped, buffer kept for flush",
	})
}

// handleFlush queues an export. Completion is reported on the events socket
// and in the export catalog.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	id, err := s.service.Flush(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "operation", "flush")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"message":   "Export queued",
		"export_id": id.String(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.GetState(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "operation", "state")
		return
	}

	cfg := s.service.GetConfig()
	_, active, err := config.ListProfiles(s.configFile)
	if err != nil {
		slog.Warn("Failed to read active profile", "error", err)
	}

	s.sendJSON(w, StatusResponse{
		State:         state,
		Message:       statusMessage(state),
		LastError:     s.service.GetLastError(),
		ActiveProfile: active,
		Window:        cfg.Window().String(),
	})
}

func statusMessage(state session.State) string {
	switch state.Phase {
	case session.PhaseCapturing:
		return "Capturing, flush to export the last window"
	case session.PhaseStopped:
		return "Stopped, the last window can still be flushed"
	default:
		return "Ready to capture"
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.GetStats(r.Context())
	if err != nil {
		s.sendServiceError(w, err, "operation", "stats")
		return
	}
	s.sendJSON(w, stats)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	cfg := s.service.GetConfig()
	status := s.service.GetStreamStatus()
	now := time.Now().Format(time.RFC3339)

	resp := SourcesResponse{Sources: make([]SourceInfo, 0, len(cfg.Streams))}
	for _, st := range cfg.Streams {
		resp.Sources = append(resp.Sources, SourceInfo{
			Name:        st.Name,
			Kind:        st.Kind,
			Backend:     st.Backend,
			Sources:     st.Sources,
			Status:      status[st.Name],
			LastChecked: now,
		})
	}
	s.sendJSON(w, resp)
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, active, err := config.ListProfiles(s.configFile)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list profiles: %v", err), "config_file", s.configFile)
		return
	}
	s.sendJSON(w, ProfilesResponse{Profiles: profiles, ActiveProfile: active})
}

// handleSelectProfile switches the service to another profile and persists
// the choice as active_config
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileSelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Profile == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Request body must contain a profile", "operation", "profile_selection")
		return
	}
	slog.Debug("Profile selection request", "profile", req.Profile)

	if err := s.service.LoadProfile(r.Context(), req.Profile); err != nil {
		if errors.Is(err, service.ErrCapturing) {
			s.sendErrorResponse(w, http.StatusConflict, "Stop capture before changing profile",
				"profile", req.Profile, "operation", "profile_selection")
			return
		}
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "profile", req.Profile)
		return
	}

	if err := config.UpdateActiveConfig(s.configFile, req.Profile); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to save profile selection to config file: %v", err), "profile", req.Profile)
		return
	}

	slog.Info("Profile changed", "profile", req.Profile)

	s.sendJSON(w, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile changed to %s", req.Profile),
		"profile": req.Profile,
	})
}

func (s *Server) handleExports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendErrorResponse(w, http.StatusBadRequest, "Invalid limit", "limit", v)
			return
		}
		limit = n
	}

	exports, err := s.service.ListExports(r.Context(), limit)
	if err != nil {
		s.sendServiceError(w, err, "operation", "list_exports")
		return
	}
	if exports == nil {
		exports = []catalog.Entry{}
	}
	s.sendJSON(w, ExportsResponse{Exports: exports, TotalCount: len(exports)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.service.GetExport(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err, "export_id", id)
		return
	}
	s.sendJSON(w, e)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path, err := s.service.Merge(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err, "export_id", id, "operation", "merge")
		return
	}
	s.sendJSON(w, map[string]interface{}{
		"success":     true,
		"message":     "Export merged",
		"merged_path": path,
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	analysis, err := s.service.AnalyzeExport(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err, "export_id", id, "operation", "analyze")
		return
	}
	s.sendJSON(w, analysis)
}

// handleFileStream serves one of the files recorded for an export. Only
// files listed in the catalog entry are served.
func (s *Server) handleFileStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	e, err := s.service.GetExport(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err, "export_id", id)
		return
	}

	filePath := exportFile(e, name)
	if filePath == "" {
		s.sendErrorResponse(w, http.StatusNotFound, "File not found", "export_id", id, "file", name)
		return
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.sendErrorResponse(w, http.StatusNotFound, "File not found", "file", filePath)
		} else {
			s.sendErrorResponse(w, http.StatusInternalServerError, "Error accessing file", "file", filePath, "error", err)
		}
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "Error accessing file", "file", filePath, "error", err)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	http.ServeContent(w, r, name, info.ModTime(), file)
}

// exportFile resolves a base file name against the files of an export
func exportFile(e *catalog.Entry, name string) string {
	candidates := []string{e.VideoPath, e.MergedPath, e.ManifestPath}
	for _, p := range e.AudioPaths {
		candidates = append(candidates, p)
	}
	for _, p := range candidates {
		if p != "" && filepath.Base(p) == name {
			return p
		}
	}
	return ""
}

// handleEvents streams service notifications over a websocket until the
// client disconnects or the service closes
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	notifications, cancel := s.service.Subscribe()
	defer cancel()

	// The read loop only detects the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	slog.Debug("Event subscriber connected", "remote", r.RemoteAddr)
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "service closed"),
					time.Now().Add(eventWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(n); err != nil {
				slog.Debug("Event subscriber write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			slog.Debug("Event subscriber disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// statusCode maps service errors to HTTP status codes
func statusCode(err error) int {
	switch {
	case errors.Is(err, session.ErrPrecondition), errors.Is(err, service.ErrCapturing):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendServiceError(w http.ResponseWriter, err error, logContext ...interface{}) {
	s.sendErrorResponse(w, statusCode(err), err.Error(), logContext...)
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Warn("Sending error response to client", logFields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
