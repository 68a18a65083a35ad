package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/replaycapture/internal/catalog"
	"github.com/audiolibrelab/replaycapture/internal/config"
	"github.com/audiolibrelab/replaycapture/internal/service"
	"github.com/audiolibrelab/replaycapture/internal/session"
)

const serverConfig = `
active_config: default

globals:
  output:
    video_directory: %[1]s/video
    audio_directory: %[1]s/audio
    merged_directory: %[1]s/merged

catalog:
  path: %[1]s/exports.db

definitions:
  streams:
    - id: pattern
      name: screen
      kind: video
      backend: synthetic
    - id: tone
      name: mic
      kind: audio
      backend: synthetic
      sources:
        - system:capture_1

configs:
  default:
    capture:
      window_seconds: 2
    streams:
      - ref: pattern
      - ref: tone
    audio:
      sample_rate: 8000
      chunk_samples: 160
    video:
      frame_rate: 50
      width: 320
      height: 240
  audio_only:
    streams:
      - ref: tone
`

type testServer struct {
	*httptest.Server
	svc        *service.ReplayService
	configFile string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	configFile := filepath.Join(dir, "replaycapture.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(fmt.Sprintf(serverConfig, dir)), 0644))

	cfg, err := config.LoadWithProfile(configFile, "")
	require.NoError(t, err)

	svc, err := service.New(cfg, configFile)
	require.NoError(t, err)

	ts := httptest.NewServer(New(svc, configFile, "0").Handler())
	t.Cleanup(func() {
		ts.Close()
		svc.Close()
	})
	return &testServer{Server: ts, svc: svc, configFile: configFile}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (ts *testServer) waitForFrames(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		stats, err := ts.svc.GetStats(context.Background())
		return err == nil && stats.Streams["screen"].Frames >= 3 && stats.Streams["mic"].Frames >= 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_CaptureLifecycle(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, code)
	state := body["state"].(map[string]interface{})
	assert.Equal(t, "idle", state["phase"])
	assert.Equal(t, true, state["can_start"])
	assert.Equal(t, "default", body["active_profile"])

	code, body = ts.do(t, http.MethodPost, "/api/flush", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["success"])

	code, _ = ts.do(t, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = ts.do(t, http.MethodPost, "/api/start", nil)
	assert.Equal(t, http.StatusConflict, code)

	ts.waitForFrames(t)

	code, body = ts.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, code)
	streams := body["streams"].(map[string]interface{})
	assert.Contains(t, streams, "screen")
	assert.Contains(t, streams, "mic")

	code, body = ts.do(t, http.MethodPost, "/api/flush", nil)
	require.Equal(t, http.StatusAccepted, code)
	id, ok := body["export_id"].(string)
	require.True(t, ok)

	var entry *catalog.Entry
	require.Eventually(t, func() bool {
		e, err := ts.svc.GetExport(context.Background(), id)
		entry = e
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, catalog.StatusCompleted, entry.Status)

	code, body = ts.do(t, http.MethodGet, "/api/exports/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, body["id"])

	code, body = ts.do(t, http.MethodGet, "/api/exports?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total_count"])

	code, _ = ts.do(t, http.MethodPost, "/api/stop", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = ts.do(t, http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, code)
	state = body["state"].(map[string]interface{})
	assert.Equal(t, "stopped", state["phase"])
	assert.Equal(t, true, state["can_flush"])
}

func TestServer_FileStream(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	notifications, cancel := ts.svc.Subscribe()
	defer cancel()

	require.NoError(t, ts.svc.StartCapture(ctx))
	ts.waitForFrames(t)
	id, err := ts.svc.Flush(ctx)
	require.NoError(t, err)

	var n service.Notification
	require.Eventually(t, func() bool {
		select {
		case n = <-notifications:
			return n.Type == session.EventExportCompleted
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, n.Export)

	name := filepath.Base(n.Export.AudioPaths["mic"])
	resp, err := ts.Client().Get(ts.URL + "/api/exports/" + id.String() + "/files/" + name)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))

	header := make([]byte, 4)
	_, err = resp.Body.Read(header)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(header))

	code, _ := ts.do(t, http.MethodGet, "/api/exports/"+id.String()+"/files/other.wav", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_ExportNotFound(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/api/exports/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["success"])

	code, _ = ts.do(t, http.MethodPost, "/api/exports/missing/merge", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = ts.do(t, http.MethodGet, "/api/exports?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_Profiles(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/api/profiles", nil)
	require.Equal(t, http.StatusOK, code)
	assert.ElementsMatch(t, []interface{}{"default", "audio_only"}, body["profiles"])
	assert.Equal(t, "default", body["active_profile"])

	code, _ = ts.do(t, http.MethodPost, "/api/start", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = ts.do(t, http.MethodPost, "/api/profile", ProfileSelectRequest{Profile: "audio_only"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "Stop capture")

	code, _ = ts.do(t, http.MethodPost, "/api/stop", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = ts.do(t, http.MethodPost, "/api/profile", ProfileSelectRequest{Profile: "audio_only"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "audio_only", body["profile"])

	_, active, err := config.ListProfiles(ts.configFile)
	require.NoError(t, err)
	assert.Equal(t, "audio_only", active)

	code, body = ts.do(t, http.MethodGet, "/api/sources", nil)
	require.Equal(t, http.StatusOK, code)
	sources := body["sources"].([]interface{})
	require.Len(t, sources, 1)
	assert.Equal(t, "mic", sources[0].(map[string]interface{})["name"])

	code, _ = ts.do(t, http.MethodPost, "/api/profile", ProfileSelectRequest{Profile: "missing"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodPost, "/api/profile", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.do(t, http.MethodGet, "/api/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
	assert.Equal(t, "Method not allowed", body["error"])
}

func TestServer_EventsWebSocket(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered by the handler after the upgrade
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, ts.svc.StartCapture(ctx))
	ts.waitForFrames(t)
	id, err := ts.svc.Flush(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var n service.Notification
		require.NoError(t, conn.ReadJSON(&n))
		if n.Type == session.EventExportCompleted {
			assert.Equal(t, id.String(), n.ExportID)
			require.NotNil(t, n.Export)
			assert.Equal(t, catalog.StatusCompleted, n.Export.Status)
			break
		}
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&session.PreconditionError{Op: session.OpFlush, Phase: session.PhaseIdle}, http.StatusConflict},
		{service.ErrCapturing, http.StatusConflict},
		{&session.InvalidConfigurationError{Field: "streams", Reason: "empty"}, http.StatusBadRequest},
		{fmt.Errorf("lookup: %w", catalog.ErrNotFound), http.StatusNotFound},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.err), tt.err.Error())
	}
}

func TestExportFile(t *testing.T) {
	e := &catalog.Entry{
		VideoPath:  "/v/abc.webm",
		AudioPaths: map[string]string{"mic": "/a/abc-mic.wav"},
	}

	assert.Equal(t, "/v/abc.webm", exportFile(e, "abc.webm"))
	assert.Equal(t, "/a/abc-mic.wav", exportFile(e, "abc-mic.wav"))
	assert.Empty(t, exportFile(e, "..%2Fetc%2Fpasswd"))
	assert.Empty(t, exportFile(e, ""))
}
