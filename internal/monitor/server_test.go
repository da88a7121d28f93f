package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanrgbd/internal/capture"
	"github.com/banshee-data/scanrgbd/internal/monitoring"
	"github.com/banshee-data/scanrgbd/internal/recording"
	"github.com/banshee-data/scanrgbd/internal/session"
	"github.com/banshee-data/scanrgbd/internal/testutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type fixture struct {
	server  *Server
	session *session.Session
	store   *recording.Store
	source  *capture.SyntheticSource
	dir     string
}

// newFixture builds a server over a fresh session. withStore adds a
// recording store and a recorder saving every frame.
func newFixture(t *testing.T, withStore bool) *fixture {
	t.Helper()
	fx := &fixture{source: testutil.SmallSource(0, 0), dir: t.TempDir()}

	opts := session.Options{
		Source:    fx.source,
		Tuning:    testutil.SmallTuning(nil),
		ExportDir: filepath.Join(fx.dir, "exports"),
	}
	if withStore {
		store, err := recording.OpenStore(filepath.Join(fx.dir, "recordings.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fx.store = store
		opts.Recorder = recording.NewRecorder(store, 1, nil)
	}

	s, err := session.New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	fx.session = s

	srv, err := NewServer(ServerConfig{Address: ":0", Session: s, Store: fx.store})
	require.NoError(t, err)
	fx.server = srv
	return fx
}

func (fx *fixture) feed(t *testing.T, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		f, err := fx.source.Next(ctx)
		require.NoError(t, err)
		_, err = fx.session.ProcessFrame(ctx, f)
		require.NoError(t, err)
	}
}

func (fx *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(w, req)
	return w
}

func TestNewServer_RequiresSession(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	fx := newFixture(t, false)
	fx.feed(t, 5)

	w := fx.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var st StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, "dev", st.Version)
	assert.Equal(t, uint64(5), st.Session.Frames)
	assert.Equal(t, uint64(5), st.Session.Accumulated)
	assert.Greater(t, st.Session.Cloud.Occupancy, 0)
	assert.Nil(t, st.Session.Recording)

	w = fx.do(t, http.MethodPost, "/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET", w.Header().Get("Allow"))
}

func TestExportDownload(t *testing.T) {
	fx := newFixture(t, false)
	fx.feed(t, 3)

	w := fx.do(t, http.MethodGet, "/api/export.ply?confidence=low", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "scan.ply")

	body := w.Body.String()
	require.True(t, strings.HasPrefix(body, "ply\r\nformat ascii 1.0\r\n"), "body starts %q", body[:min(len(body), 40)])
	var vertices int
	_, err := fmt.Sscanf(body[strings.Index(body, "element vertex"):], "element vertex %d", &vertices)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(body[strings.Index(body, "end_header\r\n")+len("end_header\r\n"):]), "\r\n")
	assert.Equal(t, vertices, len(lines))
	assert.Equal(t, fx.session.State().Occupancy, vertices, "low threshold keeps every point")

	w = fx.do(t, http.MethodGet, "/api/export.ply?confidence=very", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = fx.do(t, http.MethodDelete, "/api/export.ply", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestExport_WritesFile(t *testing.T) {
	fx := newFixture(t, false)
	fx.feed(t, 3)

	w := fx.do(t, http.MethodPost, "/api/export", `{"name": "../snap"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res ExportResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, filepath.Join(fx.dir, "exports", "snap.ply"), res.Path)
	info, err := os.Stat(res.Path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	w = fx.do(t, http.MethodPost, "/api/export", `{"nmae": "typo"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = fx.do(t, http.MethodGet, "/api/export", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestExport_DefaultName(t *testing.T) {
	fx := newFixture(t, false)
	w := fx.do(t, http.MethodPost, "/api/export", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res ExportResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.True(t, strings.HasPrefix(filepath.Base(res.Path), "scan_"))
	assert.Equal(t, 0, res.Points)
}

func TestExport_ClosedSession(t *testing.T) {
	fx := newFixture(t, false)
	require.NoError(t, fx.session.Close())

	w := fx.do(t, http.MethodPost, "/api/export", `{"name": "late"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = fx.do(t, http.MethodPost, "/api/reset", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReset(t *testing.T) {
	fx := newFixture(t, false)
	fx.feed(t, 3)
	require.Greater(t, fx.session.State().Occupancy, 0)

	w := fx.do(t, http.MethodPost, "/api/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, fx.session.State().Occupancy)

	w = fx.do(t, http.MethodGet, "/api/reset", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRecording_Unavailable(t *testing.T) {
	fx := newFixture(t, false)

	w := fx.do(t, http.MethodGet, "/api/recording", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = fx.do(t, http.MethodPost, "/api/recording", `{"on": true}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = fx.do(t, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = fx.do(t, http.MethodGet, "/api/sessions/abc", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRecording_EndToEnd(t *testing.T) {
	fx := newFixture(t, true)

	w := fx.do(t, http.MethodPost, "/api/recording", `{"on": true, "label": "desk"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var st recording.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	require.True(t, st.Recording)
	require.NotEmpty(t, st.SessionID)

	fx.feed(t, 4)

	w = fx.do(t, http.MethodPost, "/api/recording", `{"on": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.False(t, st.Recording)
	assert.Equal(t, 4, st.TotalFrames)
	assert.Equal(t, 4, st.SavedFrames)

	w = fx.do(t, http.MethodGet, "/api/recording", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = fx.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []recording.Session
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "desk", sessions[0].Label)
	assert.NotNil(t, sessions[0].EndedAt)

	w = fx.do(t, http.MethodGet, "/api/sessions/"+st.SessionID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		ID           string `json:"session_id"`
		StoredFrames int    `json:"stored_frames"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&detail))
	assert.Equal(t, st.SessionID, detail.ID)
	assert.Equal(t, 4, detail.StoredFrames)

	w = fx.do(t, http.MethodGet, "/api/sessions/"+st.SessionID+"/frames/2/parameters.json", "")
	require.Equal(t, http.StatusOK, w.Code)
	var params recording.Parameters
	require.NoError(t, json.NewDecoder(w.Body).Decode(&params))
	assert.Equal(t, uint64(2), params.FrameNumber)
	assert.Equal(t, testutil.SmallDepth.Width, params.DepthMap.Width)
	assert.Len(t, params.DepthMap.Values, testutil.SmallDepth.Area())

	w = fx.do(t, http.MethodGet, "/api/sessions/"+st.SessionID+"/frames/99/parameters.json", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = fx.do(t, http.MethodGet, "/api/sessions/"+st.SessionID+"/frames/x/parameters.json", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = fx.do(t, http.MethodGet, "/api/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecording_BadBody(t *testing.T) {
	fx := newFixture(t, true)
	w := fx.do(t, http.MethodPost, "/api/recording", `{"on": "yes"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = fx.do(t, http.MethodPut, "/api/recording", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAdminRoutesMounted(t *testing.T) {
	fx := newFixture(t, true)
	w := fx.do(t, http.MethodGet, "/debug/recording-stats", "")
	assert.NotEqual(t, http.StatusNotFound, w.Code)

	bare := newFixture(t, false)
	w = bare.do(t, http.MethodGet, "/debug/recording-stats", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCloudChart(t *testing.T) {
	fx := newFixture(t, false)
	fx.feed(t, 3)

	for _, q := range []string{"", "?by=height", "?max=10"} {
		w := fx.do(t, http.MethodGet, "/debug/cloud"+q, "")
		require.Equal(t, http.StatusOK, w.Code, q)
		assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), "Accumulated Cloud")
	}

	for _, q := range []string{"?by=speed", "?max=0", "?max=lots"} {
		w := fx.do(t, http.MethodGet, "/debug/cloud"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestCloudChart_Empty(t *testing.T) {
	fx := newFixture(t, false)
	w := fx.do(t, http.MethodGet, "/debug/cloud", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "points=0")
}

func TestCloudPNG(t *testing.T) {
	fx := newFixture(t, false)
	fx.feed(t, 3)

	w := fx.do(t, http.MethodGet, "/debug/cloud.png?max=500", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG\r\n\x1a\n")))

	empty := newFixture(t, false)
	w = empty.do(t, http.MethodGet, "/debug/cloud.png", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = fx.do(t, http.MethodPost, "/debug/cloud.png", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
