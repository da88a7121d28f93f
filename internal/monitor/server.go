// Package monitor serves the HTTP and gRPC surfaces of a running scan:
// status, PLY downloads, recording control, cloud previews and health.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/scanrgbd/internal/capture"
	"github.com/banshee-data/scanrgbd/internal/httputil"
	"github.com/banshee-data/scanrgbd/internal/monitoring"
	"github.com/banshee-data/scanrgbd/internal/recording"
	"github.com/banshee-data/scanrgbd/internal/session"
	"github.com/banshee-data/scanrgbd/internal/version"
)

var logf = monitoring.Component("Monitor")

// exportWait bounds how long POST /api/export waits for the file.
const exportWait = 2 * time.Minute

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version   string        `json:"version"`
	GitSHA    string        `json:"git_sha"`
	BuildTime string        `json:"build_time"`
	Session   session.Stats `json:"session"`
}

// ExportRequest is the body of POST /api/export.
type ExportRequest struct {
	Name string `json:"name"`
}

// ExportResponse reports a completed server-side export.
type ExportResponse struct {
	Path   string `json:"path"`
	Points int    `json:"points"`
}

// RecordingRequest is the body of POST /api/recording.
type RecordingRequest struct {
	On    bool   `json:"on"`
	Label string `json:"label"`
}

// SessionDetail is a stored recording session plus its frame count.
type SessionDetail struct {
	*recording.Session
	StoredFrames int `json:"stored_frames"`
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Address string
	Session *session.Session
	// Store enables the /api/sessions routes and the admin pages.
	Store *recording.Store
	// Health, when set, backs GET /health.
	Health *Health
}

// Server is the HTTP monitor for one scan session.
type Server struct {
	address string
	session *session.Session
	store   *recording.Store
	health  *Health
	server  *http.Server
	mux     *http.ServeMux
}

// NewServer builds the server and its routes.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("monitor: nil session")
	}
	s := &Server{
		address: cfg.Address,
		session: cfg.Session,
		store:   cfg.Store,
		health:  cfg.Health,
	}
	mux, err := s.setupRoutes()
	if err != nil {
		return nil, err
	}
	s.mux = mux
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves HTTP until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logf("HTTP server listening on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logf("HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			logf("HTTP server force close error: %v", err)
		}
	}
	logf("HTTP server stopped")
	return nil
}

func (s *Server) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/export.ply", s.handleExportDownload)
	mux.HandleFunc("/api/export", s.handleExport)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/recording", s.handleRecording)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/sessions/{id}/frames/{index}/parameters.json", s.handleFrameParameters)
	mux.HandleFunc("/debug/cloud", s.handleCloudChart)
	mux.HandleFunc("/debug/cloud.png", s.handleCloudPNG)

	if s.store != nil {
		if err := s.store.AttachAdminRoutes(mux); err != nil {
			return nil, fmt.Errorf("attach admin routes: %w", err)
		}
	}
	return mux, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	status := servingStatus(s.session)
	if s.health != nil {
		status = s.health.Update()
	}
	code := http.StatusOK
	if status != serving {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, map[string]string{
		"status":    status.String(),
		"service":   ServiceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, StatusResponse{
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		BuildTime: version.BuildTime,
		Session:   s.session.Stats(),
	})
}

// handleExportDownload streams the cloud as PLY. ?confidence= overrides the
// configured threshold.
func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	level := s.session.ExportLevel()
	if q := r.URL.Query().Get("confidence"); q != "" {
		l, ok := capture.ParseConfidenceLevel(q)
		if !ok {
			httputil.BadRequest(w, fmt.Sprintf("invalid confidence %q", q))
			return
		}
		level = l
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="scan.ply"`)
	n, err := s.session.ExportAt(w, level)
	if err != nil {
		// Headers are gone; the client sees a truncated body.
		logf("PLY download failed after %d points: %v", n, err)
		return
	}
	logf("PLY download: %d points at %s confidence", n, level)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	var req ExportRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Name == "" {
		req.Name = "scan_" + time.Now().UTC().Format("20060102T150405")
	}

	ctx, cancel := context.WithTimeout(r.Context(), exportWait)
	defer cancel()
	select {
	case res := <-s.session.ExportAsync(req.Name):
		if errors.Is(res.Err, session.ErrClosed) {
			httputil.ServiceUnavailable(w, res.Err.Error())
			return
		}
		if res.Err != nil {
			httputil.InternalServerError(w, res.Err.Error())
			return
		}
		httputil.WriteJSONOK(w, ExportResponse{Path: res.Path, Points: res.Points})
	case <-ctx.Done():
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, "export still running")
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	if err := s.session.Reset(r.Context()); err != nil {
		if errors.Is(err, session.ErrClosed) {
			httputil.ServiceUnavailable(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.session.State())
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rec := s.session.Recorder()
		if rec == nil {
			httputil.ServiceUnavailable(w, session.ErrRecordingUnavailable.Error())
			return
		}
		httputil.WriteJSONOK(w, rec.Status())
	case http.MethodPost:
		var req RecordingRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		st, err := s.session.SetRecording(req.On, req.Label)
		if errors.Is(err, session.ErrRecordingUnavailable) {
			httputil.ServiceUnavailable(w, err.Error())
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, st)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "recording store not configured")
		return
	}
	sessions, err := s.store.ListSessions()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*recording.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.ServiceUnavailable(w, "recording store not configured")
		return
	}
	id := r.PathValue("id")
	sess, err := s.store.GetSession(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	n, err := s.store.CountFrames(id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, SessionDetail{Session: sess, StoredFrames: n})
}

func (s *Server) handleFrameParameters(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.ServiceUnavailable(w, "recording store not configured")
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		httputil.BadRequest(w, fmt.Sprintf("invalid frame index %q", r.PathValue("index")))
		return
	}
	rec, err := s.store.GetFrame(r.PathValue("id"), index)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	body, err := rec.MarshalParameters()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, recording.ErrNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}
