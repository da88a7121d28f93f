package recording

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/scanrgbd/internal/security"
)

// CatalogStats summarises the recording catalog.
type CatalogStats struct {
	SchemaVersion   uint  `json:"schema_version"`
	Dirty           bool  `json:"dirty"`
	Sessions        int   `json:"sessions"`
	Frames          int   `json:"frames"`
	DepthBytes      int64 `json:"depth_bytes"`
	ConfidenceBytes int64 `json:"confidence_bytes"`
}

// Stats reports row counts and blob sizes.
func (s *Store) Stats() (CatalogStats, error) {
	var st CatalogStats
	var err error
	if st.SchemaVersion, st.Dirty, err = s.MigrateVersion(); err != nil {
		return st, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&st.Sessions); err != nil {
		return st, fmt.Errorf("count sessions: %w", err)
	}
	err = s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(LENGTH(depth_values)), 0),
			COALESCE(SUM(LENGTH(confidence)), 0)
		FROM frames`).Scan(&st.Frames, &st.DepthBytes, &st.ConfidenceBytes)
	if err != nil {
		return st, fmt.Errorf("count frames: %w", err)
	}
	return st, nil
}

// AttachAdminRoutes mounts the debug pages for the catalog under /debug/:
// a live SQL console, catalog stats and a gzipped backup download. Backups
// are staged in a temporary directory and removed after sending.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://recordings.db", s.db, &tailsql.DBOptions{
		Label: "Recordings DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("recording-stats", "Recording catalog statistics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Stats()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)
	}))

	debug.Handle("backup", "Create and download a backup of the recordings database now", http.HandlerFunc(s.serveBackup))
	return nil
}

func (s *Store) serveBackup(w http.ResponseWriter, _ *http.Request) {
	dir, err := os.MkdirTemp("", "scanrgbd-backup-")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup directory: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logf("failed to remove backup directory: %v", err)
		}
	}()

	name := fmt.Sprintf("recordings-%d.db", time.Now().Unix())
	backupPath := filepath.Join(dir, name)
	if err := security.ValidatePathWithinDirectory(backupPath, dir); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := s.db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}

	f, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		logf("backup copy: %v", err)
	}
}
