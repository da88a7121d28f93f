// Package recording persists sampled capture frames while recording is on.
//
// Each recording session gets a row in the sessions table. Every saved frame
// stores the parameters a reconstruction tool needs: frame number,
// intrinsics, view matrix, the raw depth map and its confidence levels.
package recording

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/scanrgbd/internal/capture"
	"github.com/banshee-data/scanrgbd/internal/framesync"
	"github.com/banshee-data/scanrgbd/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a session or frame does not exist.
var ErrNotFound = errors.New("not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Session is one recording run.
type Session struct {
	ID          string     `json:"session_id"`
	Label       string     `json:"label,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	TotalFrames int        `json:"total_frames"`
	SavedFrames int        `json:"saved_frames"`
}

// FrameRecord is one saved frame.
type FrameRecord struct {
	SessionID   string
	FrameIndex  int
	FrameNumber uint64
	CapturedAt  time.Time
	Intrinsics  capture.Intrinsics
	View        framesync.Mat4
	Depth       capture.DepthMap
	Confidence  capture.ConfidenceMap
}

// Store is the sqlite catalog of sessions and frames.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the database at path and migrates it to the
// latest schema.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under the async saver.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for admin tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// MigrateUp applies all pending embedded migrations.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version. A fresh database
// reports 0, false.
func (s *Store) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// CreateSession inserts a new open session. An empty ID is replaced by a
// fresh UUID.
func (s *Store) CreateSession(sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, label, started_at, total_frames, saved_frames)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Label, sess.StartedAt.UnixNano(), sess.TotalFrames, sess.SavedFrames,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession closes a session and stores its final counters.
func (s *Store) EndSession(id string, endedAt time.Time, total, saved int) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET ended_at = ?, total_frames = ?, saved_frames = ?
		WHERE session_id = ?`,
		endedAt.UnixNano(), total, saved, id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession returns one session.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT session_id, label, started_at, ended_at, total_frames, saved_frames
		FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT session_id, label, started_at, ended_at, total_frames, saved_frames
		FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		sess    Session
		started int64
		ended   sql.NullInt64
	)
	if err := sc.Scan(&sess.ID, &sess.Label, &started, &ended, &sess.TotalFrames, &sess.SavedFrames); err != nil {
		return nil, err
	}
	sess.StartedAt = time.Unix(0, started)
	if ended.Valid {
		t := time.Unix(0, ended.Int64)
		sess.EndedAt = &t
	}
	return &sess, nil
}

// InsertFrame stores one frame.
func (s *Store) InsertFrame(rec *FrameRecord) error {
	if len(rec.Depth.Values) != rec.Depth.Width*rec.Depth.Height {
		return fmt.Errorf("insert frame %d: depth has %d values for %dx%d",
			rec.FrameIndex, len(rec.Depth.Values), rec.Depth.Width, rec.Depth.Height)
	}
	if rec.Confidence.Width != rec.Depth.Width || rec.Confidence.Height != rec.Depth.Height ||
		len(rec.Confidence.Levels) != len(rec.Depth.Values) {
		return fmt.Errorf("insert frame %d: confidence does not match %dx%d depth",
			rec.FrameIndex, rec.Depth.Width, rec.Depth.Height)
	}
	intrinsic, err := json.Marshal(intrinsicColumns(rec.Intrinsics))
	if err != nil {
		return fmt.Errorf("encode intrinsic: %w", err)
	}
	view, err := json.Marshal(viewColumns(rec.View))
	if err != nil {
		return fmt.Errorf("encode view matrix: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO frames (
			session_id, frame_index, frame_number, captured_at,
			intrinsic, view_matrix, depth_width, depth_height, depth_values,
			confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.FrameIndex, int64(rec.FrameNumber), rec.CapturedAt.UnixNano(),
		string(intrinsic), string(view), rec.Depth.Width, rec.Depth.Height, encodeDepth(rec.Depth.Values),
		rec.Confidence.Levels,
	)
	if err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}
	return nil
}

// GetFrame returns one frame of a session.
func (s *Store) GetFrame(sessionID string, index int) (*FrameRecord, error) {
	row := s.db.QueryRow(`
		SELECT session_id, frame_index, frame_number, captured_at,
			intrinsic, view_matrix, depth_width, depth_height, depth_values,
			confidence
		FROM frames WHERE session_id = ? AND frame_index = ?`, sessionID, index)
	rec, err := scanFrame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("frame %s/%d: %w", sessionID, index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get frame: %w", err)
	}
	return rec, nil
}

// CountFrames returns the number of frames stored for a session.
func (s *Store) CountFrames(sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM frames WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count frames: %w", err)
	}
	return n, nil
}

// DeleteSession removes a session and its frames.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanFrame(sc scanner) (*FrameRecord, error) {
	var (
		rec             FrameRecord
		frameNumber     int64
		captured        int64
		intrinsic, view string
		depth           []byte
	)
	err := sc.Scan(&rec.SessionID, &rec.FrameIndex, &frameNumber, &captured,
		&intrinsic, &view, &rec.Depth.Width, &rec.Depth.Height, &depth,
		&rec.Confidence.Levels)
	if err != nil {
		return nil, err
	}
	rec.FrameNumber = uint64(frameNumber)
	rec.CapturedAt = time.Unix(0, captured)

	var kc [3][3]float64
	if err := json.Unmarshal([]byte(intrinsic), &kc); err != nil {
		return nil, fmt.Errorf("decode intrinsic: %w", err)
	}
	for c := 0; c < 3; c++ {
		for r := 0; r < 3; r++ {
			rec.Intrinsics[r*3+c] = kc[c][r]
		}
	}
	var vc [4][4]float32
	if err := json.Unmarshal([]byte(view), &vc); err != nil {
		return nil, fmt.Errorf("decode view matrix: %w", err)
	}
	for c := 0; c < 4; c++ {
		copy(rec.View[c*4:c*4+4], vc[c][:])
	}

	rec.Depth.Values, err = decodeDepth(depth, rec.Depth.Width*rec.Depth.Height)
	if err != nil {
		return nil, err
	}
	rec.Confidence.Width, rec.Confidence.Height = rec.Depth.Width, rec.Depth.Height
	return &rec, nil
}

// intrinsicColumns lays K out as three columns, the way the parameters file
// stores it.
func intrinsicColumns(k capture.Intrinsics) [3][3]float64 {
	var out [3][3]float64
	for c := 0; c < 3; c++ {
		for r := 0; r < 3; r++ {
			out[c][r] = k[r*3+c]
		}
	}
	return out
}

func viewColumns(m framesync.Mat4) [4][4]float32 {
	var out [4][4]float32
	for c := 0; c < 4; c++ {
		copy(out[c][:], m[c*4:c*4+4])
	}
	return out
}

func encodeDepth(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeDepth(buf []byte, n int) ([]float32, error) {
	if len(buf) != 4*n {
		return nil, fmt.Errorf("depth blob is %d bytes, want %d", len(buf), 4*n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}
