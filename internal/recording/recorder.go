package recording

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/scanrgbd/internal/capture"
	"github.com/banshee-data/scanrgbd/internal/framesync"
	"github.com/banshee-data/scanrgbd/internal/monitoring"
	"github.com/banshee-data/scanrgbd/internal/timeutil"
)

var logf = monitoring.Component("Recorder")

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("recorder closed")

// DefaultSaveSpan saves every 10th frame.
const DefaultSaveSpan = 10

// saveQueue bounds saves waiting for the writer. Frames that do not fit are
// counted in TotalFrames and DroppedFrames but never saved.
const saveQueue = 32

// Status is the recorder's progress, shown as "saved/total".
type Status struct {
	Recording     bool   `json:"recording"`
	SessionID     string `json:"session_id,omitempty"`
	TotalFrames   int    `json:"total_frames"`
	SavedFrames   int    `json:"saved_frames"`
	DroppedFrames int    `json:"dropped_frames"`
	FailedFrames  int    `json:"failed_frames"`
}

// run holds the counters of one recording session.
type run struct {
	session *Session
	total   int
	saved   int
	dropped int
	failed  int
	pending sync.WaitGroup
}

type saveJob struct {
	run *run
	rec *FrameRecord
}

// Recorder queues every span-th frame seen while recording and writes it on a
// background goroutine.
type Recorder struct {
	store *Store
	span  uint64
	clock timeutil.Clock

	mu        sync.Mutex
	recording bool
	closed    bool
	current   *run
	observed  uint64

	jobs     chan saveJob
	finished chan struct{}
}

// NewRecorder starts the background writer. span <= 0 selects
// DefaultSaveSpan; a nil clock uses the wall clock.
func NewRecorder(store *Store, span int, clock timeutil.Clock) *Recorder {
	if span <= 0 {
		span = DefaultSaveSpan
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	r := &Recorder{
		store:    store,
		span:     uint64(span),
		clock:    clock,
		jobs:     make(chan saveJob, saveQueue),
		finished: make(chan struct{}),
	}
	go r.writer()
	return r
}

// Start opens a new session and resets the counters. Starting while already
// recording returns the current session.
func (r *Recorder) Start(label string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.recording {
		return r.current.session, nil
	}

	sess := &Session{Label: label, StartedAt: r.clock.Now()}
	if err := r.store.CreateSession(sess); err != nil {
		return nil, err
	}
	r.current = &run{session: sess}
	r.recording = true
	logf("session %s started (save every %d frames)", sess.ID, r.span)
	return sess, nil
}

// Stop ends the current session once its queued saves have finished. It is
// a no-op when not recording.
func (r *Recorder) Stop() (*Session, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, nil
	}
	r.recording = false
	cur := r.current
	r.mu.Unlock()

	cur.pending.Wait()
	return r.finish(cur)
}

func (r *Recorder) finish(cur *run) (*Session, error) {
	r.mu.Lock()
	total, saved := cur.total, cur.saved
	r.mu.Unlock()

	end := r.clock.Now()
	if err := r.store.EndSession(cur.session.ID, end, total, saved); err != nil {
		return nil, err
	}
	sess := *cur.session
	sess.EndedAt = &end
	sess.TotalFrames, sess.SavedFrames = total, saved
	logf("session %s stopped: frames saved %d/%d", sess.ID, saved, total)
	return &sess, nil
}

// Recording reports whether a session is open.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Observe is called for every captured frame. Every span-th frame seen while
// recording is queued for saving; frames without scene data are ignored.
// It reports whether the frame was queued.
func (r *Recorder) Observe(f *capture.Frame, view framesync.Mat4) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.observed++
	if !r.recording || r.closed || r.observed%r.span != 0 {
		return false
	}
	if !f.HasSceneData() {
		return false
	}

	cur := r.current
	cur.total++
	captured := f.Timestamp
	if captured.IsZero() {
		captured = r.clock.Now()
	}
	job := saveJob{
		run: cur,
		rec: &FrameRecord{
			SessionID:   cur.session.ID,
			FrameIndex:  cur.total - 1,
			FrameNumber: f.Sequence,
			CapturedAt:  captured,
			Intrinsics:  f.Intrinsics,
			View:        view,
			Depth:       *f.Depth,
			Confidence:  *f.Confidence,
		},
	}

	cur.pending.Add(1)
	select {
	case r.jobs <- job:
		return true
	default:
		cur.dropped++
		cur.pending.Done()
		logf("save queue full, dropping frame %d", f.Sequence)
		return false
	}
}

// Status returns the counters of the current or most recent session.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{Recording: r.recording}
	if cur := r.current; cur != nil {
		st.SessionID = cur.session.ID
		st.TotalFrames = cur.total
		st.SavedFrames = cur.saved
		st.DroppedFrames = cur.dropped
		st.FailedFrames = cur.failed
	}
	return st
}

// Store returns the underlying catalog.
func (r *Recorder) Store() *Store { return r.store }

// Close drains queued saves and ends an open session. It does not close the
// store.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	wasRecording := r.recording
	r.recording = false
	cur := r.current
	close(r.jobs)
	r.mu.Unlock()

	<-r.finished
	if wasRecording {
		if _, err := r.finish(cur); err != nil {
			return fmt.Errorf("close recorder: %w", err)
		}
	}
	return nil
}

func (r *Recorder) writer() {
	defer close(r.finished)
	for job := range r.jobs {
		err := r.store.InsertFrame(job.rec)
		r.mu.Lock()
		if err != nil {
			job.run.failed++
		} else {
			job.run.saved++
		}
		r.mu.Unlock()
		if err != nil {
			logf("save frame %d: %v", job.rec.FrameNumber, err)
		}
		job.run.pending.Done()
	}
}
