// Package session owns one accumulation run: it drives frames from a capture
// source through the motion gate, the frame-sync ring and the unprojector
// into the point-cloud accumulator, and serves exports and status while it
// runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/scanrgbd/internal/capture"
	"github.com/banshee-data/scanrgbd/internal/config"
	"github.com/banshee-data/scanrgbd/internal/framesync"
	"github.com/banshee-data/scanrgbd/internal/monitoring"
	"github.com/banshee-data/scanrgbd/internal/pointcloud"
	"github.com/banshee-data/scanrgbd/internal/recording"
	"github.com/banshee-data/scanrgbd/internal/timeutil"
	"github.com/banshee-data/scanrgbd/internal/unproject"
)

var logf = monitoring.Component("Session")

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrNoSource is returned by Run when Options.Source is nil.
	ErrNoSource = errors.New("no frame source")
	// ErrRecordingUnavailable is returned by SetRecording without a recorder.
	ErrRecordingUnavailable = errors.New("recording not configured")
)

// Outcome says what ProcessFrame did with a frame.
type Outcome int

const (
	// Accumulated frames had their samples absorbed into the cloud.
	Accumulated Outcome = iota
	// Gated frames moved too little since the last accumulated frame.
	Gated
	// Skipped frames lacked scene data or failed to unproject.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Accumulated:
		return "accumulated"
	case Gated:
		return "gated"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Options configures a Session. Only Tuning-derived defaults are applied to
// zero fields; Source is needed only by Run.
type Options struct {
	Source capture.Source
	// Unprojector defaults to a CPU worker owned by the session.
	Unprojector unproject.Unprojector
	// Recorder is optional. The session closes it on Close.
	Recorder *recording.Recorder
	Clock    timeutil.Clock
	Tuning   *config.TuningConfig
	// ExportDir receives files written by ExportAsync.
	ExportDir string
}

// Stats is a point-in-time summary of the session.
type Stats struct {
	Frames      uint64            `json:"frames"`
	Accumulated uint64            `json:"accumulated"`
	Gated       uint64            `json:"gated"`
	Skipped     uint64            `json:"skipped"`
	LastFrame   uint64            `json:"last_frame"`
	InFlight    int               `json:"in_flight"`
	Cloud       pointcloud.State  `json:"cloud"`
	Recording   *recording.Status `json:"recording,omitempty"`
	Uptime      string            `json:"uptime"`
	Running     bool              `json:"running"`
	Error       string            `json:"error,omitempty"`
}

// ExportResult reports an asynchronous export.
type ExportResult struct {
	Path   string
	Points int
	Err    error
}

// Session is the explicit context object for one accumulation run. Every
// engine component hangs off it; there is no package-level state.
type Session struct {
	source     capture.Source
	unproj     unproject.Unprojector
	ownsUnproj bool
	recorder   *recording.Recorder
	clock      timeutil.Clock
	exportDir  string

	tracker *capture.PoseTracker
	gate    *capture.MotionGate
	sampler *capture.GridSampler
	ring    *framesync.Ring
	acc     *pointcloud.Accumulator

	inFlightTimeout time.Duration
	statsInterval   time.Duration
	exportLevel     capture.ConfidenceLevel

	// frameMu serialises ProcessFrame and Reset.
	frameMu sync.Mutex

	frames      atomic.Uint64
	accumulated atomic.Uint64
	gated       atomic.Uint64
	skipped     atomic.Uint64
	lastFrame   atomic.Uint64

	started time.Time
	running atomic.Bool
	fatal   atomic.Pointer[error]

	closeOnce sync.Once
	closed    atomic.Bool
	exports   sync.WaitGroup
}

// New builds a session from opts.
func New(opts Options) (*Session, error) {
	tuning := opts.Tuning
	if tuning == nil {
		tuning = config.EmptyTuningConfig()
	}
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	ring, err := framesync.NewRing(tuning.GetMaxFramesInFlight())
	if err != nil {
		return nil, fmt.Errorf("create frame ring: %w", err)
	}
	acc, err := pointcloud.NewAccumulator(tuning.GetMaxPointCount())
	if err != nil {
		return nil, fmt.Errorf("create accumulator: %w", err)
	}

	s := &Session{
		source:          opts.Source,
		unproj:          opts.Unprojector,
		recorder:        opts.Recorder,
		clock:           clock,
		exportDir:       opts.ExportDir,
		tracker:         capture.NewPoseTracker(),
		sampler:         capture.NewGridSampler(tuning.GetTargetSampleCount()),
		ring:            ring,
		acc:             acc,
		inFlightTimeout: tuning.GetInFlightTimeout(),
		statsInterval:   tuning.GetStatsInterval(),
		exportLevel:     tuning.GetExportConfidence(),
		started:         clock.Now(),
	}
	s.gate = capture.NewMotionGate(s.tracker, tuning.GetRotationThresholdDeg(), tuning.GetTranslationThresholdM())
	if s.unproj == nil {
		s.unproj = unproject.NewCPUWorker(tuning.GetMaxFramesInFlight())
		s.ownsUnproj = true
	}
	if s.recorder != nil && tuning.GetRecordFrames() {
		if _, err := s.recorder.Start(""); err != nil {
			s.Close()
			return nil, fmt.Errorf("start recording: %w", err)
		}
	}
	return s, nil
}

// ProcessFrame runs one frame through the pipeline. Accepted frames return
// once their points are in the cloud; gated and skipped frames return as soon
// as their slot is handed to the unprojector.
//
// A non-nil error is fatal for the session: the ring starved waiting for a
// free slot, or the unprojector refused work.
func (s *Session) ProcessFrame(ctx context.Context, f *capture.Frame) (Outcome, error) {
	if s.closed.Load() {
		return Skipped, ErrClosed
	}
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	s.frames.Add(1)
	s.lastFrame.Store(f.Sequence)

	// A malformed pose is transient, like a missing plane: the gate and
	// tracker never see it.
	if err := f.Pose.Validate(); err != nil {
		logf("frame %d: invalid pose: %v", f.Sequence, err)
		s.count(Skipped)
		return Skipped, nil
	}

	slot, err := s.advance(ctx)
	if err != nil {
		s.count(Skipped)
		if ctx.Err() != nil {
			return Skipped, ctx.Err()
		}
		return Skipped, s.fail(err)
	}

	occupancy := s.acc.Occupancy()
	u, err := framesync.NewFrameUniforms(f.Pose, f.Intrinsics, f.Resolution, s.acc.Capacity(), s.acc.State().WriteCursor)
	if err != nil {
		s.release(slot)
		logf("frame %d: %v", f.Sequence, err)
		s.skipped.Add(1)
		return Skipped, nil
	}
	if err := s.ring.Write(slot, u); err != nil {
		s.release(slot)
		return Skipped, s.fail(err)
	}

	if s.recorder != nil {
		s.recorder.Observe(f, u.View)
	}

	outcome := Accumulated
	job := unproject.Job{Frame: f.Sequence, Slot: slot, Uniforms: s.ring.SlotBytes(slot.Index)}
	switch {
	case !f.HasSceneData():
		outcome = Skipped
	case !s.gate.ShouldAccumulate(f.Pose, occupancy):
		outcome = Gated
	default:
		color, depth, err := capture.Textures(f)
		if err != nil {
			logf("frame %d: %v", f.Sequence, err)
			outcome = Skipped
			break
		}
		job.Samples = s.sampler.Samples(f.Resolution)
		job.Textures = unproject.TextureSet{Color: color, Depth: depth}
		if err := s.ring.Retain(slot, job.Textures.Sources()...); err != nil {
			s.release(slot)
			return Skipped, s.fail(err)
		}
	}

	results := make(chan unproject.Result, 1)
	done := func(r unproject.Result) {
		s.release(slot)
		results <- r
	}
	if err := s.unproj.Submit(job, done); err != nil {
		s.release(slot)
		return Skipped, s.fail(fmt.Errorf("submit frame %d: %w", f.Sequence, err))
	}

	if outcome != Accumulated {
		s.count(outcome)
		return outcome, nil
	}

	var res unproject.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		s.count(Skipped)
		return Skipped, ctx.Err()
	}
	if res.Err != nil {
		s.count(Skipped)
		return Skipped, nil
	}
	s.acc.Absorb(res.Points)
	s.tracker.Accept(f.Pose)
	s.count(Accumulated)
	return Accumulated, nil
}

func (s *Session) advance(ctx context.Context) (framesync.Slot, error) {
	actx, cancel := context.WithTimeout(ctx, s.inFlightTimeout)
	defer cancel()
	return s.ring.Advance(actx)
}

func (s *Session) release(slot framesync.Slot) {
	if err := s.ring.Release(slot); err != nil {
		logf("release slot %d: %v", slot.Index, err)
	}
}

func (s *Session) count(o Outcome) {
	switch o {
	case Accumulated:
		s.accumulated.Add(1)
	case Gated:
		s.gated.Add(1)
	case Skipped:
		s.skipped.Add(1)
	}
}

// fail records the first fatal error.
func (s *Session) fail(err error) error {
	if s.fatal.CompareAndSwap(nil, &err) {
		logf("fatal: %v", err)
	}
	return err
}

// Err returns the fatal error that stopped the session, if any.
func (s *Session) Err() error {
	if p := s.fatal.Load(); p != nil {
		return *p
	}
	return nil
}

// Running reports whether Run is executing.
func (s *Session) Running() bool { return s.running.Load() }

// Run pulls frames from Options.Source until the source ends, ctx is done
// or a fatal error occurs. A source ending with io.EOF returns nil once every
// in-flight frame has completed.
func (s *Session) Run(ctx context.Context) error {
	if s.source == nil {
		return ErrNoSource
	}
	if s.closed.Load() {
		return ErrClosed
	}
	s.running.Store(true)
	defer s.running.Store(false)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logStats(stop)
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for {
		f, err := s.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			logf("source ended after %d frames", s.frames.Load())
			return s.drain(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.fail(fmt.Errorf("read frame: %w", err))
		}
		if _, err := s.ProcessFrame(ctx, f); err != nil {
			return err
		}
	}
}

func (s *Session) drain(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, s.inFlightTimeout)
	defer cancel()
	if err := s.ring.Reset(dctx); err != nil {
		return s.fail(fmt.Errorf("drain in-flight frames: %w", err))
	}
	return nil
}

func (s *Session) logStats(stop <-chan struct{}) {
	ticker := s.clock.NewTicker(s.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			st := s.Stats()
			logf("frames=%d accumulated=%d gated=%d skipped=%d points=%d/%d in_flight=%d",
				st.Frames, st.Accumulated, st.Gated, st.Skipped,
				st.Cloud.Occupancy, st.Cloud.Capacity, st.InFlight)
		}
	}
}

// Reset empties the cloud and returns the pose tracker to identity once all
// in-flight frames have completed.
func (s *Session) Reset(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.frameMu.Lock()
	defer s.frameMu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, s.inFlightTimeout)
	defer cancel()
	if err := s.ring.Reset(rctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	s.acc.Reset()
	s.tracker.Reset()
	logf("cloud reset")
	return nil
}

// SetRecording starts or stops frame recording and returns the recorder
// status afterwards.
func (s *Session) SetRecording(on bool, label string) (recording.Status, error) {
	if s.recorder == nil {
		return recording.Status{}, ErrRecordingUnavailable
	}
	var err error
	if on {
		_, err = s.recorder.Start(label)
	} else {
		_, err = s.recorder.Stop()
	}
	return s.recorder.Status(), err
}

// Recording reports whether frames are being recorded.
func (s *Session) Recording() bool {
	return s.recorder != nil && s.recorder.Recording()
}

// Recorder returns the configured recorder or nil.
func (s *Session) Recorder() *recording.Recorder { return s.recorder }

// ExportLevel is the confidence threshold used by Export and ExportAsync.
func (s *Session) ExportLevel() capture.ConfidenceLevel { return s.exportLevel }

// Export writes the cloud as PLY, keeping points at or above the configured
// confidence level.
func (s *Session) Export(w io.Writer) (int, error) {
	return s.ExportAt(w, s.exportLevel)
}

// ExportAt writes the cloud as PLY with an explicit confidence threshold.
func (s *Session) ExportAt(w io.Writer, level capture.ConfidenceLevel) (int, error) {
	return pointcloud.WritePLY(w, s.acc, level)
}

// ExportAsync writes name.ply into the export directory on its own
// goroutine while accumulation continues. The channel yields one result.
func (s *Session) ExportAsync(name string) <-chan ExportResult {
	out := make(chan ExportResult, 1)
	if s.closed.Load() {
		out <- ExportResult{Err: ErrClosed}
		close(out)
		return out
	}
	s.exports.Add(1)
	go func() {
		defer s.exports.Done()
		defer close(out)
		path, n, err := pointcloud.ExportFile(s.exportDir, name, s.acc, s.exportLevel)
		if err != nil {
			logf("export %q failed: %v", name, err)
		} else {
			logf("exported %d points to %s", n, path)
		}
		out <- ExportResult{Path: path, Points: n, Err: err}
	}()
	return out
}

// State returns the accumulator state.
func (s *Session) State() pointcloud.State { return s.acc.State() }

// Cloud exposes the accumulated points for read-only consumers.
func (s *Session) Cloud() pointcloud.Readable { return s.acc }

// PreviewPoints returns at most limit points spread evenly over storage
// order.
func (s *Session) PreviewPoints(limit int) []pointcloud.PointRecord {
	occ := s.acc.Occupancy()
	if limit <= 0 || occ == 0 {
		return nil
	}
	stride := (occ + limit - 1) / limit
	out := make([]pointcloud.PointRecord, 0, min(limit, occ))
	i := 0
	_ = s.acc.Iterate(func(chunk []pointcloud.PointRecord) error {
		for _, p := range chunk {
			if i%stride == 0 && len(out) < limit {
				out = append(out, p)
			}
			i++
		}
		return nil
	})
	return out
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	st := Stats{
		Frames:      s.frames.Load(),
		Accumulated: s.accumulated.Load(),
		Gated:       s.gated.Load(),
		Skipped:     s.skipped.Load(),
		LastFrame:   s.lastFrame.Load(),
		InFlight:    s.ring.InFlight(),
		Cloud:       s.acc.State(),
		Uptime:      s.clock.Since(s.started).Round(time.Second).String(),
		Running:     s.running.Load(),
	}
	if s.recorder != nil {
		rs := s.recorder.Status()
		st.Recording = &rs
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// Close waits for pending exports and in-flight frames, then stops the
// owned unprojector and the recorder.
func (s *Session) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.exports.Wait()

		s.frameMu.Lock()
		ctx, cancel := context.WithTimeout(context.Background(), s.inFlightTimeout)
		if err := s.ring.Reset(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain in-flight frames: %w", err))
		}
		cancel()
		s.frameMu.Unlock()

		if s.ownsUnproj {
			if err := s.unproj.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.recorder != nil {
			if err := s.recorder.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
