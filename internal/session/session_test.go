package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
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

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

var smallColor = capture.Resolution{Width: 64, Height: 48}

const testSamples = 400

func testTuning(mod func(c *config.TuningConfig)) *config.TuningConfig {
	cfg := config.DefaultTuningConfig()
	samples, points := testSamples, 200_000
	timeout := "2s"
	cfg.TargetSampleCount = &samples
	cfg.MaxPointCount = &points
	cfg.InFlightTimeout = &timeout
	if mod != nil {
		mod(cfg)
	}
	return cfg
}

func smallSource(frames, dropEvery uint64) *capture.SyntheticSource {
	return capture.NewSyntheticSource(capture.SyntheticConfig{
		ColorResolution: smallColor,
		DepthResolution: capture.Resolution{Width: 32, Height: 24},
		Frames:          frames,
		DropEvery:       dropEvery,
	})
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Tuning == nil {
		opts.Tuning = testTuning(nil)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func samplesPerFrame() int {
	return len(capture.MakeGridSamples(smallColor, testSamples))
}

// stubUnprojector completes jobs without computing geometry. With hold set
// it keeps completions until releaseAll.
type stubUnprojector struct {
	mu        sync.Mutex
	hold      bool
	held      []func()
	submitErr error
	resultErr error
	submitted int
}

func (u *stubUnprojector) Submit(job unproject.Job, done func(unproject.Result)) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.submitErr != nil {
		return u.submitErr
	}
	u.submitted++
	r := unproject.Result{Frame: job.Frame, Slot: job.Slot, Err: u.resultErr}
	if !job.Empty() && u.resultErr == nil {
		r.Points = make([]pointcloud.PointRecord, len(job.Samples))
	}
	if u.hold {
		u.held = append(u.held, func() { done(r) })
		return nil
	}
	go done(r)
	return nil
}

func (u *stubUnprojector) Close() error { return nil }

func (u *stubUnprojector) releaseAll() {
	u.mu.Lock()
	held := u.held
	u.held, u.hold = nil, false
	u.mu.Unlock()
	for _, f := range held {
		f()
	}
}

func TestRun_AccumulatesOrbit(t *testing.T) {
	s := newTestSession(t, Options{Source: smallSource(30, 0)})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := s.Stats()
	if st.Frames != 30 || st.Accumulated != 30 || st.Gated != 0 || st.Skipped != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if want := 30 * samplesPerFrame(); st.Cloud.Occupancy != want {
		t.Errorf("occupancy = %d, want %d", st.Cloud.Occupancy, want)
	}
	if st.InFlight != 0 {
		t.Errorf("InFlight = %d after drain", st.InFlight)
	}
	if st.Running {
		t.Error("Running after Run returned")
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestProcessFrame_GatesSmallMotion(t *testing.T) {
	s := newTestSession(t, Options{Tuning: testTuning(func(c *config.TuningConfig) {
		rot, trans := 45.0, 1.0
		c.RotationThresholdDeg = &rot
		c.TranslationThresholdM = &trans
	})})
	src := smallSource(20, 0)

	for i := 0; i < 20; i++ {
		f, err := src.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		got, err := s.ProcessFrame(context.Background(), f)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		want := Gated
		if i == 0 {
			want = Accumulated
		}
		if got != want {
			t.Fatalf("frame %d outcome = %v, want %v", i, got, want)
		}
	}
	if occ := s.State().Occupancy; occ != samplesPerFrame() {
		t.Errorf("occupancy = %d, want one frame of samples", occ)
	}
}

func TestRun_SkipsFramesWithoutSceneData(t *testing.T) {
	s := newTestSession(t, Options{Source: smallSource(9, 3)})
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := s.Stats()
	if st.Skipped != 3 || st.Accumulated != 6 {
		t.Errorf("stats = %+v, want 3 skipped and 6 accumulated", st)
	}
}

func TestProcessFrame_TokenStarvationIsFatal(t *testing.T) {
	stub := &stubUnprojector{hold: true}
	s := newTestSession(t, Options{
		Unprojector: stub,
		Tuning: testTuning(func(c *config.TuningConfig) {
			slots, timeout := 2, "50ms"
			c.MaxFramesInFlight = &slots
			c.InFlightTimeout = &timeout
		}),
	})
	// Frames without depth complete asynchronously and keep their slot
	// until the stub lets go.
	src := smallSource(0, 1)
	for i := 0; i < 2; i++ {
		f, _ := src.Next(context.Background())
		if got, err := s.ProcessFrame(context.Background(), f); err != nil || got != Skipped {
			t.Fatalf("frame %d: %v, %v", i, got, err)
		}
	}

	f, _ := src.Next(context.Background())
	_, err := s.ProcessFrame(context.Background(), f)
	if !errors.Is(err, framesync.ErrTokenStarved) {
		t.Fatalf("expected ErrTokenStarved, got %v", err)
	}
	if !errors.Is(s.Err(), framesync.ErrTokenStarved) {
		t.Errorf("Err() = %v", s.Err())
	}
	if s.Stats().Error == "" {
		t.Error("Stats().Error is empty after a fatal error")
	}

	stub.releaseAll()
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestProcessFrame_CancelledContextIsNotFatal(t *testing.T) {
	stub := &stubUnprojector{hold: true}
	s := newTestSession(t, Options{
		Unprojector: stub,
		Tuning: testTuning(func(c *config.TuningConfig) {
			slots := 1
			c.MaxFramesInFlight = &slots
		}),
	})
	src := smallSource(0, 1)
	f, _ := src.Next(context.Background())
	if _, err := s.ProcessFrame(context.Background(), f); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f, _ = src.Next(context.Background())
	if _, err := s.ProcessFrame(ctx, f); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.Err() != nil {
		t.Errorf("cancellation recorded as fatal: %v", s.Err())
	}
	if st := s.Stats(); st.Frames != st.Accumulated+st.Gated+st.Skipped {
		t.Errorf("outcome counters do not add up: %+v", st)
	}
	stub.releaseAll()
}

func TestProcessFrame_CancelledWhileWaitingCountsSkip(t *testing.T) {
	stub := &stubUnprojector{hold: true}
	s := newTestSession(t, Options{Unprojector: stub})
	f, _ := smallSource(1, 0).Next(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := s.ProcessFrame(ctx, f)
	if got != Skipped || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, %v; want Skipped, DeadlineExceeded", got, err)
	}
	st := s.Stats()
	if st.Frames != st.Accumulated+st.Gated+st.Skipped {
		t.Errorf("outcome counters do not add up: %+v", st)
	}
	if st.Skipped != 1 || st.Cloud.Occupancy != 0 {
		t.Errorf("stats = %+v, want one skipped frame and no points", st)
	}
	stub.releaseAll()
}

func TestProcessFrame_InvalidPoseIsTransient(t *testing.T) {
	s := newTestSession(t, Options{})
	src := smallSource(0, 0)

	first, _ := src.Next(context.Background())
	if got, err := s.ProcessFrame(context.Background(), first); err != nil || got != Accumulated {
		t.Fatalf("first frame: %v, %v", got, err)
	}
	occ := s.State().Occupancy

	bad, _ := src.Next(context.Background())
	bad.Pose = bad.Pose.Translated(5, 0, 0)
	bad.Pose.T[0] *= 2
	got, err := s.ProcessFrame(context.Background(), bad)
	if err != nil || got != Skipped {
		t.Fatalf("malformed pose: %v, %v; want Skipped, nil", got, err)
	}
	if s.Err() != nil {
		t.Errorf("malformed pose recorded as fatal: %v", s.Err())
	}
	if s.State().Occupancy != occ || s.Stats().InFlight != 0 {
		t.Errorf("state changed: %+v", s.Stats())
	}
	if s.tracker.Last() != first.Pose {
		t.Error("tracker moved to the malformed pose")
	}
}

// retainRecorder notes which textures the ring holds when a job is submitted.
type retainRecorder struct {
	stubUnprojector
	ring  *framesync.Ring
	kinds []capture.TextureKind
}

func (u *retainRecorder) Submit(job unproject.Job, done func(unproject.Result)) error {
	if !job.Empty() {
		for _, tex := range u.ring.Retained(job.Slot) {
			u.kinds = append(u.kinds, tex.Kind())
		}
	}
	return u.stubUnprojector.Submit(job, done)
}

func TestProcessFrame_RetainsTexturesUntilCompletion(t *testing.T) {
	stub := &retainRecorder{}
	s := newTestSession(t, Options{Unprojector: stub})
	stub.ring = s.ring

	f, _ := smallSource(1, 0).Next(context.Background())
	if got, err := s.ProcessFrame(context.Background(), f); err != nil || got != Accumulated {
		t.Fatalf("got %v, %v", got, err)
	}
	want := []capture.TextureKind{capture.TextureColor, capture.TextureDepth}
	if len(stub.kinds) != len(want) || stub.kinds[0] != want[0] || stub.kinds[1] != want[1] {
		t.Errorf("retained %v, want %v", stub.kinds, want)
	}
	if n := s.Stats().InFlight; n != 0 {
		t.Errorf("InFlight = %d after completion", n)
	}
}

func TestProcessFrame_SubmitFailureReleasesSlot(t *testing.T) {
	stub := &stubUnprojector{submitErr: unproject.ErrClosed}
	s := newTestSession(t, Options{Unprojector: stub})
	f, _ := smallSource(1, 0).Next(context.Background())

	_, err := s.ProcessFrame(context.Background(), f)
	if !errors.Is(err, unproject.ErrClosed) {
		t.Fatalf("expected ErrClosed from submit, got %v", err)
	}
	if n := s.Stats().InFlight; n != 0 {
		t.Errorf("InFlight = %d, want slot released", n)
	}
}

func TestProcessFrame_UnprojectErrorSkipsFrame(t *testing.T) {
	stub := &stubUnprojector{resultErr: errors.New("bad texture")}
	s := newTestSession(t, Options{Unprojector: stub})
	f, _ := smallSource(1, 0).Next(context.Background())

	got, err := s.ProcessFrame(context.Background(), f)
	if err != nil || got != Skipped {
		t.Fatalf("got %v, %v; want Skipped, nil", got, err)
	}
	if s.State().Occupancy != 0 {
		t.Error("failed frame added points")
	}
}

func TestReset(t *testing.T) {
	s := newTestSession(t, Options{Source: smallSource(5, 0)})
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := s.State()
	if st.Occupancy != 0 || st.WriteCursor != 0 {
		t.Fatalf("state after reset = %+v", st)
	}

	// The first frame after a reset is always accepted.
	f, _ := smallSource(1, 0).Next(context.Background())
	if got, err := s.ProcessFrame(context.Background(), f); err != nil || got != Accumulated {
		t.Fatalf("got %v, %v after reset", got, err)
	}
}

func TestExport_HeaderMatchesBody(t *testing.T) {
	s := newTestSession(t, Options{Source: smallSource(10, 0)})
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	kept, err := s.Export(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if kept == 0 || kept > s.State().Occupancy {
		t.Fatalf("kept = %d of %d", kept, s.State().Occupancy)
	}
	checkPLY(t, buf.String(), kept)

	var low bytes.Buffer
	all, err := s.ExportAt(&low, capture.ConfidenceLow)
	if err != nil {
		t.Fatal(err)
	}
	if all != s.State().Occupancy {
		t.Errorf("low threshold kept %d of %d", all, s.State().Occupancy)
	}
}

func checkPLY(t *testing.T, body string, want int) {
	t.Helper()
	header, data, ok := strings.Cut(body, "end_header\r\n")
	if !ok {
		t.Fatal("no end_header")
	}
	if !strings.Contains(header, fmt.Sprintf("element vertex %d\r\n", want)) {
		t.Errorf("header does not declare %d vertices:\n%s", want, header)
	}
	lines := 0
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		lines++
	}
	if lines != want {
		t.Errorf("body has %d lines, want %d", lines, want)
	}
}

func TestExportAsync_DuringAccumulation(t *testing.T) {
	dir := t.TempDir()
	s := newTestSession(t, Options{Source: smallSource(40, 0), ExportDir: dir})

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	var results []ExportResult
	for i := 0; i < 3; i++ {
		results = append(results, <-s.ExportAsync(fmt.Sprintf("snap %d", i)))
	}
	if err := <-runErr; err != nil {
		t.Fatal(err)
	}

	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("export %d: %v", i, r.Err)
		}
		if want := filepath.Join(dir, fmt.Sprintf("snap_%d.ply", i)); r.Path != want {
			t.Errorf("path = %s, want %s", r.Path, want)
		}
		data, err := os.ReadFile(r.Path)
		if err != nil {
			t.Fatal(err)
		}
		checkPLY(t, string(data), r.Points)
	}
}

func TestSetRecording(t *testing.T) {
	s := newTestSession(t, Options{})
	if _, err := s.SetRecording(true, ""); !errors.Is(err, ErrRecordingUnavailable) {
		t.Fatalf("expected ErrRecordingUnavailable, got %v", err)
	}
	if s.Recording() {
		t.Error("Recording() without a recorder")
	}

	store, err := recording.OpenStore(filepath.Join(t.TempDir(), "rec.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	rec := recording.NewRecorder(store, 2, nil)

	s = newTestSession(t, Options{Source: smallSource(10, 0), Recorder: rec})
	st, err := s.SetRecording(true, "demo")
	if err != nil || !st.Recording {
		t.Fatalf("SetRecording(true) = %+v, %v", st, err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	st, err = s.SetRecording(false, "")
	if err != nil {
		t.Fatal(err)
	}
	if st.Recording || st.TotalFrames != 5 || st.SavedFrames != 5 {
		t.Errorf("status after stop = %+v", st)
	}
	if got := s.Stats().Recording; got == nil || got.SavedFrames != 5 {
		t.Errorf("Stats().Recording = %+v", got)
	}
}

func TestNew_RecordFramesStartsRecording(t *testing.T) {
	store, err := recording.OpenStore(filepath.Join(t.TempDir(), "rec.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	s := newTestSession(t, Options{
		Source:   smallSource(3, 0),
		Recorder: recording.NewRecorder(store, 1, nil),
		Tuning: testTuning(func(c *config.TuningConfig) {
			on := true
			c.RecordFrames = &on
		}),
	})
	if !s.Recording() {
		t.Fatal("record_frames did not start recording")
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	id := s.Recorder().Status().SessionID
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	sess, err := store.GetSession(id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.EndedAt == nil || sess.SavedFrames != 3 {
		t.Errorf("stored session = %+v", sess)
	}
}

type blockingSource struct{}

func (blockingSource) Next(ctx context.Context) (*capture.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_LogsStatsOnTicker(t *testing.T) {
	got := make(chan string, 4)
	prev := monitoring.SetLogger(func(format string, v ...interface{}) {
		if msg := fmt.Sprintf(format, v...); strings.Contains(msg, "frames=") {
			select {
			case got <- msg:
			default:
			}
		}
	})
	defer monitoring.SetLogger(prev)

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s := newTestSession(t, Options{Source: blockingSource{}, Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for clock.Tickers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stats ticker never created")
		}
		time.Sleep(time.Millisecond)
	}
	clock.Advance(5 * time.Second)

	select {
	case msg := <-got:
		if !strings.Contains(msg, "[Session]") {
			t.Errorf("stats line %q lacks component prefix", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stats line logged")
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if clock.Tickers() != 0 {
		t.Error("stats ticker not stopped")
	}
}

func TestClosedSession(t *testing.T) {
	s := newTestSession(t, Options{Source: smallSource(1, 0)})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	f, _ := smallSource(1, 0).Next(context.Background())
	if _, err := s.ProcessFrame(context.Background(), f); !errors.Is(err, ErrClosed) {
		t.Errorf("ProcessFrame after Close = %v", err)
	}
	if r := <-s.ExportAsync("x"); !errors.Is(r.Err, ErrClosed) {
		t.Errorf("ExportAsync after Close = %v", r.Err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Run after Close = %v", err)
	}
}

func TestRun_NoSource(t *testing.T) {
	s := newTestSession(t, Options{})
	if err := s.Run(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Errorf("Run = %v, want ErrNoSource", err)
	}
}

func TestPreviewPoints(t *testing.T) {
	s := newTestSession(t, Options{Source: smallSource(4, 0)})
	if got := s.PreviewPoints(10); got != nil {
		t.Errorf("preview of empty cloud = %d points", len(got))
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(s.PreviewPoints(100)); got == 0 || got > 100 {
		t.Errorf("preview returned %d points", got)
	}
	occ := s.State().Occupancy
	if got := len(s.PreviewPoints(occ * 2)); got != occ {
		t.Errorf("preview with large limit = %d, want %d", got, occ)
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{Accumulated: "accumulated", Gated: "gated", Skipped: "skipped", Outcome(7): "Outcome(7)"} {
		if o.String() != want {
			t.Errorf("%d.String() = %q", int(o), o.String())
		}
	}
}
