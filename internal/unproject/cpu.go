package unproject

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/scanrgbd/internal/capture"
	"github.com/banshee-data/scanrgbd/internal/framesync"
	"github.com/banshee-data/scanrgbd/internal/monitoring"
	"github.com/banshee-data/scanrgbd/internal/pointcloud"
)

var logf = monitoring.Component("Unproject")

type task struct {
	job  Job
	done func(Result)
}

// CPUWorker runs jobs one at a time on a single goroutine.
type CPUWorker struct {
	jobs     chan task
	finished chan struct{}

	mu     sync.RWMutex
	closed bool

	processed atomic.Uint64
	points    atomic.Uint64
}

// NewCPUWorker starts the worker. queue bounds the number of submitted jobs
// waiting to run; it defaults to framesync.DefaultSlots.
func NewCPUWorker(queue int) *CPUWorker {
	if queue <= 0 {
		queue = framesync.DefaultSlots
	}
	w := &CPUWorker{
		jobs:     make(chan task, queue),
		finished: make(chan struct{}),
	}
	go w.run()
	return w
}

// Submit queues job. It blocks while the queue is full.
func (w *CPUWorker) Submit(job Job, done func(Result)) error {
	if done == nil {
		return fmt.Errorf("submit frame %d: nil completion", job.Frame)
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	w.jobs <- task{job: job, done: done}
	return nil
}

// Close stops accepting jobs and waits until every queued job has completed.
func (w *CPUWorker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()

	<-w.finished
	return nil
}

// Stats returns the number of jobs completed and points produced.
func (w *CPUWorker) Stats() (jobs, points uint64) {
	return w.processed.Load(), w.points.Load()
}

func (w *CPUWorker) run() {
	defer close(w.finished)
	for t := range w.jobs {
		res := Result{Frame: t.job.Frame, Slot: t.job.Slot}
		if !t.job.Empty() {
			res.Points, res.Err = Unproject(t.job)
			if res.Err != nil {
				logf("frame %d: %v", t.job.Frame, res.Err)
			}
		}
		w.processed.Add(1)
		w.points.Add(uint64(len(res.Points)))
		t.done(res)
	}
}

// Unproject computes one PointRecord per sample:
//
//	world = InverseView · DeviceTransform · FlipYZ · (K⁻¹·[x y 1] · depth)
//
// Samples with missing or non-finite depth keep their computed position but
// are marked ConfidenceLow so exports at higher thresholds drop them.
func Unproject(job Job) ([]pointcloud.PointRecord, error) {
	if job.Textures.Color == nil || job.Textures.Depth == nil {
		return nil, fmt.Errorf("frame %d: %w", job.Frame, capture.ErrMissingSceneData)
	}
	u, err := framesync.UnmarshalFrameUniforms(job.Uniforms)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", job.Frame, err)
	}
	w, h := u.Resolution[0], u.Resolution[1]
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("frame %d: invalid resolution %vx%v", job.Frame, w, h)
	}

	localToWorld := u.InverseView.Mul(u.DeviceTransform)
	color, depth := job.Textures.Color, job.Textures.Depth

	out := make([]pointcloud.PointRecord, len(job.Samples))
	for i, s := range job.Samples {
		tu, tv := float64(s.X/w), float64(s.Y/h)

		d := depth.DepthAt(tu, tv)
		conf := depth.ConfidenceAt(tu, tv)
		if !(d > 0) || math.IsInf(float64(d), 0) {
			d = 0
			conf = capture.ConfidenceLow
		}

		local := u.InverseIntrinsics.MulVec([3]float32{s.X, s.Y, 1})
		world := localToWorld.MulVec([4]float32{local[0] * d, -local[1] * d, -local[2] * d, 1})

		out[i] = pointcloud.PointRecord{
			Position:   [3]float32{world[0], world[1], world[2]},
			Color:      color.ColorAt(tu, tv),
			Confidence: float32(conf),
		}
	}
	return out, nil
}
