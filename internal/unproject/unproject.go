// Package unproject turns grid samples plus a frame's depth and colour into
// world-space point candidates.
//
// The Unprojector interface is the boundary to whatever executes the work
// (a GPU pipeline on device). CPUWorker is the reference implementation.
package unproject

import (
	"errors"

	"github.com/banshee-data/scanrgbd/internal/capture"
	"github.com/banshee-data/scanrgbd/internal/framesync"
	"github.com/banshee-data/scanrgbd/internal/pointcloud"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("unprojector closed")

// TextureSet is the sensor imagery one job reads.
type TextureSet struct {
	Color *capture.CapturedImage
	Depth *capture.DepthImage
}

// Sources returns the non-nil textures for retention by the ring.
func (t TextureSet) Sources() []capture.TextureSource {
	var out []capture.TextureSource
	if t.Color != nil {
		out = append(out, t.Color)
	}
	if t.Depth != nil {
		out = append(out, t.Depth)
	}
	return out
}

// Job is one frame's unprojection request. A job with no samples carries no
// accumulation work but still completes, so its slot is released.
type Job struct {
	Frame    uint64
	Slot     framesync.Slot
	Uniforms []byte
	Samples  []capture.Sample2D
	Textures TextureSet
}

// Empty reports whether the job produces no points.
func (j Job) Empty() bool { return len(j.Samples) == 0 }

// Result holds one PointRecord per job sample, in sample order.
type Result struct {
	Frame  uint64
	Slot   framesync.Slot
	Points []pointcloud.PointRecord
	Err    error
}

// Unprojector executes jobs asynchronously. When Submit returns nil, done is
// called exactly once, from the unprojector's goroutine, in submission order.
// When Submit returns an error, done is never called.
type Unprojector interface {
	Submit(job Job, done func(Result)) error
	Close() error
}
