package capture

import (
	"context"
	"image"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ConfidenceLevel is the per-pixel depth reliability reported by the sensor.
type ConfidenceLevel uint8

const (
	ConfidenceLow    ConfidenceLevel = 0
	ConfidenceMedium ConfidenceLevel = 1
	ConfidenceHigh   ConfidenceLevel = 2
)

// String returns the level name.
func (c ConfidenceLevel) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Scaled maps 0,1,2 to 0,128,255 for display.
func (c ConfidenceLevel) Scaled() uint8 {
	return uint8(math.Min(math.Ceil(float64(c)/float64(ConfidenceHigh)*255), 255))
}

// ParseConfidenceLevel accepts "low", "medium", "high" or 0..2.
func ParseConfidenceLevel(s string) (ConfidenceLevel, bool) {
	switch s {
	case "low", "0":
		return ConfidenceLow, true
	case "medium", "1":
		return ConfidenceMedium, true
	case "high", "2":
		return ConfidenceHigh, true
	}
	return 0, false
}

// Intrinsics is the 3x3 pinhole camera matrix, row-major.
type Intrinsics [9]float64

// NewIntrinsics builds the matrix from focal lengths and principal point.
func NewIntrinsics(fx, fy, cx, cy float64) Intrinsics {
	return Intrinsics{
		fx, 0, cx,
		0, fy, cy,
		0, 0, 1,
	}
}

// Inverse returns K⁻¹.
func (k Intrinsics) Inverse() (Intrinsics, error) {
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(3, 3, k[:])); err != nil {
		return Intrinsics{}, err
	}
	var out Intrinsics
	copy(out[:], inv.RawMatrix().Data)
	return out, nil
}

// DepthMap holds one depth value in metres per pixel.
type DepthMap struct {
	Width, Height int
	Values        []float32
}

// At returns the depth at pixel (x, y).
func (d *DepthMap) At(x, y int) float32 {
	return d.Values[y*d.Width+x]
}

// ConfidenceMap holds one ConfidenceLevel per pixel.
type ConfidenceMap struct {
	Width, Height int
	Levels        []uint8
}

// At returns the confidence at pixel (x, y).
func (c *ConfidenceMap) At(x, y int) ConfidenceLevel {
	return ConfidenceLevel(c.Levels[y*c.Width+x])
}

// Frame is everything the depth camera supplies for one instant.
// Color, Depth and Confidence may be nil when the sensor did not deliver
// them; such frames contribute nothing to the cloud.
type Frame struct {
	Sequence   uint64
	Timestamp  time.Time
	Pose       CameraPose
	Intrinsics Intrinsics
	// Resolution is the colour image resolution the intrinsics refer to.
	Resolution Resolution

	Color      *image.YCbCr
	Depth      *DepthMap
	Confidence *ConfidenceMap
}

// HasSceneData reports whether the frame carries colour, depth and confidence.
func (f *Frame) HasSceneData() bool {
	return f != nil && f.Color != nil && f.Depth != nil && f.Confidence != nil
}

// Source supplies frames from a depth camera session. Next returns io.EOF
// once the stream has ended.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
}
