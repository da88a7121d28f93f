package capture

import (
	"math"
	"sync"
)

// DefaultTargetSampleCount is the approximate number of grid samples per frame.
const DefaultTargetSampleCount = 10_000

// Resolution is an image size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Swapped returns the resolution with its axes exchanged (portrait <-> landscape).
func (r Resolution) Swapped() Resolution {
	return Resolution{Width: r.Height, Height: r.Width}
}

// Area returns Width*Height.
func (r Resolution) Area() int { return r.Width * r.Height }

// Sample2D is a sample coordinate in camera image pixel space.
type Sample2D struct {
	X, Y float32
}

// GridSampler produces a cached brick-pattern grid of sample coordinates.
// The grid is regenerated only when the requested resolution changes.
type GridSampler struct {
	target int

	mu      sync.Mutex
	cached  Resolution
	samples []Sample2D
}

// NewGridSampler returns a sampler aiming for target samples per frame.
func NewGridSampler(target int) *GridSampler {
	if target <= 0 {
		target = DefaultTargetSampleCount
	}
	return &GridSampler{target: target}
}

// Target returns the configured target sample count.
func (g *GridSampler) Target() int { return g.target }

// Samples returns the grid for res. The returned slice is shared between
// callers and must not be modified.
func (g *GridSampler) Samples(res Resolution) []Sample2D {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.samples != nil && g.cached == res {
		return g.samples
	}
	g.samples = MakeGridSamples(res, g.target)
	g.cached = res
	return g.samples
}

// GridSpacing returns the spacing in pixels that places about target
// samples over res.
func GridSpacing(res Resolution, target int) float64 {
	return math.Sqrt(float64(res.Area()) / float64(target))
}

// GridDimensions returns the column and row counts for res.
func GridDimensions(res Resolution, target int) (cols, rows int) {
	spacing := GridSpacing(res, target)
	if spacing == 0 {
		return 0, 0
	}
	cols = int(math.Round(float64(res.Width) / spacing))
	rows = int(math.Round(float64(res.Height) / spacing))
	return cols, rows
}

// MakeGridSamples lays out rows of samples with every odd row shifted by
// half a spacing. The count is cols*rows, which only approximates target.
func MakeGridSamples(res Resolution, target int) []Sample2D {
	if res.Width <= 0 || res.Height <= 0 || target <= 0 {
		return []Sample2D{}
	}
	spacing := GridSpacing(res, target)
	cols, rows := GridDimensions(res, target)

	points := make([]Sample2D, 0, cols*rows)
	for y := 0; y < rows; y++ {
		offsetX := float64(y%2) * spacing / 2
		for x := 0; x < cols; x++ {
			points = append(points, Sample2D{
				X: float32(offsetX + (float64(x)+0.5)*spacing),
				Y: float32((float64(y) + 0.5) * spacing),
			})
		}
	}
	return points
}
