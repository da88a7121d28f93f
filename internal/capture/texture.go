package capture

import (
	"errors"
	"fmt"
	"image"
)

// ErrMissingSceneData is returned when a frame lacks colour, depth or
// confidence planes.
var ErrMissingSceneData = errors.New("frame has no scene data")

// TextureKind identifies what a TextureSource carries.
type TextureKind int

const (
	TextureColor TextureKind = iota
	TextureDepth
)

func (k TextureKind) String() string {
	switch k {
	case TextureColor:
		return "color"
	case TextureDepth:
		return "depth"
	default:
		return fmt.Sprintf("TextureKind(%d)", int(k))
	}
}

// TextureSource is a sensor image that can be sampled with normalised
// coordinates in [0, 1].
type TextureSource interface {
	Kind() TextureKind
	Size() Resolution
}

// CapturedImage wraps the camera's luma and chroma planes.
type CapturedImage struct {
	img *image.YCbCr
}

// NewCapturedImage wraps img. It fails when the image has no pixels.
func NewCapturedImage(img *image.YCbCr) (*CapturedImage, error) {
	if img == nil || img.Rect.Empty() {
		return nil, fmt.Errorf("captured image: %w", ErrMissingSceneData)
	}
	return &CapturedImage{img: img}, nil
}

func (c *CapturedImage) Kind() TextureKind { return TextureColor }

func (c *CapturedImage) Size() Resolution {
	return Resolution{Width: c.img.Rect.Dx(), Height: c.img.Rect.Dy()}
}

// ColorAt returns the RGB colour at (u, v) with components in [0, 1].
// Full-range BT.601 conversion.
func (c *CapturedImage) ColorAt(u, v float64) [3]float32 {
	size := c.Size()
	x := c.img.Rect.Min.X + texel(u, size.Width)
	y := c.img.Rect.Min.Y + texel(v, size.Height)

	yy := float32(c.img.Y[c.img.YOffset(x, y)]) / 255
	ci := c.img.COffset(x, y)
	cb := float32(c.img.Cb[ci]) / 255
	cr := float32(c.img.Cr[ci]) / 255

	return [3]float32{
		clamp01(yy + 1.4020*cr - 0.7010),
		clamp01(yy - 0.3441*cb - 0.7141*cr + 0.5291),
		clamp01(yy + 1.7720*cb - 0.8860),
	}
}

// DepthImage pairs a depth map with its confidence map. Both planes share
// one resolution, usually lower than the colour image.
type DepthImage struct {
	depth      *DepthMap
	confidence *ConfidenceMap
}

// NewDepthImage validates that both planes exist and agree in size.
func NewDepthImage(depth *DepthMap, confidence *ConfidenceMap) (*DepthImage, error) {
	if depth == nil || confidence == nil {
		return nil, fmt.Errorf("depth image: %w", ErrMissingSceneData)
	}
	if depth.Width <= 0 || depth.Height <= 0 || len(depth.Values) < depth.Width*depth.Height {
		return nil, fmt.Errorf("depth image: invalid depth plane %dx%d with %d values",
			depth.Width, depth.Height, len(depth.Values))
	}
	if confidence.Width != depth.Width || confidence.Height != depth.Height ||
		len(confidence.Levels) < confidence.Width*confidence.Height {
		return nil, fmt.Errorf("depth image: confidence plane %dx%d does not match depth %dx%d",
			confidence.Width, confidence.Height, depth.Width, depth.Height)
	}
	return &DepthImage{depth: depth, confidence: confidence}, nil
}

func (d *DepthImage) Kind() TextureKind { return TextureDepth }

func (d *DepthImage) Size() Resolution {
	return Resolution{Width: d.depth.Width, Height: d.depth.Height}
}

// DepthAt returns the depth in metres at (u, v).
func (d *DepthImage) DepthAt(u, v float64) float32 {
	return d.depth.At(texel(u, d.depth.Width), texel(v, d.depth.Height))
}

// ConfidenceAt returns the confidence at (u, v).
func (d *DepthImage) ConfidenceAt(u, v float64) ConfidenceLevel {
	return d.confidence.At(texel(u, d.confidence.Width), texel(v, d.confidence.Height))
}

// Textures builds both texture sources for a frame.
func Textures(f *Frame) (*CapturedImage, *DepthImage, error) {
	if !f.HasSceneData() {
		return nil, nil, ErrMissingSceneData
	}
	color, err := NewCapturedImage(f.Color)
	if err != nil {
		return nil, nil, err
	}
	depth, err := NewDepthImage(f.Depth, f.Confidence)
	if err != nil {
		return nil, nil, err
	}
	return color, depth, nil
}

// texel maps a normalised coordinate to a clamped pixel index.
func texel(u float64, n int) int {
	i := int(u * float64(n))
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
