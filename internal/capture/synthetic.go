package capture

import (
	"context"
	"image"
	"image/color"
	"io"
	"math"
	"time"
)

// SyntheticConfig describes the virtual camera and scene of a SyntheticSource.
type SyntheticConfig struct {
	// ColorResolution is the colour image size; intrinsics refer to it.
	ColorResolution Resolution
	// DepthResolution is the depth and confidence plane size.
	DepthResolution Resolution
	// Radius and Height place the camera on its orbit around the origin.
	Radius float64
	Height float64
	// StepDeg is the orbit advance per frame.
	StepDeg float64
	// Frames ends the stream after this many frames; 0 means unbounded.
	Frames uint64
	// DropEvery omits the depth planes from every n-th frame; 0 disables.
	DropEvery uint64
	// Interval paces Next; 0 returns frames as fast as they are requested.
	Interval time.Duration
	// Start is the timestamp of frame 0.
	Start time.Time
}

// DefaultSyntheticConfig returns a small 4:3 camera orbiting at 2 m.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		ColorResolution: Resolution{Width: 320, Height: 240},
		DepthResolution: Resolution{Width: 160, Height: 120},
		Radius:          2.0,
		Height:          1.2,
		StepDeg:         1.0,
		Start:           time.Unix(0, 0).UTC(),
	}
}

// SyntheticSource renders a deterministic scene (a checkered floor and a
// coloured box) from a camera orbiting the origin. Depth and colour are
// produced by ray casting, so the unprojected cloud reconstructs the scene
// exactly where confidence is high.
type SyntheticSource struct {
	cfg        SyntheticConfig
	intrinsics Intrinsics
	seq        uint64
}

// NewSyntheticSource fills zero fields of cfg from DefaultSyntheticConfig.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	def := DefaultSyntheticConfig()
	if cfg.ColorResolution.Area() <= 0 {
		cfg.ColorResolution = def.ColorResolution
	}
	if cfg.DepthResolution.Area() <= 0 {
		cfg.DepthResolution = def.DepthResolution
	}
	if cfg.Radius <= 0 {
		cfg.Radius = def.Radius
	}
	if cfg.Height == 0 {
		cfg.Height = def.Height
	}
	if cfg.StepDeg == 0 {
		cfg.StepDeg = def.StepDeg
	}
	if cfg.Start.IsZero() {
		cfg.Start = def.Start
	}
	w := float64(cfg.ColorResolution.Width)
	h := float64(cfg.ColorResolution.Height)
	return &SyntheticSource{
		cfg:        cfg,
		intrinsics: NewIntrinsics(w, w, w/2, h/2),
	}
}

// Intrinsics returns the camera matrix used for every frame.
func (s *SyntheticSource) Intrinsics() Intrinsics { return s.intrinsics }

// PoseAt returns the camera pose of frame seq.
func (s *SyntheticSource) PoseAt(seq uint64) CameraPose {
	theta := float64(seq) * s.cfg.StepDeg * math.Pi / 180
	eye := [3]float64{s.cfg.Radius * math.Sin(theta), s.cfg.Height, s.cfg.Radius * math.Cos(theta)}
	return LookAt(eye, [3]float64{0, 0.3, 0}, [3]float64{0, 1, 0})
}

// Next renders the next frame. It honours ctx while pacing.
func (s *SyntheticSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cfg.Frames > 0 && s.seq >= s.cfg.Frames {
		return nil, io.EOF
	}
	if s.cfg.Interval > 0 && s.seq > 0 {
		timer := time.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	seq := s.seq
	s.seq++

	f := &Frame{
		Sequence:   seq,
		Timestamp:  s.cfg.Start.Add(time.Duration(seq) * s.frameInterval()),
		Pose:       s.PoseAt(seq),
		Intrinsics: s.intrinsics,
		Resolution: s.cfg.ColorResolution,
	}
	kInv, err := s.intrinsics.Inverse()
	if err != nil {
		return nil, err
	}
	f.Color = s.renderColor(f.Pose, kInv)
	if s.cfg.DropEvery == 0 || (seq+1)%s.cfg.DropEvery != 0 {
		f.Depth, f.Confidence = s.renderDepth(f.Pose, kInv)
	}
	return f, nil
}

func (s *SyntheticSource) frameInterval() time.Duration {
	if s.cfg.Interval > 0 {
		return s.cfg.Interval
	}
	return time.Second / 60
}

// ray returns the world-space origin and direction through colour pixel
// (px, py). The direction has unit length along the camera's viewing axis,
// so the hit parameter equals depth.
func (s *SyntheticSource) ray(pose CameraPose, kInv Intrinsics, px, py float64) (o, d [3]float64) {
	a := kInv[0]*px + kInv[1]*py + kInv[2]
	b := kInv[3]*px + kInv[4]*py + kInv[5]
	// Pixel axes (right, down, forward) to camera axes (right, up, backward).
	cx, cy, cz := a, -b, -1.0
	d[0] = pose.T[0]*cx + pose.T[1]*cy + pose.T[2]*cz
	d[1] = pose.T[4]*cx + pose.T[5]*cy + pose.T[6]*cz
	d[2] = pose.T[8]*cx + pose.T[9]*cy + pose.T[10]*cz
	return pose.Translation(), d
}

func (s *SyntheticSource) renderColor(pose CameraPose, kInv Intrinsics) *image.YCbCr {
	res := s.cfg.ColorResolution
	img := image.NewYCbCr(image.Rect(0, 0, res.Width, res.Height), image.YCbCrSubsampleRatio420)
	for y := 0; y < res.Height; y++ {
		for x := 0; x < res.Width; x++ {
			o, d := s.ray(pose, kInv, float64(x)+0.5, float64(y)+0.5)
			_, rgb := castScene(o, d)
			yy, cb, cr := color.RGBToYCbCr(rgb[0], rgb[1], rgb[2])
			img.Y[img.YOffset(x, y)] = yy
			// 4:2:0 chroma takes the top-left pixel of each 2x2 block.
			if x%2 == 0 && y%2 == 0 {
				ci := img.COffset(x, y)
				img.Cb[ci] = cb
				img.Cr[ci] = cr
			}
		}
	}
	return img
}

func (s *SyntheticSource) renderDepth(pose CameraPose, kInv Intrinsics) (*DepthMap, *ConfidenceMap) {
	dr, cr := s.cfg.DepthResolution, s.cfg.ColorResolution
	sx := float64(cr.Width) / float64(dr.Width)
	sy := float64(cr.Height) / float64(dr.Height)

	depth := &DepthMap{Width: dr.Width, Height: dr.Height, Values: make([]float32, dr.Area())}
	conf := &ConfidenceMap{Width: dr.Width, Height: dr.Height, Levels: make([]uint8, dr.Area())}
	for y := 0; y < dr.Height; y++ {
		for x := 0; x < dr.Width; x++ {
			o, d := s.ray(pose, kInv, (float64(x)+0.5)*sx, (float64(y)+0.5)*sy)
			t, _ := castScene(o, d)
			i := y*dr.Width + x
			switch {
			case math.IsInf(t, 1):
				depth.Values[i] = 0
				conf.Levels[i] = uint8(ConfidenceLow)
			case t < 3:
				depth.Values[i] = float32(t)
				conf.Levels[i] = uint8(ConfidenceHigh)
			case t < 5:
				depth.Values[i] = float32(t)
				conf.Levels[i] = uint8(ConfidenceMedium)
			default:
				depth.Values[i] = float32(t)
				conf.Levels[i] = uint8(ConfidenceLow)
			}
		}
	}
	return depth, conf
}

// Scene geometry: floor at y=0 and an axis-aligned box.
var (
	boxMin = [3]float64{-0.4, 0, -0.4}
	boxMax = [3]float64{0.4, 0.6, 0.4}
)

// castScene returns the nearest hit parameter (+Inf on miss) and its colour.
func castScene(o, d [3]float64) (float64, [3]uint8) {
	best := math.Inf(1)
	rgb := [3]uint8{20, 20, 30}

	if d[1] < 0 {
		t := -o[1] / d[1]
		if t > 0 {
			best = t
			px, pz := o[0]+t*d[0], o[2]+t*d[2]
			if (int(math.Floor(px*4))+int(math.Floor(pz*4)))%2 == 0 {
				rgb = [3]uint8{200, 200, 200}
			} else {
				rgb = [3]uint8{60, 60, 60}
			}
		}
	}

	if t, axis, ok := intersectBox(o, d); ok && t < best {
		best = t
		switch axis {
		case 0:
			rgb = [3]uint8{210, 60, 50}
		case 1:
			rgb = [3]uint8{60, 190, 80}
		default:
			rgb = [3]uint8{50, 90, 210}
		}
	}
	return best, rgb
}

// intersectBox is the slab test; axis is the axis of the entry face.
func intersectBox(o, d [3]float64) (t float64, axis int, ok bool) {
	tmin, tmax := math.Inf(-1), math.Inf(1)
	for i := 0; i < 3; i++ {
		if d[i] == 0 {
			if o[i] < boxMin[i] || o[i] > boxMax[i] {
				return 0, 0, false
			}
			continue
		}
		t1 := (boxMin[i] - o[i]) / d[i]
		t2 := (boxMax[i] - o[i]) / d[i]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		if t1 > tmin {
			tmin = t1
			axis = i
		}
		if t2 < tmax {
			tmax = t2
		}
	}
	if tmax < math.Max(tmin, 0) || tmin <= 0 {
		return 0, 0, false
	}
	return tmin, axis, true
}

// LookAt returns the pose of a camera at eye looking at target. The camera
// looks along its local -Z with +Y up.
func LookAt(eye, target, up [3]float64) CameraPose {
	z := normalize(sub(eye, target))
	x := normalize(cross(up, z))
	y := cross(z, x)
	return NewPose([9]float64{
		x[0], y[0], z[0],
		x[1], y[1], z[1],
		x[2], y[2], z[2],
	}, eye)
}

func sub(a, b [3]float64) [3]float64 { return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func normalize(v [3]float64) [3]float64 {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n == 0 {
		return v
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}
