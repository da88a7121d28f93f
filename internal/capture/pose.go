package capture

import (
	"fmt"
	"math"
	"sync"
)

// Motion gate defaults.
const (
	// DefaultRotationThresholdDeg is the forward-axis change that triggers a capture.
	DefaultRotationThresholdDeg = 2.0
	// DefaultTranslationThresholdMeters is the camera travel that triggers a capture.
	DefaultTranslationThresholdMeters = 0.02
	// MatrixValidationTolerance is the tolerance for checking rotation matrix validity
	MatrixValidationTolerance = 0.01
)

// CameraPose is a rigid transform (camera -> world).
// T is 4x4 row-major (m00..m03, m10..m13, m20..m23, m30..m33).
type CameraPose struct {
	T [16]float64
}

// IdentityPose returns the pose used before any frame has been accepted.
func IdentityPose() CameraPose {
	return CameraPose{T: [16]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}}
}

// NewPose builds a pose from a row-major 3x3 rotation and a translation.
func NewPose(r [9]float64, t [3]float64) CameraPose {
	return CameraPose{T: [16]float64{
		r[0], r[1], r[2], t[0],
		r[3], r[4], r[5], t[1],
		r[6], r[7], r[8], t[2],
		0, 0, 0, 1,
	}}
}

// Forward returns the third column of the rotation block.
func (p CameraPose) Forward() [3]float64 {
	return [3]float64{p.T[2], p.T[6], p.T[10]}
}

// Translation returns the fourth column of the transform.
func (p CameraPose) Translation() [3]float64 {
	return [3]float64{p.T[3], p.T[7], p.T[11]}
}

// Mul returns p * q.
func (p CameraPose) Mul(q CameraPose) CameraPose {
	var out CameraPose
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += p.T[r*4+k] * q.T[k*4+c]
			}
			out.T[r*4+c] = sum
		}
	}
	return out
}

// Apply applies the transform to point (x,y,z).
func (p CameraPose) Apply(x, y, z float64) (wx, wy, wz float64) {
	wx = p.T[0]*x + p.T[1]*y + p.T[2]*z + p.T[3]
	wy = p.T[4]*x + p.T[5]*y + p.T[6]*z + p.T[7]
	wz = p.T[8]*x + p.T[9]*y + p.T[10]*z + p.T[11]
	return
}

// Validate checks the pose is a proper rigid transform:
// det(R) ≈ 1 and the last row is [0 0 0 1].
func (p CameraPose) Validate() error {
	T := p.T
	det := T[0]*(T[5]*T[10]-T[6]*T[9]) - T[1]*(T[4]*T[10]-T[6]*T[8]) + T[2]*(T[4]*T[9]-T[5]*T[8])
	if math.Abs(det-1.0) > MatrixValidationTolerance {
		return fmt.Errorf("rotation determinant %.4f is not 1", det)
	}
	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return fmt.Errorf("last row is not [0 0 0 1]")
	}
	return nil
}

// RotationX returns a pose rotated by deg degrees about the X axis.
func RotationX(deg float64) CameraPose {
	s, c := math.Sincos(deg * math.Pi / 180)
	return NewPose([9]float64{1, 0, 0, 0, c, -s, 0, s, c}, [3]float64{})
}

// RotationY returns a pose rotated by deg degrees about the Y axis.
func RotationY(deg float64) CameraPose {
	s, c := math.Sincos(deg * math.Pi / 180)
	return NewPose([9]float64{c, 0, s, 0, 1, 0, -s, 0, c}, [3]float64{})
}

// RotationZ returns a pose rotated by deg degrees about the Z axis.
func RotationZ(deg float64) CameraPose {
	s, c := math.Sincos(deg * math.Pi / 180)
	return NewPose([9]float64{c, -s, 0, s, c, 0, 0, 0, 1}, [3]float64{})
}

// Translated returns the pose with its translation offset by (dx, dy, dz).
func (p CameraPose) Translated(dx, dy, dz float64) CameraPose {
	p.T[3] += dx
	p.T[7] += dy
	p.T[11] += dz
	return p
}

// PoseTracker holds the pose at the last successful accumulation.
type PoseTracker struct {
	mu   sync.RWMutex
	last CameraPose
}

// NewPoseTracker returns a tracker seeded with the identity pose.
func NewPoseTracker() *PoseTracker {
	return &PoseTracker{last: IdentityPose()}
}

// Last returns the last accepted pose.
func (t *PoseTracker) Last() CameraPose {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// Accept replaces the stored pose. Callers invoke it only once the frame's
// samples have been absorbed.
func (t *PoseTracker) Accept(p CameraPose) {
	t.mu.Lock()
	t.last = p
	t.mu.Unlock()
}

// Reset returns the tracker to the identity pose.
func (t *PoseTracker) Reset() {
	t.Accept(IdentityPose())
}

// MotionGate decides whether a frame should contribute new samples.
type MotionGate struct {
	tracker *PoseTracker

	// rotationThreshold is cos(angle); a forward-axis dot product at or
	// below it counts as rotated.
	rotationThreshold float64
	// translationThresholdSq is in metres squared.
	translationThresholdSq float64
}

// NewMotionGate creates a gate comparing against tracker's pose.
// Non-positive thresholds fall back to the defaults.
func NewMotionGate(tracker *PoseTracker, rotationDeg, translationMeters float64) *MotionGate {
	if rotationDeg <= 0 {
		rotationDeg = DefaultRotationThresholdDeg
	}
	if translationMeters <= 0 {
		translationMeters = DefaultTranslationThresholdMeters
	}
	return &MotionGate{
		tracker:                tracker,
		rotationThreshold:      math.Cos(rotationDeg * math.Pi / 180),
		translationThresholdSq: translationMeters * translationMeters,
	}
}

// ShouldAccumulate reports whether current differs enough from the last
// accepted pose, or whether the cloud is still empty.
//
// Only the forward axis is compared, so roll about that axis never
// triggers a capture on its own.
func (g *MotionGate) ShouldAccumulate(current CameraPose, occupancy int) bool {
	if occupancy == 0 {
		return true
	}
	last := g.tracker.Last()

	f, lf := current.Forward(), last.Forward()
	if f[0]*lf[0]+f[1]*lf[1]+f[2]*lf[2] <= g.rotationThreshold {
		return true
	}

	t, lt := current.Translation(), last.Translation()
	dx, dy, dz := t[0]-lt[0], t[1]-lt[1], t[2]-lt[2]
	return dx*dx+dy*dy+dz*dz >= g.translationThresholdSq
}
