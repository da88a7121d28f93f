// Package framesync publishes per-frame transforms to the unprojection stage
// through a small ring of fixed-size slots, gated by an in-flight token.
package framesync

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/scanrgbd/internal/capture"
)

// Byte layout of one FrameUniforms record. Matrices are column-major
// float32; a 3x3 matrix occupies three 16-byte columns.
const (
	offMaxPointCount     = 0
	offWriteIndex        = 4
	offProjection        = 16
	offView              = 80
	offInverseView       = 144
	offDeviceTransform   = 208
	offInverseIntrinsics = 272
	offResolution        = 320

	// UniformsSize is the packed size of FrameUniforms in bytes.
	UniformsSize = 336
	// UniformAlignment is the required alignment of each slot.
	UniformAlignment = 256
)

// nearPlane is the projection's near clip distance in metres; the far plane
// is at infinity.
const nearPlane = 0.001

// Mat4 is a 4x4 float32 matrix stored column-major.
type Mat4 [16]float32

// Mat3 is a 3x3 float32 matrix stored column-major.
type Mat3 [9]float32

// FrameUniforms is everything the unprojection stage needs for one frame.
type FrameUniforms struct {
	MaxPointCount     int32
	WriteIndex        int32
	Projection        Mat4
	View              Mat4
	InverseView       Mat4
	DeviceTransform   Mat4
	InverseIntrinsics Mat3
	Resolution        [2]float32
}

// AlignUp rounds size up to a multiple of align, which must be a power of two.
func AlignUp(size, align int) int {
	return (size + align - 1) &^ (align - 1)
}

// SlotStride is the byte distance between consecutive ring slots.
var SlotStride = AlignUp(UniformsSize, UniformAlignment)

// DeviceTransform rotates the landscape sensor frame 90° about Z into the
// portrait display frame.
func DeviceTransform() capture.CameraPose {
	return capture.RotationZ(90)
}

// NewFrameUniforms derives every field from the frame's pose, intrinsics and
// colour resolution. The view matrix is DeviceTransform·pose⁻¹, so
// InverseView·DeviceTransform maps camera space back to world space.
func NewFrameUniforms(pose capture.CameraPose, k capture.Intrinsics, res capture.Resolution, maxPoints, writeIndex int) (FrameUniforms, error) {
	if res.Width <= 0 || res.Height <= 0 {
		return FrameUniforms{}, fmt.Errorf("invalid resolution %dx%d", res.Width, res.Height)
	}

	var poseInv mat.Dense
	if err := poseInv.Inverse(mat.NewDense(4, 4, pose.T[:])); err != nil {
		return FrameUniforms{}, fmt.Errorf("invert pose: %w", err)
	}
	device := DeviceTransform()

	var view mat.Dense
	view.Mul(mat.NewDense(4, 4, device.T[:]), &poseInv)

	var viewInv mat.Dense
	if err := viewInv.Inverse(&view); err != nil {
		return FrameUniforms{}, fmt.Errorf("invert view: %w", err)
	}

	kInv, err := k.Inverse()
	if err != nil {
		return FrameUniforms{}, fmt.Errorf("invert intrinsics: %w", err)
	}

	return FrameUniforms{
		MaxPointCount:     int32(maxPoints),
		WriteIndex:        int32(writeIndex),
		Projection:        projection(k, res),
		View:              mat4FromDense(&view),
		InverseView:       mat4FromDense(&viewInv),
		DeviceTransform:   mat4FromRowMajor(device.T),
		InverseIntrinsics: mat3FromRowMajor(kInv),
		Resolution:        [2]float32{float32(res.Width), float32(res.Height)},
	}, nil
}

// projection builds an infinite-far perspective matrix from the intrinsics.
func projection(k capture.Intrinsics, res capture.Resolution) Mat4 {
	w, h := float64(res.Width), float64(res.Height)
	fx, fy, cx, cy := k[0], k[4], k[2], k[5]
	return mat4FromRowMajor([16]float64{
		2 * fx / w, 0, 1 - 2*cx/w, 0,
		0, 2 * fy / h, 2*cy/h - 1, 0,
		0, 0, -1, -2 * nearPlane,
		0, 0, -1, 0,
	})
}

func mat4FromRowMajor(t [16]float64) Mat4 {
	var m Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m[c*4+r] = float32(t[r*4+c])
		}
	}
	return m
}

func mat4FromDense(d *mat.Dense) Mat4 {
	var m Mat4
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m[c*4+r] = float32(d.At(r, c))
		}
	}
	return m
}

func mat3FromRowMajor(t capture.Intrinsics) Mat3 {
	var m Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[c*3+r] = float32(t[r*3+c])
		}
	}
	return m
}

// At returns element (row, col).
func (m Mat4) At(row, col int) float32 { return m[col*4+row] }

// MulVec returns m·v.
func (m Mat4) MulVec(v [4]float32) [4]float32 {
	var out [4]float32
	for r := 0; r < 4; r++ {
		out[r] = m[r]*v[0] + m[4+r]*v[1] + m[8+r]*v[2] + m[12+r]*v[3]
	}
	return out
}

// Mul returns m·n.
func (m Mat4) Mul(n Mat4) Mat4 {
	var out Mat4
	for c := 0; c < 4; c++ {
		col := m.MulVec([4]float32{n[c*4], n[c*4+1], n[c*4+2], n[c*4+3]})
		copy(out[c*4:c*4+4], col[:])
	}
	return out
}

// At returns element (row, col).
func (m Mat3) At(row, col int) float32 { return m[col*3+row] }

// MulVec returns m·v.
func (m Mat3) MulVec(v [3]float32) [3]float32 {
	return [3]float32{
		m[0]*v[0] + m[3]*v[1] + m[6]*v[2],
		m[1]*v[0] + m[4]*v[1] + m[7]*v[2],
		m[2]*v[0] + m[5]*v[1] + m[8]*v[2],
	}
}

// MarshalTo encodes u into buf, which must hold at least UniformsSize bytes.
// Padding bytes are zeroed.
func (u *FrameUniforms) MarshalTo(buf []byte) error {
	if len(buf) < UniformsSize {
		return fmt.Errorf("uniform buffer too small: %d < %d", len(buf), UniformsSize)
	}
	clear(buf[:UniformsSize])
	binary.LittleEndian.PutUint32(buf[offMaxPointCount:], uint32(u.MaxPointCount))
	binary.LittleEndian.PutUint32(buf[offWriteIndex:], uint32(u.WriteIndex))
	putFloats(buf[offProjection:], u.Projection[:])
	putFloats(buf[offView:], u.View[:])
	putFloats(buf[offInverseView:], u.InverseView[:])
	putFloats(buf[offDeviceTransform:], u.DeviceTransform[:])
	for c := 0; c < 3; c++ {
		putFloats(buf[offInverseIntrinsics+c*16:], u.InverseIntrinsics[c*3:c*3+3])
	}
	putFloats(buf[offResolution:], u.Resolution[:])
	return nil
}

// UnmarshalFrameUniforms decodes a record written by MarshalTo.
func UnmarshalFrameUniforms(buf []byte) (FrameUniforms, error) {
	var u FrameUniforms
	if len(buf) < UniformsSize {
		return u, fmt.Errorf("uniform buffer too small: %d < %d", len(buf), UniformsSize)
	}
	u.MaxPointCount = int32(binary.LittleEndian.Uint32(buf[offMaxPointCount:]))
	u.WriteIndex = int32(binary.LittleEndian.Uint32(buf[offWriteIndex:]))
	getFloats(buf[offProjection:], u.Projection[:])
	getFloats(buf[offView:], u.View[:])
	getFloats(buf[offInverseView:], u.InverseView[:])
	getFloats(buf[offDeviceTransform:], u.DeviceTransform[:])
	for c := 0; c < 3; c++ {
		getFloats(buf[offInverseIntrinsics+c*16:], u.InverseIntrinsics[c*3:c*3+3])
	}
	getFloats(buf[offResolution:], u.Resolution[:])
	return u, nil
}

func putFloats(buf []byte, v []float32) {
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
}

func getFloats(buf []byte, v []float32) {
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
}
