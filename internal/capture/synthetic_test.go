package capture

import (
	"context"
	"errors"
	"image"
	"io"
	"math"
	"testing"
	"time"
)

func TestSyntheticSource_EndsWithEOF(t *testing.T) {
	src := NewSyntheticSource(SyntheticConfig{Frames: 3})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f, err := src.Next(ctx)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Sequence != uint64(i) {
			t.Errorf("Sequence = %d, want %d", f.Sequence, i)
		}
		if !f.HasSceneData() {
			t.Errorf("frame %d missing scene data", i)
		}
		if err := f.Pose.Validate(); err != nil {
			t.Errorf("frame %d pose invalid: %v", i, err)
		}
	}
	if _, err := src.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestSyntheticSource_DropEvery(t *testing.T) {
	src := NewSyntheticSource(SyntheticConfig{Frames: 6, DropEvery: 3})
	var dropped int
	for {
		f, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if !f.HasSceneData() {
			dropped++
			if f.Color == nil {
				t.Error("dropped frames keep their colour image")
			}
		}
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestSyntheticSource_ContextCancelled(t *testing.T) {
	src := NewSyntheticSource(SyntheticConfig{Interval: time.Hour})
	if _, err := src.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := src.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

// The camera looks at the scene centre, so the middle depth pixel hits the
// box and carries high confidence.
func TestSyntheticSource_CentreDepth(t *testing.T) {
	src := NewSyntheticSource(SyntheticConfig{})
	f, err := src.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_, depth, err := Textures(f)
	if err != nil {
		t.Fatal(err)
	}
	d := depth.DepthAt(0.5, 0.5)
	if d <= 0 || d > 3 {
		t.Fatalf("centre depth = %v, want within (0, 3]", d)
	}
	if c := depth.ConfidenceAt(0.5, 0.5); c != ConfidenceHigh {
		t.Errorf("centre confidence = %v, want high", c)
	}

	// Eye at (0, 1.2, 2); the box front face is z=0.4.
	eye := f.Pose.Translation()
	if math.Abs(eye[2]-2) > 1e-9 {
		t.Fatalf("eye = %v", eye)
	}
}

func TestTextures_MissingPlanes(t *testing.T) {
	f := &Frame{Color: image.NewYCbCr(image.Rect(0, 0, 4, 4), image.YCbCrSubsampleRatio420)}
	if _, _, err := Textures(f); !errors.Is(err, ErrMissingSceneData) {
		t.Fatalf("expected ErrMissingSceneData, got %v", err)
	}
}

func TestNewDepthImage_SizeMismatch(t *testing.T) {
	depth := &DepthMap{Width: 2, Height: 2, Values: make([]float32, 4)}
	conf := &ConfidenceMap{Width: 1, Height: 2, Levels: make([]uint8, 2)}
	if _, err := NewDepthImage(depth, conf); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestCapturedImage_ColorAt(t *testing.T) {
	img := image.NewYCbCr(image.Rect(0, 0, 2, 2), image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 255
	}
	img.Cb[0], img.Cr[0] = 128, 128

	c, err := NewCapturedImage(img)
	if err != nil {
		t.Fatal(err)
	}
	rgb := c.ColorAt(0.25, 0.75)
	for i, v := range rgb {
		if v < 0.99 {
			t.Errorf("channel %d = %v, want ~1 for white", i, v)
		}
	}
	if c.Kind() != TextureColor || c.Size() != (Resolution{2, 2}) {
		t.Errorf("Kind/Size = %v/%v", c.Kind(), c.Size())
	}
}

func TestConfidenceLevel_Scaled(t *testing.T) {
	want := map[ConfidenceLevel]uint8{ConfidenceLow: 0, ConfidenceMedium: 128, ConfidenceHigh: 255}
	for level, v := range want {
		if got := level.Scaled(); got != v {
			t.Errorf("%v.Scaled() = %d, want %d", level, got, v)
		}
	}
}

func TestIntrinsics_Inverse(t *testing.T) {
	k := NewIntrinsics(500, 400, 320, 240)
	inv, err := k.Inverse()
	if err != nil {
		t.Fatal(err)
	}
	// K⁻¹·[320 240 1] is the optical axis.
	x := inv[0]*320 + inv[1]*240 + inv[2]
	y := inv[3]*320 + inv[4]*240 + inv[5]
	if math.Abs(x) > 1e-9 || math.Abs(y) > 1e-9 {
		t.Errorf("principal point maps to (%v, %v), want (0, 0)", x, y)
	}
	if math.Abs(inv[0]-1.0/500) > 1e-12 {
		t.Errorf("inv fx = %v", inv[0])
	}
}
