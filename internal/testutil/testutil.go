// Package testutil provides shared test fixtures: a small synthetic camera,
// a matching tuning config and a few assertion helpers.
package testutil

import (
	"context"
	"testing"

	"github.com/banshee-data/scanrgbd/internal/capture"
	"github.com/banshee-data/scanrgbd/internal/config"
)

var (
	// SmallColor is the colour resolution of SmallSource.
	SmallColor = capture.Resolution{Width: 64, Height: 48}
	// SmallDepth is the depth resolution of SmallSource.
	SmallDepth = capture.Resolution{Width: 32, Height: 24}
)

const (
	// SmallSamples is the sample target of SmallTuning.
	SmallSamples = 400
	// SmallCapacity is the accumulator capacity of SmallTuning.
	SmallCapacity = 200_000
)

// SmallSource returns a fast synthetic camera. frames of 0 is unbounded;
// dropEvery omits depth from every n-th frame.
func SmallSource(frames, dropEvery uint64) *capture.SyntheticSource {
	return capture.NewSyntheticSource(capture.SyntheticConfig{
		ColorResolution: SmallColor,
		DepthResolution: SmallDepth,
		Frames:          frames,
		DropEvery:       dropEvery,
	})
}

// SmallTuning returns the default tuning with sampling and capacity sized
// for SmallSource. mod, if non-nil, may adjust it further.
func SmallTuning(mod func(c *config.TuningConfig)) *config.TuningConfig {
	cfg := config.DefaultTuningConfig()
	samples, points := SmallSamples, SmallCapacity
	cfg.TargetSampleCount = &samples
	cfg.MaxPointCount = &points
	if mod != nil {
		mod(cfg)
	}
	return cfg
}

// NextFrames reads n frames from src.
func NextFrames(t *testing.T, src capture.Source, n int) []*capture.Frame {
	t.Helper()
	out := make([]*capture.Frame, 0, n)
	for i := 0; i < n; i++ {
		f, err := src.Next(context.Background())
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		out = append(out, f)
	}
	return out
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
