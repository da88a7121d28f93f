package testutil

import (
	"errors"
	"net/http"
	"testing"

	"github.com/banshee-data/scanrgbd/internal/capture"
	"github.com/banshee-data/scanrgbd/internal/config"
)

func TestSmallSource(t *testing.T) {
	frames := NextFrames(t, SmallSource(4, 2), 4)
	for i, f := range frames {
		if f.Sequence != uint64(i) {
			t.Errorf("frame %d has sequence %d", i, f.Sequence)
		}
		if f.Resolution != SmallColor {
			t.Errorf("frame %d resolution = %+v", i, f.Resolution)
		}
		wantDepth := (i+1)%2 != 0
		if f.HasSceneData() != wantDepth {
			t.Errorf("frame %d HasSceneData = %v, want %v", i, f.HasSceneData(), wantDepth)
		}
		if wantDepth && (f.Depth.Width != SmallDepth.Width || f.Depth.Height != SmallDepth.Height) {
			t.Errorf("frame %d depth = %dx%d", i, f.Depth.Width, f.Depth.Height)
		}
	}
}

func TestSmallTuning(t *testing.T) {
	cfg := SmallTuning(func(c *config.TuningConfig) {
		span := 3
		c.SaveSpan = &span
	})
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.GetTargetSampleCount() != SmallSamples || cfg.GetMaxPointCount() != SmallCapacity {
		t.Errorf("samples %d, capacity %d", cfg.GetTargetSampleCount(), cfg.GetMaxPointCount())
	}
	if cfg.GetSaveSpan() != 3 {
		t.Errorf("save span = %d", cfg.GetSaveSpan())
	}
	if cfg.GetExportConfidence() != capture.ConfidenceHigh {
		t.Errorf("export confidence = %v", cfg.GetExportConfidence())
	}
}

func TestAssertHelpers(t *testing.T) {
	t.Parallel()

	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	AssertNoError(t, nil)
	AssertError(t, errors.New("boom"))
}
