package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/scanrgbd/internal/capture"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds the accumulation engine's tunable parameters.
// Omitted fields fall back to the defaults returned by the Get* methods.
type TuningConfig struct {
	// Sampling and storage
	TargetSampleCount *int `json:"target_sample_count,omitempty"`
	MaxPointCount     *int `json:"max_point_count,omitempty"`

	// Motion gate
	RotationThresholdDeg  *float64 `json:"rotation_threshold_deg,omitempty"`
	TranslationThresholdM *float64 `json:"translation_threshold_m,omitempty"`

	// Frame synchronisation
	MaxFramesInFlight *int    `json:"max_frames_in_flight,omitempty"`
	InFlightTimeout   *string `json:"in_flight_timeout,omitempty"` // duration string like "2s"

	// Export
	ExportConfidence *string `json:"export_confidence,omitempty"` // "low", "medium" or "high"

	// Recording
	RecordFrames *bool `json:"record_frames,omitempty"`
	SaveSpan     *int  `json:"save_span,omitempty"`

	// Logging
	StatsInterval *string `json:"stats_interval,omitempty"` // duration string like "5s"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a config with every field set to its default.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		TargetSampleCount:     ptrInt(capture.DefaultTargetSampleCount),
		MaxPointCount:         ptrInt(10_000_000),
		RotationThresholdDeg:  ptrFloat64(capture.DefaultRotationThresholdDeg),
		TranslationThresholdM: ptrFloat64(capture.DefaultTranslationThresholdMeters),
		MaxFramesInFlight:     ptrInt(3),
		InFlightTimeout:       ptrString("2s"),
		ExportConfidence:      ptrString("high"),
		RecordFrames:          ptrBool(false),
		SaveSpan:              ptrInt(10),
		StatsInterval:         ptrString("5s"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/<pkg>/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.TargetSampleCount != nil && *c.TargetSampleCount <= 0 {
		return fmt.Errorf("target_sample_count must be positive, got %d", *c.TargetSampleCount)
	}
	if c.MaxPointCount != nil && *c.MaxPointCount <= 0 {
		return fmt.Errorf("max_point_count must be positive, got %d", *c.MaxPointCount)
	}
	if c.RotationThresholdDeg != nil {
		if *c.RotationThresholdDeg <= 0 || *c.RotationThresholdDeg >= 180 {
			return fmt.Errorf("rotation_threshold_deg must be in (0, 180), got %f", *c.RotationThresholdDeg)
		}
	}
	if c.TranslationThresholdM != nil && *c.TranslationThresholdM <= 0 {
		return fmt.Errorf("translation_threshold_m must be positive, got %f", *c.TranslationThresholdM)
	}
	if c.MaxFramesInFlight != nil && *c.MaxFramesInFlight <= 0 {
		return fmt.Errorf("max_frames_in_flight must be positive, got %d", *c.MaxFramesInFlight)
	}
	if c.SaveSpan != nil && *c.SaveSpan <= 0 {
		return fmt.Errorf("save_span must be positive, got %d", *c.SaveSpan)
	}
	if c.ExportConfidence != nil {
		if _, ok := capture.ParseConfidenceLevel(*c.ExportConfidence); !ok {
			return fmt.Errorf("invalid export_confidence %q", *c.ExportConfidence)
		}
	}

	for name, v := range map[string]*string{
		"in_flight_timeout": c.InFlightTimeout,
		"stats_interval":    c.StatsInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	return nil
}

// GetTargetSampleCount returns the target_sample_count value or the default.
func (c *TuningConfig) GetTargetSampleCount() int {
	if c.TargetSampleCount == nil {
		return capture.DefaultTargetSampleCount
	}
	return *c.TargetSampleCount
}

// GetMaxPointCount returns the max_point_count value or the default.
func (c *TuningConfig) GetMaxPointCount() int {
	if c.MaxPointCount == nil {
		return 10_000_000
	}
	return *c.MaxPointCount
}

// GetRotationThresholdDeg returns the rotation_threshold_deg value or the default.
func (c *TuningConfig) GetRotationThresholdDeg() float64 {
	if c.RotationThresholdDeg == nil {
		return capture.DefaultRotationThresholdDeg
	}
	return *c.RotationThresholdDeg
}

// GetTranslationThresholdM returns the translation_threshold_m value or the default.
func (c *TuningConfig) GetTranslationThresholdM() float64 {
	if c.TranslationThresholdM == nil {
		return capture.DefaultTranslationThresholdMeters
	}
	return *c.TranslationThresholdM
}

// GetMaxFramesInFlight returns the max_frames_in_flight value or the default.
func (c *TuningConfig) GetMaxFramesInFlight() int {
	if c.MaxFramesInFlight == nil {
		return 3
	}
	return *c.MaxFramesInFlight
}

// GetInFlightTimeout parses and returns the InFlightTimeout as a time.Duration.
func (c *TuningConfig) GetInFlightTimeout() time.Duration {
	return parseDurationOr(c.InFlightTimeout, 2*time.Second)
}

// GetStatsInterval parses and returns the StatsInterval as a time.Duration.
func (c *TuningConfig) GetStatsInterval() time.Duration {
	return parseDurationOr(c.StatsInterval, 5*time.Second)
}

// GetExportConfidence returns the export threshold level, default high.
func (c *TuningConfig) GetExportConfidence() capture.ConfidenceLevel {
	if c.ExportConfidence == nil {
		return capture.ConfidenceHigh
	}
	level, ok := capture.ParseConfidenceLevel(*c.ExportConfidence)
	if !ok {
		return capture.ConfidenceHigh
	}
	return level
}

// GetRecordFrames returns the record_frames value or the default.
func (c *TuningConfig) GetRecordFrames() bool {
	if c.RecordFrames == nil {
		return false // default: recording off until toggled
	}
	return *c.RecordFrames
}

// GetSaveSpan returns the save_span value or the default.
func (c *TuningConfig) GetSaveSpan() int {
	if c.SaveSpan == nil {
		return 10
	}
	return *c.SaveSpan
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}
