package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/turntable.report/internal/flutter"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig holds the service tunables. Every field is optional; the
// Get* methods fall back to the built-in defaults for anything unset, so
// partial files are safe.
type TuningConfig struct {
	// Statistics window and plot series
	WindowDuration *string `json:"window_duration,omitempty"` // duration string like "20s"
	PlotDuration   *string `json:"plot_duration,omitempty"`
	PlotMaxPoints  *int    `json:"plot_max_points,omitempty"`
	MinSamples     *int    `json:"min_samples,omitempty"`

	// Consumer cadence
	UITick     *string `json:"ui_tick,omitempty"`
	MetricTick *string `json:"metric_tick,omitempty"`

	// Estimation
	StopEpsilon          *float64 `json:"stop_epsilon,omitempty"`
	RateSmoothing        *float64 `json:"rate_smoothing,omitempty"`
	CoefficientTolerance *float64 `json:"coefficient_tolerance,omitempty"`

	// Device and persistence
	ReadbackTimeout *string `json:"readback_timeout,omitempty"`
	HistoryInterval *string `json:"history_interval,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

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

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended for
// test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
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
	durations := []struct {
		name  string
		value *string
	}{
		{"window_duration", c.WindowDuration},
		{"plot_duration", c.PlotDuration},
		{"ui_tick", c.UITick},
		{"metric_tick", c.MetricTick},
		{"readback_timeout", c.ReadbackTimeout},
		{"history_interval", c.HistoryInterval},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.value)
		}
	}

	if c.PlotMaxPoints != nil && *c.PlotMaxPoints <= 0 {
		return fmt.Errorf("plot_max_points must be positive, got %d", *c.PlotMaxPoints)
	}
	if c.MinSamples != nil && *c.MinSamples <= 0 {
		return fmt.Errorf("min_samples must be positive, got %d", *c.MinSamples)
	}
	if c.StopEpsilon != nil && *c.StopEpsilon < 0 {
		return fmt.Errorf("stop_epsilon must be non-negative, got %g", *c.StopEpsilon)
	}
	if c.RateSmoothing != nil && (*c.RateSmoothing <= 0 || *c.RateSmoothing > 1) {
		return fmt.Errorf("rate_smoothing must be in (0, 1], got %g", *c.RateSmoothing)
	}
	if c.CoefficientTolerance != nil && *c.CoefficientTolerance < 0 {
		return fmt.Errorf("coefficient_tolerance must be non-negative, got %g", *c.CoefficientTolerance)
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetWindowDuration returns the statistics window span.
func (c *TuningConfig) GetWindowDuration() time.Duration {
	return durationOr(c.WindowDuration, 20*time.Second)
}

// GetPlotDuration returns the plot series span.
func (c *TuningConfig) GetPlotDuration() time.Duration {
	return durationOr(c.PlotDuration, 20*time.Second)
}

// GetPlotMaxPoints returns the plot series point cap.
func (c *TuningConfig) GetPlotMaxPoints() int {
	if c.PlotMaxPoints == nil {
		return 1200
	}
	return *c.PlotMaxPoints
}

// GetMinSamples returns the statistics gate.
func (c *TuningConfig) GetMinSamples() int {
	if c.MinSamples == nil {
		return flutter.DefaultMinSamples
	}
	return *c.MinSamples
}

// GetUITick returns the UI refresh period.
func (c *TuningConfig) GetUITick() time.Duration {
	return durationOr(c.UITick, 50*time.Millisecond)
}

// GetMetricTick returns the statistics refresh period.
func (c *TuningConfig) GetMetricTick() time.Duration {
	return durationOr(c.MetricTick, 250*time.Millisecond)
}

// GetStopEpsilon returns the target magnitude treated as stopped.
func (c *TuningConfig) GetStopEpsilon() float64 {
	if c.StopEpsilon == nil {
		return 1e-6
	}
	return *c.StopEpsilon
}

// GetRateSmoothing returns the weight given to each new rate sample.
func (c *TuningConfig) GetRateSmoothing() float64 {
	if c.RateSmoothing == nil {
		return 0.1
	}
	return *c.RateSmoothing
}

// GetCoefficientTolerance returns the relative rate change that triggers a
// filter redesign.
func (c *TuningConfig) GetCoefficientTolerance() float64 {
	if c.CoefficientTolerance == nil {
		return 0
	}
	return *c.CoefficientTolerance
}

// GetReadbackTimeout returns how long to wait for a PID readback.
func (c *TuningConfig) GetReadbackTimeout() time.Duration {
	return durationOr(c.ReadbackTimeout, 2*time.Second)
}

// GetHistoryInterval returns the minimum spacing of history rows.
func (c *TuningConfig) GetHistoryInterval() time.Duration {
	return durationOr(c.HistoryInterval, time.Second)
}

// EngineOptions converts the tunables for flutter.NewEngine.
func (c *TuningConfig) EngineOptions() flutter.Options {
	return flutter.Options{
		WindowSeconds:        c.GetWindowDuration().Seconds(),
		PlotSeconds:          c.GetPlotDuration().Seconds(),
		PlotMaxPoints:        c.GetPlotMaxPoints(),
		MinSamples:           c.GetMinSamples(),
		StopEpsilon:          c.GetStopEpsilon(),
		RateSmoothing:        c.GetRateSmoothing(),
		CoefficientTolerance: c.GetCoefficientTolerance(),
	}
}
