package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CoverageConfig represents tunable parameters for the coverage measurement
// engine. All fields are pointers so a partial JSON file only overrides what
// it names; the Get* methods supply defaults for everything else.
type CoverageConfig struct {
	// Segmentation params
	FenceRadiusMeters       *float64 `json:"fence_radius_meters,omitempty"`
	AccuracyThresholdMeters *float64 `json:"accuracy_threshold_meters,omitempty"`

	// Ping params
	PingInterval *string `json:"ping_interval,omitempty"` // duration string like "1s"
	PingTimeout  *string `json:"ping_timeout,omitempty"`  // duration string like "1s"

	// Session fallbacks, used until the control server supplies its own limits
	MaxSessionSeconds     *int `json:"max_coverage_session_seconds,omitempty"`
	MaxMeasurementSeconds *int `json:"max_coverage_measurement_seconds,omitempty"`

	// Resend params
	MaxResendAge     *string `json:"max_resend_age,omitempty"`  // duration string like "168h"
	ResendInterval   *string `json:"resend_interval,omitempty"` // duration string like "10m"
	SubmitRatePerMin *int    `json:"submit_rate_per_minute,omitempty"`
	ControlServerURL *string `json:"control_server_url,omitempty"`
}

const (
	defaultFenceRadiusMeters       = 30.0
	defaultAccuracyThresholdMeters = 20.0
	defaultPingInterval            = time.Second
	defaultPingTimeout             = time.Second
	defaultMaxSessionSeconds       = 3600
	defaultMaxMeasurementSeconds   = 1800
	defaultMaxResendAge            = 7 * 24 * time.Hour
	defaultResendInterval          = 10 * time.Minute
	defaultSubmitRatePerMin        = 30
)

// EmptyCoverageConfig returns a CoverageConfig with all fields unset, so every
// Get* method falls back to its default.
func EmptyCoverageConfig() *CoverageConfig {
	return &CoverageConfig{}
}

// LoadCoverageConfig loads a CoverageConfig from a JSON file. Fields omitted
// from the file retain their defaults, so partial configs are safe.
func LoadCoverageConfig(path string) (*CoverageConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyCoverageConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks all set fields for sane values.
func (c *CoverageConfig) Validate() error {
	if c.FenceRadiusMeters != nil && *c.FenceRadiusMeters <= 0 {
		return fmt.Errorf("fence_radius_meters must be positive, got %v", *c.FenceRadiusMeters)
	}
	if c.AccuracyThresholdMeters != nil && *c.AccuracyThresholdMeters <= 0 {
		return fmt.Errorf("accuracy_threshold_meters must be positive, got %v", *c.AccuracyThresholdMeters)
	}
	for name, v := range map[string]*string{
		"ping_interval":   c.PingInterval,
		"ping_timeout":    c.PingTimeout,
		"max_resend_age":  c.MaxResendAge,
		"resend_interval": c.ResendInterval,
	} {
		if v == nil {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.MaxSessionSeconds != nil && *c.MaxSessionSeconds <= 0 {
		return fmt.Errorf("max_coverage_session_seconds must be positive, got %d", *c.MaxSessionSeconds)
	}
	if c.MaxMeasurementSeconds != nil && *c.MaxMeasurementSeconds <= 0 {
		return fmt.Errorf("max_coverage_measurement_seconds must be positive, got %d", *c.MaxMeasurementSeconds)
	}
	if c.SubmitRatePerMin != nil && *c.SubmitRatePerMin <= 0 {
		return fmt.Errorf("submit_rate_per_minute must be positive, got %d", *c.SubmitRatePerMin)
	}
	return nil
}

func (c *CoverageConfig) GetFenceRadiusMeters() float64 {
	if c.FenceRadiusMeters != nil {
		return *c.FenceRadiusMeters
	}
	return defaultFenceRadiusMeters
}

func (c *CoverageConfig) GetAccuracyThresholdMeters() float64 {
	if c.AccuracyThresholdMeters != nil {
		return *c.AccuracyThresholdMeters
	}
	return defaultAccuracyThresholdMeters
}

func (c *CoverageConfig) GetPingInterval() time.Duration {
	return c.duration(c.PingInterval, defaultPingInterval)
}

func (c *CoverageConfig) GetPingTimeout() time.Duration {
	return c.duration(c.PingTimeout, defaultPingTimeout)
}

func (c *CoverageConfig) GetMaxSessionDuration() time.Duration {
	if c.MaxSessionSeconds != nil {
		return time.Duration(*c.MaxSessionSeconds) * time.Second
	}
	return defaultMaxSessionSeconds * time.Second
}

func (c *CoverageConfig) GetMaxMeasurementDuration() time.Duration {
	if c.MaxMeasurementSeconds != nil {
		return time.Duration(*c.MaxMeasurementSeconds) * time.Second
	}
	return defaultMaxMeasurementSeconds * time.Second
}

func (c *CoverageConfig) GetMaxResendAge() time.Duration {
	return c.duration(c.MaxResendAge, defaultMaxResendAge)
}

func (c *CoverageConfig) GetResendInterval() time.Duration {
	return c.duration(c.ResendInterval, defaultResendInterval)
}

func (c *CoverageConfig) GetSubmitRatePerMin() int {
	if c.SubmitRatePerMin != nil {
		return *c.SubmitRatePerMin
	}
	return defaultSubmitRatePerMin
}

func (c *CoverageConfig) GetControlServerURL() string {
	if c.ControlServerURL != nil {
		return *c.ControlServerURL
	}
	return ""
}

// duration parses a duration string field, falling back to def when the field
// is unset or unparseable. Validate catches bad strings on load; the fallback
// here covers configs assembled in code.
func (c *CoverageConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
