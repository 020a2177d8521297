// Package config loads fit tuning parameters from JSON. The schema
// matches the /api/maps/{id}/fit request body so the same JSON can be
// used for startup configuration and per-request overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/mapfix/internal/robust"
	"github.com/banshee-data/mapfix/internal/transform"
)

// TuningConfig holds the robust-fit and spline parameters. All fields are
// optional pointers; omitted fields fall back to the package defaults, so
// partial configs are safe.
type TuningConfig struct {
	// Robust fit params
	ModelType       *string  `json:"model_type,omitempty"`
	MaxSamples      *int     `json:"max_samples,omitempty"`
	InlierThreshold *float64 `json:"inlier_threshold_m,omitempty"`
	HuberDelta      *float64 `json:"huber_delta_m,omitempty"`
	IRLSPasses      *int     `json:"irls_passes,omitempty"`

	// Spline refinement params
	TPSEnabled *bool    `json:"tps_enabled,omitempty"`
	TPSLambda  *float64 `json:"tps_lambda,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must
// have a .json extension and stay under the max file size.
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

// Validate checks that any set values are usable.
func (c *TuningConfig) Validate() error {
	if c.ModelType != nil {
		switch transform.Type(*c.ModelType) {
		case transform.TypeSimilarity, transform.TypeAffine, transform.TypeHomography:
		default:
			return fmt.Errorf("unknown model_type %q", *c.ModelType)
		}
	}
	if c.MaxSamples != nil && *c.MaxSamples < 1 {
		return fmt.Errorf("max_samples must be positive, got %d", *c.MaxSamples)
	}
	if c.InlierThreshold != nil && *c.InlierThreshold <= 0 {
		return fmt.Errorf("inlier_threshold_m must be positive, got %g", *c.InlierThreshold)
	}
	if c.HuberDelta != nil && *c.HuberDelta <= 0 {
		return fmt.Errorf("huber_delta_m must be positive, got %g", *c.HuberDelta)
	}
	if c.IRLSPasses != nil && *c.IRLSPasses < 0 {
		return fmt.Errorf("irls_passes must not be negative, got %d", *c.IRLSPasses)
	}
	if c.TPSLambda != nil && *c.TPSLambda < 0 {
		return fmt.Errorf("tps_lambda must not be negative, got %g", *c.TPSLambda)
	}
	return nil
}

// Merge overlays set fields of other onto a copy of c. Used to apply
// per-request overrides on top of the startup configuration.
func (c *TuningConfig) Merge(other *TuningConfig) *TuningConfig {
	out := *c
	if other == nil {
		return &out
	}
	if other.ModelType != nil {
		out.ModelType = other.ModelType
	}
	if other.MaxSamples != nil {
		out.MaxSamples = other.MaxSamples
	}
	if other.InlierThreshold != nil {
		out.InlierThreshold = other.InlierThreshold
	}
	if other.HuberDelta != nil {
		out.HuberDelta = other.HuberDelta
	}
	if other.IRLSPasses != nil {
		out.IRLSPasses = other.IRLSPasses
	}
	if other.TPSEnabled != nil {
		out.TPSEnabled = other.TPSEnabled
	}
	if other.TPSLambda != nil {
		out.TPSLambda = other.TPSLambda
	}
	return &out
}

// RobustConfig converts the tuning values into a robust.Config. Unset
// fields stay zero so the fitter applies its own defaults.
func (c *TuningConfig) RobustConfig() robust.Config {
	var cfg robust.Config
	if c.ModelType != nil {
		cfg.ModelType = transform.Type(*c.ModelType)
	}
	if c.MaxSamples != nil {
		cfg.MaxSamples = *c.MaxSamples
	}
	if c.InlierThreshold != nil {
		cfg.InlierThreshold = *c.InlierThreshold
	}
	if c.HuberDelta != nil {
		cfg.HuberDelta = *c.HuberDelta
	}
	if c.IRLSPasses != nil {
		cfg.IRLSPasses = *c.IRLSPasses
	}
	return cfg
}

// GetTPSEnabled reports whether spline refinement is requested.
func (c *TuningConfig) GetTPSEnabled() bool {
	if c.TPSEnabled == nil {
		return false
	}
	return *c.TPSEnabled
}

// GetTPSLambda returns the spline ridge weight, defaulting to 0 (exact
// interpolation).
func (c *TuningConfig) GetTPSLambda() float64 {
	if c.TPSLambda == nil {
		return 0
	}
	return *c.TPSLambda
}
