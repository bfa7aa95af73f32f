// Package config loads reconstruction settings from JSON or YAML files.
//
// Every field is optional: omitted keys fall back to the defaults of the
// reconstruction core, so a file only needs the values it changes.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/blipsfm/internal/vision/l4geometry"
	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// CameraConfig holds pinhole intrinsics in pixels.
type CameraConfig struct {
	Fx *float64 `json:"fx,omitempty" yaml:"fx,omitempty"`
	Fy *float64 `json:"fy,omitempty" yaml:"fy,omitempty"`
	Cx *float64 `json:"cx,omitempty" yaml:"cx,omitempty"`
	Cy *float64 `json:"cy,omitempty" yaml:"cy,omitempty"`
}

// ReconConfig is the file form of the reconstruction settings.
type ReconConfig struct {
	// Detector
	MaxPoints        *int     `json:"max_points,omitempty" yaml:"max_points,omitempty"`
	QualityLevel     *float64 `json:"quality_level,omitempty" yaml:"quality_level,omitempty"`
	MinDistance      *float64 `json:"min_distance,omitempty" yaml:"min_distance,omitempty"`
	NeighborhoodSize *int     `json:"neighborhood_size,omitempty" yaml:"neighborhood_size,omitempty"`

	// Tracker. PyramidLevels counts every level including full resolution,
	// so 1 tracks at full resolution only.
	PyramidLevels      *int     `json:"pyramid_levels,omitempty" yaml:"pyramid_levels,omitempty"`
	WindowSize         *int     `json:"window_size,omitempty" yaml:"window_size,omitempty"`
	ConvergenceEpsilon *float64 `json:"convergence_epsilon,omitempty" yaml:"convergence_epsilon,omitempty"`
	MaxIterations      *int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MinEigenThreshold  *float64 `json:"min_eigen_threshold,omitempty" yaml:"min_eigen_threshold,omitempty"`
	MaxResidual        *float64 `json:"max_residual,omitempty" yaml:"max_residual,omitempty"`
	FlowWorkers        *int     `json:"flow_workers,omitempty" yaml:"flow_workers,omitempty"`

	// Pose estimation
	RansacThreshold     *float64 `json:"ransac_threshold,omitempty" yaml:"ransac_threshold,omitempty"`
	RansacConfidence    *float64 `json:"ransac_confidence,omitempty" yaml:"ransac_confidence,omitempty"`
	MaxRansacIterations *int     `json:"max_ransac_iterations,omitempty" yaml:"max_ransac_iterations,omitempty"`
	RansacSeed          *int64   `json:"ransac_seed,omitempty" yaml:"ransac_seed,omitempty"`
	MinParallaxDeg      *float64 `json:"min_parallax_deg,omitempty" yaml:"min_parallax_deg,omitempty"`
	RansacWorkers       *int     `json:"ransac_workers,omitempty" yaml:"ransac_workers,omitempty"`

	// Loop
	MinTrackedPoints *int  `json:"min_tracked_points,omitempty" yaml:"min_tracked_points,omitempty"`
	Replenish        *bool `json:"replenish,omitempty" yaml:"replenish,omitempty"`

	Camera *CameraConfig `json:"camera,omitempty" yaml:"camera,omitempty"`

	// Frame range of a directory source, inclusive. FrameEnd <= 0 means the
	// last frame.
	FrameStart    *int    `json:"frame_start,omitempty" yaml:"frame_start,omitempty"`
	FrameEnd      *int    `json:"frame_end,omitempty" yaml:"frame_end,omitempty"`
	FrameInterval *string `json:"frame_interval,omitempty" yaml:"frame_interval,omitempty"` // duration string like "33ms"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }

func orDefault[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// LoadReconConfig reads a .json, .yaml or .yml file. Unknown keys are
// rejected so that typos do not silently fall back to defaults.
func LoadReconConfig(path string) (*ReconConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &ReconConfig{}
	if ext == ".json" {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the frame range and interval, then validates the
// reconstruction parameters the file resolves to.
func (c *ReconConfig) Validate() error {
	if c.FrameStart != nil && *c.FrameStart < 0 {
		return fmt.Errorf("frame_start must be non-negative, got %d", *c.FrameStart)
	}
	if c.FrameStart != nil && c.FrameEnd != nil && *c.FrameEnd > 0 && *c.FrameEnd < *c.FrameStart {
		return fmt.Errorf("frame_end %d is before frame_start %d", *c.FrameEnd, *c.FrameStart)
	}
	if c.FrameInterval != nil && *c.FrameInterval != "" {
		d, err := time.ParseDuration(*c.FrameInterval)
		if err != nil {
			return fmt.Errorf("invalid frame_interval '%s': %w", *c.FrameInterval, err)
		}
		if d < 0 {
			return fmt.Errorf("frame_interval must be non-negative, got %s", d)
		}
	}
	if c.PyramidLevels != nil && *c.PyramidLevels < 1 {
		return fmt.Errorf("pyramid_levels must be at least 1, got %d", *c.PyramidLevels)
	}
	return c.ToParams().Validate()
}

// GetMaxPoints returns the detector's corner cap.
func (c *ReconConfig) GetMaxPoints() int {
	return orDefault(c.MaxPoints, l5recon.DefaultConfig().Detector.MaxPoints)
}

// GetPyramidLevels returns the total number of pyramid levels, full
// resolution included. The tracker itself counts only the coarser levels.
func (c *ReconConfig) GetPyramidLevels() int {
	return orDefault(c.PyramidLevels, l5recon.DefaultConfig().Flow.PyramidLevels+1)
}

// GetMinTrackedPoints returns the replenishment threshold.
func (c *ReconConfig) GetMinTrackedPoints() int {
	return orDefault(c.MinTrackedPoints, l5recon.DefaultConfig().MinTrackedPoints)
}

// GetReplenish reports whether lost blips are replaced.
func (c *ReconConfig) GetReplenish() bool {
	return orDefault(c.Replenish, l5recon.DefaultConfig().Replenish)
}

// GetCamera returns the intrinsics, with unset values from the default
// calibration.
func (c *ReconConfig) GetCamera() l4geometry.Intrinsics {
	k := l4geometry.DefaultIntrinsics()
	if c.Camera == nil {
		return k
	}
	return l4geometry.Intrinsics{
		Fx: orDefault(c.Camera.Fx, k.Fx),
		Fy: orDefault(c.Camera.Fy, k.Fy),
		Cx: orDefault(c.Camera.Cx, k.Cx),
		Cy: orDefault(c.Camera.Cy, k.Cy),
	}
}

// GetFrameRange returns the inclusive frame range; end <= 0 means open.
func (c *ReconConfig) GetFrameRange() (start, end int) {
	return orDefault(c.FrameStart, 0), orDefault(c.FrameEnd, 0)
}

// GetFrameInterval returns the spacing of directory frames, zero when
// unset or invalid.
func (c *ReconConfig) GetFrameInterval() time.Duration {
	if c.FrameInterval == nil || *c.FrameInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.FrameInterval)
	if err != nil {
		return 0
	}
	return d
}

// ToParams resolves the file into the reconstructor configuration.
func (c *ReconConfig) ToParams() l5recon.Config {
	p := l5recon.DefaultConfig()

	p.Detector.MaxPoints = c.GetMaxPoints()
	p.Detector.QualityLevel = orDefault(c.QualityLevel, p.Detector.QualityLevel)
	p.Detector.MinDistance = orDefault(c.MinDistance, p.Detector.MinDistance)
	p.Detector.NeighborhoodSize = orDefault(c.NeighborhoodSize, p.Detector.NeighborhoodSize)

	p.Flow.PyramidLevels = c.GetPyramidLevels() - 1
	p.Flow.WindowSize = orDefault(c.WindowSize, p.Flow.WindowSize)
	p.Flow.ConvergenceEpsilon = orDefault(c.ConvergenceEpsilon, p.Flow.ConvergenceEpsilon)
	p.Flow.MaxIterations = orDefault(c.MaxIterations, p.Flow.MaxIterations)
	p.Flow.MinEigenThreshold = orDefault(c.MinEigenThreshold, p.Flow.MinEigenThreshold)
	p.Flow.MaxResidual = orDefault(c.MaxResidual, p.Flow.MaxResidual)
	p.Flow.Workers = orDefault(c.FlowWorkers, p.Flow.Workers)

	p.Ransac.Threshold = orDefault(c.RansacThreshold, p.Ransac.Threshold)
	p.Ransac.Confidence = orDefault(c.RansacConfidence, p.Ransac.Confidence)
	p.Ransac.MaxIterations = orDefault(c.MaxRansacIterations, p.Ransac.MaxIterations)
	p.Ransac.Seed = orDefault(c.RansacSeed, p.Ransac.Seed)
	p.Ransac.MinParallaxDeg = orDefault(c.MinParallaxDeg, p.Ransac.MinParallaxDeg)
	p.Ransac.Workers = orDefault(c.RansacWorkers, p.Ransac.Workers)

	p.Camera = c.GetCamera()
	p.MinTrackedPoints = c.GetMinTrackedPoints()
	p.Replenish = c.GetReplenish()
	return p
}
