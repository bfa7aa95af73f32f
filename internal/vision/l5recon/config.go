package l5recon

import (
	"fmt"

	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l2features"
	"github.com/banshee-data/blipsfm/internal/vision/l3flow"
	"github.com/banshee-data/blipsfm/internal/vision/l4geometry"
)

// Config is the immutable parameter set of a Reconstructor. Every step of a
// run reads the same configuration.
type Config struct {
	Detector l2features.DetectorParams `json:"detector"`
	Flow     l3flow.FlowParams         `json:"flow"`
	Camera   l4geometry.Intrinsics     `json:"camera"`
	Ransac   l4geometry.RansacParams   `json:"ransac"`

	// MinTrackedPoints triggers replenishment when fewer blips survive a
	// step. Zero disables the threshold.
	MinTrackedPoints int `json:"min_tracked_points"`
	// Replenish enables re-detection on the current frame. With it off the
	// blip set only shrinks after seeding.
	Replenish bool `json:"replenish"`
}

// DefaultConfig returns the default parameters with replenishment enabled.
func DefaultConfig() Config {
	return Config{
		Detector:         l2features.DefaultDetectorParams(),
		Flow:             l3flow.DefaultFlowParams(),
		Camera:           l4geometry.DefaultIntrinsics(),
		Ransac:           l4geometry.DefaultRansacParams(),
		MinTrackedPoints: 50,
		Replenish:        true,
	}
}

// Validate checks every nested parameter block.
func (c Config) Validate() error {
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := c.Flow.Validate(); err != nil {
		return fmt.Errorf("flow: %w", err)
	}
	if err := c.Camera.Validate(); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	if err := c.Ransac.Validate(); err != nil {
		return fmt.Errorf("ransac: %w", err)
	}
	if c.MinTrackedPoints < 0 || c.MinTrackedPoints > c.Detector.MaxPoints {
		return fmt.Errorf("%w: min_tracked_points must be in [0, %d], got %d",
			vision.ErrInvalidInput, c.Detector.MaxPoints, c.MinTrackedPoints)
	}
	return nil
}
