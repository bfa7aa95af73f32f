package l4geometry

import (
	"fmt"
	"math"

	"github.com/banshee-data/blipsfm/internal/vision"
	"gonum.org/v1/gonum/mat"
)

// Intrinsics is a zero-skew pinhole camera calibration in pixels.
type Intrinsics struct {
	Fx float64 `json:"fx" yaml:"fx"`
	Fy float64 `json:"fy" yaml:"fy"`
	Cx float64 `json:"cx" yaml:"cx"`
	Cy float64 `json:"cy" yaml:"cy"`
}

// DefaultIntrinsics returns a nominal 1280x720 calibration: f = 1000 px with
// the principal point at the centre.
func DefaultIntrinsics() Intrinsics {
	return Intrinsics{Fx: 1000, Fy: 1000, Cx: 640, Cy: 360}
}

// Validate checks that the focal lengths are positive and all values finite.
func (k Intrinsics) Validate() error {
	for _, v := range []float64{k.Fx, k.Fy, k.Cx, k.Cy} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: camera intrinsics must be finite", vision.ErrInvalidInput)
		}
	}
	if k.Fx <= 0 || k.Fy <= 0 {
		return fmt.Errorf("%w: focal lengths must be positive, got fx=%g fy=%g", vision.ErrInvalidInput, k.Fx, k.Fy)
	}
	return nil
}

// Matrix returns K as a 3x3 dense matrix.
func (k Intrinsics) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		k.Fx, 0, k.Cx,
		0, k.Fy, k.Cy,
		0, 0, 1,
	})
}

// FocalMean returns the mean focal length, used to convert pixel
// thresholds to normalized units.
func (k Intrinsics) FocalMean() float64 { return (k.Fx + k.Fy) / 2 }

// Normalize maps a pixel to normalized image coordinates (K^-1 x).
func (k Intrinsics) Normalize(p vision.Point2D) [2]float64 {
	return [2]float64{(p.X - k.Cx) / k.Fx, (p.Y - k.Cy) / k.Fy}
}

// Project maps a camera-frame point to pixels. ok is false for points on or
// behind the image plane.
func (k Intrinsics) Project(x vision.Point3D) (vision.Point2D, bool) {
	if x.Z <= 0 {
		return vision.Point2D{}, false
	}
	return vision.Point2D{X: k.Fx*x.X/x.Z + k.Cx, Y: k.Fy*x.Y/x.Z + k.Cy}, true
}
