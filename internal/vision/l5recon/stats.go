package l5recon

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/blipsfm/internal/vision/l4geometry"
)

// StepStats summarises the geometry of one step.
type StepStats struct {
	Points           int     `json:"points"`
	InlierPoints     int     `json:"inlier_points"`
	MeanDepth        float64 `json:"mean_depth"`
	DepthStdDev      float64 `json:"depth_stddev"`
	ReprojRMSE       float64 `json:"reproj_rmse_px"`
	ParallaxDeg      float64 `json:"parallax_deg"`
	RansacIterations int     `json:"ransac_iterations"`
}

// cloudStats computes depth moments and the two-view reprojection RMSE of
// the cloud's inlier points.
func cloudStats(c Cloud, p1, p2 mat.Matrix) StepStats {
	s := StepStats{Points: len(c.Points)}
	if len(c.Points) == 0 {
		return s
	}

	depths := make([]float64, 0, len(c.Points))
	var sq float64
	var nres int
	for i, x := range c.Points {
		depths = append(depths, x.Z)
		if !c.Inlier[i] {
			continue
		}
		s.InlierPoints++
		e1 := l4geometry.ReprojectionError(p1, x, c.Prev[i])
		e2 := l4geometry.ReprojectionError(p2, x, c.Next[i])
		if math.IsInf(e1, 0) || math.IsInf(e2, 0) {
			continue
		}
		sq += e1*e1 + e2*e2
		nres += 2
	}

	if len(depths) > 1 {
		s.MeanDepth, s.DepthStdDev = stat.MeanStdDev(depths, nil)
	} else {
		s.MeanDepth = depths[0]
	}
	if nres > 0 {
		s.ReprojRMSE = math.Sqrt(sq / float64(nres))
	}
	return s
}
