package l2features

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l1frames"
)

// DetectorParams controls corner selection.
type DetectorParams struct {
	// MaxPoints caps the number of returned corners.
	MaxPoints int `json:"max_points"`
	// QualityLevel is the fraction of the strongest response a candidate
	// must exceed. Must be in (0, 1].
	QualityLevel float64 `json:"quality_level"`
	// MinDistance is the minimum Euclidean distance in pixels between any two
	// returned corners.
	MinDistance float64 `json:"min_distance"`
	// NeighborhoodSize is the side of the square window over which gradient
	// products are summed.
	NeighborhoodSize int `json:"neighborhood_size"`
}

// DefaultDetectorParams returns the default detector: 100 corners, 1%
// quality, 10 px spacing and a 7 px block.
func DefaultDetectorParams() DetectorParams {
	return DetectorParams{
		MaxPoints:        100,
		QualityLevel:     0.01,
		MinDistance:      10,
		NeighborhoodSize: 7,
	}
}

// Validate checks parameter ranges.
func (p DetectorParams) Validate() error {
	if p.MaxPoints < 1 {
		return fmt.Errorf("%w: max points must be positive, got %d", vision.ErrInvalidInput, p.MaxPoints)
	}
	if !(p.QualityLevel > 0 && p.QualityLevel <= 1) {
		return fmt.Errorf("%w: quality level must be in (0, 1], got %g", vision.ErrInvalidInput, p.QualityLevel)
	}
	if p.MinDistance < 0 || math.IsNaN(p.MinDistance) || math.IsInf(p.MinDistance, 0) {
		return fmt.Errorf("%w: min distance must be a finite non-negative value, got %g", vision.ErrInvalidInput, p.MinDistance)
	}
	if p.NeighborhoodSize < 3 {
		return fmt.Errorf("%w: neighborhood size must be at least 3, got %d", vision.ErrInvalidInput, p.NeighborhoodSize)
	}
	return nil
}

// Corner is a detected point together with its minimum-eigenvalue response.
type Corner struct {
	vision.Point2D
	Strength float64
}

// Detector selects Shi-Tomasi corners. It holds only immutable parameters
// and is safe for concurrent use.
type Detector struct {
	params DetectorParams
}

// NewDetector validates params and returns a Detector.
func NewDetector(params DetectorParams) (*Detector, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Detector{params: params}, nil
}

// Params returns the detector configuration.
func (d *Detector) Params() DetectorParams { return d.params }

// Detect returns up to MaxPoints corners ordered by descending strength.
// A frame without usable structure yields an empty slice, not an error.
func (d *Detector) Detect(frame *l1frames.Frame) ([]vision.Point2D, error) {
	corners, err := d.DetectCorners(frame, nil, d.params.MaxPoints)
	if err != nil {
		return nil, err
	}
	pts := make([]vision.Point2D, len(corners))
	for i, c := range corners {
		pts[i] = c.Point2D
	}
	return pts, nil
}

// DetectCorners is Detect with two extensions used for replenishment:
// candidates closer than MinDistance to any point in exclude are rejected,
// and at most limit corners are returned (limit <= 0 means MaxPoints).
func (d *Detector) DetectCorners(frame *l1frames.Frame, exclude []vision.Point2D, limit int) ([]Corner, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = d.params.MaxPoints
	}

	response, maxResp := d.minEigenResponse(frame)
	if !(maxResp > 0) {
		return []Corner{}, nil
	}

	candidates := nonMaxCandidates(response, frame.Width(), frame.Height(), d.params.QualityLevel*maxResp)
	if len(candidates) == 0 {
		return []Corner{}, nil
	}

	// Stable sort keeps row-major order among equal strengths.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Strength > candidates[j].Strength
	})

	return selectSpaced(candidates, exclude, d.params.MinDistance, limit), nil
}

// minEigenResponse computes the smaller eigenvalue of the summed structure
// tensor [a b; b c] at every pixel.
func (d *Detector) minEigenResponse(frame *l1frames.Frame) ([]float64, float64) {
	w, h := frame.Width(), frame.Height()
	gx, gy := l1frames.Gradients(frame, l1frames.Sobel)

	xx := make([]float32, w*h)
	xy := make([]float32, w*h)
	yy := make([]float32, w*h)
	for i := range gx {
		xx[i] = gx[i] * gx[i]
		xy[i] = gx[i] * gy[i]
		yy[i] = gy[i] * gy[i]
	}

	n := d.params.NeighborhoodSize
	a := l1frames.BoxSum(xx, w, h, n)
	b := l1frames.BoxSum(xy, w, h, n)
	c := l1frames.BoxSum(yy, w, h, n)

	resp := make([]float64, w*h)
	maxResp := 0.0
	for i := range resp {
		half := (a[i] - c[i]) / 2
		l := (a[i]+c[i])/2 - math.Sqrt(half*half+b[i]*b[i])
		if l < 0 {
			// Rounding can push a zero eigenvalue slightly negative.
			l = 0
		}
		resp[i] = l
		if l > maxResp {
			maxResp = l
		}
	}
	return resp, maxResp
}

// nonMaxCandidates keeps pixels above threshold that are not smaller than any
// of their eight neighbours. The one-pixel frame border is skipped.
func nonMaxCandidates(resp []float64, w, h int, threshold float64) []Corner {
	var out []Corner
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			v := resp[y*w+x]
			if v <= threshold {
				continue
			}
			isMax := true
			for dy := -1; dy <= 1 && isMax; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if (dx != 0 || dy != 0) && resp[(y+dy)*w+x+dx] > v {
						isMax = false
						break
					}
				}
			}
			if isMax {
				out = append(out, Corner{Point2D: vision.Point2D{X: float64(x), Y: float64(y)}, Strength: v})
			}
		}
	}
	return out
}

// selectSpaced greedily accepts sorted candidates whose distance to every
// accepted or excluded point is at least minDist. A uniform grid with cell
// size minDist bounds each check to the 3x3 neighbouring cells.
func selectSpaced(sorted []Corner, exclude []vision.Point2D, minDist float64, limit int) []Corner {
	out := make([]Corner, 0, min(limit, len(sorted)))
	if minDist <= 0 {
		for _, c := range sorted {
			if len(out) == limit {
				break
			}
			out = append(out, c)
		}
		return out
	}

	type cell struct{ x, y int }
	grid := make(map[cell][]vision.Point2D)
	key := func(p vision.Point2D) cell {
		return cell{int(math.Floor(p.X / minDist)), int(math.Floor(p.Y / minDist))}
	}
	tooClose := func(p vision.Point2D) bool {
		k := key(p)
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				for _, q := range grid[cell{k.x + dx, k.y + dy}] {
					if p.Dist(q) < minDist {
						return true
					}
				}
			}
		}
		return false
	}

	for _, p := range exclude {
		if p.IsFinite() {
			k := key(p)
			grid[k] = append(grid[k], p)
		}
	}

	for _, c := range sorted {
		if len(out) == limit {
			break
		}
		if tooClose(c.Point2D) {
			continue
		}
		out = append(out, c)
		k := key(c.Point2D)
		grid[k] = append(grid[k], c.Point2D)
	}
	return out
}
