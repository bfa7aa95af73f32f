package l3flow

import (
	"fmt"
	"math"
	"runtime"

	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l1frames"
	"golang.org/x/sync/errgroup"
)

// FlowParams controls the pyramidal Lucas-Kanade tracker.
type FlowParams struct {
	// PyramidLevels is the number of coarser levels built above the full
	// resolution frame. Zero tracks at full resolution only.
	PyramidLevels int `json:"pyramid_levels"`

	// WindowSize is the side length in pixels of the square integration
	// window. Even sizes extend one pixel further before the point than
	// after it.
	WindowSize int `json:"window_size"`

	// ConvergenceEpsilon stops refinement at a level once the update is
	// shorter than this many pixels.
	ConvergenceEpsilon float64 `json:"convergence_epsilon"`

	// MaxIterations bounds the refinement iterations per level.
	MaxIterations int `json:"max_iterations"`

	// MinEigenThreshold rejects points whose window-averaged gradient
	// matrix has a smaller eigenvalue than this (intensity^2 / px^2).
	MinEigenThreshold float64 `json:"min_eigen_threshold"`

	// MaxResidual rejects points whose mean absolute intensity difference
	// over the window exceeds this value after convergence. Zero disables
	// the check.
	MaxResidual float64 `json:"max_residual"`

	// Workers bounds the goroutines tracking points in parallel. Zero uses
	// GOMAXPROCS.
	Workers int `json:"workers"`
}

// DefaultFlowParams returns the default tracker parameters: 3 extra levels,
// a 21 px window, 30 iterations or 0.03 px.
func DefaultFlowParams() FlowParams {
	return FlowParams{
		PyramidLevels:      3,
		WindowSize:         21,
		ConvergenceEpsilon: 0.03,
		MaxIterations:      30,
		MinEigenThreshold:  1e-3,
		MaxResidual:        30,
	}
}

// Validate checks parameter ranges.
func (p FlowParams) Validate() error {
	if p.PyramidLevels < 0 {
		return fmt.Errorf("%w: pyramid levels must be non-negative, got %d", vision.ErrInvalidInput, p.PyramidLevels)
	}
	if p.WindowSize < 1 {
		return fmt.Errorf("%w: window size must be positive, got %d", vision.ErrInvalidInput, p.WindowSize)
	}
	if !(p.ConvergenceEpsilon > 0) || math.IsInf(p.ConvergenceEpsilon, 0) {
		return fmt.Errorf("%w: convergence epsilon must be positive, got %g", vision.ErrInvalidInput, p.ConvergenceEpsilon)
	}
	if p.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be positive, got %d", vision.ErrInvalidInput, p.MaxIterations)
	}
	if p.MinEigenThreshold < 0 || p.MaxResidual < 0 {
		return fmt.Errorf("%w: thresholds must be non-negative", vision.ErrInvalidInput)
	}
	if p.Workers < 0 {
		return fmt.Errorf("%w: workers must be non-negative, got %d", vision.ErrInvalidInput, p.Workers)
	}
	return nil
}

// Tracker maps points between consecutive frames. It holds only immutable
// parameters and is safe for concurrent use.
type Tracker struct {
	params FlowParams
}

// NewTracker validates params and returns a Tracker.
func NewTracker(params FlowParams) (*Tracker, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{params: params}, nil
}

// Params returns the tracker configuration.
func (t *Tracker) Params() FlowParams { return t.params }

// Track finds each point of a in frame b. The returned slices always have
// len(pts) entries in input order; next[i] is only meaningful when
// valid[i] is true. Lost points are not an error.
func (t *Tracker) Track(a, b *l1frames.Frame, pts []vision.Point2D) ([]vision.Point2D, []bool, error) {
	if err := a.Validate(); err != nil {
		return nil, nil, fmt.Errorf("previous frame: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, nil, fmt.Errorf("next frame: %w", err)
	}
	if !a.SameSize(b) {
		return nil, nil, fmt.Errorf("%w: frame sizes differ (%dx%d vs %dx%d)",
			vision.ErrInvalidInput, a.Width(), a.Height(), b.Width(), b.Height())
	}

	next := make([]vision.Point2D, len(pts))
	valid := make([]bool, len(pts))
	if len(pts) == 0 {
		return next, valid, nil
	}

	pa := BuildPyramid(a, t.params.PyramidLevels, t.params.WindowSize, true)
	pb := BuildPyramid(b, pa.Depth(), t.params.WindowSize, false)

	workers := t.params.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i, p := range pts {
		g.Go(func() error {
			next[i], valid[i] = t.trackPoint(pa, pb, p)
			return nil
		})
	}
	g.Wait()

	return next, valid, nil
}

// trackPoint runs coarse-to-fine refinement for a single point.
func (t *Tracker) trackPoint(pa, pb *Pyramid, p vision.Point2D) (vision.Point2D, bool) {
	if !p.IsFinite() || !pa.Levels[0].Contains(p) {
		return p, false
	}

	lo, hi := windowSpan(t.params.WindowSize)
	n := t.params.WindowSize * t.params.WindowSize
	tmpl := make([]float64, n)
	ix := make([]float64, n)
	iy := make([]float64, n)

	var gx, gy float64 // displacement estimate in current level pixels
	var pos vision.Point2D
	for level := pa.Depth(); level >= 0; level-- {
		scale := 1.0 / float64(int(1)<<level)
		la, lb := pa.Levels[level], pb.Levels[level]
		w, h := la.Width(), la.Height()
		px, py := p.X*scale, p.Y*scale

		// Template and gradients of a over the window.
		var g11, g12, g22 float64
		k := 0
		for dy := lo; dy <= hi; dy++ {
			for dx := lo; dx <= hi; dx++ {
				x, y := px+float64(dx), py+float64(dy)
				tmpl[k] = la.Sample(x, y)
				ix[k] = l1frames.Bilinear(pa.Gx[level], w, h, x, y)
				iy[k] = l1frames.Bilinear(pa.Gy[level], w, h, x, y)
				g11 += ix[k] * ix[k]
				g12 += ix[k] * iy[k]
				g22 += iy[k] * iy[k]
				k++
			}
		}

		det := g11*g22 - g12*g12
		half := (g11 - g22) / 2
		minEig := ((g11+g22)/2 - math.Sqrt(half*half+g12*g12)) / float64(n)
		if minEig < t.params.MinEigenThreshold || det < 1e-12 {
			if level == 0 {
				return p, false
			}
			gx, gy = 2*gx, 2*gy
			continue
		}

		vx, vy := px+gx, py+gy
		for it := 0; it < t.params.MaxIterations; it++ {
			if vx < 0 || vy < 0 || vx > float64(w-1) || vy > float64(h-1) {
				if level == 0 {
					return vision.Point2D{X: vx, Y: vy}, false
				}
				break
			}
			var b1, b2 float64
			k = 0
			for dy := lo; dy <= hi; dy++ {
				for dx := lo; dx <= hi; dx++ {
					diff := tmpl[k] - lb.Sample(vx+float64(dx), vy+float64(dy))
					b1 += diff * ix[k]
					b2 += diff * iy[k]
					k++
				}
			}
			du := (g22*b1 - g12*b2) / det
			dv := (g11*b2 - g12*b1) / det
			if math.IsNaN(du) || math.IsNaN(dv) || math.IsInf(du, 0) || math.IsInf(dv, 0) {
				return p, false
			}
			vx += du
			vy += dv
			if du*du+dv*dv < t.params.ConvergenceEpsilon*t.params.ConvergenceEpsilon {
				break
			}
		}

		gx, gy = vx-px, vy-py
		if level > 0 {
			gx, gy = 2*gx, 2*gy
		} else {
			pos = vision.Point2D{X: vx, Y: vy}
		}
	}

	if !pos.IsFinite() || !pb.Levels[0].Contains(pos) {
		return pos, false
	}
	if t.params.MaxResidual > 0 && residual(tmpl, pb.Levels[0], pos, lo, hi) > t.params.MaxResidual {
		return pos, false
	}
	return pos, true
}

// windowSpan returns the first and last window offset for a side of size
// pixels. Odd sizes are centred on the point.
func windowSpan(size int) (lo, hi int) {
	lo = -(size / 2)
	return lo, lo + size - 1
}

// residual returns the mean absolute difference between a template and
// frame b sampled around q.
func residual(tmpl []float64, b *l1frames.Frame, q vision.Point2D, lo, hi int) float64 {
	var sum float64
	k := 0
	for dy := lo; dy <= hi; dy++ {
		for dx := lo; dx <= hi; dx++ {
			sum += math.Abs(tmpl[k] - b.Sample(q.X+float64(dx), q.Y+float64(dy)))
			k++
		}
	}
	return sum / float64(len(tmpl))
}
