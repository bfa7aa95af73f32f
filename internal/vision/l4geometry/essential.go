package l4geometry

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"github.com/banshee-data/blipsfm/internal/vision"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// MinPairs is the smallest number of correspondences the minimal solver
// accepts.
const MinPairs = 5

const (
	// rankTolerance flags an essential matrix whose two leading singular
	// values differ by more than this ratio as rank deficient.
	rankTolerance = 1e-3
	// zeroMotionPx is the median pixel displacement below which a pair set
	// is treated as showing no motion at all.
	zeroMotionPx = 1e-6
)

// RansacParams controls essential matrix estimation.
type RansacParams struct {
	// Threshold is the maximum Sampson distance, in pixels, of an inlier.
	Threshold float64 `json:"threshold"`
	// Confidence is the probability of drawing at least one outlier-free
	// sample, used to adapt the iteration count. Must be in (0, 1).
	Confidence float64 `json:"confidence"`
	// MaxIterations caps the RANSAC iterations.
	MaxIterations int `json:"max_iterations"`
	// Seed makes sampling deterministic.
	Seed int64 `json:"seed"`
	// MinParallaxDeg is the median rotation-compensated ray angle below which
	// the motion is treated as a pure rotation.
	MinParallaxDeg float64 `json:"min_parallax_deg"`
	// MaxCheiralitySamples bounds the inliers triangulated when choosing
	// between the four decomposition candidates.
	MaxCheiralitySamples int `json:"max_cheirality_samples"`
	// Workers bounds parallel hypothesis scoring. Zero uses GOMAXPROCS.
	Workers int `json:"workers"`
}

// DefaultRansacParams returns a 1 px threshold at 99.9% confidence.
func DefaultRansacParams() RansacParams {
	return RansacParams{
		Threshold:            1.0,
		Confidence:           0.999,
		MaxIterations:        1000,
		Seed:                 1,
		MinParallaxDeg:       0.02,
		MaxCheiralitySamples: 500,
	}
}

// Validate checks parameter ranges.
func (p RansacParams) Validate() error {
	if !(p.Threshold > 0) || math.IsInf(p.Threshold, 0) {
		return fmt.Errorf("%w: ransac threshold must be positive, got %g", vision.ErrInvalidInput, p.Threshold)
	}
	if !(p.Confidence > 0 && p.Confidence < 1) {
		return fmt.Errorf("%w: ransac confidence must be in (0, 1), got %g", vision.ErrInvalidInput, p.Confidence)
	}
	if p.MaxIterations < 1 {
		return fmt.Errorf("%w: ransac iterations must be positive, got %d", vision.ErrInvalidInput, p.MaxIterations)
	}
	if p.MinParallaxDeg < 0 {
		return fmt.Errorf("%w: min parallax must be non-negative, got %g", vision.ErrInvalidInput, p.MinParallaxDeg)
	}
	if p.MaxCheiralitySamples < 1 {
		return fmt.Errorf("%w: cheirality samples must be positive, got %d", vision.ErrInvalidInput, p.MaxCheiralitySamples)
	}
	if p.Workers < 0 {
		return fmt.Errorf("%w: workers must be non-negative, got %d", vision.ErrInvalidInput, p.Workers)
	}
	return nil
}

// PoseResult is the outcome of a successful relative pose estimate.
type PoseResult struct {
	Pose      RelativePose
	Essential *mat.Dense
	// Inliers flags the input pairs consistent with Essential.
	Inliers     []bool
	InlierCount int
	// Iterations is the number of RANSAC samples drawn.
	Iterations int
	// ParallaxDeg is the median angle between the second view's rays and
	// the rotated first view's rays over the inliers.
	ParallaxDeg float64
}

// PoseEstimator recovers relative camera motion from tracked pairs.
type PoseEstimator struct {
	k      Intrinsics
	params RansacParams
}

// NewPoseEstimator validates its inputs and returns an estimator.
func NewPoseEstimator(k Intrinsics, params RansacParams) (*PoseEstimator, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &PoseEstimator{k: k, params: params}, nil
}

// Intrinsics returns the camera calibration the estimator was built with.
func (pe *PoseEstimator) Intrinsics() Intrinsics { return pe.k }

// Estimate computes the motion from the view of prev to the view of next.
// It fails with vision.ErrDegenerateGeometry when fewer than five pairs
// (or inliers) remain, when the points did not move, when the motion is a
// pure rotation, when the model is rank deficient, or when no
// decomposition places the points in front of both cameras.
func (pe *PoseEstimator) Estimate(prev, next []vision.Point2D) (*PoseResult, error) {
	if len(prev) != len(next) {
		return nil, fmt.Errorf("%w: %d previous points but %d next points", vision.ErrInvalidInput, len(prev), len(next))
	}
	for i := range prev {
		if !prev[i].IsFinite() || !next[i].IsFinite() {
			return nil, fmt.Errorf("%w: pair %d is not finite", vision.ErrInvalidInput, i)
		}
	}
	n := len(prev)
	if n < MinPairs {
		return nil, fmt.Errorf("%w: need at least %d pairs, got %d", vision.ErrDegenerateGeometry, MinPairs, n)
	}

	disp := make([]float64, n)
	for i := range prev {
		disp[i] = prev[i].Dist(next[i])
	}
	if median(disp) < zeroMotionPx {
		return nil, fmt.Errorf("%w: zero parallax, points did not move", vision.ErrDegenerateGeometry)
	}

	q1 := make([][2]float64, n)
	q2 := make([][2]float64, n)
	for i := range prev {
		q1[i] = pe.k.Normalize(prev[i])
		q2[i] = pe.k.Normalize(next[i])
	}

	thr := pe.params.Threshold / pe.k.FocalMean()
	e, inliers, count, iters := pe.ransac(q1, q2, thr*thr)
	if e == nil || count < MinPairs {
		return nil, fmt.Errorf("%w: only %d of %d pairs agree on an essential matrix", vision.ErrDegenerateGeometry, max(count, 0), n)
	}

	in1, in2 := selectPairs(q1, q2, inliers, n)
	parallax := rotationCompensatedParallax(in1, in2)
	if parallax < pe.params.MinParallaxDeg {
		return nil, fmt.Errorf("%w: pure rotation, median parallax %.4f deg", vision.ErrDegenerateGeometry, parallax)
	}

	if count >= 8 {
		if refit := eightPoint(in1, in2); refit != nil {
			refitInliers, refitCount := scoreEssential(refit, q1, q2, thr*thr)
			if refitCount >= count {
				e, inliers, count = refit, refitInliers, refitCount
				in1, in2 = selectPairs(q1, q2, inliers, n)
			}
		}
	}

	var sv mat.SVD
	if !sv.Factorize(e, mat.SVDNone) {
		return nil, fmt.Errorf("%w: essential matrix SVD failed", vision.ErrDegenerateGeometry)
	}
	s := sv.Values(nil)
	if s[0] == 0 || s[1]/s[0] < rankTolerance {
		return nil, fmt.Errorf("%w: essential matrix is rank deficient", vision.ErrDegenerateGeometry)
	}

	c1, c2 := strideSample(in1, in2, pe.params.MaxCheiralitySamples)
	pose, front := selectPose(e, c1, c2)
	if front <= 0 {
		return nil, fmt.Errorf("%w: no pose candidate places points in front of both cameras", vision.ErrDegenerateGeometry)
	}

	return &PoseResult{
		Pose:        pose,
		Essential:   e,
		Inliers:     inliers,
		InlierCount: count,
		Iterations:  iters,
		ParallaxDeg: parallax,
	}, nil
}

// ransac runs the five-point solver on random minimal samples and returns the
// hypothesis with the most inliers.
func (pe *PoseEstimator) ransac(q1, q2 [][2]float64, thr2 float64) (*mat.Dense, []bool, int, int) {
	n := len(q1)
	rng := rand.New(rand.NewSource(pe.params.Seed))
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	workers := pe.params.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var (
		bestE     *mat.Dense
		bestMask  []bool
		bestCount = -1
		bestFront = -1
	)
	s1 := make([][2]float64, MinPairs)
	s2 := make([][2]float64, MinPairs)

	limit := pe.params.MaxIterations
	iter := 0
	for ; iter < limit; iter++ {
		for i := 0; i < MinPairs; i++ {
			j := i + rng.Intn(n-i)
			idx[i], idx[j] = idx[j], idx[i]
			s1[i], s2[i] = q1[idx[i]], q2[idx[i]]
		}

		hyps := fivePoint(s1, s2)
		if len(hyps) == 0 {
			continue
		}

		masks := make([][]bool, len(hyps))
		counts := make([]int, len(hyps))
		var g errgroup.Group
		g.SetLimit(workers)
		for h, e := range hyps {
			g.Go(func() error {
				masks[h], counts[h] = scoreEssential(e, q1, q2, thr2)
				return nil
			})
		}
		g.Wait()

		for h := range hyps {
			switch {
			case counts[h] > bestCount:
				bestE, bestMask, bestCount = hyps[h], masks[h], counts[h]
				bestFront = -1
				limit = adaptiveIterations(pe.params.Confidence, float64(bestCount)/float64(n), pe.params.MaxIterations, iter+1)
			case counts[h] == bestCount && bestCount >= MinPairs:
				// Equal support, typical of minimal samples: prefer the
				// hypothesis that places more points in front of both cameras.
				if bestFront < 0 {
					bestFront = pe.frontCount(bestE, q1, q2, bestMask)
				}
				if f := pe.frontCount(hyps[h], q1, q2, masks[h]); f > bestFront {
					bestE, bestMask, bestFront = hyps[h], masks[h], f
				}
			}
		}
	}
	return bestE, bestMask, bestCount, iter
}

// frontCount returns the cheirality support of the best decomposition of e
// over the masked pairs.
func (pe *PoseEstimator) frontCount(e *mat.Dense, q1, q2 [][2]float64, mask []bool) int {
	in1, in2 := selectPairs(q1, q2, mask, len(q1))
	c1, c2 := strideSample(in1, in2, pe.params.MaxCheiralitySamples)
	_, front := selectPose(e, c1, c2)
	return front
}

// adaptiveIterations returns log(1-p)/log(1-w^5), clamped to [done, max].
func adaptiveIterations(p, w float64, maxIter, done int) int {
	if w >= 1 {
		return done
	}
	den := math.Log(1 - math.Pow(w, MinPairs))
	if den >= 0 || math.IsNaN(den) {
		return maxIter
	}
	n := math.Ceil(math.Log(1-p) / den)
	if n > float64(maxIter) {
		return maxIter
	}
	return max(int(n), done)
}

// scoreEssential marks pairs whose squared Sampson distance is within thr2.
func scoreEssential(e *mat.Dense, q1, q2 [][2]float64, thr2 float64) ([]bool, int) {
	var m [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = e.At(i, j)
		}
	}
	mask := make([]bool, len(q1))
	count := 0
	for i := range q1 {
		if sampson(&m, q1[i], q2[i]) <= thr2 {
			mask[i] = true
			count++
		}
	}
	return mask, count
}

// sampson returns the first-order geometric error of the pair under e.
func sampson(e *[3][3]float64, a, b [2]float64) float64 {
	x1 := [3]float64{a[0], a[1], 1}
	x2 := [3]float64{b[0], b[1], 1}
	var ex1, etx2 [3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			ex1[i] += e[i][j] * x1[j]
			etx2[i] += e[j][i] * x2[j]
		}
	}
	r := x2[0]*ex1[0] + x2[1]*ex1[1] + x2[2]*ex1[2]
	den := ex1[0]*ex1[0] + ex1[1]*ex1[1] + etx2[0]*etx2[0] + etx2[1]*etx2[1]
	if den == 0 {
		return math.Inf(1)
	}
	return r * r / den
}

// rotationCompensatedParallax fits the rotation that best aligns the rays of
// the first view with the second (Kabsch) and returns the median residual
// angle in degrees. A pure rotation leaves no residual.
func rotationCompensatedParallax(q1, q2 [][2]float64) float64 {
	h := mat.NewDense(3, 3, nil)
	rays1 := make([][3]float64, len(q1))
	rays2 := make([][3]float64, len(q2))
	for i := range q1 {
		rays1[i] = unitRay(q1[i])
		rays2[i] = unitRay(q2[i])
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+rays2[i][r]*rays1[i][c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return 0
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	d := 1.0
	if mat.Det(&u)*mat.Det(&v) < 0 {
		d = -1
	}
	var rot mat.Dense
	rot.Product(&u, mat.NewDiagDense(3, []float64{1, 1, d}), v.T())

	angles := make([]float64, len(q1))
	for i := range rays1 {
		var rr [3]float64
		for r := 0; r < 3; r++ {
			rr[r] = rot.At(r, 0)*rays1[i][0] + rot.At(r, 1)*rays1[i][1] + rot.At(r, 2)*rays1[i][2]
		}
		angles[i] = AngleBetweenDeg(rr, rays2[i])
	}
	return median(angles)
}

func unitRay(q [2]float64) [3]float64 {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + 1)
	return [3]float64{q[0] / n, q[1] / n, 1 / n}
}

func selectPairs(q1, q2 [][2]float64, mask []bool, n int) ([][2]float64, [][2]float64) {
	a := make([][2]float64, 0, n)
	b := make([][2]float64, 0, n)
	for i, ok := range mask {
		if ok {
			a = append(a, q1[i])
			b = append(b, q2[i])
		}
	}
	return a, b
}

// strideSample keeps at most limit pairs spread evenly over the input.
func strideSample(q1, q2 [][2]float64, limit int) ([][2]float64, [][2]float64) {
	if len(q1) <= limit {
		return q1, q2
	}
	a := make([][2]float64, 0, limit)
	b := make([][2]float64, 0, limit)
	step := float64(len(q1)) / float64(limit)
	for k := 0; k < limit; k++ {
		i := int(float64(k) * step)
		a = append(a, q1[i])
		b = append(b, q2[i])
	}
	return a, b
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}
