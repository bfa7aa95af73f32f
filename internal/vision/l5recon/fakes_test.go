package l5recon

import (
	"testing"
	"time"

	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l1frames"
	"github.com/banshee-data/blipsfm/internal/vision/l2features"
	"github.com/banshee-data/blipsfm/internal/vision/l4geometry"
	"github.com/stretchr/testify/require"
)

type detectCall struct {
	exclude []vision.Point2D
	limit   int
}

// fakeDetector returns its queued corner sets in order, then nothing.
type fakeDetector struct {
	results [][]vision.Point2D
	calls   []detectCall
}

func (d *fakeDetector) DetectCorners(_ *l1frames.Frame, exclude []vision.Point2D, limit int) ([]l2features.Corner, error) {
	d.calls = append(d.calls, detectCall{exclude: append([]vision.Point2D(nil), exclude...), limit: limit})
	if len(d.results) == 0 {
		return nil, nil
	}
	pts := d.results[0]
	d.results = d.results[1:]
	out := make([]l2features.Corner, len(pts))
	for i, p := range pts {
		out[i] = l2features.Corner{Point2D: p, Strength: float64(len(pts) - i)}
	}
	return out, nil
}

// fakeTracker shifts every point by (dx, 0) and loses the indices in lose.
type fakeTracker struct {
	dx     float64
	lose   map[int]bool
	onCall func()
}

func (t *fakeTracker) Track(_, _ *l1frames.Frame, pts []vision.Point2D) ([]vision.Point2D, []bool, error) {
	if t.onCall != nil {
		t.onCall()
	}
	next := make([]vision.Point2D, len(pts))
	valid := make([]bool, len(pts))
	for i, p := range pts {
		next[i] = vision.Point2D{X: p.X + t.dx, Y: p.Y}
		valid[i] = !t.lose[i]
	}
	return next, valid, nil
}

// fakeSolver returns err when set, otherwise pose (a unit sideways step by
// default) with every pair an inlier.
type fakeSolver struct {
	pose  l4geometry.RelativePose
	err   error
	calls int
}

func (s *fakeSolver) Estimate(prev, next []vision.Point2D) (*l4geometry.PoseResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	pose := s.pose
	if pose == (l4geometry.RelativePose{}) {
		pose = l4geometry.RelativePose{R: l4geometry.IdentityPose().R, T: [3]float64{1, 0, 0}}
	}
	inliers := make([]bool, len(prev))
	for i := range inliers {
		inliers[i] = true
	}
	return &l4geometry.PoseResult{Pose: pose, Inliers: inliers, InlierCount: len(prev), Iterations: 1}, nil
}

func flatFrame(t *testing.T, w, h int) *l1frames.Frame {
	t.Helper()
	f, err := l1frames.New(w, h, make([]float32, w*h))
	require.NoError(t, err)
	return f
}

func frames(t *testing.T, n int) []*l1frames.Frame {
	t.Helper()
	out := make([]*l1frames.Frame, n)
	for i := range out {
		out[i] = flatFrame(t, 32, 32).WithIndex(i, time.Unix(int64(i), 0))
	}
	return out
}

func gridPoints(n int) []vision.Point2D {
	pts := make([]vision.Point2D, n)
	for i := range pts {
		pts[i] = vision.Point2D{X: float64(10 + 20*(i%5)), Y: float64(10 + 20*(i/5))}
	}
	return pts
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Detector.MaxPoints = 10
	cfg.MinTrackedPoints = 0
	return cfg
}
