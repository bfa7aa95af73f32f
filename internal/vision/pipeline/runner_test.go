package pipeline

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/blipsfm/internal/timeutil"
	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l1frames"
	"github.com/banshee-data/blipsfm/internal/vision/l2features"
	"github.com/banshee-data/blipsfm/internal/vision/l4geometry"
	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
	"github.com/banshee-data/blipsfm/internal/vision/storage/sqlite"
)

type gridDetector struct{}

func (gridDetector) DetectCorners(_ *l1frames.Frame, _ []vision.Point2D, limit int) ([]l2features.Corner, error) {
	var out []l2features.Corner
	for i := 0; i < limit && i < 9; i++ {
		out = append(out, l2features.Corner{Point2D: vision.Point2D{X: float64(20 + 20*(i%3)), Y: float64(20 + 20*(i/3))}})
	}
	return out, nil
}

type shiftTracker struct{}

func (shiftTracker) Track(_, _ *l1frames.Frame, pts []vision.Point2D) ([]vision.Point2D, []bool, error) {
	next := make([]vision.Point2D, len(pts))
	ok := make([]bool, len(pts))
	for i, p := range pts {
		next[i] = vision.Point2D{X: p.X - 2, Y: p.Y}
		ok[i] = true
	}
	return next, ok, nil
}

type fixedSolver struct{ err error }

func (s fixedSolver) Estimate(prev, _ []vision.Point2D) (*l4geometry.PoseResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	in := make([]bool, len(prev))
	for i := range in {
		in[i] = true
	}
	pose := l4geometry.RelativePose{R: l4geometry.IdentityPose().R, T: [3]float64{1, 0, 0}}
	return &l4geometry.PoseResult{Pose: pose, Inliers: in, InlierCount: len(prev)}, nil
}

func newRecon(t *testing.T, solver l5recon.PoseSolver) *l5recon.Reconstructor {
	t.Helper()
	cfg := l5recon.DefaultConfig()
	cfg.Detector.MaxPoints = 9
	cfg.MinTrackedPoints = 0
	r, err := l5recon.New(cfg,
		l5recon.WithDetector(gridDetector{}),
		l5recon.WithTracker(shiftTracker{}),
		l5recon.WithPoseSolver(solver),
	)
	require.NoError(t, err)
	return r
}

func testSource(t *testing.T, n int) l1frames.FrameSource {
	t.Helper()
	fs := make([]*l1frames.Frame, n)
	for i := range fs {
		f, err := l1frames.New(100, 100, make([]float32, 100*100))
		require.NoError(t, err)
		fs[i] = f.WithIndex(i, time.Unix(int64(i), 0))
	}
	return l1frames.NewSliceSource(fs)
}

type recordingStore struct {
	created  []*sqlite.Run
	steps    []int
	finished []error
	frames   int
	stepErr  error
}

func (s *recordingStore) CreateRun(run *sqlite.Run) error {
	s.created = append(s.created, run)
	return nil
}

func (s *recordingStore) InsertStep(_ string, res *l5recon.StepResult) error {
	if s.stepErr != nil {
		return s.stepErr
	}
	s.steps = append(s.steps, res.FrameIndex)
	return nil
}

func (s *recordingStore) FinishRun(_ string, frames int, runErr error) error {
	s.frames = frames
	s.finished = append(s.finished, runErr)
	return nil
}

type finishingSink struct {
	steps    int
	finished bool
}

func (f *finishingSink) HandleStep(string, *l5recon.StepResult) error {
	f.steps++
	return nil
}

func (f *finishingSink) FinishRun(string, int, error) error {
	f.finished = true
	return nil
}

func TestNewRunner_NilReconstructor(t *testing.T) {
	_, err := NewRunner(nil)
	assert.Error(t, err)
}

func TestRunner_Run(t *testing.T) {
	store := &recordingStore{}
	sink := &finishingSink{}
	var seen []string
	failing := StepSinkFunc(func(runID string, _ *l5recon.StepResult) error {
		seen = append(seen, runID)
		return errors.New("broker down")
	})

	cfg := l5recon.DefaultConfig()
	r, err := NewRunner(newRecon(t, fixedSolver{}),
		WithStore(store),
		WithSinks(sink, failing),
		WithSource("synthetic:4"),
		WithConfig(cfg),
	)
	require.NoError(t, err)

	sum, err := r.Run(context.Background(), testSource(t, 4))
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Frames)
	assert.Equal(t, 3, sum.Poses)
	assert.Zero(t, sum.PoseFailed)
	assert.Equal(t, 4, sum.SinkErrors)
	assert.NotEmpty(t, sum.RunID)

	require.Len(t, store.created, 1)
	assert.Equal(t, sum.RunID, store.created[0].RunID)
	assert.Equal(t, "synthetic:4", store.created[0].Source)
	assert.Contains(t, string(store.created[0].ConfigJSON), `"min_tracked_points":50`)
	assert.Equal(t, []int{0, 1, 2, 3}, store.steps)
	assert.Equal(t, []error{nil}, store.finished)
	assert.Equal(t, 4, store.frames)

	assert.Equal(t, 4, sink.steps)
	assert.True(t, sink.finished)
	assert.Len(t, seen, 4)
	assert.Equal(t, sum.RunID, seen[0])
}

func TestRunner_DegeneratePosesCounted(t *testing.T) {
	r, err := NewRunner(newRecon(t, fixedSolver{err: vision.ErrDegenerateGeometry}))
	require.NoError(t, err)

	sum, err := r.Run(context.Background(), testSource(t, 3))
	require.NoError(t, err)
	assert.Zero(t, sum.Poses)
	assert.Equal(t, 2, sum.PoseFailed)
	assert.Zero(t, sum.CloudPoints)
}

func TestRunner_StoreFailureAbortsRun(t *testing.T) {
	store := &recordingStore{stepErr: errors.New("disk full")}
	r, err := NewRunner(newRecon(t, fixedSolver{}), WithStore(store))
	require.NoError(t, err)

	sum, err := r.Run(context.Background(), testSource(t, 3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, sum.Frames)
	require.Len(t, store.finished, 1)
	assert.Error(t, store.finished[0])
}

func TestRunner_ContextCancelled(t *testing.T) {
	store := &recordingStore{}
	r, err := NewRunner(newRecon(t, fixedSolver{}), WithStore(store))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := r.Run(ctx, testSource(t, 3))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sum.Frames)
	require.Len(t, store.finished, 1)
	assert.ErrorIs(t, store.finished[0], context.Canceled)
}

func TestRunner_PacingAndReuse(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(100, 0))
	r, err := NewRunner(newRecon(t, fixedSolver{}), WithPacing(40*time.Millisecond, clock))
	require.NoError(t, err)

	sum, err := r.Run(context.Background(), testSource(t, 3))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{40 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}, clock.Sleeps())
	assert.Equal(t, 120*time.Millisecond, sum.Elapsed)

	second, err := r.Run(context.Background(), testSource(t, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Frames)
	assert.NotEqual(t, sum.RunID, second.RunID)
}

func TestRunner_LogsSteps(t *testing.T) {
	var ops, diag bytes.Buffer
	SetLogWriters(&ops, &diag, nil)
	t.Cleanup(func() { SetLogWriters(nil, nil, nil) })

	r, err := NewRunner(newRecon(t, fixedSolver{}))
	require.NoError(t, err)
	_, err = r.Run(context.Background(), testSource(t, 2))
	require.NoError(t, err)

	assert.Contains(t, ops.String(), "complete: frames=2")
	assert.Contains(t, diag.String(), "frame 1: state=tracking")
}
