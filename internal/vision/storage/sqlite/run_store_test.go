package sqlite

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/blipsfm/internal/db"
	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l4geometry"
	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
)

func newTestStore(t *testing.T) *RunStore {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return NewRunStore(d.DB)
}

func poseStep(frame int) *l5recon.StepResult {
	pose := l4geometry.RelativePose{R: l4geometry.IdentityPose().R, T: [3]float64{1, 0, 0}}
	return &l5recon.StepResult{
		FrameIndex: frame,
		State:      l5recon.StateTracking,
		Tracked: vision.TrackedSet{
			Prev: []vision.Point2D{{X: 1, Y: 2}, {X: 3, Y: 4}, {X: 5, Y: 6}},
			Next: []vision.Point2D{{X: 2, Y: 2}, {X: 4, Y: 4}, {X: 6, Y: 6}},
		},
		Lost:    1,
		Pose:    &pose,
		Inliers: []bool{true, false, true},
		Cloud: l5recon.Cloud{
			Prev:   []vision.Point2D{{X: 1, Y: 2}, {X: 5, Y: 6}},
			Next:   []vision.Point2D{{X: 2, Y: 2}, {X: 6, Y: 6}},
			Points: []vision.Point3D{{X: 0.1, Y: 0.2, Z: 5}, {X: -0.3, Y: 0.4, Z: 7}},
			Inlier: []bool{true, true},
		},
		Stats:    l5recon.StepStats{Points: 2, MeanDepth: 6, ParallaxDeg: 1.5, ReprojRMSE: 0.25},
		Duration: 3 * time.Millisecond,
	}
}

func TestRunStore_CreateGetFinish(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	run := &Run{Source: "frames/", Version: "v1.2.3", ConfigJSON: json.RawMessage(`{"max_points":100}`)}
	require.NoError(t, s.CreateRun(run))
	assert.NotEmpty(t, run.RunID)
	assert.NotZero(t, run.StartedUnixNanos)

	got, err := s.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "frames/", got.Source)
	assert.Equal(t, RunStatusRunning, got.Status)
	assert.JSONEq(t, `{"max_points":100}`, string(got.ConfigJSON))
	assert.Zero(t, got.FinishedUnixNanos)

	require.NoError(t, s.FinishRun(run.RunID, 12, nil))
	got, err = s.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusComplete, got.Status)
	assert.Equal(t, 12, got.Frames)
	assert.NotZero(t, got.FinishedUnixNanos)

	_, err = s.GetRun("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.FinishRun("missing", 0, nil), ErrNotFound)
}

func TestRunStore_FinishFailed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	run := &Run{Source: "synthetic"}
	require.NoError(t, s.CreateRun(run))

	require.NoError(t, s.FinishRun(run.RunID, 3, errors.New("read frame: boom")))
	got, err := s.GetRun(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Equal(t, "read frame: boom", got.Error)
}

func TestRunStore_ListRunsNewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateRun(&Run{RunID: fmt.Sprintf("run-%d", i), Source: "x", StartedUnixNanos: int64(100 + i)}))
	}

	runs, err := s.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-2", runs[0].RunID)
	assert.Equal(t, "run-0", runs[2].RunID)

	runs, err = s.ListRuns(2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	latest, err := s.LatestRun()
	require.NoError(t, err)
	assert.Equal(t, "run-2", latest.RunID)
}

func TestRunStore_LatestRunEmpty(t *testing.T) {
	t.Parallel()
	_, err := newTestStore(t).LatestRun()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunStore_InsertStepAndPoints(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	run := &Run{Source: "synthetic"}
	require.NoError(t, s.CreateRun(run))

	seed := &l5recon.StepResult{FrameIndex: 0, State: l5recon.StateSeeded, Replenished: 3}
	require.NoError(t, s.InsertStep(run.RunID, seed))

	degenerate := &l5recon.StepResult{
		FrameIndex: 1,
		State:      l5recon.StateTracking,
		PoseErr:    fmt.Errorf("%w: zero parallax", vision.ErrDegenerateGeometry),
	}
	require.NoError(t, s.InsertStep(run.RunID, degenerate))
	require.NoError(t, s.InsertStep(run.RunID, poseStep(2)))

	steps, err := s.ListSteps(run.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, "seeded", steps[0].State)
	assert.Equal(t, 3, steps[0].Replenished)
	assert.False(t, steps[0].PoseOK)

	assert.False(t, steps[1].PoseOK)
	assert.Contains(t, steps[1].PoseError, "degenerate geometry")

	st := steps[2]
	assert.True(t, st.PoseOK)
	assert.Equal(t, 3, st.Tracked)
	assert.Equal(t, 1, st.Lost)
	assert.Equal(t, 2, st.Inliers)
	assert.Equal(t, [3]float64{1, 0, 0}, st.T)
	assert.Equal(t, 1.0, st.R[1][1])
	assert.InDelta(t, 1.5, st.ParallaxDeg, 1e-12)
	assert.Equal(t, int64(3*time.Millisecond), st.DurationNanos)

	pts, err := s.StepPoints(run.RunID, 2)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, Point{
		Index:  1,
		X:      vision.Point3D{X: -0.3, Y: 0.4, Z: 7},
		Prev:   vision.Point2D{X: 5, Y: 6},
		Next:   vision.Point2D{X: 6, Y: 6},
		Inlier: true,
	}, pts[1])

	pts, err = s.StepPoints(run.RunID, 1)
	require.NoError(t, err)
	assert.Empty(t, pts)
}

func TestRunStore_InsertStepUnknownRun(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	assert.Error(t, s.InsertStep("missing", poseStep(1)))
}

func TestRunStore_DuplicateStepRollsBack(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	run := &Run{Source: "synthetic"}
	require.NoError(t, s.CreateRun(run))
	require.NoError(t, s.InsertStep(run.RunID, poseStep(4)))
	require.Error(t, s.InsertStep(run.RunID, poseStep(4)))

	pts, err := s.StepPoints(run.RunID, 4)
	require.NoError(t, err)
	assert.Len(t, pts, 2)
}

func TestIsSQLiteBusy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"database is locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"SQLITE_BUSY", errors.New("SQLITE_BUSY"), true},
		{"other error", errors.New("some other error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isSQLiteBusy(tt.err))
		})
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")

	t.Run("success after retry", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("non-busy error fails immediately", func(t *testing.T) {
		calls := 0
		other := errors.New("some other error")
		err := retryOnBusy(func() error {
			calls++
			return other
		})
		assert.Equal(t, other, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("max attempts", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			return busy
		})
		assert.Equal(t, busy, err)
		assert.Equal(t, busyMaxAttempts, calls)
	})
}
