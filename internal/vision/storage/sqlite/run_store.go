package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
)

// ErrNotFound is returned when a run or step does not exist.
var ErrNotFound = errors.New("not found")

// Run status values.
const (
	RunStatusRunning  = "running"
	RunStatusComplete = "complete"
	RunStatusFailed   = "failed"
)

// Run is one pass of the reconstructor over a frame source.
type Run struct {
	RunID             string          `json:"run_id"`
	Source            string          `json:"source"`
	StartedUnixNanos  int64           `json:"started_unix_nanos"`
	FinishedUnixNanos int64           `json:"finished_unix_nanos,omitempty"`
	Frames            int             `json:"frames"`
	ConfigJSON        json.RawMessage `json:"config,omitempty"`
	Version           string          `json:"version"`
	Status            string          `json:"status"`
	Error             string          `json:"error,omitempty"`
}

// Step is the persisted summary of one reconstruction step.
type Step struct {
	RunID         string        `json:"run_id"`
	FrameIndex    int           `json:"frame_index"`
	State         string        `json:"state"`
	Tracked       int           `json:"tracked"`
	Lost          int           `json:"lost"`
	Replenished   int           `json:"replenished"`
	PoseOK        bool          `json:"pose_ok"`
	PoseError     string        `json:"pose_error,omitempty"`
	R             [3][3]float64 `json:"r"`
	T             [3]float64    `json:"t"`
	Inliers       int           `json:"inliers"`
	ParallaxDeg   float64       `json:"parallax_deg"`
	ReprojRMSE    float64       `json:"reproj_rmse_px"`
	MeanDepth     float64       `json:"mean_depth"`
	DurationNanos int64         `json:"duration_ns"`
}

// Point is a persisted cloud point with the pair that produced it.
type Point struct {
	Index  int            `json:"idx"`
	X      vision.Point3D `json:"x"`
	Prev   vision.Point2D `json:"prev"`
	Next   vision.Point2D `json:"next"`
	Inlier bool           `json:"inlier"`
}

// StepFromResult flattens a step result into its persisted summary.
func StepFromResult(runID string, res *l5recon.StepResult) *Step {
	s := &Step{
		RunID:         runID,
		FrameIndex:    res.FrameIndex,
		State:         res.State.String(),
		Tracked:       res.Tracked.Len(),
		Lost:          res.Lost,
		Replenished:   res.Replenished,
		PoseOK:        res.Pose != nil,
		ParallaxDeg:   res.Stats.ParallaxDeg,
		ReprojRMSE:    res.Stats.ReprojRMSE,
		MeanDepth:     res.Stats.MeanDepth,
		DurationNanos: res.Duration.Nanoseconds(),
	}
	if res.PoseErr != nil {
		s.PoseError = res.PoseErr.Error()
	}
	if res.Pose != nil {
		s.R, s.T = res.Pose.R, res.Pose.T
	}
	for _, in := range res.Inliers {
		if in {
			s.Inliers++
		}
	}
	return s
}

// RunStore provides persistence for reconstruction runs.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// CreateRun persists a new run. If RunID is empty, a UUID is generated.
func (s *RunStore) CreateRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedUnixNanos == 0 {
		run.StartedUnixNanos = time.Now().UnixNano()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	cfg := string(run.ConfigJSON)
	if cfg == "" {
		cfg = "{}"
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO recon_runs (run_id, source, started_unix_nanos, frames, config_json, version, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.Source, run.StartedUnixNanos, run.Frames, cfg, run.Version, run.Status,
		)
		return err
	})
}

// FinishRun records the end of a run. A non-nil runErr marks it failed.
func (s *RunStore) FinishRun(runID string, frames int, runErr error) error {
	status, msg := RunStatusComplete, ""
	if runErr != nil {
		status, msg = RunStatusFailed, runErr.Error()
	}
	return retryOnBusy(func() error {
		res, err := s.db.Exec(`
			UPDATE recon_runs
			SET finished_unix_nanos = ?, frames = ?, status = ?, error = ?
			WHERE run_id = ?`,
			time.Now().UnixNano(), frames, status, msg, runID,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil
	})
}

// InsertStep stores the step summary and its cloud in one transaction.
func (s *RunStore) InsertStep(runID string, res *l5recon.StepResult) error {
	step := StepFromResult(runID, res)
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.Exec(`
			INSERT INTO recon_steps (
				run_id, frame_index, state, tracked, lost, replenished, pose_ok, pose_error,
				r00, r01, r02, r10, r11, r12, r20, r21, r22, tx, ty, tz,
				inliers, parallax_deg, reproj_rmse, mean_depth, duration_ns
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.RunID, step.FrameIndex, step.State, step.Tracked, step.Lost, step.Replenished,
			step.PoseOK, step.PoseError,
			step.R[0][0], step.R[0][1], step.R[0][2],
			step.R[1][0], step.R[1][1], step.R[1][2],
			step.R[2][0], step.R[2][1], step.R[2][2],
			step.T[0], step.T[1], step.T[2],
			step.Inliers, step.ParallaxDeg, step.ReprojRMSE, step.MeanDepth, step.DurationNanos,
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", step.FrameIndex, err)
		}

		if res.Cloud.Len() > 0 {
			stmt, err := tx.Prepare(`
				INSERT INTO recon_points (run_id, frame_index, idx, x, y, z, u0, v0, u1, v1, inlier)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return err
			}
			defer stmt.Close()
			c := res.Cloud
			for i, x := range c.Points {
				if _, err := stmt.Exec(runID, step.FrameIndex, i, x.X, x.Y, x.Z,
					c.Prev[i].X, c.Prev[i].Y, c.Next[i].X, c.Next[i].Y, c.Inlier[i]); err != nil {
					return fmt.Errorf("insert point %d of step %d: %w", i, step.FrameIndex, err)
				}
			}
		}
		return tx.Commit()
	})
}

const runColumns = `run_id, source, started_unix_nanos, finished_unix_nanos, frames, config_json, version, status, error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var finished sql.NullInt64
	var cfg string
	if err := row.Scan(&r.RunID, &r.Source, &r.StartedUnixNanos, &finished, &r.Frames,
		&cfg, &r.Version, &r.Status, &r.Error); err != nil {
		return nil, err
	}
	r.FinishedUnixNanos = finished.Int64
	r.ConfigJSON = json.RawMessage(cfg)
	return &r, nil
}

// GetRun returns a single run by ID.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM recon_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns all.
func (s *RunStore) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM recon_runs ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recently started run.
func (s *RunStore) LatestRun() (*Run, error) {
	runs, err := s.ListRuns(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return runs[0], nil
}

// ListSteps returns every step of a run in frame order.
func (s *RunStore) ListSteps(runID string) ([]*Step, error) {
	rows, err := s.db.Query(`
		SELECT run_id, frame_index, state, tracked, lost, replenished, pose_ok, pose_error,
		       r00, r01, r02, r10, r11, r12, r20, r21, r22, tx, ty, tz,
		       inliers, parallax_deg, reproj_rmse, mean_depth, duration_ns
		FROM recon_steps
		WHERE run_id = ?
		ORDER BY frame_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.RunID, &st.FrameIndex, &st.State, &st.Tracked, &st.Lost, &st.Replenished,
			&st.PoseOK, &st.PoseError,
			&st.R[0][0], &st.R[0][1], &st.R[0][2],
			&st.R[1][0], &st.R[1][1], &st.R[1][2],
			&st.R[2][0], &st.R[2][1], &st.R[2][2],
			&st.T[0], &st.T[1], &st.T[2],
			&st.Inliers, &st.ParallaxDeg, &st.ReprojRMSE, &st.MeanDepth, &st.DurationNanos); err != nil {
			return nil, err
		}
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// StepPoints returns the cloud of one step in index order.
func (s *RunStore) StepPoints(runID string, frameIndex int) ([]Point, error) {
	rows, err := s.db.Query(`
		SELECT idx, x, y, z, u0, v0, u1, v1, inlier
		FROM recon_points
		WHERE run_id = ? AND frame_index = ?
		ORDER BY idx`, runID, frameIndex)
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	defer rows.Close()

	var pts []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Index, &p.X.X, &p.X.Y, &p.X.Z,
			&p.Prev.X, &p.Prev.Y, &p.Next.X, &p.Next.Y, &p.Inlier); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}
