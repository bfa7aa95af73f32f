package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/blipsfm/internal/timeutil"
	"github.com/banshee-data/blipsfm/internal/version"
	"github.com/banshee-data/blipsfm/internal/vision/l1frames"
	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
	"github.com/banshee-data/blipsfm/internal/vision/storage/sqlite"
)

// StepSink consumes reconstruction steps.
type StepSink interface {
	HandleStep(runID string, res *l5recon.StepResult) error
}

// StepSinkFunc adapts a function to StepSink.
type StepSinkFunc func(runID string, res *l5recon.StepResult) error

// HandleStep implements StepSink.
func (f StepSinkFunc) HandleStep(runID string, res *l5recon.StepResult) error { return f(runID, res) }

// RunFinisher is implemented by sinks that flush when a run ends.
type RunFinisher interface {
	FinishRun(runID string, frames int, runErr error) error
}

// RunRecorder persists runs and their steps. *sqlite.RunStore satisfies it.
type RunRecorder interface {
	CreateRun(run *sqlite.Run) error
	InsertStep(runID string, res *l5recon.StepResult) error
	FinishRun(runID string, frames int, runErr error) error
}

var _ RunRecorder = (*sqlite.RunStore)(nil)

// Summary describes a finished run.
type Summary struct {
	RunID       string
	Frames      int
	Poses       int
	PoseFailed  int
	CloudPoints int
	SinkErrors  int
	Elapsed     time.Duration
}

// Runner drives a Reconstructor over a frame source.
type Runner struct {
	recon      *l5recon.Reconstructor
	store      RunRecorder
	sinks      []StepSink
	source     string
	configJSON json.RawMessage
	pace       time.Duration
	clock      timeutil.Clock
}

// Option customises a Runner.
type Option func(*Runner)

// WithStore persists the run, every step and its cloud. Store failures
// abort the run.
func WithStore(s RunRecorder) Option { return func(r *Runner) { r.store = s } }

// WithSinks appends sinks. Sink failures are logged and counted but never
// stop the run.
func WithSinks(sinks ...StepSink) Option {
	return func(r *Runner) { r.sinks = append(r.sinks, sinks...) }
}

// WithSource names the frame source on the run record.
func WithSource(name string) Option { return func(r *Runner) { r.source = name } }

// WithConfig stores cfg as the run's configuration snapshot.
func WithConfig(cfg l5recon.Config) Option {
	return func(r *Runner) {
		if b, err := json.Marshal(cfg); err == nil {
			r.configJSON = b
		}
	}
}

// WithPacing sleeps d on clock after each step, for replaying recorded
// sequences at their capture rate.
func WithPacing(d time.Duration, clock timeutil.Clock) Option {
	return func(r *Runner) {
		r.pace = d
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithClock sets the clock used for run timing.
func WithClock(c timeutil.Clock) Option { return func(r *Runner) { r.clock = c } }

// NewRunner wires a reconstructor to its outputs.
func NewRunner(recon *l5recon.Reconstructor, opts ...Option) (*Runner, error) {
	if recon == nil {
		return nil, errors.New("pipeline: nil reconstructor")
	}
	r := &Runner{recon: recon, clock: timeutil.RealClock{}, source: "unknown"}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run processes src to the end, or until ctx is cancelled. The reconstructor
// is reset first, so a Runner can be reused for several sources. The
// summary is returned even when the run fails.
func (r *Runner) Run(ctx context.Context, src l1frames.FrameSource) (*Summary, error) {
	r.recon.Reset()
	sum := &Summary{RunID: uuid.New().String()}
	start := r.clock.Now()

	if r.store != nil {
		run := &sqlite.Run{
			RunID:            sum.RunID,
			Source:           r.source,
			StartedUnixNanos: start.UnixNano(),
			ConfigJSON:       r.configJSON,
			Version:          version.Version,
		}
		if err := r.store.CreateRun(run); err != nil {
			return sum, fmt.Errorf("create run: %w", err)
		}
	}
	opsf("run %s started: source=%s", sum.RunID, r.source)

	runErr := r.recon.Run(ctx, src, func(res *l5recon.StepResult) error {
		return r.handle(sum, res)
	})
	sum.Frames = r.recon.Frames()
	sum.Elapsed = r.clock.Since(start)

	if r.store != nil {
		if err := r.store.FinishRun(sum.RunID, sum.Frames, runErr); err != nil {
			opsf("run %s: finish record failed: %v", sum.RunID, err)
			if runErr == nil {
				runErr = fmt.Errorf("finish run: %w", err)
			}
		}
	}
	for _, s := range r.sinks {
		if f, ok := s.(RunFinisher); ok {
			if err := f.FinishRun(sum.RunID, sum.Frames, runErr); err != nil {
				sum.SinkErrors++
				opsf("run %s: sink %T finish failed: %v", sum.RunID, s, err)
			}
		}
	}

	if runErr != nil {
		opsf("run %s failed after %d frames: %v", sum.RunID, sum.Frames, runErr)
		return sum, runErr
	}
	opsf("run %s complete: frames=%d poses=%d failed_poses=%d points=%d elapsed=%v",
		sum.RunID, sum.Frames, sum.Poses, sum.PoseFailed, sum.CloudPoints, sum.Elapsed)
	return sum, nil
}

func (r *Runner) handle(sum *Summary, res *l5recon.StepResult) error {
	switch {
	case res.Pose != nil:
		sum.Poses++
	case res.PoseErr != nil && res.State != l5recon.StateIdle && res.State != l5recon.StateSeeded:
		sum.PoseFailed++
	}
	sum.CloudPoints += res.Cloud.Len()

	diagf("frame %d: state=%s tracked=%d lost=%d replenished=%d pose=%v inliers=%d points=%d rmse=%.3fpx took=%v",
		res.FrameIndex, res.State, res.Tracked.Len(), res.Lost, res.Replenished, res.HasPose(),
		countTrue(res.Inliers), res.Cloud.Len(), res.Stats.ReprojRMSE, res.Duration)
	if res.PoseErr != nil {
		diagf("frame %d: no pose: %v", res.FrameIndex, res.PoseErr)
	}
	if res.CloudErr != nil {
		diagf("frame %d: no cloud: %v", res.FrameIndex, res.CloudErr)
	}

	if r.store != nil {
		if err := r.store.InsertStep(sum.RunID, res); err != nil {
			return fmt.Errorf("store step: %w", err)
		}
	}
	for _, s := range r.sinks {
		t0 := time.Now()
		if err := s.HandleStep(sum.RunID, res); err != nil {
			sum.SinkErrors++
			opsf("frame %d: sink %T failed: %v", res.FrameIndex, s, err)
			continue
		}
		tracef("frame %d: sink %T took %v", res.FrameIndex, s, time.Since(t0))
	}

	if r.pace > 0 {
		r.clock.Sleep(r.pace)
	}
	return nil
}

func countTrue(bs []bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}
