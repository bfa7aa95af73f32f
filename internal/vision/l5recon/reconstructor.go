package l5recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/blipsfm/internal/timeutil"
	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l1frames"
	"github.com/banshee-data/blipsfm/internal/vision/l2features"
	"github.com/banshee-data/blipsfm/internal/vision/l3flow"
	"github.com/banshee-data/blipsfm/internal/vision/l4geometry"
)

// PointDetector finds new blips on a frame, skipping locations near exclude
// and returning at most limit corners.
type PointDetector interface {
	DetectCorners(frame *l1frames.Frame, exclude []vision.Point2D, limit int) ([]l2features.Corner, error)
}

// PointTracker maps points of frame a into frame b.
type PointTracker interface {
	Track(a, b *l1frames.Frame, pts []vision.Point2D) ([]vision.Point2D, []bool, error)
}

// PoseSolver estimates the relative pose between two index-aligned point
// sequences.
type PoseSolver interface {
	Estimate(prev, next []vision.Point2D) (*l4geometry.PoseResult, error)
}

// PointTriangulator reconstructs 3D points from two projection matrices.
type PointTriangulator interface {
	Triangulate(p1, p2 mat.Matrix, a, b []vision.Point2D) ([]vision.Point3D, []bool, error)
}

// TriangulatorFunc adapts a function to PointTriangulator.
type TriangulatorFunc func(p1, p2 mat.Matrix, a, b []vision.Point2D) ([]vision.Point3D, []bool, error)

// Triangulate calls f.
func (f TriangulatorFunc) Triangulate(p1, p2 mat.Matrix, a, b []vision.Point2D) ([]vision.Point3D, []bool, error) {
	return f(p1, p2, a, b)
}

// Cloud is the reconstructed structure of one step. All four slices are
// index aligned: Points[i] was triangulated from Prev[i] and Next[i].
// Pairs that triangulated to infinity are left out.
type Cloud struct {
	Prev   []vision.Point2D `json:"prev"`
	Next   []vision.Point2D `json:"next"`
	Points []vision.Point3D `json:"points"`
	Inlier []bool           `json:"inlier"`
}

// Len returns the number of reconstructed points.
func (c Cloud) Len() int { return len(c.Points) }

// StepResult is everything one frame produced.
type StepResult struct {
	FrameIndex int       `json:"frame_index"`
	Timestamp  time.Time `json:"timestamp"`
	State      State     `json:"state"`

	// Tracked holds the pairs that survived tracking, before pose
	// estimation. It is empty on a seeding step.
	Tracked vision.TrackedSet `json:"tracked"`
	// Lost counts the blips the tracker dropped this step.
	Lost int `json:"lost"`
	// Replenished counts blips detected on this frame, including the
	// initial seed.
	Replenished int `json:"replenished"`
	// Live is the blip set carried into the next step.
	Live []vision.Point2D `json:"live"`

	// Pose is the motion from the previous frame to this one, nil when it
	// could not be estimated.
	Pose *l4geometry.RelativePose `json:"pose,omitempty"`
	// PoseErr explains a missing pose on a non-seeding step, or reports
	// vision.ErrNoFeaturesFound when seeding found nothing. It never stops
	// the loop.
	PoseErr error `json:"-"`
	// Inliers is index aligned with Tracked and marks the RANSAC inliers.
	Inliers []bool `json:"inliers,omitempty"`
	// CloudErr is vision.ErrTriangulationDegenerate when a pose was found
	// but no pair triangulated to a finite point.
	CloudErr error `json:"-"`
	Cloud    Cloud `json:"cloud"`

	Stats    StepStats     `json:"stats"`
	Duration time.Duration `json:"duration_ns"`
}

// HasPose reports whether the step produced a relative pose.
func (r *StepResult) HasPose() bool { return r.Pose != nil }

// Option customises a Reconstructor.
type Option func(*Reconstructor)

// WithDetector replaces the Shi-Tomasi detector built from Config.
func WithDetector(d PointDetector) Option { return func(r *Reconstructor) { r.detector = d } }

// WithTracker replaces the pyramidal Lucas-Kanade tracker built from Config.
func WithTracker(t PointTracker) Option { return func(r *Reconstructor) { r.tracker = t } }

// WithPoseSolver replaces the RANSAC essential matrix estimator.
func WithPoseSolver(s PoseSolver) Option { return func(r *Reconstructor) { r.solver = s } }

// WithTriangulator replaces linear DLT triangulation.
func WithTriangulator(t PointTriangulator) Option {
	return func(r *Reconstructor) { r.triangulator = t }
}

// WithClock sets the clock used to time steps.
func WithClock(c timeutil.Clock) Option { return func(r *Reconstructor) { r.clock = c } }

// Reconstructor runs the reconstruction loop. It owns the pipeline state
// and is not safe for concurrent use.
type Reconstructor struct {
	cfg          Config
	detector     PointDetector
	tracker      PointTracker
	solver       PoseSolver
	triangulator PointTriangulator
	clock        timeutil.Clock

	p1 *mat.Dense

	state  State
	prev   *l1frames.Frame
	points []vision.Point2D
	frames int
}

// New validates cfg and builds a Reconstructor in the Idle state.
func New(cfg Config, opts ...Option) (*Reconstructor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Reconstructor{cfg: cfg, clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(r)
	}

	if r.detector == nil {
		d, err := l2features.NewDetector(cfg.Detector)
		if err != nil {
			return nil, err
		}
		r.detector = d
	}
	if r.tracker == nil {
		t, err := l3flow.NewTracker(cfg.Flow)
		if err != nil {
			return nil, err
		}
		r.tracker = t
	}
	if r.solver == nil {
		s, err := l4geometry.NewPoseEstimator(cfg.Camera, cfg.Ransac)
		if err != nil {
			return nil, err
		}
		r.solver = s
	}
	if r.triangulator == nil {
		r.triangulator = TriangulatorFunc(l4geometry.Triangulate)
	}
	r.p1 = l4geometry.CanonicalProjection(cfg.Camera)
	return r, nil
}

// Config returns the configuration the reconstructor was built with.
func (r *Reconstructor) Config() Config { return r.cfg }

// State returns the current lifecycle state.
func (r *Reconstructor) State() State { return r.state }

// Frames returns the number of frames stepped so far.
func (r *Reconstructor) Frames() int { return r.frames }

// LivePoints returns a copy of the blips that the next step will track.
func (r *Reconstructor) LivePoints() []vision.Point2D {
	return append([]vision.Point2D(nil), r.points...)
}

// Reset drops all pipeline state and returns to Idle.
func (r *Reconstructor) Reset() {
	r.state = StateIdle
	r.prev = nil
	r.points = nil
	r.frames = 0
}

// Finish marks the frame source as exhausted and releases the previous
// frame. Further steps fail until Reset.
func (r *Reconstructor) Finish() {
	if r.state != StateExhausted {
		diagf("exhausted after %d frames (%s)", r.frames, r.state)
	}
	r.state = StateExhausted
	r.prev = nil
}

// Step processes one frame. Malformed frames and component failures other
// than degenerate geometry are returned as errors and leave the state
// unchanged; a degenerate pose is reported on the result and the loop
// moves on to the new frame.
func (r *Reconstructor) Step(frame *l1frames.Frame) (*StepResult, error) {
	if r.state == StateExhausted {
		return nil, fmt.Errorf("%w: reconstructor is exhausted", vision.ErrInvalidInput)
	}
	if frame == nil {
		return nil, fmt.Errorf("%w: nil frame", vision.ErrInvalidInput)
	}
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("frame %d: %w", frame.Index, err)
	}
	if r.prev != nil && !r.prev.SameSize(frame) {
		return nil, fmt.Errorf("%w: frame %d is %dx%d, previous frame was %dx%d", vision.ErrInvalidInput,
			frame.Index, frame.Width(), frame.Height(), r.prev.Width(), r.prev.Height())
	}

	start := r.clock.Now()
	var (
		res *StepResult
		err error
	)
	if r.state == StateIdle {
		res, err = r.seed(frame)
	} else {
		res, err = r.track(frame)
	}
	if err != nil {
		opsf("frame %d: step failed in state %s: %v", frame.Index, r.state, err)
		return nil, err
	}

	r.prev = frame
	r.frames++
	res.FrameIndex = frame.Index
	res.Timestamp = frame.Timestamp
	res.State = r.state
	res.Live = r.LivePoints()
	res.Duration = r.clock.Since(start)
	return res, nil
}

// seed detects the initial blip set. A frame without corners keeps the
// reconstructor Idle so the next frame is tried.
func (r *Reconstructor) seed(frame *l1frames.Frame) (*StepResult, error) {
	corners, err := r.detector.DetectCorners(frame, nil, r.cfg.Detector.MaxPoints)
	if err != nil {
		return nil, fmt.Errorf("seed frame %d: %w", frame.Index, err)
	}
	res := &StepResult{Replenished: len(corners)}
	if len(corners) == 0 {
		res.PoseErr = fmt.Errorf("seed frame %d: %w", frame.Index, vision.ErrNoFeaturesFound)
		diagf("frame %d: no corners to seed from", frame.Index)
		r.points = nil
		return res, nil
	}

	r.points = cornerPoints(corners)
	r.state = StateSeeded
	diagf("frame %d: seeded %d blips", frame.Index, len(corners))
	return res, nil
}

// track runs one frame pair: tracking, pose, triangulation, replenishment.
func (r *Reconstructor) track(frame *l1frames.Frame) (*StepResult, error) {
	next, mask, err := r.tracker.Track(r.prev, frame, r.points)
	if err != nil {
		return nil, fmt.Errorf("track frame %d: %w", frame.Index, err)
	}
	tracked, err := vision.FilterByMask(r.points, next, mask)
	if err != nil {
		return nil, fmt.Errorf("track frame %d: %w", frame.Index, err)
	}

	res := &StepResult{
		Tracked: tracked,
		Lost:    len(r.points) - tracked.Len(),
	}

	pose, err := r.solver.Estimate(tracked.Prev, tracked.Next)
	switch {
	case errors.Is(err, vision.ErrDegenerateGeometry):
		res.PoseErr = err
		diagf("frame %d: %d pairs, no pose: %v", frame.Index, tracked.Len(), err)
	case err != nil:
		return nil, fmt.Errorf("pose frame %d: %w", frame.Index, err)
	default:
		if err := r.reconstruct(res, pose); err != nil {
			return nil, fmt.Errorf("triangulate frame %d: %w", frame.Index, err)
		}
	}

	live := tracked.Next
	if r.cfg.Replenish && len(live) < r.cfg.MinTrackedPoints {
		added, err := r.replenish(frame, live)
		if err != nil {
			return nil, err
		}
		res.Replenished = len(added)
		live = append(live[:len(live):len(live)], added...)
	}

	r.points = live
	r.state = StateTracking
	diagf("frame %d: tracked=%d lost=%d replenished=%d pose=%t points=%d",
		frame.Index, tracked.Len(), res.Lost, res.Replenished, res.HasPose(), res.Cloud.Len())
	return res, nil
}

// reconstruct triangulates every tracked pair under the estimated pose and
// fills the pose, cloud and statistics of res.
func (r *Reconstructor) reconstruct(res *StepResult, pose *l4geometry.PoseResult) error {
	p := pose.Pose
	res.Pose = &p
	res.Inliers = pose.Inliers

	p2 := l4geometry.ProjectionMatrix(r.cfg.Camera, p)
	pts, ok, err := r.triangulator.Triangulate(r.p1, p2, res.Tracked.Prev, res.Tracked.Next)
	if err != nil {
		return err
	}

	n := res.Tracked.Len()
	cloud := Cloud{
		Prev:   make([]vision.Point2D, 0, n),
		Next:   make([]vision.Point2D, 0, n),
		Points: make([]vision.Point3D, 0, n),
		Inlier: make([]bool, 0, n),
	}
	for i := 0; i < n; i++ {
		if !ok[i] {
			continue
		}
		cloud.Prev = append(cloud.Prev, res.Tracked.Prev[i])
		cloud.Next = append(cloud.Next, res.Tracked.Next[i])
		cloud.Points = append(cloud.Points, pts[i])
		cloud.Inlier = append(cloud.Inlier, i < len(pose.Inliers) && pose.Inliers[i])
	}
	if cloud.Len() == 0 && n > 0 {
		res.CloudErr = vision.ErrTriangulationDegenerate
	}
	res.Cloud = cloud

	res.Stats = cloudStats(cloud, r.p1, p2)
	res.Stats.ParallaxDeg = pose.ParallaxDeg
	res.Stats.RansacIterations = pose.Iterations

	if traceEnabled() {
		for i, x := range cloud.Points {
			tracef("point %d: %v -> %v => (%.4f, %.4f, %.4f) inlier=%t",
				i, cloud.Prev[i], cloud.Next[i], x.X, x.Y, x.Z, cloud.Inlier[i])
		}
	}
	return nil
}

// replenish tops the live set back up towards MaxPoints with corners that
// are at least MinDistance from every live blip.
func (r *Reconstructor) replenish(frame *l1frames.Frame, live []vision.Point2D) ([]vision.Point2D, error) {
	want := r.cfg.Detector.MaxPoints - len(live)
	if want <= 0 {
		return nil, nil
	}
	corners, err := r.detector.DetectCorners(frame, live, want)
	if err != nil {
		return nil, fmt.Errorf("replenish frame %d: %w", frame.Index, err)
	}
	if len(corners) > want {
		corners = corners[:want]
	}
	return cornerPoints(corners), nil
}

// Run steps every frame of src until it is exhausted, handing each result
// to sink. ctx is checked between steps only. A sink error stops the loop
// and is returned.
func (r *Reconstructor) Run(ctx context.Context, src l1frames.FrameSource, sink func(*StepResult) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, ok, err := src.Next()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if !ok {
			r.Finish()
			return nil
		}
		res, err := r.Step(frame)
		if err != nil {
			return err
		}
		if sink != nil {
			if err := sink(res); err != nil {
				return fmt.Errorf("sink frame %d: %w", res.FrameIndex, err)
			}
		}
	}
}

func cornerPoints(corners []l2features.Corner) []vision.Point2D {
	pts := make([]vision.Point2D, len(corners))
	for i, c := range corners {
		pts[i] = c.Point2D
	}
	return pts
}
