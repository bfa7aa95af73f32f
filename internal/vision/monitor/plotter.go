package monitor

import (
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/blipsfm/internal/security"
	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
)

var (
	colTracked = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	colInliers = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	colLost    = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	colOutlier = color.RGBA{R: 150, G: 150, B: 150, A: 255}
)

// RunPlotter records steps of a run and writes PNG plots when the run
// finishes: trajectory.png, cloud_topdown.png and tracks.png, under
// <baseDir>/<run id>/.
type RunPlotter struct {
	mu      sync.Mutex
	baseDir string
	runID   string

	traj     *trajectory
	tracked  plotter.XYs
	inliers  plotter.XYs
	lost     plotter.XYs
	cloudIn  plotter.XYs
	cloudOut plotter.XYs
	cloudAt  int
}

// NewRunPlotter validates baseDir and creates it. baseDir must resolve
// under the temp dir, the working directory or one of allowedDirs.
func NewRunPlotter(baseDir string, allowedDirs ...string) (*RunPlotter, error) {
	if err := security.ValidateOutputPath(baseDir, allowedDirs...); err != nil {
		return nil, fmt.Errorf("invalid plot directory: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &RunPlotter{baseDir: baseDir, traj: newTrajectory()}, nil
}

func (rp *RunPlotter) reset(runID string) {
	rp.runID = runID
	rp.traj = newTrajectory()
	rp.tracked, rp.inliers, rp.lost = nil, nil, nil
	rp.cloudIn, rp.cloudOut = nil, nil
	rp.cloudAt = -1
}

// HandleStep records one step. A new run ID discards the previous run.
func (rp *RunPlotter) HandleStep(runID string, res *l5recon.StepResult) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if runID != rp.runID {
		rp.reset(runID)
	}

	x := float64(res.FrameIndex)
	rp.traj.add(res.FrameIndex, res.Pose)
	rp.tracked = append(rp.tracked, plotter.XY{X: x, Y: float64(res.Tracked.Len())})
	rp.inliers = append(rp.inliers, plotter.XY{X: x, Y: float64(countTrue(res.Inliers))})
	rp.lost = append(rp.lost, plotter.XY{X: x, Y: float64(res.Lost)})

	if res.Cloud.Len() > 0 {
		rp.cloudIn, rp.cloudOut = rp.cloudIn[:0], rp.cloudOut[:0]
		for i, p := range res.Cloud.Points {
			xy := plotter.XY{X: p.X, Y: p.Z}
			if res.Cloud.Inlier[i] {
				rp.cloudIn = append(rp.cloudIn, xy)
			} else {
				rp.cloudOut = append(rp.cloudOut, xy)
			}
		}
		rp.cloudAt = res.FrameIndex
	}
	return nil
}

// FinishRun writes the plots of runID.
func (rp *RunPlotter) FinishRun(runID string, _ int, _ error) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if runID != rp.runID {
		return nil
	}
	dir := filepath.Join(rp.baseDir, security.SanitizeFilename(runID))
	n, err := rp.generatePlots(dir)
	if err != nil {
		return err
	}
	log.Printf("[monitor] wrote %d plots to %s", n, dir)
	return nil
}

// generatePlots writes every plot that has data and returns how many were
// written.
func (rp *RunPlotter) generatePlots(dir string) (int, error) {
	if len(rp.tracked) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	count := 0
	if err := rp.plotTracks(filepath.Join(dir, "tracks.png")); err != nil {
		return count, err
	}
	count++

	if err := rp.plotTrajectory(filepath.Join(dir, "trajectory.png")); err != nil {
		return count, err
	}
	count++

	if len(rp.cloudIn)+len(rp.cloudOut) > 0 {
		if err := rp.plotCloud(filepath.Join(dir, "cloud_topdown.png")); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func addLine(p *plot.Plot, name string, xys plotter.XYs, c color.Color) error {
	l, err := plotter.NewLine(xys)
	if err != nil {
		return err
	}
	l.Color = c
	l.Width = vg.Points(1)
	p.Add(l)
	if name != "" {
		p.Legend.Add(name, l)
	}
	return nil
}

func addScatter(p *plot.Plot, name string, xys plotter.XYs, c color.Color, radius vg.Length) error {
	s, err := plotter.NewScatter(xys)
	if err != nil {
		return err
	}
	s.GlyphStyle.Color = c
	s.GlyphStyle.Radius = radius
	p.Add(s)
	if name != "" {
		p.Legend.Add(name, s)
	}
	return nil
}

func legendTopRight(p *plot.Plot) {
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
}

func (rp *RunPlotter) plotTracks(file string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Run %s - Tracked Blips", rp.runID)
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Points"

	if err := addLine(p, "tracked", rp.tracked, colTracked); err != nil {
		return err
	}
	if err := addLine(p, "inliers", rp.inliers, colInliers); err != nil {
		return err
	}
	if err := addLine(p, "lost", rp.lost, colLost); err != nil {
		return err
	}
	legendTopRight(p)
	if err := p.Save(12*vg.Inch, 5*vg.Inch, file); err != nil {
		return fmt.Errorf("save tracks plot: %w", err)
	}
	return nil
}

func (rp *RunPlotter) plotTrajectory(file string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Run %s - Camera Trajectory (unit baseline per step)", rp.runID)
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Z"

	xys := make(plotter.XYs, len(rp.traj.centres))
	for i, c := range rp.traj.centres {
		xys[i] = plotter.XY{X: c.X, Y: c.Z}
	}
	if len(xys) > 1 {
		if err := addLine(p, "", xys, colTracked); err != nil {
			return err
		}
	}
	if err := addScatter(p, "", xys, colTracked, vg.Points(2)); err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 8*vg.Inch, file); err != nil {
		return fmt.Errorf("save trajectory plot: %w", err)
	}
	return nil
}

func (rp *RunPlotter) plotCloud(file string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Run %s - Cloud at Frame %d (top-down)", rp.runID, rp.cloudAt)
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Z (depth)"

	if len(rp.cloudOut) > 0 {
		if err := addScatter(p, "outliers", rp.cloudOut, colOutlier, vg.Points(1)); err != nil {
			return err
		}
	}
	if len(rp.cloudIn) > 0 {
		if err := addScatter(p, "inliers", rp.cloudIn, colInliers, vg.Points(1.5)); err != nil {
			return err
		}
	}
	legendTopRight(p)
	if err := p.Save(8*vg.Inch, 8*vg.Inch, file); err != nil {
		return fmt.Errorf("save cloud plot: %w", err)
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
