// Package export writes reconstructed clouds to point-cloud files.
//
// Two formats are supported: ASCII PLY, readable by most 3D tools, and the
// whitespace separated ASC layout CloudCompare imports.
package export

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/banshee-data/blipsfm/internal/security"
	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
)

// Point is one exported cloud point. Coordinates are in the camera frame of
// the step's earlier view.
type Point struct {
	X, Y, Z float64
	Frame   int
	Inlier  bool
}

// Format selects the output encoding.
type Format int

const (
	FormatPLY Format = iota
	FormatASC
)

// FormatForPath picks the format from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ply":
		return FormatPLY, nil
	case ".asc", ".xyz", ".txt":
		return FormatASC, nil
	}
	return 0, fmt.Errorf("unsupported export extension %q (want .ply or .asc)", filepath.Ext(path))
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// WritePLY encodes pts as an ASCII PLY file.
func WritePLY(w io.Writer, pts []Point) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat ascii 1.0\ncomment blipsfm sparse reconstruction\n")
	fmt.Fprintf(bw, "element vertex %d\n", len(pts))
	fmt.Fprintf(bw, "property double x\nproperty double y\nproperty double z\n")
	fmt.Fprintf(bw, "property int frame\nproperty uchar inlier\nend_header\n")
	for _, p := range pts {
		fmt.Fprintf(bw, "%.6f %.6f %.6f %d %d\n", p.X, p.Y, p.Z, p.Frame, b2i(p.Inlier))
	}
	return bw.Flush()
}

// WriteASC encodes pts as CloudCompare ASC with frame and inlier columns.
func WriteASC(w io.Writer, pts []Point) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# Exported points\n")
	fmt.Fprintf(bw, "# Format: X Y Z Frame Inlier\n")
	for _, p := range pts {
		fmt.Fprintf(bw, "%.6f %.6f %.6f %d %d\n", p.X, p.Y, p.Z, p.Frame, b2i(p.Inlier))
	}
	return bw.Flush()
}

// WriteFile validates path, picks the format from its extension and writes
// pts to it. Paths must resolve under the temp dir, the working directory
// or one of allowedDirs.
func WriteFile(path string, pts []Point, allowedDirs ...string) error {
	if len(pts) == 0 {
		return fmt.Errorf("no points to export")
	}
	format, err := FormatForPath(path)
	if err != nil {
		return err
	}
	if err := security.ValidateOutputPath(path, allowedDirs...); err != nil {
		log.Printf("Security: rejected export path %s: %v", path, err)
		return fmt.Errorf("invalid export path: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	switch format {
	case FormatASC:
		err = WriteASC(f, pts)
	default:
		err = WritePLY(f, pts)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	log.Printf("Exported %d points to %s", len(pts), path)
	return nil
}

// Accumulator collects cloud points from reconstruction steps.
type Accumulator struct {
	mu          sync.Mutex
	latestOnly  bool
	inliersOnly bool
	pts         []Point
}

// NewAccumulator returns an accumulator. With latestOnly set, each step's
// cloud replaces the previous one; otherwise clouds are concatenated.
func NewAccumulator(latestOnly, inliersOnly bool) *Accumulator {
	return &Accumulator{latestOnly: latestOnly, inliersOnly: inliersOnly}
}

// HandleStep records the cloud of res. Steps without a cloud leave the
// accumulated points untouched.
func (a *Accumulator) HandleStep(_ string, res *l5recon.StepResult) error {
	c := res.Cloud
	if c.Len() == 0 {
		return nil
	}
	step := make([]Point, 0, c.Len())
	for i, x := range c.Points {
		if a.inliersOnly && !c.Inlier[i] {
			continue
		}
		step = append(step, Point{X: x.X, Y: x.Y, Z: x.Z, Frame: res.FrameIndex, Inlier: c.Inlier[i]})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.latestOnly {
		a.pts = step
	} else {
		a.pts = append(a.pts, step...)
	}
	return nil
}

// Points returns a copy of the accumulated points.
func (a *Accumulator) Points() []Point {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Point, len(a.pts))
	copy(out, a.pts)
	return out
}

// Len returns the number of accumulated points.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pts)
}
