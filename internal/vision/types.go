package vision

import (
	"fmt"
	"math"
)

// Point2D is a sub-pixel image coordinate. X grows to the right, Y grows down.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sub returns p - q.
func (p Point2D) Sub(q Point2D) Point2D { return Point2D{X: p.X - q.X, Y: p.Y - q.Y} }

// Dist returns the Euclidean distance between p and q.
func (p Point2D) Dist(q Point2D) float64 { return math.Hypot(p.X-q.X, p.Y-q.Y) }

// IsFinite reports whether both coordinates are finite.
func (p Point2D) IsFinite() bool { return isFinite(p.X) && isFinite(p.Y) }

func (p Point2D) String() string { return fmt.Sprintf("(%.2f, %.2f)", p.X, p.Y) }

// Point3D is a reconstructed point expressed in the first camera's frame of
// a step. Its scale is relative to the unit-length baseline of that step.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// IsFinite reports whether all coordinates are finite.
func (p Point3D) IsFinite() bool { return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Z) }

// Norm returns the distance of p from the origin.
func (p Point3D) Norm() float64 { return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z) }

// TrackedSet pairs each point of the previous frame with its location in the
// next frame. Prev[i] and Next[i] always describe the same physical blip.
type TrackedSet struct {
	Prev []Point2D `json:"prev"`
	Next []Point2D `json:"next"`
}

// Len returns the number of pairs.
func (s TrackedSet) Len() int { return len(s.Prev) }

// Validate checks the index alignment invariant.
func (s TrackedSet) Validate() error {
	if len(s.Prev) != len(s.Next) {
		return fmt.Errorf("%w: tracked set has %d previous and %d next points", ErrInvalidInput, len(s.Prev), len(s.Next))
	}
	return nil
}

// FilterByMask keeps the pairs whose mask entry is true, preserving order.
// prev, next and mask must have equal length.
func FilterByMask(prev, next []Point2D, mask []bool) (TrackedSet, error) {
	if len(prev) != len(next) || len(prev) != len(mask) {
		return TrackedSet{}, fmt.Errorf("%w: mask length %d does not match points %d/%d", ErrInvalidInput, len(mask), len(prev), len(next))
	}
	out := TrackedSet{
		Prev: make([]Point2D, 0, len(prev)),
		Next: make([]Point2D, 0, len(next)),
	}
	for i, ok := range mask {
		if !ok {
			continue
		}
		out.Prev = append(out.Prev, prev[i])
		out.Next = append(out.Next, next[i])
	}
	return out, nil
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
