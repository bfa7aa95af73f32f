package vision

import "errors"

// Error taxonomy for the reconstruction core. Callers match with errors.Is;
// producers wrap with fmt.Errorf("...: %w", ErrX) to add context.
//
// Tracking loss is not an error value: lost points are reported through the
// validity mask returned by the tracker.
var (
	// ErrInvalidInput reports malformed frames, mismatched point sequences or
	// out-of-range configuration.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoFeaturesFound reports that a frame produced no usable points where
	// at least one was required.
	ErrNoFeaturesFound = errors.New("no features found")

	// ErrDegenerateGeometry reports that a relative pose cannot be recovered:
	// too few pairs, zero parallax, pure rotation or a rank-deficient model.
	ErrDegenerateGeometry = errors.New("degenerate geometry")

	// ErrTriangulationDegenerate reports that no pair of a step could be
	// triangulated to a finite point.
	ErrTriangulationDegenerate = errors.New("triangulation degenerate")
)
