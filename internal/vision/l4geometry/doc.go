// Package l4geometry owns Layer 4 (Geometry) of the reconstruction data
// model.
//
// Responsibilities: the pinhole camera model, essential matrix estimation
// (five-point minimal solver inside RANSAC, eight-point refinement),
// decomposition into a relative pose with a cheirality test, degeneracy
// detection and linear (DLT) triangulation.
// Key types: Intrinsics, RelativePose, PoseEstimator, PoseResult.
//
// Conventions: a point X1 in the first camera maps to X2 = R*X1 + t in the
// second, the projection matrices are P1 = K[I|0] and P2 = K[R|t], and the
// essential matrix satisfies x2' E x1 = 0 for normalized coordinates.
//
// Dependency rule: L4 may depend on L1-L3, never on L5.
package l4geometry
