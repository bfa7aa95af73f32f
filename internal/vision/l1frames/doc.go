// Package l1frames owns Layer 1 (Frames) of the reconstruction data model.
//
// Responsibilities: the immutable grayscale Frame, border-clamped and
// bilinear sampling, gradient and pyramid filters shared by the detector
// and the tracker, and frame sources (in-memory slices and image
// directories).
// Key types: Frame, FrameSource.
//
// Dependency rule: L1 depends only on the root vision package.
package l1frames
