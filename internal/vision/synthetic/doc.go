// Package synthetic renders frames of a known 3D blip field seen by a
// moving pinhole camera. It backs the -synthetic mode of the CLI and the
// end-to-end tests, where the true camera motion is available to compare
// against.
package synthetic
