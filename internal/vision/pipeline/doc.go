// Package pipeline drives a reconstructor over a frame source and fans each
// step out to persistence, live viewers and exporters.
//
// A Runner owns one run at a time: it records the run, forwards every
// StepResult to its sinks in registration order and closes the run with
// the final frame count and error.
package pipeline
