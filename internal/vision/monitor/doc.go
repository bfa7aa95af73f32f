// Package monitor serves reconstruction runs over HTTP and renders run
// plots.
//
// The WebServer exposes stored runs as JSON, draws go-echarts pages for the
// tracked-point counts, the top-down cloud and the camera trajectory of a
// run, and mounts the database admin console. RunPlotter writes the same
// views as PNG files with gonum/plot when a run finishes.
package monitor
