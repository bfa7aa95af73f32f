// Package l3flow owns Layer 3 (Flow) of the reconstruction data model.
//
// Responsibilities: image pyramids and sparse pyramidal Lucas-Kanade
// optical flow that maps blips from one frame to the next, reporting a
// per-point validity mask instead of failing on lost points.
// Key types: Tracker, FlowParams, Pyramid.
//
// Dependency rule: L3 may depend on L1-L2, never on L4-L5.
package l3flow
