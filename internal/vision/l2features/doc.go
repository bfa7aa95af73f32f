// Package l2features owns Layer 2 (Features) of the reconstruction data
// model.
//
// Responsibilities: scoring every pixel with the Shi-Tomasi minimum
// eigenvalue of its local structure tensor and selecting a sparse,
// well-separated set of strong corners ("blips") to track.
// Key types: Detector, DetectorParams, Corner.
//
// Dependency rule: L2 may depend on L1, never on L3-L5.
package l2features
