// Package l5recon owns Layer 5 (Reconstruction) of the reconstruction data
// model.
//
// Responsibilities: the per-frame reconstruction loop. A Reconstructor owns
// the pipeline state (previous frame, live blips, frame counter) and moves
// through Idle, Seeded, Tracking and Exhausted as frames arrive. Each step
// tracks the live blips into the new frame, estimates the relative pose,
// triangulates the surviving pairs and tops the blip set back up when too
// many tracks were lost.
// Key types: Reconstructor, Config, StepResult, Cloud, State.
//
// Dependency rule: L5 may depend on L1-L4. Storage, streaming and plotting
// consume StepResult values and are never imported here.
package l5recon
