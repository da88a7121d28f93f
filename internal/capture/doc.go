// Package capture owns the depth-camera side of the accumulation engine.
//
// Responsibilities: the per-frame data contract (pose, intrinsics, colour,
// depth and confidence planes), the motion gate that decides whether a frame
// contributes new samples, and the grid sampler that chooses which pixels
// are unprojected.
// Key types: Frame, CameraPose, PoseTracker, MotionGate, GridSampler.
//
// Dependency rule: capture depends on nothing else in this module.
package capture
