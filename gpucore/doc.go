// Package gpucore describes the contract between the compute-dispatch
// pipeline and the kernels it runs.
//
// A kernel is opaque WGSL source with a fixed entry point and a declared
// binding [Layout]. The layout is an ordered list of [BindingSlot] values,
// each a tagged description of one resource slot: its [BindingKind],
// [Visibility], and the [Resource] the orchestrator feeds into it. Because the
// description is explicit, a bind group can be checked against the layout
// before anything is submitted to the device, instead of relying on the
// driver's validation path.
//
// # Stages
//
// Kernels belong to a [Stage]. Single-pass rendering uses only
// [StageGeneration]. Multi-stage tracing dispatches, in order:
//
//  1. [StageGeneration]: write one primary ray per pixel
//  2. [StageIntersection]: intersect rays with the scene
//  3. [StageAnyHit]: accept or reject candidate hits
//  4. [StageClosestHit]: shade accepted hits into the output
//  5. [StageMiss]: shade rays that hit nothing
//
// # Dispatch sizing
//
// Workgroup counts are derived from the resolution and the kernel's
// [TileSize] with [Workgroups]: ceil(resolution / tile) per dimension.
// Kernels must bounds-check and ignore invocations outside the image.
package gpucore
