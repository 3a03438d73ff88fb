// Package gpu implements compute dispatch and readback on top of the
// gogpu/wgpu HAL.
//
// This is an internal package used by the raytrace library. It owns the
// device connection, compiles WGSL kernels into compute pipelines, allocates
// per-render buffers and textures, records and submits dispatches, and drives
// the asynchronous map-for-read handshake that moves the output image into
// host memory.
//
// # Ownership
//
// A [Context] is the root owner of every device resource. Buffers, textures,
// pipelines, bind groups and submissions are registered in the context's
// arena with a generation-checked handle. Closing the context destroys
// everything still alive, and any later use of a resource reports
// [ErrDeviceClosed] instead of touching a dead device.
//
// # Dispatch
//
// One render is a linear sequence driven by [DispatchAndRead]:
//
//	Idle -> Submitted -> MapRequested -> MapReady -> Copied -> Unmapped
//	                                  \-> MapFailed
//
// The only suspension point is [Context.Poll] between MapRequested and the
// map callback. There is no timeout: a hung device blocks the caller, with
// a warning logged every poll interval.
//
// # Record layouts
//
// [LayoutFloat32x4] kernels write tightly packed vec4<f32> records
// (16 bytes per pixel) to a storage buffer. [LayoutUint8x4] kernels write
// packed RGBA8 (4 bytes per pixel), either to a storage buffer or to an
// rgba8unorm storage texture whose rows are padded to 256 bytes for the copy
// and stripped again on readback.
package gpu
