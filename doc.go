// Package raytrace renders images by dispatching GPU compute kernels and
// reading the result back into host memory.
//
// # Overview
//
// raytrace runs on the pure Go WebGPU stack (gogpu/wgpu). A Renderer owns a
// compute device, a set of compiled kernels and nothing else: every render
// allocates its output, parameter and staging buffers, records one command
// sequence, submits it and waits for the staging buffer to be mapped before
// copying the bytes out.
//
// # Quick Start
//
//	import "github.com/gogpu/raytrace"
//
//	r, err := raytrace.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	pm, err := r.RenderPixmap(1024, 1024)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	pm.SavePNG("out.png")
//
// # Tracing Modes
//
// ModeSinglePass dispatches one generation kernel that traces and shades in
// place. ModeMultiStage compiles and dispatches generation, intersection,
// any-hit, closest-hit and miss kernels in that order, passing rays and hits
// through intermediate storage buffers.
//
// # Record Layouts
//
// Render returns width*height records in row-major order. The byte offset of
// pixel (x, y) is (y*width + x) * RecordSize.
//
//	LayoutFloat32x4   16 bytes  r, g, b, a as little-endian float32 in [0, 1]
//	LayoutUint8x4      4 bytes  r, g, b, a as uint8
//
// Texture output (TargetTexture) always produces LayoutUint8x4 records. The
// layout passed to Decode must match what the kernels write; a mismatch gives
// garbled pixels, never an out-of-range read.
//
// # Custom Kernels
//
// WithKernels replaces the built-in scene. Each kernel is WGSL source with a
// "main" entry point and a declared gpucore.Layout. Output is bound from
// gpucore.ResourceOutput, the (width, height) uniform from
// gpucore.ResourceParams. Kernels must bounds-check: the grid is rounded up
// to whole 8x8 workgroups.
//
// # Logging
//
// raytrace is silent by default. Call SetLogger to enable structured logging
// through log/slog.
//
// # Limitations
//
// Waiting for the device never times out. A hung device blocks Render
// indefinitely; slow waits are logged at warn level.
package raytrace
