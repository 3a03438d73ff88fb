package raytrace

import (
	"errors"

	"github.com/gogpu/raytrace/internal/gpu"
)

// Errors returned by New and Render. Each kind is distinct so callers can
// tell configuration bugs (ErrLayoutMismatch, ErrKernelCompile,
// ErrUnsupportedTarget) from device loss (ErrReadbackFailed).
var (
	// ErrDeviceUnavailable is returned by New when no compute device exists.
	ErrDeviceUnavailable = gpu.ErrDeviceUnavailable

	// ErrDeviceClosed is returned when the device was torn down under a
	// render.
	ErrDeviceClosed = gpu.ErrDeviceClosed

	// ErrKernelCompile matches every *KernelCompileError.
	ErrKernelCompile = gpu.ErrKernelCompile

	// ErrMissingKernel is returned by New when the kernel set lacks a stage
	// the tracing mode dispatches.
	ErrMissingKernel = gpu.ErrMissingKernel

	// ErrAllocation is returned when a device resource cannot be created.
	ErrAllocation = gpu.ErrAllocation

	// ErrReadbackFailed is returned when mapping the staging buffer fails.
	// Resources of the failed render are released; a fresh Render may be
	// attempted.
	ErrReadbackFailed = gpu.ErrReadbackFailed

	// ErrLayoutMismatch is returned when resources do not fit a kernel's
	// declared binding layout.
	ErrLayoutMismatch = gpu.ErrLayoutMismatch

	// ErrInvalidResolution is returned for a zero, negative or overflowing
	// width or height.
	ErrInvalidResolution = gpu.ErrInvalidResolution

	// ErrUnsupportedTarget is returned for a record layout the output target
	// cannot store.
	ErrUnsupportedTarget = gpu.ErrUnsupportedTarget

	// ErrRendererClosed is returned by Render after Close.
	ErrRendererClosed = errors.New("raytrace: renderer is closed")

	// ErrInvalidReadback is returned by Decode when the byte count does not
	// match the resolution and record layout.
	ErrInvalidReadback = errors.New("raytrace: readback size does not match resolution")
)

// KernelCompileError reports the stage of a kernel that failed to compile.
type KernelCompileError = gpu.KernelCompileError
