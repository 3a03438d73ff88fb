package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/raytrace/gpucore"
)

// Pipeline errors. Each is a distinct value so callers can tell
// configuration bugs from device loss.
var (
	// ErrDeviceUnavailable is returned when no compute-capable adapter exists.
	ErrDeviceUnavailable = errors.New("gpu: no suitable compute device")

	// ErrDeviceClosed is returned when a resource or context is used after
	// the context was closed.
	ErrDeviceClosed = errors.New("gpu: device context is closed")

	// ErrKernelCompile is matched by every *KernelCompileError.
	ErrKernelCompile = errors.New("gpu: kernel compilation failed")

	// ErrAllocation is returned when the device fails to create a resource.
	ErrAllocation = errors.New("gpu: resource allocation failed")

	// ErrReadbackFailed is returned when the map-for-read request fails.
	// Resources of the failed attempt must not be reused.
	ErrReadbackFailed = errors.New("gpu: readback failed")

	// ErrLayoutMismatch is returned when a bind group does not match the
	// layout declared by its pipeline.
	ErrLayoutMismatch = errors.New("gpu: bind group does not match pipeline layout")

	// ErrInvalidResolution is returned for zero or overflowing resolutions.
	ErrInvalidResolution = errors.New("gpu: invalid resolution")

	// ErrUnsupportedTarget is returned when a record layout cannot be
	// written to the requested output target.
	ErrUnsupportedTarget = errors.New("gpu: unsupported output target")

	// ErrInvalidTransition is returned when the dispatch state machine is
	// driven out of order.
	ErrInvalidTransition = errors.New("gpu: invalid dispatch state transition")

	// ErrMissingKernel is wrapped in a KernelCompileError when a stage the
	// mode requires has no kernel.
	ErrMissingKernel = errors.New("gpu: no kernel for stage")
)

// KernelCompileError reports a kernel that failed to compile or link
// against its declared layout.
type KernelCompileError struct {
	Stage gpucore.Stage
	Label string
	Err   error
}

func (e *KernelCompileError) Error() string {
	if e.Label != "" && e.Label != e.Stage.String() {
		return fmt.Sprintf("gpu: compile %s kernel %q: %v", e.Stage, e.Label, e.Err)
	}
	return fmt.Sprintf("gpu: compile %s kernel: %v", e.Stage, e.Err)
}

// Unwrap exposes both ErrKernelCompile and the underlying cause.
func (e *KernelCompileError) Unwrap() []error {
	return []error{ErrKernelCompile, e.Err}
}
