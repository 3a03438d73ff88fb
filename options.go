package raytrace

import (
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/raytrace/gpucore"
)

// DeviceHandle provides a GPU device owned by the host application.
// The concrete value must also implement HalDevice() any and HalQueue() any
// returning the underlying hal.Device and hal.Queue.
type DeviceHandle = gpucontext.DeviceProvider

// Option configures a Renderer during creation.
// Use functional options to customize Renderer behavior.
//
// Example:
//
//	// Default: single-pass, float32x4 records in a storage buffer
//	r, err := raytrace.New()
//
//	// Multi-stage tracing into an rgba8unorm texture
//	r, err := raytrace.New(
//	    raytrace.WithMode(raytrace.ModeMultiStage),
//	    raytrace.WithLayout(raytrace.LayoutUint8x4),
//	    raytrace.WithTarget(raytrace.TargetTexture),
//	)
type Option func(*options)

// options holds optional configuration for Renderer creation.
type options struct {
	mode         TracingMode
	layout       RecordLayout
	target       OutputTarget
	kernels      []gpucore.Kernel
	backends     []hal.Backend
	provider     DeviceHandle
	pollInterval time.Duration
}

// defaultOptions returns the default renderer options.
func defaultOptions() options {
	return options{
		mode:   ModeSinglePass,
		layout: LayoutFloat32x4,
		target: TargetBuffer,
	}
}

// WithMode sets the tracing mode.
func WithMode(m TracingMode) Option {
	return func(o *options) {
		o.mode = m
	}
}

// WithLayout sets the record layout the kernels write.
func WithLayout(l RecordLayout) Option {
	return func(o *options) {
		o.layout = l
	}
}

// WithTarget sets the output resource kind.
func WithTarget(t OutputTarget) Option {
	return func(o *options) {
		o.target = t
	}
}

// WithKernels replaces the built-in kernels. The set must contain every
// stage the tracing mode dispatches, and the layout the kernels write must
// be declared with WithLayout.
//
// Example:
//
//	k := gpucore.Kernel{
//	    Stage:  gpucore.StageGeneration,
//	    Source: wgsl,
//	    Layout: gpucore.Layout{
//	        {Binding: 0, Kind: gpucore.BindingKindStorageBuffer,
//	            Visibility: gpucore.VisibilityCompute, Resource: gpucore.ResourceOutput},
//	        {Binding: 1, Kind: gpucore.BindingKindUniformBuffer,
//	            Visibility: gpucore.VisibilityCompute, Resource: gpucore.ResourceParams, MinSize: 8},
//	    },
//	}
//	r, err := raytrace.New(raytrace.WithKernels(k))
func WithKernels(kernels ...gpucore.Kernel) Option {
	return func(o *options) {
		o.kernels = append([]gpucore.Kernel(nil), kernels...)
	}
}

// WithBackends restricts adapter search to the given HAL backends.
// By default the Vulkan backend is used.
func WithBackends(backends ...hal.Backend) Option {
	return func(o *options) {
		o.backends = append([]hal.Backend(nil), backends...)
	}
}

// WithDeviceProvider renders on a device owned by the host application.
// The device is not destroyed by Close. Backends are ignored.
func WithDeviceProvider(p DeviceHandle) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithPollInterval sets how long a blocking device wait lasts before a slow
// wait is logged and the wait continues. Non-positive values keep the
// default of 100ms.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}
