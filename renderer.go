package raytrace

import (
	"fmt"
	"math"
	"sync"

	"github.com/gogpu/raytrace/gpucore"
	"github.com/gogpu/raytrace/internal/gpu"
	"github.com/gogpu/raytrace/internal/parallel"
)

// Renderer dispatches a fixed kernel set on one compute device.
//
// The device and compiled pipelines are created once by New. Each Render
// allocates and releases its own buffers.
//
// Thread Safety: Renderer is safe for concurrent use. Renders are
// serialized: one render, including its readback, completes before the next
// starts.
type Renderer struct {
	mu     sync.Mutex
	ctx    *gpu.Context
	set    *gpu.PipelineSet
	pool   *parallel.WorkerPool // host-side decode
	opts   options
	closed bool
}

// New acquires a compute device and compiles the kernel set.
//
// Returns ErrDeviceUnavailable when no device is found, a
// *KernelCompileError naming the stage when a kernel fails to compile, and
// ErrUnsupportedTarget for a layout the target cannot store.
func New(opts ...Option) (*Renderer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	mode, err := o.mode.gpuMode()
	if err != nil {
		return nil, err
	}
	if o.layout.RecordSize() == 0 {
		return nil, fmt.Errorf("%w: record layout %d", ErrUnsupportedTarget, int(o.layout))
	}
	switch o.target {
	case TargetBuffer:
	case TargetTexture:
		if o.layout != LayoutUint8x4 {
			return nil, fmt.Errorf("%w: texture output requires %s records", ErrUnsupportedTarget, LayoutUint8x4)
		}
	default:
		return nil, fmt.Errorf("%w: output target %d", ErrUnsupportedTarget, int(o.target))
	}

	kernels := o.kernels
	if len(kernels) == 0 {
		kernels, err = gpu.BuiltinKernels(mode, o.layout.gpuLayout(), o.target.gpuTarget())
		if err != nil {
			return nil, err
		}
	}

	var ctx *gpu.Context
	if o.provider != nil {
		ctx, err = gpu.FromProvider(o.provider)
	} else {
		ctx, err = gpu.Acquire(o.backends...)
	}
	if err != nil {
		return nil, err
	}
	ctx.SetPollInterval(o.pollInterval)

	set, err := gpu.NewPipelineSet(ctx, mode, kernels)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	Logger().Info("raytrace: renderer ready",
		"adapter", ctx.AdapterInfo().Name,
		"mode", o.mode,
		"layout", o.layout,
		"target", o.target)
	return &Renderer{ctx: ctx, set: set, pool: parallel.NewWorkerPool(0), opts: o}, nil
}

// Mode returns the tracing mode.
func (r *Renderer) Mode() TracingMode { return r.opts.mode }

// Layout returns the record layout Render produces.
func (r *Renderer) Layout() RecordLayout { return r.opts.layout }

// Target returns the output target kind.
func (r *Renderer) Target() OutputTarget { return r.opts.target }

// Adapter returns the name of the device adapter.
func (r *Renderer) Adapter() string { return r.ctx.AdapterInfo().Name }

// Stages returns the kernel stages in dispatch order.
func (r *Renderer) Stages() []gpucore.Stage {
	var stages []gpucore.Stage
	for _, p := range r.set.Ordered() {
		stages = append(stages, p.Stage())
	}
	return stages
}

// Render dispatches the kernels over a width x height grid and returns
// exactly width*height*Layout().RecordSize() bytes in row-major order.
//
// A failed map request returns ErrReadbackFailed and no data. The
// renderer stays usable; the failed render's resources are released.
func (r *Renderer) Render(width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 || uint64(width) > math.MaxUint32 || uint64(height) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidResolution, width, height)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRendererClosed
	}

	spec := gpu.Spec{
		Width:  uint32(width),
		Height: uint32(height),
		Layout: r.opts.layout.gpuLayout(),
		Target: r.opts.target.gpuTarget(),
	}
	data, err := gpu.DispatchAndRead(r.ctx, r.set, spec)
	if err != nil {
		return nil, fmt.Errorf("raytrace: render %dx%d: %w", width, height, err)
	}
	return data, nil
}

// RenderPixmap renders and decodes the result into 8-bit RGBA.
func (r *Renderer) RenderPixmap(width, height int) (*Pixmap, error) {
	data, err := r.Render(width, height)
	if err != nil {
		return nil, err
	}
	return decode(r.pool, data, width, height, r.opts.layout)
}

// Close destroys the pipelines and the device. A device supplied through
// WithDeviceProvider is left alive. Close is idempotent.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.pool.Close()
	r.set.Destroy()
	r.ctx.Close()
	Logger().Info("raytrace: renderer closed")
}
