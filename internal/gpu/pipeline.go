package gpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/raytrace/gpucore"
)

// Mode selects which stages a PipelineSet compiles and dispatches.
type Mode int

const (
	// ModeSinglePass dispatches the generation kernel only.
	ModeSinglePass Mode = iota

	// ModeMultiStage dispatches generation, intersection, any-hit,
	// closest-hit and miss, in that order.
	ModeMultiStage
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeSinglePass:
		return "single-pass"
	case ModeMultiStage:
		return "multi-stage"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Stages returns the stages the mode dispatches, in order.
func (m Mode) Stages() []gpucore.Stage {
	if m == ModeMultiStage {
		return gpucore.Stages
	}
	return []gpucore.Stage{gpucore.StageGeneration}
}

// Pipeline is an immutable compiled kernel with its binding layout.
// It may be shared by concurrent renders.
type Pipeline struct {
	mu sync.Mutex

	ctx    *Context
	h      handle
	kernel gpucore.Kernel

	module     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline

	destroyed bool
}

// Kernel returns the kernel the pipeline was compiled from, with defaults
// applied.
func (p *Pipeline) Kernel() gpucore.Kernel { return p.kernel }

// Stage returns the kernel stage.
func (p *Pipeline) Stage() gpucore.Stage { return p.kernel.Stage }

// Layout returns the declared binding layout.
func (p *Pipeline) Layout() gpucore.Layout { return p.kernel.Layout }

// Tile returns the workgroup size.
func (p *Pipeline) Tile() gpucore.TileSize { return p.kernel.Tile }

// IsDestroyed returns true if the pipeline or its context is gone.
func (p *Pipeline) IsDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed || !p.ctx.arena.alive(p.h)
}

// Destroy releases the device objects. Destroy is idempotent.
func (p *Pipeline) Destroy() {
	if !p.ctx.arena.release(p.h) {
		p.teardown()
	}
}

func (p *Pipeline) teardown() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	res := pipelineResources{
		module:     p.module,
		bindLayout: p.bindLayout,
		pipeLayout: p.pipeLayout,
		pipeline:   p.pipeline,
	}
	p.module, p.bindLayout, p.pipeLayout, p.pipeline = nil, nil, nil, nil
	p.mu.Unlock()

	res.destroy(p.ctx.halDevice())
}

// pipelineResources groups the device objects of one compiled kernel so a
// partially built pipeline can be unwound in the correct order.
type pipelineResources struct {
	module     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
}

func (r *pipelineResources) destroy(device hal.Device) {
	if device == nil {
		return
	}
	if r.pipeline != nil {
		device.DestroyComputePipeline(r.pipeline)
	}
	if r.pipeLayout != nil {
		device.DestroyPipelineLayout(r.pipeLayout)
	}
	if r.bindLayout != nil {
		device.DestroyBindGroupLayout(r.bindLayout)
	}
	if r.module != nil {
		device.DestroyShaderModule(r.module)
	}
}

// CompileKernel compiles a WGSL kernel into a compute pipeline whose bind
// group layout is derived from the kernel's declared Layout. Any failure is
// a *KernelCompileError naming the stage.
func CompileKernel(c *Context, k gpucore.Kernel) (*Pipeline, error) {
	k = k.WithDefaults()
	fail := func(err error) (*Pipeline, error) {
		return nil, &KernelCompileError{Stage: k.Stage, Label: k.Label, Err: err}
	}

	if err := c.check(); err != nil {
		return fail(err)
	}
	if err := k.Validate(); err != nil {
		if errors.Is(err, gpucore.ErrInvalidLayout) {
			err = fmt.Errorf("%w: %w", ErrLayoutMismatch, err)
		}
		return fail(err)
	}
	device := c.halDevice()
	if device == nil {
		return fail(ErrDeviceClosed)
	}

	spirv, err := c.compile(k.Source)
	if err != nil {
		return fail(fmt.Errorf("wgsl to spir-v: %w", err))
	}

	var res pipelineResources
	res.module, err = device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  k.Label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return fail(fmt.Errorf("create shader module: %w", err))
	}

	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(k.Layout))
	for _, slot := range k.Layout {
		entries = append(entries, layoutEntry(slot))
	}
	res.bindLayout, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   k.Label + "_bind_layout",
		Entries: entries,
	})
	if err != nil {
		res.destroy(device)
		return fail(fmt.Errorf("create bind group layout: %w", err))
	}

	res.pipeLayout, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            k.Label + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{res.bindLayout},
	})
	if err != nil {
		res.destroy(device)
		return fail(fmt.Errorf("create pipeline layout: %w", err))
	}

	res.pipeline, err = device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   k.Label + "_pipeline",
		Layout:  res.pipeLayout,
		Compute: hal.ComputeState{Module: res.module, EntryPoint: k.EntryPoint},
	})
	if err != nil {
		res.destroy(device)
		return fail(fmt.Errorf("create compute pipeline: %w", err))
	}

	p := &Pipeline{
		ctx:        c,
		kernel:     k,
		module:     res.module,
		bindLayout: res.bindLayout,
		pipeLayout: res.pipeLayout,
		pipeline:   res.pipeline,
	}
	h, ok := c.arena.track(kindPipeline, k.Label, p.teardown)
	if !ok {
		res.destroy(device)
		return fail(ErrDeviceClosed)
	}
	p.h = h
	slogger().Debug("gpu: kernel compiled", "stage", k.Stage.String(), "label", k.Label, "spirv_words", len(spirv))
	return p, nil
}

// layoutEntry converts a declared slot into a HAL layout entry.
func layoutEntry(s gpucore.BindingSlot) gputypes.BindGroupLayoutEntry {
	e := gputypes.BindGroupLayoutEntry{Binding: s.Binding}
	if s.Visibility.Contains(gpucore.VisibilityVertex) {
		e.Visibility |= gputypes.ShaderStageVertex
	}
	if s.Visibility.Contains(gpucore.VisibilityFragment) {
		e.Visibility |= gputypes.ShaderStageFragment
	}
	if s.Visibility.Contains(gpucore.VisibilityCompute) {
		e.Visibility |= gputypes.ShaderStageCompute
	}

	switch s.Kind {
	case gpucore.BindingKindUniformBuffer:
		e.Buffer = &gputypes.BufferBindingLayout{
			Type:             gputypes.BufferBindingTypeUniform,
			HasDynamicOffset: s.DynamicOffset,
			MinBindingSize:   s.MinSize,
		}
	case gpucore.BindingKindStorageBuffer:
		e.Buffer = &gputypes.BufferBindingLayout{
			Type:             gputypes.BufferBindingTypeStorage,
			HasDynamicOffset: s.DynamicOffset,
			MinBindingSize:   s.MinSize,
		}
	case gpucore.BindingKindReadOnlyStorageBuffer:
		e.Buffer = &gputypes.BufferBindingLayout{
			Type:             gputypes.BufferBindingTypeReadOnlyStorage,
			HasDynamicOffset: s.DynamicOffset,
			MinBindingSize:   s.MinSize,
		}
	case gpucore.BindingKindStorageTexture:
		e.StorageTexture = &gputypes.StorageTextureBindingLayout{
			Access:        gputypes.StorageTextureAccessWriteOnly,
			Format:        gputypes.TextureFormatRGBA8Unorm,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	}
	return e
}

// PipelineSet holds one compiled pipeline per stage the mode dispatches.
// It is immutable after construction.
type PipelineSet struct {
	mode    Mode
	ordered []*Pipeline
}

// NewPipelineSet compiles the kernels the mode needs, up front.
//
// Single-pass mode compiles only generation; kernels for other stages are
// ignored rather than compiled and left unused. Multi-stage mode requires a
// kernel for every stage. A missing or failing stage aborts construction and
// releases whatever was already compiled.
func NewPipelineSet(c *Context, mode Mode, kernels []gpucore.Kernel) (*PipelineSet, error) {
	byStage := make(map[gpucore.Stage]gpucore.Kernel, len(kernels))
	for _, k := range kernels {
		if _, dup := byStage[k.Stage]; dup {
			return nil, &KernelCompileError{Stage: k.Stage, Label: k.Label, Err: errors.New("more than one kernel for stage")}
		}
		byStage[k.Stage] = k
	}

	set := &PipelineSet{mode: mode}
	for _, stage := range mode.Stages() {
		k, ok := byStage[stage]
		if !ok {
			set.Destroy()
			return nil, &KernelCompileError{Stage: stage, Err: ErrMissingKernel}
		}
		delete(byStage, stage)
		p, err := CompileKernel(c, k)
		if err != nil {
			set.Destroy()
			return nil, err
		}
		set.ordered = append(set.ordered, p)
	}
	for stage := range byStage {
		slogger().Debug("gpu: kernel not used by mode, skipped", "stage", stage.String(), "mode", mode.String())
	}
	return set, nil
}

// Mode returns the mode the set was built for.
func (s *PipelineSet) Mode() Mode { return s.mode }

// Ordered returns the pipelines in dispatch order.
func (s *PipelineSet) Ordered() []*Pipeline {
	out := make([]*Pipeline, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Pipeline returns the pipeline for a stage.
func (s *PipelineSet) Pipeline(stage gpucore.Stage) (*Pipeline, bool) {
	for _, p := range s.ordered {
		if p.Stage() == stage {
			return p, true
		}
	}
	return nil, false
}

// Uses reports whether any pipeline binds the resource.
func (s *PipelineSet) Uses(r gpucore.Resource) bool {
	for _, p := range s.ordered {
		if p.Layout().Uses(r) {
			return true
		}
	}
	return false
}

// Destroy releases every pipeline in the set.
func (s *PipelineSet) Destroy() {
	for _, p := range s.ordered {
		p.Destroy()
	}
	s.ordered = nil
}
