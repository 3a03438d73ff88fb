// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package gpu

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/raytrace/gpucore"
)

// RecordLayout is the per-pixel record the output resource holds.
type RecordLayout int

const (
	// LayoutFloat32x4 is four little-endian float32 channels (16 bytes).
	LayoutFloat32x4 RecordLayout = iota

	// LayoutUint8x4 is four uint8 channels, RGBA order (4 bytes).
	LayoutUint8x4
)

// RecordSize returns the record size in bytes.
func (l RecordLayout) RecordSize() uint64 {
	if l == LayoutUint8x4 {
		return 4
	}
	return 16
}

// String returns the layout name.
func (l RecordLayout) String() string {
	switch l {
	case LayoutFloat32x4:
		return "float32x4"
	case LayoutUint8x4:
		return "uint8x4"
	default:
		return fmt.Sprintf("RecordLayout(%d)", int(l))
	}
}

// OutputTarget selects the resource kernels write pixels into.
type OutputTarget int

const (
	// TargetBuffer is a storage buffer of tightly packed records.
	TargetBuffer OutputTarget = iota

	// TargetTexture is an rgba8unorm storage texture. It holds uint8x4
	// records only; rows are padded to 256 bytes for the copy and the
	// padding is stripped on readback.
	TargetTexture
)

// String returns the target name.
func (t OutputTarget) String() string {
	switch t {
	case TargetBuffer:
		return "buffer"
	case TargetTexture:
		return "texture"
	default:
		return fmt.Sprintf("OutputTarget(%d)", int(t))
	}
}

// Record sizes of the resources shared between pipeline stages.
const (
	// ParamsSize is the uniform record {width u32, height u32, pad, pad}.
	ParamsSize = 16

	// RayRecordSize is one ray: origin vec4<f32>, direction vec4<f32>.
	RayRecordSize = 32

	// HitRecordSize is one hit: t f32, object u32, two pad words.
	HitRecordSize = 16
)

// Spec describes one render.
type Spec struct {
	Width  uint32
	Height uint32
	Layout RecordLayout
	Target OutputTarget
}

// encodeParams returns the uniform record carrying the resolution.
func (s Spec) encodeParams() []byte {
	buf := make([]byte, ParamsSize)
	binary.LittleEndian.PutUint32(buf[0:], s.Width)
	binary.LittleEndian.PutUint32(buf[4:], s.Height)
	return buf
}

// DispatchState is the state of one dispatch-and-read.
type DispatchState int

const (
	// DispatchIdle means nothing has been submitted.
	DispatchIdle DispatchState = iota
	// DispatchSubmitted means the command sequence is on the queue.
	DispatchSubmitted
	// DispatchMapRequested means the staging map request was issued.
	DispatchMapRequested
	// DispatchMapReady means the staging bytes are host visible.
	DispatchMapReady
	// DispatchCopied means the bytes were copied into owned memory.
	DispatchCopied
	// DispatchUnmapped is terminal success.
	DispatchUnmapped
	// DispatchMapFailed is terminal failure.
	DispatchMapFailed
)

// String returns the state name.
func (s DispatchState) String() string {
	switch s {
	case DispatchIdle:
		return "Idle"
	case DispatchSubmitted:
		return "Submitted"
	case DispatchMapRequested:
		return "MapRequested"
	case DispatchMapReady:
		return "MapReady"
	case DispatchCopied:
		return "Copied"
	case DispatchUnmapped:
		return "Unmapped"
	case DispatchMapFailed:
		return "MapFailed"
	default:
		return fmt.Sprintf("DispatchState(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s DispatchState) Terminal() bool {
	return s == DispatchUnmapped || s == DispatchMapFailed
}

// dispatchTransitions lists the legal successors of each state.
var dispatchTransitions = map[DispatchState][]DispatchState{
	DispatchIdle:         {DispatchSubmitted},
	DispatchSubmitted:    {DispatchMapRequested},
	DispatchMapRequested: {DispatchMapReady, DispatchMapFailed},
	DispatchMapReady:     {DispatchCopied},
	DispatchCopied:       {DispatchUnmapped},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to DispatchState) bool {
	return slices.Contains(dispatchTransitions[from], to)
}

// Dispatch runs one render through the pipeline set and reads the pixels
// back. A Dispatch runs at most once; resources it creates live only for
// the duration of Run.
type Dispatch struct {
	ctx  *Context
	set  *PipelineSet
	spec Spec

	mu      sync.Mutex
	state   DispatchState
	history []DispatchState
}

// NewDispatch prepares a dispatch in the Idle state.
func NewDispatch(c *Context, set *PipelineSet, spec Spec) *Dispatch {
	return &Dispatch{
		ctx:     c,
		set:     set,
		spec:    spec,
		history: []DispatchState{DispatchIdle},
	}
}

// State returns the current state.
func (d *Dispatch) State() DispatchState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// History returns every state the dispatch has been in, oldest first.
func (d *Dispatch) History() []DispatchState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.history)
}

func (d *Dispatch) advance(to DispatchState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !CanTransition(d.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.state, to)
	}
	slogger().Debug("gpu: dispatch state", "from", d.state.String(), "to", to.String())
	d.state = to
	d.history = append(d.history, to)
	return nil
}

// fail moves a requested map to MapFailed and builds the readback error.
func (d *Dispatch) fail(cause error) error {
	if err := d.advance(DispatchMapFailed); err != nil {
		return err
	}
	return fmt.Errorf("%w: %w", ErrReadbackFailed, cause)
}

// DispatchAndRead renders spec through set and returns the raw records,
// exactly Width*Height*RecordSize bytes in row-major order.
//
// The call blocks until the device finishes; it cannot be cancelled and a
// hung device blocks it indefinitely. A map failure returns
// ErrReadbackFailed and no data.
func DispatchAndRead(c *Context, set *PipelineSet, spec Spec) ([]byte, error) {
	return NewDispatch(c, set, spec).Run()
}

// frame holds the per-call resources of one dispatch.
type frame struct {
	res      Resources
	staging  *Buffer
	buffers  []*Buffer
	textures []*Texture
	groups   []*BindGroup
	sub      *Submission
}

func (f *frame) addBuffer(b *Buffer) *Buffer {
	f.buffers = append(f.buffers, b)
	return b
}

// release destroys everything the frame created, bind groups first.
func (f *frame) release() {
	for _, g := range f.groups {
		g.Destroy()
	}
	if f.sub != nil {
		f.sub.Release()
	}
	for _, b := range f.buffers {
		b.Destroy()
	}
	for _, t := range f.textures {
		t.Destroy()
	}
}

// validate checks the spec against the pipeline set before any allocation.
func (d *Dispatch) validate() (outSize uint64, err error) {
	if d.set == nil || len(d.set.ordered) == 0 {
		return 0, fmt.Errorf("%w: empty pipeline set", ErrMissingKernel)
	}
	outSize, err = OutputSize(uint64(d.spec.Width), uint64(d.spec.Height), d.spec.Layout.RecordSize())
	if err != nil {
		return 0, err
	}
	switch d.spec.Target {
	case TargetBuffer:
	case TargetTexture:
		if d.spec.Layout != LayoutUint8x4 {
			return 0, fmt.Errorf("%w: %s records cannot be stored in an rgba8unorm texture",
				ErrUnsupportedTarget, d.spec.Layout)
		}
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedTarget, d.spec.Target)
	}
	extent := gpucore.Extent{Width: d.spec.Width, Height: d.spec.Height, Depth: 1}
	for _, p := range d.set.ordered {
		x, y, z := gpucore.Workgroups(extent, p.Tile())
		if x > maxWorkgroupsPerDimension || y > maxWorkgroupsPerDimension || z > maxWorkgroupsPerDimension {
			return 0, fmt.Errorf("%w: %dx%d needs (%d, %d, %d) workgroups for %s, limit %d per dimension",
				ErrInvalidResolution, d.spec.Width, d.spec.Height, x, y, z, p.Stage(), maxWorkgroupsPerDimension)
		}
	}
	if !d.set.Uses(gpucore.ResourceOutput) {
		return 0, fmt.Errorf("%w: no stage writes the output", ErrLayoutMismatch)
	}
	for _, p := range d.set.ordered {
		for _, slot := range p.Layout() {
			if slot.Resource != gpucore.ResourceOutput {
				continue
			}
			texture := slot.Kind == gpucore.BindingKindStorageTexture
			if texture != (d.spec.Target == TargetTexture) {
				return 0, fmt.Errorf("%w: %s binds the output as %s, target is %s",
					ErrLayoutMismatch, p.Stage(), slot.Kind, d.spec.Target)
			}
		}
	}
	return outSize, nil
}

// allocate creates the output, params, intermediate and staging resources.
func (d *Dispatch) allocate(f *frame, outSize uint64) error {
	c, spec := d.ctx, d.spec

	if spec.Target == TargetTexture {
		tex, err := CreateTexture(c, &TextureDescriptor{
			Label:  "raytrace_output",
			Width:  spec.Width,
			Height: spec.Height,
			Format: gputypes.TextureFormatRGBA8Unorm,
			Usage:  UsageOutputTexture,
		})
		if err != nil {
			return err
		}
		f.textures = append(f.textures, tex)
		f.res.OutputTexture = tex
		outSize = uint64(tex.PaddedBytesPerRow()) * uint64(spec.Height)
	} else {
		out, err := CreateBufferSimple(c, "raytrace_output", outSize, UsageKernelOutput)
		if err != nil {
			return err
		}
		f.res.Output = f.addBuffer(out)
	}

	params, err := CreateBufferInit(c, "raytrace_params", spec.encodeParams(), UsageParams)
	if err != nil {
		return err
	}
	f.res.Params = f.addBuffer(params)

	if d.set.Uses(gpucore.ResourceRays) {
		size, err := OutputSize(uint64(spec.Width), uint64(spec.Height), RayRecordSize)
		if err != nil {
			return err
		}
		rays, err := CreateBufferSimple(c, "raytrace_rays", size, UsageIntermediate)
		if err != nil {
			return err
		}
		f.res.Rays = f.addBuffer(rays)
	}
	if d.set.Uses(gpucore.ResourceHits) {
		size, err := OutputSize(uint64(spec.Width), uint64(spec.Height), HitRecordSize)
		if err != nil {
			return err
		}
		hits, err := CreateBufferSimple(c, "raytrace_hits", size, UsageIntermediate)
		if err != nil {
			return err
		}
		f.res.Hits = f.addBuffer(hits)
	}

	staging, err := CreateStagingBuffer(c, "raytrace_staging", outSize)
	if err != nil {
		return err
	}
	f.staging = f.addBuffer(staging)
	slogger().Debug("gpu: dispatch resources allocated",
		"width", spec.Width, "height", spec.Height, "staging", staging.Size())
	return nil
}

// record encodes every stage dispatch followed by the staging copy.
func (d *Dispatch) record(f *frame, outSize uint64) (*CommandBuffer, error) {
	enc, err := NewEncoder(d.ctx, "raytrace")
	if err != nil {
		return nil, err
	}
	defer enc.Discard()

	if f.res.OutputTexture != nil {
		if err := enc.PrepareStorageTexture(f.res.OutputTexture); err != nil {
			return nil, err
		}
	}
	extent := gpucore.Extent{Width: d.spec.Width, Height: d.spec.Height, Depth: 1}
	for _, p := range d.set.ordered {
		g, err := BindResources(d.ctx, p, f.res)
		if err != nil {
			return nil, err
		}
		f.groups = append(f.groups, g)
		x, y, z := gpucore.Workgroups(extent, p.Tile())
		if err := enc.Dispatch(p, g, x, y, z); err != nil {
			return nil, err
		}
	}

	if f.res.OutputTexture != nil {
		err = enc.CopyTextureToBuffer(f.res.OutputTexture, f.staging)
	} else {
		err = enc.CopyBufferToBuffer(f.res.Output, f.staging, outSize)
	}
	if err != nil {
		return nil, err
	}
	return enc.Finish()
}

// Run executes the dispatch. It may be called once.
func (d *Dispatch) Run() ([]byte, error) {
	if s := d.State(); s != DispatchIdle {
		return nil, fmt.Errorf("%w: dispatch already ran (%s)", ErrInvalidTransition, s)
	}
	if err := d.ctx.check(); err != nil {
		return nil, err
	}
	outSize, err := d.validate()
	if err != nil {
		return nil, err
	}

	var f frame
	defer f.release()
	if err := d.allocate(&f, outSize); err != nil {
		return nil, err
	}
	cmd, err := d.record(&f, outSize)
	if err != nil {
		return nil, err
	}

	f.sub, err = Submit(d.ctx, cmd)
	if err != nil {
		return nil, err
	}
	if err := d.advance(DispatchSubmitted); err != nil {
		return nil, err
	}

	// The callback fires on this goroutine inside MapAsync or Poll.
	statusCh := make(chan MapStatus, 1)
	if err := d.advance(DispatchMapRequested); err != nil {
		return nil, err
	}
	mapSize := f.staging.Size()
	if err := f.staging.MapAsync(gputypes.MapModeRead, 0, mapSize, func(s MapStatus) { statusCh <- s }); err != nil {
		return nil, d.fail(err)
	}
	if err := d.ctx.Poll(true); err != nil {
		return nil, d.fail(err)
	}

	var status MapStatus
	select {
	case status = <-statusCh:
	default:
		return nil, d.fail(fmt.Errorf("map request for %q did not resolve", f.staging.Label()))
	}
	if status != MapStatusSuccess {
		cause := fmt.Errorf("map status %s", status)
		if mapErr := f.staging.MapErr(); mapErr != nil {
			cause = fmt.Errorf("map status %s: %w", status, mapErr)
		}
		return nil, d.fail(cause)
	}
	if err := d.advance(DispatchMapReady); err != nil {
		return nil, err
	}

	view, err := f.staging.GetMappedRange(0, mapSize)
	if err != nil {
		return nil, err
	}
	data := make([]byte, outSize)
	if tex := f.res.OutputTexture; tex != nil {
		row, pitch := uint64(tex.BytesPerRow()), uint64(tex.PaddedBytesPerRow())
		for y := range uint64(d.spec.Height) {
			copy(data[y*row:(y+1)*row], view[y*pitch:y*pitch+row])
		}
	} else {
		copy(data, view[:outSize])
	}
	if err := d.advance(DispatchCopied); err != nil {
		return nil, err
	}

	if err := f.staging.Unmap(); err != nil {
		return nil, err
	}
	if err := d.advance(DispatchUnmapped); err != nil {
		return nil, err
	}
	return data, nil
}
