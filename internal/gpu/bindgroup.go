package gpu

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/raytrace/gpucore"
)

// dynamicOffsetAlignment is the WebGPU default for both
// minUniformBufferOffsetAlignment and minStorageBufferOffsetAlignment.
const dynamicOffsetAlignment = 256

// Entry offers one resource for one binding slot. Exactly one of Buffer and
// Texture must be set. A zero Size binds the buffer from Offset to its end.
//
// DynamicOffset is applied at dispatch time on top of Offset. It is only
// valid for slots that declare a dynamic offset.
type Entry struct {
	Binding       uint32
	Buffer        *Buffer
	Offset        uint64
	Size          uint64
	DynamicOffset uint32
	Texture       *Texture
}

// checkDynamic validates the entry's dynamic offset against its slot.
func (e Entry) checkDynamic(slot gpucore.BindingSlot) error {
	if !slot.DynamicOffset {
		if e.DynamicOffset != 0 {
			return fmt.Errorf("%w: binding %d has no dynamic offset", ErrLayoutMismatch, e.Binding)
		}
		return nil
	}
	if e.DynamicOffset%dynamicOffsetAlignment != 0 {
		return fmt.Errorf("%w: binding %d: dynamic offset %d not aligned to %d",
			ErrLayoutMismatch, e.Binding, e.DynamicOffset, dynamicOffsetAlignment)
	}
	if e.Offset+uint64(e.DynamicOffset)+e.boundSize() > e.Buffer.Size() {
		return fmt.Errorf("%w: binding %d: dynamic offset %d runs past the %d byte buffer",
			ErrLayoutMismatch, e.Binding, e.DynamicOffset, e.Buffer.Size())
	}
	return nil
}

// boundSize returns the byte range the entry binds.
func (e Entry) boundSize() uint64 {
	if e.Buffer == nil {
		return 0
	}
	if e.Size != 0 {
		return e.Size
	}
	if e.Offset >= e.Buffer.Size() {
		return 0
	}
	return e.Buffer.Size() - e.Offset
}

// kindFor returns the binding kind the entry can satisfy for a slot that
// expects want. A storage buffer satisfies both storage kinds; anything else
// reports its natural kind so the layout check names the mismatch.
func (e Entry) kindFor(want gpucore.BindingKind) gpucore.BindingKind {
	switch {
	case e.Texture != nil && e.Buffer != nil:
		return gpucore.BindingKindNone
	case e.Texture != nil:
		if e.Texture.Usage()&gputypes.TextureUsageStorageBinding != 0 {
			return gpucore.BindingKindStorageTexture
		}
		return gpucore.BindingKindNone
	case e.Buffer != nil:
		usage := e.Buffer.Usage()
		storage := usage.Contains(gputypes.BufferUsageStorage)
		uniform := usage.Contains(gputypes.BufferUsageUniform)
		switch {
		case storage && (want == gpucore.BindingKindStorageBuffer || want == gpucore.BindingKindReadOnlyStorageBuffer):
			return want
		case uniform && want == gpucore.BindingKindUniformBuffer:
			return want
		case storage:
			return gpucore.BindingKindStorageBuffer
		case uniform:
			return gpucore.BindingKindUniformBuffer
		}
	}
	return gpucore.BindingKindNone
}

// BindGroup is a concrete binding of resources to one pipeline's layout.
type BindGroup struct {
	mu sync.Mutex

	ctx      *Context
	h        handle
	raw      hal.BindGroup
	pipeline *Pipeline
	label    string
	offsets  []uint32

	destroyed bool
}

// Pipeline returns the pipeline the group was built for.
func (g *BindGroup) Pipeline() *Pipeline { return g.pipeline }

// DynamicOffsets returns the dynamic offsets of the group's dynamic slots in
// binding order, or nil when the layout declares none.
func (g *BindGroup) DynamicOffsets() []uint32 { return slices.Clone(g.offsets) }

// IsDestroyed returns true if the group or its context is gone.
func (g *BindGroup) IsDestroyed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.destroyed || !g.ctx.arena.alive(g.h)
}

// Destroy releases the bind group. Destroy is idempotent.
func (g *BindGroup) Destroy() {
	if !g.ctx.arena.release(g.h) {
		g.teardown()
	}
}

func (g *BindGroup) teardown() {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.destroyed = true
	raw := g.raw
	g.raw = nil
	g.mu.Unlock()

	if device := g.ctx.halDevice(); raw != nil && device != nil {
		device.DestroyBindGroup(raw)
	}
}

// CreateBindGroup binds entries to the pipeline's layout.
//
// The entries are checked against the declared layout slot for slot before
// anything reaches the device: same binding indices, same kinds, large
// enough buffers, no duplicates and no extras. A mismatch is reported as
// ErrLayoutMismatch.
func CreateBindGroup(c *Context, p *Pipeline, label string, entries []Entry) (*BindGroup, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if p == nil || p.IsDestroyed() {
		return nil, fmt.Errorf("%w: pipeline is nil or destroyed", ErrLayoutMismatch)
	}
	layout := p.Layout()

	bindings := make([]gpucore.Binding, 0, len(entries))
	for _, e := range entries {
		want := gpucore.BindingKindNone
		if slot, ok := layout.Slot(e.Binding); ok {
			want = slot.Kind
		}
		bindings = append(bindings, gpucore.Binding{Binding: e.Binding, Kind: e.kindFor(want), Size: e.boundSize()})
	}
	if err := layout.Match(bindings); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLayoutMismatch, p.Stage(), err)
	}

	var dynamic []Entry
	for _, e := range entries {
		slot, _ := layout.Slot(e.Binding)
		if err := e.checkDynamic(slot); err != nil {
			return nil, fmt.Errorf("%s: %w", p.Stage(), err)
		}
		if slot.DynamicOffset {
			dynamic = append(dynamic, e)
		}
	}
	slices.SortFunc(dynamic, func(a, b Entry) int { return cmp.Compare(a.Binding, b.Binding) })
	var offsets []uint32
	for _, e := range dynamic {
		offsets = append(offsets, e.DynamicOffset)
	}

	halEntries := make([]gputypes.BindGroupEntry, 0, len(entries))
	for _, e := range entries {
		if e.Buffer != nil {
			raw := e.Buffer.Raw()
			if raw == nil {
				return nil, fmt.Errorf("binding %d: %w", e.Binding, e.Buffer.liveErr())
			}
			halEntries = append(halEntries, gputypes.BindGroupEntry{
				Binding:  e.Binding,
				Resource: gputypes.BufferBinding{Buffer: raw.NativeHandle(), Offset: e.Offset, Size: e.boundSize()},
			})
			continue
		}
		view := e.Texture.View()
		if view == nil {
			return nil, fmt.Errorf("binding %d: texture %q: %w", e.Binding, e.Texture.Label(), ErrDeviceClosed)
		}
		halEntries = append(halEntries, gputypes.BindGroupEntry{
			Binding:  e.Binding,
			Resource: gputypes.TextureViewBinding{TextureView: view.NativeHandle()},
		})
	}

	device := c.halDevice()
	if device == nil {
		return nil, ErrDeviceClosed
	}
	p.mu.Lock()
	bindLayout := p.bindLayout
	p.mu.Unlock()

	raw, err := device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   label,
		Layout:  bindLayout,
		Entries: halEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bind group %q: %w", ErrAllocation, label, err)
	}

	g := &BindGroup{ctx: c, raw: raw, pipeline: p, label: label, offsets: offsets}
	h, ok := c.arena.track(kindBindGroup, label, g.teardown)
	if !ok {
		device.DestroyBindGroup(raw)
		return nil, ErrDeviceClosed
	}
	g.h = h
	return g, nil
}

// Resources are the per-render resources a layout's slots are fed from.
type Resources struct {
	Output        *Buffer
	OutputTexture *Texture
	Params        *Buffer
	Rays          *Buffer
	Hits          *Buffer
}

// entriesFor resolves each declared slot to its resource.
func (r Resources) entriesFor(layout gpucore.Layout) ([]Entry, error) {
	entries := make([]Entry, 0, len(layout))
	for _, slot := range layout {
		e := Entry{Binding: slot.Binding}
		switch slot.Resource {
		case gpucore.ResourceOutput:
			if slot.Kind == gpucore.BindingKindStorageTexture {
				e.Texture = r.OutputTexture
			} else {
				e.Buffer = r.Output
			}
		case gpucore.ResourceParams:
			e.Buffer = r.Params
		case gpucore.ResourceRays:
			e.Buffer = r.Rays
		case gpucore.ResourceHits:
			e.Buffer = r.Hits
		}
		if e.Buffer == nil && e.Texture == nil {
			return nil, fmt.Errorf("%w: no %s resource for binding %d (%s)",
				ErrLayoutMismatch, slot.Resource, slot.Binding, slot.Kind)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// BindResources builds the bind group for p from the per-render resources.
func BindResources(c *Context, p *Pipeline, r Resources) (*BindGroup, error) {
	entries, err := r.entriesFor(p.Layout())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Stage(), err)
	}
	return CreateBindGroup(c, p, p.Kernel().Label+"_bind", entries)
}
