// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package gpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Encoder errors.
var (
	// ErrEncoderNotRecording is returned when recording on a finished or
	// submitted encoder.
	ErrEncoderNotRecording = errors.New("gpu: encoder not in recording state")

	// ErrEncoderConsumed is returned when submitting a command buffer twice.
	ErrEncoderConsumed = errors.New("gpu: command buffer has been consumed")

	// ErrCopyRangeOutOfBounds is returned when a copy operation exceeds buffer bounds.
	ErrCopyRangeOutOfBounds = errors.New("gpu: copy range out of bounds")

	// ErrCopySizeNotAligned is returned when size is not properly aligned.
	ErrCopySizeNotAligned = errors.New("gpu: copy size must be 4-byte aligned")

	// ErrCopyUsage is returned when a copy source or destination lacks the
	// copy usage flag.
	ErrCopyUsage = errors.New("gpu: resource lacks copy usage")

	// ErrWorkgroupCountZero is returned when any workgroup dimension is zero.
	ErrWorkgroupCountZero = errors.New("gpu: workgroup count must be greater than zero")

	// ErrWorkgroupCountExceedsLimit is returned when workgroup count exceeds device limits.
	ErrWorkgroupCountExceedsLimit = errors.New("gpu: workgroup count exceeds device limit")
)

// maxWorkgroupsPerDimension is the WebGPU default limit
// maxComputeWorkgroupsPerDimension.
const maxWorkgroupsPerDimension = 65535

// EncoderState represents the state of an Encoder.
type EncoderState int

const (
	// EncoderStateRecording means commands can be recorded.
	EncoderStateRecording EncoderState = iota
	// EncoderStateFinished means Finish produced a command buffer.
	EncoderStateFinished
	// EncoderStateDiscarded means recording was abandoned.
	EncoderStateDiscarded
)

// String returns the string representation of EncoderState.
func (s EncoderState) String() string {
	switch s {
	case EncoderStateRecording:
		return "Recording"
	case EncoderStateFinished:
		return "Finished"
	case EncoderStateDiscarded:
		return "Discarded"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Encoder records compute dispatches and copies into one command buffer.
//
// State machine:
//
//	Recording -> Finish()  -> Finished
//	Recording -> Discard() -> Discarded
//
// Encoder is NOT safe for concurrent use.
type Encoder struct {
	ctx   *Context
	raw   hal.CommandEncoder
	label string
	state EncoderState

	// writes are the buffers the recorded copies fill.
	writes []*Buffer

	// usages is the last usage each texture was transitioned to. Textures
	// absent from the map are still in their initial undefined layout.
	usages map[*Texture]gputypes.TextureUsage

	dispatchCount int
}

// NewEncoder begins recording a command buffer.
func NewEncoder(c *Context, label string) (*Encoder, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	device := c.halDevice()
	if device == nil {
		return nil, ErrDeviceClosed
	}
	raw, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label + "_encoder"})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := raw.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}
	return &Encoder{ctx: c, raw: raw, label: label}, nil
}

// State returns the encoder state.
func (e *Encoder) State() EncoderState { return e.state }

// DispatchCount returns the number of dispatches recorded.
func (e *Encoder) DispatchCount() int { return e.dispatchCount }

func (e *Encoder) checkRecording() error {
	if e.state != EncoderStateRecording {
		return fmt.Errorf("%w: %s", ErrEncoderNotRecording, e.state)
	}
	return nil
}

// Dispatch records one compute pass binding p and g and dispatching an
// x*y*z workgroup grid. The bind group must have been built for p.
func (e *Encoder) Dispatch(p *Pipeline, g *BindGroup, x, y, z uint32) error {
	if err := e.checkRecording(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if p == nil || g == nil {
		return fmt.Errorf("dispatch: %w: pipeline and bind group are required", ErrLayoutMismatch)
	}
	if g.Pipeline() != p {
		return fmt.Errorf("dispatch %s: %w: bind group built for another pipeline", p.Stage(), ErrLayoutMismatch)
	}
	if x == 0 || y == 0 || z == 0 {
		return fmt.Errorf("dispatch %s: %w: (%d, %d, %d)", p.Stage(), ErrWorkgroupCountZero, x, y, z)
	}
	if x > maxWorkgroupsPerDimension || y > maxWorkgroupsPerDimension || z > maxWorkgroupsPerDimension {
		return fmt.Errorf("dispatch %s: %w: (%d, %d, %d) > %d",
			p.Stage(), ErrWorkgroupCountExceedsLimit, x, y, z, maxWorkgroupsPerDimension)
	}

	p.mu.Lock()
	pipeline := p.pipeline
	p.mu.Unlock()
	g.mu.Lock()
	bindGroup := g.raw
	g.mu.Unlock()
	if pipeline == nil || bindGroup == nil {
		return fmt.Errorf("dispatch %s: %w", p.Stage(), ErrDeviceClosed)
	}

	pass := e.raw.BeginComputePass(&hal.ComputePassDescriptor{Label: p.Kernel().Label + "_pass"})
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, g.DynamicOffsets())
	pass.Dispatch(x, y, z)
	pass.End()
	e.dispatchCount++
	slogger().Debug("gpu: dispatch recorded", "stage", p.Stage().String(), "x", x, "y", y, "z", z)
	return nil
}

// CopyBufferToBuffer records a copy of size bytes from the start of src to
// the start of dst.
func (e *Encoder) CopyBufferToBuffer(src, dst *Buffer, size uint64) error {
	if err := e.checkRecording(); err != nil {
		return fmt.Errorf("copy buffer to buffer: %w", err)
	}
	srcRaw, dstRaw := src.Raw(), dst.Raw()
	if srcRaw == nil || dstRaw == nil {
		return fmt.Errorf("copy buffer to buffer: %w", ErrBufferDestroyed)
	}
	if !src.Usage().Contains(gputypes.BufferUsageCopySrc) {
		return fmt.Errorf("%w: source %q has no CopySrc", ErrCopyUsage, src.Label())
	}
	if !dst.Usage().Contains(gputypes.BufferUsageCopyDst) {
		return fmt.Errorf("%w: destination %q has no CopyDst", ErrCopyUsage, dst.Label())
	}

	// WebGPU requires 4-byte alignment.
	if size%copyBufferAlignment != 0 {
		return fmt.Errorf("%w: size %d", ErrCopySizeNotAligned, size)
	}
	if size > src.Size() {
		return fmt.Errorf("%w: size %d > source size %d", ErrCopyRangeOutOfBounds, size, src.Size())
	}
	if size > dst.Size() {
		return fmt.Errorf("%w: size %d > destination size %d", ErrCopyRangeOutOfBounds, size, dst.Size())
	}

	e.raw.CopyBufferToBuffer(srcRaw, dstRaw, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: size},
	})
	e.writes = append(e.writes, dst)
	return nil
}

// transition records a barrier moving tex from its tracked usage to usage.
// It is a no-op when tex is already in usage.
func (e *Encoder) transition(tex *Texture, raw hal.Texture, usage gputypes.TextureUsage) {
	old := e.usages[tex]
	if old == usage {
		return
	}
	e.raw.TransitionTextures([]hal.TextureBarrier{{
		Texture: raw,
		Usage: hal.TextureUsageTransition{
			OldUsage: old,
			NewUsage: usage,
		},
	}})
	if e.usages == nil {
		e.usages = make(map[*Texture]gputypes.TextureUsage)
	}
	e.usages[tex] = usage
}

// PrepareStorageTexture records the transition of tex into storage layout.
// It must precede the first dispatch that writes tex.
func (e *Encoder) PrepareStorageTexture(tex *Texture) error {
	if err := e.checkRecording(); err != nil {
		return fmt.Errorf("prepare storage texture: %w", err)
	}
	raw := tex.Raw()
	if raw == nil {
		return fmt.Errorf("prepare storage texture %q: %w", tex.Label(), ErrDeviceClosed)
	}
	if tex.Usage()&gputypes.TextureUsageStorageBinding == 0 {
		return fmt.Errorf("%w: texture %q has no StorageBinding", ErrLayoutMismatch, tex.Label())
	}
	e.transition(tex, raw, gputypes.TextureUsageStorageBinding)
	return nil
}

// CopyTextureToBuffer records a copy of the whole texture into dst with rows
// padded to 256 bytes. The texture is transitioned from its current usage
// to copy source first.
func (e *Encoder) CopyTextureToBuffer(src *Texture, dst *Buffer) error {
	if err := e.checkRecording(); err != nil {
		return fmt.Errorf("copy texture to buffer: %w", err)
	}
	tex, dstRaw := src.Raw(), dst.Raw()
	if tex == nil || dstRaw == nil {
		return fmt.Errorf("copy texture to buffer: %w", ErrBufferDestroyed)
	}
	if src.Usage()&gputypes.TextureUsageCopySrc == 0 {
		return fmt.Errorf("%w: texture %q has no CopySrc", ErrCopyUsage, src.Label())
	}
	if !dst.Usage().Contains(gputypes.BufferUsageCopyDst) {
		return fmt.Errorf("%w: destination %q has no CopyDst", ErrCopyUsage, dst.Label())
	}
	pitch := src.PaddedBytesPerRow()
	need := uint64(pitch) * uint64(src.Height())
	if need > dst.Size() {
		return fmt.Errorf("%w: texture needs %d bytes, destination has %d", ErrCopyRangeOutOfBounds, need, dst.Size())
	}

	e.transition(src, tex, gputypes.TextureUsageCopySrc)
	e.raw.CopyTextureToBuffer(tex, dstRaw, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{Offset: 0, BytesPerRow: pitch, RowsPerImage: src.Height()},
		TextureBase:  hal.ImageCopyTexture{Texture: tex, MipLevel: 0},
		Size:         hal.Extent3D{Width: src.Width(), Height: src.Height(), DepthOrArrayLayers: 1},
	}})
	e.writes = append(e.writes, dst)
	return nil
}

// Finish ends recording and returns the command buffer.
func (e *Encoder) Finish() (*CommandBuffer, error) {
	if err := e.checkRecording(); err != nil {
		return nil, fmt.Errorf("finish: %w", err)
	}
	raw, err := e.raw.EndEncoding()
	if err != nil {
		e.state = EncoderStateDiscarded
		return nil, fmt.Errorf("end encoding: %w", err)
	}
	e.state = EncoderStateFinished
	return &CommandBuffer{ctx: e.ctx, raw: raw, label: e.label, writes: e.writes}, nil
}

// Discard abandons recording. It is a no-op unless recording.
func (e *Encoder) Discard() {
	if e.state != EncoderStateRecording {
		return
	}
	e.raw.DiscardEncoding()
	e.state = EncoderStateDiscarded
}

// CommandBuffer is a finished, not yet submitted, command sequence.
type CommandBuffer struct {
	ctx      *Context
	raw      hal.CommandBuffer
	label    string
	writes   []*Buffer
	consumed bool
}

// Release frees an unsubmitted command buffer.
func (cb *CommandBuffer) Release() {
	if cb.consumed {
		return
	}
	cb.consumed = true
	if device := cb.ctx.halDevice(); device != nil && cb.raw != nil {
		device.FreeCommandBuffer(cb.raw)
	}
}

// Submission tracks one queue submission through its fence.
type Submission struct {
	mu sync.Mutex

	ctx   *Context
	h     handle
	label string
	fence hal.Fence
	value uint64
	cmd   hal.CommandBuffer

	done     bool
	err      error
	released bool
}

// Submit sends the command buffer to the queue as one unit and signals a
// fresh fence on completion. Every buffer written by the recorded copies
// becomes mappable once the submission completes.
func Submit(c *Context, cb *CommandBuffer) (*Submission, error) {
	if cb == nil || cb.consumed {
		return nil, ErrEncoderConsumed
	}
	if err := c.check(); err != nil {
		cb.Release()
		return nil, err
	}
	device, queue := c.halDevice(), c.halQueue()
	if device == nil || queue == nil {
		cb.Release()
		return nil, ErrDeviceClosed
	}

	fence, err := device.CreateFence()
	if err != nil {
		cb.Release()
		return nil, fmt.Errorf("%w: create fence: %w", ErrAllocation, err)
	}
	cb.consumed = true
	if err := queue.Submit([]hal.CommandBuffer{cb.raw}, fence, 1); err != nil {
		device.DestroyFence(fence)
		device.FreeCommandBuffer(cb.raw)
		return nil, fmt.Errorf("submit: %w", err)
	}

	s := &Submission{ctx: c, label: cb.label, fence: fence, value: 1, cmd: cb.raw}
	h, ok := c.arena.track(kindSubmission, cb.label, s.teardown)
	if !ok {
		s.teardown()
		return nil, ErrDeviceClosed
	}
	s.h = h
	for _, b := range cb.writes {
		b.markWritten(s)
	}
	slogger().Debug("gpu: submitted", "label", cb.label, "writes", len(cb.writes))
	return s, nil
}

// wait blocks up to timeout for the fence. It reports whether the
// submission has completed; a device error is sticky.
func (s *Submission) wait(timeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.err != nil {
		return s.done, s.err
	}
	if s.released {
		s.err = fmt.Errorf("submission %q released before completion", s.label)
		return false, s.err
	}
	device := s.ctx.halDevice()
	if device == nil {
		s.err = ErrDeviceClosed
		return false, s.err
	}
	ok, err := device.Wait(s.fence, s.value, timeout)
	if err != nil {
		s.err = fmt.Errorf("wait for GPU: %w", err)
		return false, s.err
	}
	s.done = ok
	return ok, nil
}

// Done reports whether the submission is known to have completed.
func (s *Submission) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Release destroys the fence and frees the command buffer. Release is
// idempotent.
func (s *Submission) Release() {
	if !s.ctx.arena.release(s.h) {
		s.teardown()
	}
}

func (s *Submission) teardown() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	fence, cmd := s.fence, s.cmd
	s.fence, s.cmd = nil, nil
	s.mu.Unlock()

	device := s.ctx.halDevice()
	if device == nil {
		return
	}
	if cmd != nil {
		device.FreeCommandBuffer(cmd)
	}
	if fence != nil {
		device.DestroyFence(fence)
	}
}
