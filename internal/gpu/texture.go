package gpu

import (
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// copyPitchAlignment is the BytesPerRow alignment texture-to-buffer copies
// require on WebGPU (and DX12).
const copyPitchAlignment = 256

// TextureDescriptor describes a 2D texture to create.
type TextureDescriptor struct {
	Label  string
	Width  uint32
	Height uint32
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage
}

// Texture is a single-sample 2D texture with a default full view.
type Texture struct {
	mu sync.Mutex

	ctx  *Context
	raw  hal.Texture
	view hal.TextureView
	h    handle
	desc TextureDescriptor

	destroyed bool
}

// Label returns the texture's debug label.
func (t *Texture) Label() string { return t.desc.Label }

// Width returns the texture width in texels.
func (t *Texture) Width() uint32 { return t.desc.Width }

// Height returns the texture height in texels.
func (t *Texture) Height() uint32 { return t.desc.Height }

// Format returns the texel format.
func (t *Texture) Format() gputypes.TextureFormat { return t.desc.Format }

// Usage returns the texture usage flags.
func (t *Texture) Usage() gputypes.TextureUsage { return t.desc.Usage }

// IsDestroyed returns true if the texture or its context is gone.
func (t *Texture) IsDestroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed || !t.ctx.arena.alive(t.h)
}

// Raw returns the underlying texture, or nil once destroyed.
func (t *Texture) Raw() hal.Texture {
	if t.IsDestroyed() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.raw
}

// View returns the default view, or nil once destroyed.
func (t *Texture) View() hal.TextureView {
	if t.IsDestroyed() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

// BytesPerRow returns the tightly packed row size.
func (t *Texture) BytesPerRow() uint32 {
	return t.desc.Width * texelSize(t.desc.Format)
}

// PaddedBytesPerRow returns the row pitch used when copying the texture
// into a buffer.
func (t *Texture) PaddedBytesPerRow() uint32 {
	return alignedBytesPerRow(t.BytesPerRow())
}

// Destroy releases the view and the texture. Destroy is idempotent.
func (t *Texture) Destroy() {
	if !t.ctx.arena.release(t.h) {
		t.teardown()
	}
}

func (t *Texture) teardown() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	raw, view := t.raw, t.view
	t.raw, t.view = nil, nil
	t.mu.Unlock()

	device := t.ctx.halDevice()
	if device == nil {
		return
	}
	if view != nil {
		device.DestroyTextureView(view)
	}
	if raw != nil {
		device.DestroyTexture(raw)
	}
}

// texelSize returns the bytes per texel of the formats output textures use.
func texelSize(f gputypes.TextureFormat) uint32 {
	switch f {
	case gputypes.TextureFormatRGBA32Float:
		return 16
	default:
		return 4
	}
}

func alignedBytesPerRow(bytesPerRow uint32) uint32 {
	return (bytesPerRow + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
}
