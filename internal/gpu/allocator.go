package gpu

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Usage presets.
var (
	// UsageReadback is a host-mappable staging buffer.
	UsageReadback = gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst

	// UsageKernelOutput is a buffer kernels write and copies read.
	UsageKernelOutput = gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc

	// UsageParams is a uniform parameter buffer written from the host.
	UsageParams = gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst

	// UsageIntermediate is a storage buffer passed between stages.
	UsageIntermediate = gputypes.BufferUsageStorage

	// UsageOutputTexture is a storage texture copied out after dispatch.
	UsageOutputTexture = gputypes.TextureUsageStorageBinding | gputypes.TextureUsageCopySrc
)

// copyBufferAlignment is the size alignment applied to every buffer.
const copyBufferAlignment uint64 = 4

// OutputSize returns width*height*recordSize.
//
// Both dimensions must be positive and fit the dispatch grid (uint32), and
// the product must not overflow 64 bits.
func OutputSize(width, height, recordSize uint64) (uint64, error) {
	if width == 0 || height == 0 {
		return 0, fmt.Errorf("%w: %dx%d", ErrInvalidResolution, width, height)
	}
	if width > math.MaxUint32 || height > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %dx%d exceeds the dispatch limit", ErrInvalidResolution, width, height)
	}
	hi, pixels := bits.Mul64(width, height)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %dx%d overflows", ErrInvalidResolution, width, height)
	}
	hi, size := bits.Mul64(pixels, recordSize)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %dx%d with %d-byte records overflows", ErrInvalidResolution, width, height, recordSize)
	}
	return size, nil
}

// CreateBuffer creates a tracked buffer.
//
// The size is rounded up to 4 bytes for copy operations. Device failures are
// reported as ErrAllocation.
func CreateBuffer(c *Context, desc *BufferDescriptor) (*Buffer, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, fmt.Errorf("buffer descriptor is nil")
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: %s: size is 0", ErrInvalidBufferSize, desc.Label)
	}
	if desc.Usage == 0 {
		return nil, fmt.Errorf("%s: buffer usage is empty", desc.Label)
	}
	if desc.Size > math.MaxUint64-copyBufferAlignment {
		return nil, fmt.Errorf("%w: %s: size %d", ErrInvalidBufferSize, desc.Label, desc.Size)
	}

	alignedSize := (desc.Size + copyBufferAlignment - 1) &^ (copyBufferAlignment - 1)
	device := c.halDevice()
	if device == nil {
		return nil, ErrDeviceClosed
	}
	raw, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  alignedSize,
		Usage: desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: buffer %q (%d bytes): %w", ErrAllocation, desc.Label, alignedSize, err)
	}

	resolved := *desc
	resolved.Size = alignedSize
	b := &Buffer{ctx: c, raw: raw, desc: resolved}
	h, ok := c.arena.track(kindBuffer, desc.Label, b.teardown)
	if !ok {
		device.DestroyBuffer(raw)
		return nil, ErrDeviceClosed
	}
	b.h = h
	slogger().Debug("gpu: buffer created", "label", desc.Label, "size", alignedSize)
	return b, nil
}

// CreateBufferSimple creates a buffer with common defaults.
func CreateBufferSimple(c *Context, label string, size uint64, usage gputypes.BufferUsage) (*Buffer, error) {
	return CreateBuffer(c, &BufferDescriptor{Label: label, Size: size, Usage: usage})
}

// CreateBufferInit creates a buffer pre-initialized with contents. CopyDst
// is added to the usage and the bytes are uploaded through the queue.
func CreateBufferInit(c *Context, label string, contents []byte, usage gputypes.BufferUsage) (*Buffer, error) {
	b, err := CreateBuffer(c, &BufferDescriptor{
		Label: label,
		Size:  uint64(len(contents)),
		Usage: usage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	queue := c.halQueue()
	if queue == nil {
		b.Destroy()
		return nil, ErrDeviceClosed
	}
	if err := queue.WriteBuffer(b.raw, 0, contents); err != nil {
		b.Destroy()
		return nil, fmt.Errorf("%w: upload %q: %w", ErrAllocation, label, err)
	}
	return b, nil
}

// CreateStagingBuffer creates a readback buffer (MapRead | CopyDst).
func CreateStagingBuffer(c *Context, label string, size uint64) (*Buffer, error) {
	return CreateBuffer(c, &BufferDescriptor{Label: label, Size: size, Usage: UsageReadback})
}

// CreateTexture creates a tracked 2D texture (one mip, one sample) and its
// default view.
func CreateTexture(c *Context, desc *TextureDescriptor) (*Texture, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, fmt.Errorf("texture descriptor is nil")
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: texture %q is %dx%d", ErrInvalidResolution, desc.Label, desc.Width, desc.Height)
	}
	device := c.halDevice()
	if device == nil {
		return nil, ErrDeviceClosed
	}

	raw, err := device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: texture %q (%dx%d): %w", ErrAllocation, desc.Label, desc.Width, desc.Height, err)
	}
	view, err := device.CreateTextureView(raw, &hal.TextureViewDescriptor{
		Label:         desc.Label + "_view",
		Format:        desc.Format,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		device.DestroyTexture(raw)
		return nil, fmt.Errorf("%w: texture view %q: %w", ErrAllocation, desc.Label, err)
	}

	t := &Texture{ctx: c, raw: raw, view: view, desc: *desc}
	h, ok := c.arena.track(kindTexture, desc.Label, t.teardown)
	if !ok {
		device.DestroyTextureView(view)
		device.DestroyTexture(raw)
		return nil, ErrDeviceClosed
	}
	t.h = h
	slogger().Debug("gpu: texture created", "label", desc.Label, "width", desc.Width, "height", desc.Height)
	return t, nil
}
