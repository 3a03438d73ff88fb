package gpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Buffer errors.
var (
	// ErrBufferDestroyed is returned when operating on a destroyed buffer.
	ErrBufferDestroyed = errors.New("gpu: buffer has been destroyed")

	// ErrInvalidBufferSize is returned when buffer size is invalid.
	ErrInvalidBufferSize = errors.New("gpu: invalid buffer size")

	// ErrBufferAlreadyMapped is returned when attempting to map an already mapped buffer.
	ErrBufferAlreadyMapped = errors.New("gpu: buffer is already mapped or mapping is pending")

	// ErrBufferNotMapped is returned when attempting to access unmapped buffer data.
	ErrBufferNotMapped = errors.New("gpu: buffer is not mapped")

	// ErrBufferMapPending is returned when accessing a buffer with pending map operation.
	ErrBufferMapPending = errors.New("gpu: buffer mapping is pending")

	// ErrBufferNotWritten is returned when mapping a buffer no submitted
	// command has written to.
	ErrBufferNotWritten = errors.New("gpu: buffer has no submitted write to wait for")

	// ErrInvalidMapMode is returned when mapping with an invalid mode.
	ErrInvalidMapMode = errors.New("gpu: invalid map mode")

	// ErrInvalidMapRange is returned when the map range is out of bounds.
	ErrInvalidMapRange = errors.New("gpu: map range out of bounds")

	// ErrMapUsageMismatch is returned when mapping mode doesn't match buffer usage.
	ErrMapUsageMismatch = errors.New("gpu: map mode does not match buffer usage flags")

	// ErrCallbackNil is returned when MapAsync is called with nil callback.
	ErrCallbackNil = errors.New("gpu: map callback is nil")
)

// BufferMapState represents the mapping state of a buffer.
type BufferMapState int

const (
	// BufferMapStateUnmapped means the buffer is not mapped.
	BufferMapStateUnmapped BufferMapState = iota
	// BufferMapStatePending means a map operation is pending.
	BufferMapStatePending
	// BufferMapStateMapped means the buffer is mapped.
	BufferMapStateMapped
)

// String returns the string representation of BufferMapState.
func (s BufferMapState) String() string {
	switch s {
	case BufferMapStateUnmapped:
		return "Unmapped"
	case BufferMapStatePending:
		return "Pending"
	case BufferMapStateMapped:
		return "Mapped"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// MapStatus is the result delivered to a MapAsync callback.
type MapStatus int

const (
	// MapStatusSuccess indicates mapping completed successfully.
	MapStatusSuccess MapStatus = iota
	// MapStatusValidationError indicates the request was rejected.
	MapStatusValidationError
	// MapStatusDeviceLost indicates the fence wait or the readback failed.
	MapStatusDeviceLost
	// MapStatusDestroyedBeforeCallback indicates the buffer was destroyed.
	MapStatusDestroyedBeforeCallback
	// MapStatusUnmappedBeforeCallback indicates the buffer was unmapped.
	MapStatusUnmappedBeforeCallback
	// MapStatusMappingAlreadyPending indicates another map is pending.
	MapStatusMappingAlreadyPending
	// MapStatusOffsetOutOfRange indicates offset is out of range.
	MapStatusOffsetOutOfRange
	// MapStatusSizeOutOfRange indicates size is out of range.
	MapStatusSizeOutOfRange
)

// String returns the string representation of MapStatus.
func (s MapStatus) String() string {
	switch s {
	case MapStatusSuccess:
		return "Success"
	case MapStatusValidationError:
		return "ValidationError"
	case MapStatusDeviceLost:
		return "DeviceLost"
	case MapStatusDestroyedBeforeCallback:
		return "DestroyedBeforeCallback"
	case MapStatusUnmappedBeforeCallback:
		return "UnmappedBeforeCallback"
	case MapStatusMappingAlreadyPending:
		return "MappingAlreadyPending"
	case MapStatusOffsetOutOfRange:
		return "OffsetOutOfRange"
	case MapStatusSizeOutOfRange:
		return "SizeOutOfRange"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Size is the buffer size in bytes.
	Size uint64

	// Usage specifies how the buffer will be used.
	Usage gputypes.BufferUsage
}

// Buffer is a device buffer with a map-for-read state machine.
//
// Mapping follows the WebGPU pattern: MapAsync only records the request,
// and it resolves when Context.Poll observes that the last submission
// writing into the buffer has completed. Only then are the bytes copied into
// host memory and the callback invoked.
//
// Lifecycle:
//  1. Create via CreateBuffer()
//  2. Write into it from a submitted command (Encoder copy)
//  3. MapAsync() with MapModeRead
//  4. Context.Poll() until the callback fires
//  5. GetMappedRange(), copy the bytes out
//  6. Unmap(); the range is invalid afterwards
//  7. Destroy()
type Buffer struct {
	// mu protects mutable state.
	mu sync.RWMutex

	ctx *Context
	raw hal.Buffer
	h   handle

	// desc holds the buffer configuration (immutable after creation).
	desc BufferDescriptor

	mapState    BufferMapState
	mapMode     gputypes.MapMode
	mapOffset   uint64
	mapSize     uint64
	mappedData  []byte
	mapCallback func(MapStatus)
	mapErr      error

	// lastWrite is the most recent submission that writes into the buffer.
	lastWrite *Submission

	destroyed bool
}

// Label returns the buffer's debug label.
func (b *Buffer) Label() string {
	return b.desc.Label
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 {
	return b.desc.Size
}

// Usage returns the buffer usage flags.
func (b *Buffer) Usage() gputypes.BufferUsage {
	return b.desc.Usage
}

// MapState returns the current mapping state.
func (b *Buffer) MapState() BufferMapState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mapState
}

// MapErr returns the device error behind the last failed map, if any.
func (b *Buffer) MapErr() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mapErr
}

// IsDestroyed returns true if the buffer has been destroyed, either
// directly or by closing its context.
func (b *Buffer) IsDestroyed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.destroyed || !b.ctx.arena.alive(b.h)
}

// Raw returns the underlying buffer handle, or nil once destroyed.
func (b *Buffer) Raw() hal.Buffer {
	if b.IsDestroyed() {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.raw
}

// liveErr returns the error for using a dead buffer.
func (b *Buffer) liveErr() error {
	if b.ctx.Closed() {
		return ErrDeviceClosed
	}
	return ErrBufferDestroyed
}

// markWritten records s as the submission whose completion MapAsync waits for.
func (b *Buffer) markWritten(s *Submission) {
	b.mu.Lock()
	b.lastWrite = s
	b.mu.Unlock()
}

// MapAsync requests that [offset, offset+size) become host readable.
//
// The request only records state; it resolves during Context.Poll. The
// buffer must have MapRead usage and a submitted write to wait for.
// Validation failures invoke the callback with the matching status and
// also return an error.
func (b *Buffer) MapAsync(mode gputypes.MapMode, offset, size uint64, callback func(MapStatus)) error {
	if b.IsDestroyed() {
		return b.liveErr()
	}

	b.mu.Lock()
	if b.mapState != BufferMapStateUnmapped {
		b.mu.Unlock()
		if callback != nil {
			callback(MapStatusMappingAlreadyPending)
		}
		return ErrBufferAlreadyMapped
	}
	if callback == nil {
		b.mu.Unlock()
		return ErrCallbackNil
	}
	if status, err := b.validateMapLocked(mode, offset, size); err != nil {
		b.mu.Unlock()
		callback(status)
		return err
	}

	b.mapState = BufferMapStatePending
	b.mapMode = mode
	b.mapOffset = offset
	b.mapSize = size
	b.mapCallback = callback
	b.mapErr = nil
	b.mu.Unlock()

	if err := b.ctx.registerMap(b); err != nil {
		b.finishMap(MapStatusDestroyedBeforeCallback, nil, err)
		return err
	}
	slogger().Debug("gpu: map requested", "buffer", b.desc.Label, "offset", offset, "size", size)
	return nil
}

// validateMapLocked checks a map request. The caller must hold b.mu.
func (b *Buffer) validateMapLocked(mode gputypes.MapMode, offset, size uint64) (MapStatus, error) {
	if mode != gputypes.MapModeRead {
		if mode == gputypes.MapModeWrite {
			return MapStatusValidationError, fmt.Errorf("%w: write mapping is not supported", ErrInvalidMapMode)
		}
		return MapStatusValidationError, ErrInvalidMapMode
	}
	if !b.desc.Usage.Contains(gputypes.BufferUsageMapRead) {
		return MapStatusValidationError, fmt.Errorf("%w: buffer does not have MapRead usage", ErrMapUsageMismatch)
	}
	if offset > b.desc.Size {
		return MapStatusOffsetOutOfRange, fmt.Errorf("%w: offset %d > buffer size %d", ErrInvalidMapRange, offset, b.desc.Size)
	}
	if size > b.desc.Size-offset {
		return MapStatusSizeOutOfRange, fmt.Errorf("%w: offset %d + size %d > buffer size %d", ErrInvalidMapRange, offset, size, b.desc.Size)
	}

	// WebGPU requires 8-byte alignment for map operations.
	const mapAlignment uint64 = 8
	if offset%mapAlignment != 0 {
		return MapStatusValidationError, fmt.Errorf("%w: offset %d must be %d-byte aligned", ErrInvalidMapRange, offset, mapAlignment)
	}
	if size%mapAlignment != 0 && size != b.desc.Size-offset {
		// Size doesn't need alignment if mapping to end of buffer.
		return MapStatusValidationError, fmt.Errorf("%w: size %d must be %d-byte aligned", ErrInvalidMapRange, size, mapAlignment)
	}
	if b.lastWrite == nil {
		return MapStatusValidationError, ErrBufferNotWritten
	}
	return MapStatusSuccess, nil
}

// pollMap advances a pending map by waiting up to timeout on the write
// submission. It returns true once the request has resolved.
func (b *Buffer) pollMap(timeout time.Duration) bool {
	b.mu.RLock()
	if b.mapState != BufferMapStatePending {
		b.mu.RUnlock()
		return true
	}
	sub := b.lastWrite
	offset, size := b.mapOffset, b.mapSize
	raw := b.raw
	b.mu.RUnlock()

	done, err := sub.wait(timeout)
	if err != nil {
		b.finishMap(MapStatusDeviceLost, nil, err)
		return true
	}
	if !done {
		return false
	}

	data := make([]byte, size)
	if size > 0 {
		queue := b.ctx.halQueue()
		if queue == nil {
			b.finishMap(MapStatusDeviceLost, nil, ErrDeviceClosed)
			return true
		}
		if err := queue.ReadBuffer(raw, offset, data); err != nil {
			b.finishMap(MapStatusDeviceLost, nil, fmt.Errorf("read mapped range: %w", err))
			return true
		}
	}
	b.finishMap(MapStatusSuccess, data, nil)
	return true
}

// finishMap resolves a pending request and invokes its callback outside
// the lock. It is a no-op if the request was already resolved.
func (b *Buffer) finishMap(status MapStatus, data []byte, err error) {
	b.mu.Lock()
	if b.mapState != BufferMapStatePending {
		b.mu.Unlock()
		return
	}
	callback := b.mapCallback
	b.mapCallback = nil
	b.mapErr = err
	if status == MapStatusSuccess {
		b.mapState = BufferMapStateMapped
		b.mappedData = data
	} else {
		b.mapState = BufferMapStateUnmapped
		b.mappedData = nil
	}
	b.mu.Unlock()

	if err != nil {
		slogger().Warn("gpu: map failed", "buffer", b.desc.Label, "status", status.String(), "err", err)
	}
	if callback != nil {
		callback(status)
	}
}

// GetMappedRange returns the mapped bytes in [offset, offset+size).
//
// The offset and size are relative to the buffer, not the mapped region.
// The slice is only valid until Unmap; copy it out first.
func (b *Buffer) GetMappedRange(offset, size uint64) ([]byte, error) {
	if b.IsDestroyed() {
		return nil, b.liveErr()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.mapState == BufferMapStatePending {
		return nil, ErrBufferMapPending
	}
	if b.mapState != BufferMapStateMapped {
		return nil, ErrBufferNotMapped
	}
	if offset < b.mapOffset {
		return nil, fmt.Errorf("%w: offset %d is before mapped region start %d",
			ErrInvalidMapRange, offset, b.mapOffset)
	}
	if offset+size > b.mapOffset+b.mapSize {
		return nil, fmt.Errorf("%w: offset %d + size %d exceeds mapped region end %d",
			ErrInvalidMapRange, offset, size, b.mapOffset+b.mapSize)
	}

	rel := offset - b.mapOffset
	return b.mappedData[rel : rel+size : rel+size], nil
}

// Unmap releases the mapping. A pending request is cancelled and its
// callback receives MapStatusUnmappedBeforeCallback. Unmapping an unmapped
// buffer is a no-op.
func (b *Buffer) Unmap() error {
	if b.IsDestroyed() {
		return b.liveErr()
	}

	b.mu.Lock()
	switch b.mapState {
	case BufferMapStatePending:
		b.mu.Unlock()
		b.finishMap(MapStatusUnmappedBeforeCallback, nil, nil)
		return nil
	case BufferMapStateMapped:
		// Clear the bytes so a retained slice cannot alias a later mapping.
		clear(b.mappedData)
		b.mapState = BufferMapStateUnmapped
		b.mappedData = nil
	}
	b.mu.Unlock()
	return nil
}

// Destroy releases the buffer. A pending map receives
// MapStatusDestroyedBeforeCallback. Destroy is idempotent.
func (b *Buffer) Destroy() {
	if !b.ctx.arena.release(b.h) {
		b.teardown()
	}
}

// teardown is the arena destroy hook.
func (b *Buffer) teardown() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	raw := b.raw
	callback := b.mapCallback
	wasMapping := b.mapState == BufferMapStatePending
	b.raw = nil
	b.mappedData = nil
	b.mapCallback = nil
	b.mapState = BufferMapStateUnmapped
	b.lastWrite = nil
	b.mu.Unlock()

	if wasMapping && callback != nil {
		callback(MapStatusDestroyedBeforeCallback)
	}
	if device := b.ctx.halDevice(); raw != nil && device != nil {
		device.DestroyBuffer(raw)
	}
}
