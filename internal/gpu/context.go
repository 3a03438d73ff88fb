package gpu

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// DefaultPollInterval is how long a blocking Poll waits on a fence before
// logging that the device is still busy and waiting again.
const DefaultPollInterval = 100 * time.Millisecond

// AdapterInfo describes the adapter a Context was opened on.
type AdapterInfo struct {
	Name       string
	DeviceType gputypes.DeviceType

	// Shared is true when the device came from an external provider.
	Shared bool
}

// Context owns the connection to a compute device and its queue.
//
// Every resource created from a Context is tracked in its arena and must not
// outlive it. Close destroys whatever is still alive, then the device.
//
// Thread Safety: Context is safe for concurrent use. Resource creation and
// polling may be called from any goroutine; a single dispatch is still a
// linear sequence owned by one caller.
type Context struct {
	mu sync.Mutex

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	info     AdapterInfo

	externalDevice bool // true when using shared device (don't destroy on Close)
	closed         bool

	arena *arena

	// pending holds buffers with an unresolved map request.
	pending []*Buffer

	pollInterval time.Duration

	// compile turns WGSL into SPIR-V words. Replaced in tests.
	compile func(string) ([]uint32, error)
}

func newContext(instance hal.Instance, device hal.Device, queue hal.Queue, info AdapterInfo, external bool) *Context {
	return &Context{
		instance:       instance,
		device:         device,
		queue:          queue,
		info:           info,
		externalDevice: external,
		arena:          newArena(),
		pollInterval:   DefaultPollInterval,
		compile:        compileWGSL,
	}
}

// adapterRank orders adapters by expected compute performance.
func adapterRank(t gputypes.DeviceType) int {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return 2
	case gputypes.DeviceTypeIntegratedGPU:
		return 1
	default:
		return 0
	}
}

// selectAdapter returns the index of the best adapter, or -1 if there is none.
func selectAdapter(adapters []hal.ExposedAdapter) int {
	best := -1
	for i := range adapters {
		if best < 0 || adapterRank(adapters[i].Info.DeviceType) > adapterRank(adapters[best].Info.DeviceType) {
			best = i
		}
	}
	return best
}

// Acquire opens the highest-performance compute adapter found on the given
// backends. With no backends it uses Vulkan. Acquire does not retry: no
// adapter anywhere is reported as ErrDeviceUnavailable.
func Acquire(backends ...hal.Backend) (*Context, error) {
	if len(backends) == 0 {
		backend, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			return nil, fmt.Errorf("%w: vulkan backend not available", ErrDeviceUnavailable)
		}
		backends = []hal.Backend{backend}
	}

	var (
		bestInstance hal.Instance
		bestAdapter  *hal.ExposedAdapter
		lastErr      error
	)
	for _, backend := range backends {
		instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
		if err != nil {
			lastErr = err
			slogger().Warn("gpu: create instance failed", "err", err)
			continue
		}
		adapters := instance.EnumerateAdapters(nil)
		i := selectAdapter(adapters)
		if i < 0 {
			instance.Destroy()
			continue
		}
		if bestAdapter == nil || adapterRank(adapters[i].Info.DeviceType) > adapterRank(bestAdapter.Info.DeviceType) {
			if bestInstance != nil {
				bestInstance.Destroy()
			}
			bestInstance = instance
			bestAdapter = &adapters[i]
		} else {
			instance.Destroy()
		}
	}
	if bestAdapter == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, lastErr)
		}
		return nil, fmt.Errorf("%w: no GPU adapters found", ErrDeviceUnavailable)
	}

	openDev, err := bestAdapter.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		bestInstance.Destroy()
		return nil, fmt.Errorf("%w: open device: %w", ErrDeviceUnavailable, err)
	}

	info := AdapterInfo{Name: bestAdapter.Info.Name, DeviceType: bestAdapter.Info.DeviceType}
	slogger().Info("gpu: compute device acquired", "adapter", info.Name, "type", info.DeviceType)
	return newContext(bestInstance, openDev.Device, openDev.Queue, info, false), nil
}

// FromProvider wraps a device owned by the host application. The provider
// must implement HalDevice() any and HalQueue() any returning hal.Device and
// hal.Queue. The shared device is never destroyed by Close.
func FromProvider(provider gpucontext.DeviceProvider) (*Context, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is nil", ErrDeviceUnavailable)
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider does not expose HAL types", ErrDeviceUnavailable)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", ErrDeviceUnavailable)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", ErrDeviceUnavailable)
	}
	slogger().Info("gpu: using shared compute device")
	return newContext(nil, device, queue, AdapterInfo{Name: "shared", Shared: true}, true), nil
}

// AdapterInfo returns the selected adapter.
func (c *Context) AdapterInfo() AdapterInfo {
	return c.info
}

// SetPollInterval changes the blocking poll granularity. Non-positive values
// restore DefaultPollInterval.
func (c *Context) SetPollInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	c.mu.Lock()
	c.pollInterval = d
	c.mu.Unlock()
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LiveResources returns the number of tracked resources not yet destroyed.
func (c *Context) LiveResources() int {
	return c.arena.count()
}

// halDevice returns the device, or nil after Close.
func (c *Context) halDevice() hal.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// halQueue returns the queue, or nil after Close.
func (c *Context) halQueue() hal.Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// check returns ErrDeviceClosed after Close.
func (c *Context) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDeviceClosed
	}
	return nil
}

// Close destroys all tracked resources, then the device and instance unless
// they are shared. Close is idempotent.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	if n := c.arena.releaseAll(); n > 0 {
		slogger().Warn("gpu: context closed with live resources", "count", n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.externalDevice {
		if c.device != nil {
			c.device.Destroy()
		}
		if c.instance != nil {
			c.instance.Destroy()
		}
	}
	// Don't destroy shared resources, we don't own them.
	c.device = nil
	c.queue = nil
	c.instance = nil
	slogger().Debug("gpu: context closed")
}

// registerMap adds b to the set of buffers Poll advances.
func (c *Context) registerMap(b *Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDeviceClosed
	}
	c.pending = append(c.pending, b)
	return nil
}

// pendingMaps drops resolved entries and returns a snapshot of the rest.
func (c *Context) pendingMaps() []*Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.pending[:0]
	for _, b := range c.pending {
		if b.MapState() == BufferMapStatePending {
			kept = append(kept, b)
		}
	}
	clear(c.pending[len(kept):])
	c.pending = kept
	return slices.Clone(kept)
}

// Poll advances submitted work and pending map requests. Map callbacks run
// on the calling goroutine.
//
// With wait false, Poll checks each pending map once without blocking. With
// wait true, Poll returns only when no map request is pending. It never
// times out: while no map makes progress a warning is logged at most once
// per poll interval and the wait continues.
func (c *Context) Poll(wait bool) error {
	if err := c.check(); err != nil {
		return err
	}
	c.mu.Lock()
	interval := c.pollInterval
	c.mu.Unlock()

	var timeout time.Duration
	if wait {
		timeout = interval
	}

	start := time.Now()
	nextWarn := start.Add(interval)
	for {
		pending := c.pendingMaps()
		if len(pending) == 0 {
			return nil
		}
		progressed := false
		for _, b := range pending {
			if b.pollMap(timeout) {
				progressed = true
			}
		}
		if !wait {
			return nil
		}
		if now := time.Now(); !progressed && !now.Before(nextWarn) {
			slogger().Warn("gpu: device still busy, waiting",
				"waited", now.Sub(start).Round(time.Millisecond), "pending", len(pending))
			nextWarn = now.Add(interval)
		}
		if err := c.check(); err != nil {
			return err
		}
	}
}
