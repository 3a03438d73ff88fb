//go:build !nogpu

package gpu

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

func TestAdapterRank(t *testing.T) {
	tests := []struct {
		name string
		in   gputypes.DeviceType
		want int
	}{
		{"discrete", gputypes.DeviceTypeDiscreteGPU, 2},
		{"integrated", gputypes.DeviceTypeIntegratedGPU, 1},
		{"other", gputypes.DeviceType(250), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := adapterRank(tt.in); got != tt.want {
				t.Errorf("adapterRank() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSelectAdapter(t *testing.T) {
	adapter := func(dt gputypes.DeviceType) hal.ExposedAdapter {
		var a hal.ExposedAdapter
		a.Info.DeviceType = dt
		return a
	}
	tests := []struct {
		name     string
		adapters []hal.ExposedAdapter
		want     int
	}{
		{"none", nil, -1},
		{"single", []hal.ExposedAdapter{adapter(gputypes.DeviceTypeIntegratedGPU)}, 0},
		{
			"discrete preferred",
			[]hal.ExposedAdapter{
				adapter(gputypes.DeviceTypeIntegratedGPU),
				adapter(gputypes.DeviceTypeDiscreteGPU),
			},
			1,
		},
		{
			"first of equal rank",
			[]hal.ExposedAdapter{
				adapter(gputypes.DeviceTypeDiscreteGPU),
				adapter(gputypes.DeviceTypeDiscreteGPU),
			},
			0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectAdapter(tt.adapters); got != tt.want {
				t.Errorf("selectAdapter() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAcquire_Noop(t *testing.T) {
	c, err := Acquire(noop.API{})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer c.Close()
	if c.Closed() {
		t.Error("Closed() = true for a new context")
	}
	if c.AdapterInfo().Shared {
		t.Error("AdapterInfo().Shared = true for an owned device")
	}
}

func TestContext_Close(t *testing.T) {
	c, _, _ := newTestContext(t)
	if _, err := CreateBufferSimple(c, "leak", 16, UsageReadback); err != nil {
		t.Fatal(err)
	}
	if _, err := CreateTexture(c, &TextureDescriptor{
		Label: "leak", Width: 2, Height: 2,
		Format: gputypes.TextureFormatRGBA8Unorm, Usage: UsageOutputTexture,
	}); err != nil {
		t.Fatal(err)
	}
	if c.LiveResources() != 2 {
		t.Fatalf("LiveResources() = %d, want 2", c.LiveResources())
	}

	c.Close()
	c.Close()
	if !c.Closed() {
		t.Error("Closed() = false after Close")
	}
	if c.LiveResources() != 0 {
		t.Errorf("LiveResources() = %d after Close, want 0", c.LiveResources())
	}
	if err := c.Poll(true); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("Poll() error = %v, want ErrDeviceClosed", err)
	}
}

// stubDevice, stubQueue and stubAdapter satisfy the gpucontext interfaces.
type stubDevice struct{}

func (stubDevice) Poll(bool) {}
func (stubDevice) Destroy()  {}

type stubQueue struct{}

type stubAdapter struct{}

type halDeviceProvider struct {
	device hal.Device
	queue  hal.Queue
}

func (p *halDeviceProvider) Device() gpucontext.Device             { return stubDevice{} }
func (p *halDeviceProvider) Queue() gpucontext.Queue               { return stubQueue{} }
func (p *halDeviceProvider) Adapter() gpucontext.Adapter           { return stubAdapter{} }
func (p *halDeviceProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatRGBA8Unorm }
func (p *halDeviceProvider) HalDevice() any                        { return p.device }
func (p *halDeviceProvider) HalQueue() any                         { return p.queue }

type plainProvider struct{ halDeviceProvider }

// HalDevice hides the embedded method with a non-HAL value.
func (p *plainProvider) HalDevice() any { return "not a device" }

// countingDevice records Destroy calls instead of destroying the device.
type countingDevice struct {
	hal.Device
	destroyed int
}

func (d *countingDevice) Destroy() { d.destroyed++ }

func TestFromProvider(t *testing.T) {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	defer instance.Destroy()
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer openDev.Device.Destroy()

	dev := &countingDevice{Device: openDev.Device}
	c, err := FromProvider(&halDeviceProvider{device: dev, queue: openDev.Queue})
	if err != nil {
		t.Fatalf("FromProvider() error = %v", err)
	}
	if !c.AdapterInfo().Shared {
		t.Error("AdapterInfo().Shared = false for a provided device")
	}
	if _, err := CreateBufferSimple(c, "b", 16, UsageReadback); err != nil {
		t.Fatalf("CreateBufferSimple() error = %v", err)
	}
	c.Close()
	if dev.destroyed != 0 {
		t.Errorf("Close destroyed the shared device %d times", dev.destroyed)
	}

	tests := []struct {
		name     string
		provider gpucontext.DeviceProvider
	}{
		{"nil", nil},
		{"wrong device type", &plainProvider{halDeviceProvider{queue: openDev.Queue}}},
		{"nil queue", &halDeviceProvider{device: dev}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromProvider(tt.provider); !errors.Is(err, ErrDeviceUnavailable) {
				t.Errorf("FromProvider() error = %v, want ErrDeviceUnavailable", err)
			}
		})
	}
}

func TestSetLogger(t *testing.T) {
	defer SetLogger(nil)

	l := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	SetLogger(l)
	if slogger() != l {
		t.Error("slogger() did not return the installed logger")
	}
	SetLogger(nil)
	if slogger() == nil || slogger().Enabled(t.Context(), slog.LevelError) {
		t.Error("SetLogger(nil) did not restore the silent logger")
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestPoll_WarnsOncePerInterval(t *testing.T) {
	c, d, _ := newTestContext(t)
	h := &countingHandler{level: slog.LevelWarn}
	SetLogger(slog.New(h))
	defer SetLogger(nil)

	// The fake Wait returns at once, so every busy pass is far shorter than
	// the interval.
	c.SetPollInterval(time.Hour)
	b := writtenStaging(t, c, 32)
	d.setBusy(50)
	if err := b.MapAsync(gputypes.MapModeRead, 0, 32, func(MapStatus) {}); err != nil {
		t.Fatal(err)
	}
	if err := c.Poll(true); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if b.MapState() != BufferMapStateMapped {
		t.Fatalf("MapState() = %v, want Mapped", b.MapState())
	}
	if n := h.count(); n != 0 {
		t.Errorf("logged %d warnings within one poll interval, want 0", n)
	}
}
