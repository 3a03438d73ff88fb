//go:build !nogpu

package gpu

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/raytrace/gpucore"
)

// testSPIRV is a SPIR-V header; the noop device accepts any module.
var testSPIRV = []uint32{0x07230203, 0x00010000, 0, 1, 0}

// fakeDevice wraps the noop device so tests control fence completion. Every
// command encoder it creates records into log.
type fakeDevice struct {
	hal.Device

	mu      sync.Mutex
	waitErr error
	busy    int // Wait calls reporting "not done" before completing
	waits   int

	log commandLog
}

func (d *fakeDevice) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	enc, err := d.Device.CreateCommandEncoder(desc)
	if err != nil {
		return nil, err
	}
	return &recordingEncoder{CommandEncoder: enc, log: &d.log}, nil
}

func (d *fakeDevice) Wait(_ hal.Fence, _ uint64, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waits++
	if d.waitErr != nil {
		return false, d.waitErr
	}
	if d.busy > 0 {
		d.busy--
		return false, nil
	}
	return true, nil
}

func (d *fakeDevice) setWaitErr(err error) {
	d.mu.Lock()
	d.waitErr = err
	d.mu.Unlock()
}

func (d *fakeDevice) setBusy(n int) {
	d.mu.Lock()
	d.busy = n
	d.mu.Unlock()
}

// fakeQueue wraps the noop queue. ReadBuffer emulates what the kernels
// wrote by calling fill.
type fakeQueue struct {
	hal.Queue

	mu       sync.Mutex
	fill     func(offset uint64, data []byte)
	readErr  error
	writeErr error
	reads    int
}

func (q *fakeQueue) WriteBuffer(buffer hal.Buffer, offset uint64, data []byte) error {
	q.mu.Lock()
	err := q.writeErr
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.Queue.WriteBuffer(buffer, offset, data)
}

func (q *fakeQueue) setWriteErr(err error) {
	q.mu.Lock()
	q.writeErr = err
	q.mu.Unlock()
}

func (q *fakeQueue) ReadBuffer(_ hal.Buffer, offset uint64, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reads++
	if q.readErr != nil {
		return q.readErr
	}
	if q.fill != nil {
		q.fill(offset, data)
	}
	return nil
}

func (q *fakeQueue) setFill(fill func(offset uint64, data []byte)) {
	q.mu.Lock()
	q.fill = fill
	q.mu.Unlock()
}

func (q *fakeQueue) setReadErr(err error) {
	q.mu.Lock()
	q.readErr = err
	q.mu.Unlock()
}

// command is one recorded encoder call.
type command struct {
	op       string // "barrier", "bind" or "dispatch"
	from, to gputypes.TextureUsage
	offsets  []uint32
}

// commandLog collects the commands recorded by every encoder of a device.
type commandLog struct {
	mu   sync.Mutex
	cmds []command
}

func (l *commandLog) add(c command) {
	l.mu.Lock()
	l.cmds = append(l.cmds, c)
	l.mu.Unlock()
}

// commands returns the recorded commands with op, or all of them when op is
// empty.
func (l *commandLog) commands(op string) []command {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []command
	for _, c := range l.cmds {
		if op == "" || c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type recordingEncoder struct {
	hal.CommandEncoder
	log *commandLog
}

func (e *recordingEncoder) TransitionTextures(barriers []hal.TextureBarrier) {
	for _, b := range barriers {
		e.log.add(command{op: "barrier", from: b.Usage.OldUsage, to: b.Usage.NewUsage})
	}
	e.CommandEncoder.TransitionTextures(barriers)
}

func (e *recordingEncoder) BeginComputePass(desc *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	return &recordingPass{ComputePassEncoder: e.CommandEncoder.BeginComputePass(desc), log: e.log}
}

type recordingPass struct {
	hal.ComputePassEncoder
	log *commandLog
}

func (p *recordingPass) SetBindGroup(index uint32, group hal.BindGroup, offsets []uint32) {
	p.log.add(command{op: "bind", offsets: slices.Clone(offsets)})
	p.ComputePassEncoder.SetBindGroup(index, group, offsets)
}

func (p *recordingPass) Dispatch(x, y, z uint32) {
	p.log.add(command{op: "dispatch"})
	p.ComputePassEncoder.Dispatch(x, y, z)
}

// countingHandler counts records at or above level.
type countingHandler struct {
	level slog.Level

	mu sync.Mutex
	n  int
}

func (h *countingHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *countingHandler) Handle(context.Context, slog.Record) error {
	h.mu.Lock()
	h.n++
	h.mu.Unlock()
	return nil
}

func (h *countingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *countingHandler) WithGroup(string) slog.Handler      { return h }

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// newTestContext returns a Context on the noop backend with WGSL
// compilation stubbed out. The context is closed by t.Cleanup.
func newTestContext(t *testing.T) (*Context, *fakeDevice, *fakeQueue) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		t.Fatal("noop backend has no adapters")
	}
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}

	dev := &fakeDevice{Device: openDev.Device}
	q := &fakeQueue{Queue: openDev.Queue}
	c := newContext(instance, dev, q, AdapterInfo{Name: "noop"}, false)
	c.compile = func(string) ([]uint32, error) { return testSPIRV, nil }
	c.SetPollInterval(time.Millisecond)
	t.Cleanup(c.Close)
	return c, dev, q
}

// writtenStaging returns a staging buffer filled by a submitted copy, ready
// for MapAsync.
func writtenStaging(t *testing.T, c *Context, size uint64) *Buffer {
	t.Helper()
	src, err := CreateBufferSimple(c, "src", size, UsageKernelOutput)
	if err != nil {
		t.Fatalf("CreateBufferSimple: %v", err)
	}
	dst, err := CreateStagingBuffer(c, "staging", size)
	if err != nil {
		t.Fatalf("CreateStagingBuffer: %v", err)
	}
	enc, err := NewEncoder(c, "copy")
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if err := enc.CopyBufferToBuffer(src, dst, dst.Size()); err != nil {
		t.Fatalf("CopyBufferToBuffer: %v", err)
	}
	cmd, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := Submit(c, cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return dst
}

// fillBytes fills every byte with its absolute offset modulo 251.
func fillBytes(offset uint64, data []byte) {
	for i := range data {
		data[i] = byte((offset + uint64(i)) % 251)
	}
}

// fillFloat32 emulates a kernel writing color as float32x4 records.
func fillFloat32(color [4]float32) func(uint64, []byte) {
	return func(_ uint64, data []byte) {
		for i := 0; i+16 <= len(data); i += 16 {
			for ch := range 4 {
				binary.LittleEndian.PutUint32(data[i+ch*4:], math.Float32bits(color[ch]))
			}
		}
	}
}

// fillUint8 emulates a kernel writing color as uint8x4 records into rows of
// width pixels laid out pitch bytes apart. Row padding is filled with 0xEE.
func fillUint8(color [4]uint8, width, pitch int) func(uint64, []byte) {
	return func(_ uint64, data []byte) {
		for i := range data {
			data[i] = 0xEE
		}
		for row := 0; row+width*4 <= len(data); row += pitch {
			for x := range width {
				copy(data[row+x*4:], color[:])
			}
		}
	}
}

// decodeFloat32 returns the float channels of the records in data.
func decodeFloat32(data []byte) [][4]float32 {
	out := make([][4]float32, 0, len(data)/16)
	for i := 0; i+16 <= len(data); i += 16 {
		var px [4]float32
		for ch := range 4 {
			px[ch] = math.Float32frombits(binary.LittleEndian.Uint32(data[i+ch*4:]))
		}
		out = append(out, px)
	}
	return out
}

func storageOutputKernel(stage gpucore.Stage) gpucore.Kernel {
	return gpucore.Kernel{
		Stage:  stage,
		Source: "@compute @workgroup_size(8, 8, 1) fn main() {}",
		Layout: gpucore.Layout{outputSlot(TargetBuffer), paramsSlot()},
	}
}

func mustPipeline(t *testing.T, c *Context, k gpucore.Kernel) *Pipeline {
	t.Helper()
	p, err := CompileKernel(c, k)
	if err != nil {
		t.Fatalf("CompileKernel(%s): %v", k.Stage, err)
	}
	return p
}
