//go:build !nogpu

package gpu

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/raytrace/gpucore"
)

func TestCompileKernel(t *testing.T) {
	c, _, _ := newTestContext(t)

	p, err := CompileKernel(c, storageOutputKernel(gpucore.StageGeneration))
	if err != nil {
		t.Fatalf("CompileKernel() error = %v", err)
	}
	k := p.Kernel()
	if k.EntryPoint != gpucore.DefaultEntryPoint {
		t.Errorf("EntryPoint = %q, want %q", k.EntryPoint, gpucore.DefaultEntryPoint)
	}
	if k.Label != "generation" {
		t.Errorf("Label = %q, want %q", k.Label, "generation")
	}
	if p.Tile() != gpucore.DefaultTileSize {
		t.Errorf("Tile() = %v, want %v", p.Tile(), gpucore.DefaultTileSize)
	}
	if p.IsDestroyed() {
		t.Error("new pipeline reports destroyed")
	}

	p.Destroy()
	p.Destroy()
	if !p.IsDestroyed() {
		t.Error("IsDestroyed() = false after Destroy")
	}
	if n := c.LiveResources(); n != 0 {
		t.Errorf("LiveResources() = %d, want 0", n)
	}
}

func TestCompileKernel_Errors(t *testing.T) {
	badLayout := storageOutputKernel(gpucore.StageMiss)
	badLayout.Layout = gpucore.Layout{
		{Binding: 0, Kind: gpucore.BindingKindStorageBuffer, Visibility: gpucore.VisibilityFragment, Resource: gpucore.ResourceOutput},
	}
	empty := storageOutputKernel(gpucore.StageAnyHit)
	empty.Source = ""

	tests := []struct {
		name      string
		kernel    gpucore.Kernel
		compile   func(string) ([]uint32, error)
		wantStage gpucore.Stage
		wantErr   error
	}{
		{
			name:      "wgsl rejected",
			kernel:    storageOutputKernel(gpucore.StageIntersection),
			compile:   func(string) ([]uint32, error) { return nil, errors.New("unexpected token") },
			wantStage: gpucore.StageIntersection,
		},
		{
			name:      "layout without compute visibility",
			kernel:    badLayout,
			wantStage: gpucore.StageMiss,
			wantErr:   ErrLayoutMismatch,
		},
		{
			name:      "empty source",
			kernel:    empty,
			wantStage: gpucore.StageAnyHit,
			wantErr:   gpucore.ErrEmptyKernel,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestContext(t)
			if tt.compile != nil {
				c.compile = tt.compile
			}
			_, err := CompileKernel(c, tt.kernel)
			if !errors.Is(err, ErrKernelCompile) {
				t.Fatalf("CompileKernel() error = %v, want ErrKernelCompile", err)
			}
			var kerr *KernelCompileError
			if !errors.As(err, &kerr) {
				t.Fatalf("error %T is not *KernelCompileError", err)
			}
			if kerr.Stage != tt.wantStage {
				t.Errorf("Stage = %v, want %v", kerr.Stage, tt.wantStage)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if n := c.LiveResources(); n != 0 {
				t.Errorf("LiveResources() = %d after failure, want 0", n)
			}
		})
	}
}

func TestCompileKernel_ClosedContext(t *testing.T) {
	c, _, _ := newTestContext(t)
	c.Close()
	_, err := CompileKernel(c, storageOutputKernel(gpucore.StageGeneration))
	if !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("CompileKernel() error = %v, want ErrDeviceClosed", err)
	}
}

func TestNewPipelineSet_SinglePass(t *testing.T) {
	c, _, _ := newTestContext(t)
	kernels := []gpucore.Kernel{
		storageOutputKernel(gpucore.StageMiss),
		storageOutputKernel(gpucore.StageGeneration),
		storageOutputKernel(gpucore.StageClosestHit),
	}
	set, err := NewPipelineSet(c, ModeSinglePass, kernels)
	if err != nil {
		t.Fatalf("NewPipelineSet() error = %v", err)
	}
	if set.Mode() != ModeSinglePass {
		t.Errorf("Mode() = %v, want single-pass", set.Mode())
	}
	ordered := set.Ordered()
	if len(ordered) != 1 || ordered[0].Stage() != gpucore.StageGeneration {
		t.Fatalf("Ordered() = %d pipelines, want generation only", len(ordered))
	}
	if _, ok := set.Pipeline(gpucore.StageMiss); ok {
		t.Error("single-pass set compiled the miss stage")
	}
	if n := c.LiveResources(); n != 1 {
		t.Errorf("LiveResources() = %d, want 1", n)
	}
}

func TestNewPipelineSet_MultiStageOrder(t *testing.T) {
	c, _, _ := newTestContext(t)
	var kernels []gpucore.Kernel
	for _, s := range slices.Backward(gpucore.Stages) {
		kernels = append(kernels, storageOutputKernel(s))
	}
	set, err := NewPipelineSet(c, ModeMultiStage, kernels)
	if err != nil {
		t.Fatalf("NewPipelineSet() error = %v", err)
	}
	var got []gpucore.Stage
	for _, p := range set.Ordered() {
		got = append(got, p.Stage())
	}
	if !slices.Equal(got, gpucore.Stages) {
		t.Errorf("dispatch order = %v, want %v", got, gpucore.Stages)
	}
	if !set.Uses(gpucore.ResourceOutput) || set.Uses(gpucore.ResourceRays) {
		t.Error("Uses() does not reflect the declared layouts")
	}

	set.Destroy()
	if n := c.LiveResources(); n != 0 {
		t.Errorf("LiveResources() = %d after Destroy, want 0", n)
	}
}

func TestNewPipelineSet_Errors(t *testing.T) {
	t.Run("missing stage", func(t *testing.T) {
		c, _, _ := newTestContext(t)
		kernels := []gpucore.Kernel{
			storageOutputKernel(gpucore.StageGeneration),
			storageOutputKernel(gpucore.StageIntersection),
		}
		_, err := NewPipelineSet(c, ModeMultiStage, kernels)
		if !errors.Is(err, ErrMissingKernel) {
			t.Fatalf("error = %v, want ErrMissingKernel", err)
		}
		var kerr *KernelCompileError
		if !errors.As(err, &kerr) || kerr.Stage != gpucore.StageAnyHit {
			t.Errorf("error = %v, want any-hit stage", err)
		}
		if n := c.LiveResources(); n != 0 {
			t.Errorf("LiveResources() = %d, want 0", n)
		}
	})

	t.Run("no generation", func(t *testing.T) {
		c, _, _ := newTestContext(t)
		_, err := NewPipelineSet(c, ModeSinglePass, nil)
		if !errors.Is(err, ErrMissingKernel) {
			t.Errorf("error = %v, want ErrMissingKernel", err)
		}
	})

	t.Run("duplicate stage", func(t *testing.T) {
		c, _, _ := newTestContext(t)
		kernels := []gpucore.Kernel{
			storageOutputKernel(gpucore.StageGeneration),
			storageOutputKernel(gpucore.StageGeneration),
		}
		if _, err := NewPipelineSet(c, ModeSinglePass, kernels); !errors.Is(err, ErrKernelCompile) {
			t.Errorf("error = %v, want ErrKernelCompile", err)
		}
	})

	t.Run("failing stage releases compiled ones", func(t *testing.T) {
		c, _, _ := newTestContext(t)
		calls := 0
		c.compile = func(string) ([]uint32, error) {
			calls++
			if calls == 3 {
				return nil, errors.New("boom")
			}
			return testSPIRV, nil
		}
		var kernels []gpucore.Kernel
		for _, s := range gpucore.Stages {
			kernels = append(kernels, storageOutputKernel(s))
		}
		_, err := NewPipelineSet(c, ModeMultiStage, kernels)
		var kerr *KernelCompileError
		if !errors.As(err, &kerr) || kerr.Stage != gpucore.StageAnyHit {
			t.Fatalf("error = %v, want any-hit compile error", err)
		}
		if n := c.LiveResources(); n != 0 {
			t.Errorf("LiveResources() = %d, want 0", n)
		}
	})
}

func TestMode(t *testing.T) {
	tests := []struct {
		mode   Mode
		name   string
		stages int
	}{
		{ModeSinglePass, "single-pass", 1},
		{ModeMultiStage, "multi-stage", 5},
		{Mode(7), "Mode(7)", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.mode.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := len(tt.mode.Stages()); got != tt.stages {
				t.Errorf("len(Stages()) = %d, want %d", got, tt.stages)
			}
		})
	}
}

func TestLayoutEntry(t *testing.T) {
	tests := []struct {
		name        string
		slot        gpucore.BindingSlot
		wantBuffer  bool
		wantTexture bool
	}{
		{"uniform", paramsSlot(), true, false},
		{"storage", outputSlot(TargetBuffer), true, false},
		{"read-only", storageSlot(BindingRays, gpucore.ResourceRays, true, RayRecordSize), true, false},
		{"texture", outputSlot(TargetTexture), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := layoutEntry(tt.slot)
			if e.Binding != tt.slot.Binding {
				t.Errorf("Binding = %d, want %d", e.Binding, tt.slot.Binding)
			}
			if (e.Buffer != nil) != tt.wantBuffer {
				t.Errorf("Buffer set = %v, want %v", e.Buffer != nil, tt.wantBuffer)
			}
			if (e.StorageTexture != nil) != tt.wantTexture {
				t.Errorf("StorageTexture set = %v, want %v", e.StorageTexture != nil, tt.wantTexture)
			}
			if e.Buffer != nil && e.Buffer.MinBindingSize != tt.slot.MinSize {
				t.Errorf("MinBindingSize = %d, want %d", e.Buffer.MinBindingSize, tt.slot.MinSize)
			}
		})
	}
}
