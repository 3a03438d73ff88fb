package raytrace

import (
	"fmt"
	"strings"

	"github.com/gogpu/raytrace/internal/gpu"
)

// TracingMode selects which kernel stages a Renderer compiles and
// dispatches.
type TracingMode int

const (
	// ModeSinglePass dispatches the generation kernel only.
	ModeSinglePass TracingMode = iota

	// ModeMultiStage dispatches generation, intersection, any-hit,
	// closest-hit and miss in order.
	ModeMultiStage
)

// String returns the mode name.
func (m TracingMode) String() string {
	switch m {
	case ModeSinglePass:
		return "single-pass"
	case ModeMultiStage:
		return "multi-stage"
	default:
		return "Unknown"
	}
}

func (m TracingMode) gpuMode() (gpu.Mode, error) {
	switch m {
	case ModeSinglePass:
		return gpu.ModeSinglePass, nil
	case ModeMultiStage:
		return gpu.ModeMultiStage, nil
	default:
		return 0, fmt.Errorf("raytrace: unknown tracing mode %d", int(m))
	}
}

// ParseTracingMode parses "single-pass" ("single") or "multi-stage"
// ("multi").
func ParseTracingMode(s string) (TracingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single-pass", "single":
		return ModeSinglePass, nil
	case "multi-stage", "multi":
		return ModeMultiStage, nil
	default:
		return 0, fmt.Errorf("raytrace: unknown tracing mode %q", s)
	}
}

// RecordLayout is the per-pixel record format of readback bytes.
type RecordLayout int

const (
	// LayoutFloat32x4 is four little-endian float32 channels (16 bytes).
	LayoutFloat32x4 RecordLayout = iota

	// LayoutUint8x4 is four uint8 channels (4 bytes).
	LayoutUint8x4
)

// RecordSize returns the size of one pixel record in bytes, or 0 for an
// unknown layout.
func (l RecordLayout) RecordSize() int {
	switch l {
	case LayoutFloat32x4:
		return 16
	case LayoutUint8x4:
		return 4
	default:
		return 0
	}
}

// String returns the layout name.
func (l RecordLayout) String() string {
	switch l {
	case LayoutFloat32x4:
		return "float32x4"
	case LayoutUint8x4:
		return "uint8x4"
	default:
		return "Unknown"
	}
}

func (l RecordLayout) gpuLayout() gpu.RecordLayout {
	switch l {
	case LayoutFloat32x4:
		return gpu.LayoutFloat32x4
	case LayoutUint8x4:
		return gpu.LayoutUint8x4
	default:
		return gpu.RecordLayout(-1)
	}
}

// ParseRecordLayout parses "float32x4" ("f32") or "uint8x4" ("u8").
func ParseRecordLayout(s string) (RecordLayout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32x4", "f32":
		return LayoutFloat32x4, nil
	case "uint8x4", "u8":
		return LayoutUint8x4, nil
	default:
		return 0, fmt.Errorf("raytrace: unknown record layout %q", s)
	}
}

// OutputTarget is the kind of device resource kernels write pixels into.
type OutputTarget int

const (
	// TargetBuffer is a storage buffer of tightly packed records.
	TargetBuffer OutputTarget = iota

	// TargetTexture is an rgba8unorm storage texture. Requires
	// LayoutUint8x4.
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
		return "Unknown"
	}
}

func (t OutputTarget) gpuTarget() gpu.OutputTarget {
	switch t {
	case TargetBuffer:
		return gpu.TargetBuffer
	case TargetTexture:
		return gpu.TargetTexture
	default:
		return gpu.OutputTarget(-1)
	}
}

// ParseOutputTarget parses "buffer" or "texture".
func ParseOutputTarget(s string) (OutputTarget, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buffer":
		return TargetBuffer, nil
	case "texture":
		return TargetTexture, nil
	default:
		return 0, fmt.Errorf("raytrace: unknown output target %q", s)
	}
}
