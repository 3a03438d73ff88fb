package gpucore

import (
	"errors"
	"fmt"
)

// ErrInvalidLayout is returned when a binding layout is malformed or when a
// set of bindings does not match it.
var ErrInvalidLayout = errors.New("gpucore: binding layout mismatch")

// Stage identifies the role of a kernel in the tracing pipeline.
type Stage int

// Pipeline stages, in dispatch order.
const (
	// StageGeneration produces primary rays (or, in single-pass mode, the
	// final image).
	StageGeneration Stage = iota

	// StageIntersection intersects rays with the scene.
	StageIntersection

	// StageAnyHit filters candidate hits.
	StageAnyHit

	// StageClosestHit shades accepted hits.
	StageClosestHit

	// StageMiss shades rays that hit nothing.
	StageMiss
)

// Stages lists every stage in dispatch order.
var Stages = []Stage{StageGeneration, StageIntersection, StageAnyHit, StageClosestHit, StageMiss}

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageGeneration:
		return "generation"
	case StageIntersection:
		return "intersection"
	case StageAnyHit:
		return "any-hit"
	case StageClosestHit:
		return "closest-hit"
	case StageMiss:
		return "miss"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// BindingKind is the resource kind a slot accepts.
type BindingKind uint32

// Binding kinds.
const (
	// BindingKindNone is the zero value and is never valid in a layout.
	BindingKindNone BindingKind = iota

	// BindingKindUniformBuffer is a uniform buffer.
	BindingKindUniformBuffer

	// BindingKindStorageBuffer is a read-write storage buffer.
	BindingKindStorageBuffer

	// BindingKindReadOnlyStorageBuffer is a read-only storage buffer.
	BindingKindReadOnlyStorageBuffer

	// BindingKindStorageTexture is a write-only 2D storage texture.
	BindingKindStorageTexture
)

// String returns the binding kind name.
func (k BindingKind) String() string {
	switch k {
	case BindingKindNone:
		return "None"
	case BindingKindUniformBuffer:
		return "UniformBuffer"
	case BindingKindStorageBuffer:
		return "StorageBuffer"
	case BindingKindReadOnlyStorageBuffer:
		return "ReadOnlyStorageBuffer"
	case BindingKindStorageTexture:
		return "StorageTexture"
	default:
		return fmt.Sprintf("BindingKind(%d)", uint32(k))
	}
}

// IsBuffer reports whether the kind binds a buffer.
func (k BindingKind) IsBuffer() bool {
	return k == BindingKindUniformBuffer || k == BindingKindStorageBuffer || k == BindingKindReadOnlyStorageBuffer
}

// Visibility is a bitmask of shader stages that can see a binding.
type Visibility uint32

// Visibility flags.
const (
	VisibilityVertex   Visibility = 1 << 0
	VisibilityFragment Visibility = 1 << 1
	VisibilityCompute  Visibility = 1 << 2
)

// Contains reports whether v includes every flag in other.
func (v Visibility) Contains(other Visibility) bool {
	return v&other == other
}

// Resource names the per-render resource the orchestrator binds to a slot.
type Resource int

// Resources available to kernels.
const (
	// ResourceNone is the zero value and is never valid in a layout.
	ResourceNone Resource = iota

	// ResourceOutput is the kernel-writable output image (buffer or texture).
	ResourceOutput

	// ResourceParams is the uniform record carrying (width, height).
	ResourceParams

	// ResourceRays is the per-pixel ray buffer of multi-stage tracing.
	ResourceRays

	// ResourceHits is the per-pixel hit buffer of multi-stage tracing.
	ResourceHits
)

// String returns the resource name.
func (r Resource) String() string {
	switch r {
	case ResourceNone:
		return "none"
	case ResourceOutput:
		return "output"
	case ResourceParams:
		return "params"
	case ResourceRays:
		return "rays"
	case ResourceHits:
		return "hits"
	default:
		return fmt.Sprintf("Resource(%d)", int(r))
	}
}

// BindingSlot describes one slot of a binding layout.
type BindingSlot struct {
	// Binding is the @binding index inside @group(0).
	Binding uint32

	// Kind is the resource kind the slot accepts.
	Kind BindingKind

	// Visibility must include VisibilityCompute.
	Visibility Visibility

	// Resource is what the orchestrator binds here.
	Resource Resource

	// MinSize is the minimum binding size for buffer slots (0 = unchecked).
	MinSize uint64

	// DynamicOffset enables dynamic offsets for buffer slots. The offset
	// itself comes from the bind group entry.
	DynamicOffset bool
}

// Layout is the ordered list of slots a kernel declares.
type Layout []BindingSlot

// Validate checks the layout is well formed.
func (l Layout) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("%w: layout has no slots", ErrInvalidLayout)
	}
	seen := make(map[uint32]bool, len(l))
	for _, s := range l {
		if seen[s.Binding] {
			return fmt.Errorf("%w: binding %d declared twice", ErrInvalidLayout, s.Binding)
		}
		seen[s.Binding] = true
		if s.Kind == BindingKindNone || s.Kind > BindingKindStorageTexture {
			return fmt.Errorf("%w: binding %d has invalid kind %v", ErrInvalidLayout, s.Binding, s.Kind)
		}
		if s.Resource == ResourceNone || s.Resource > ResourceHits {
			return fmt.Errorf("%w: binding %d has no resource", ErrInvalidLayout, s.Binding)
		}
		if !s.Visibility.Contains(VisibilityCompute) {
			return fmt.Errorf("%w: binding %d is not visible to compute", ErrInvalidLayout, s.Binding)
		}
		if !s.Kind.IsBuffer() && (s.MinSize != 0 || s.DynamicOffset) {
			return fmt.Errorf("%w: binding %d: size and dynamic offset apply to buffers only", ErrInvalidLayout, s.Binding)
		}
	}
	return nil
}

// Slot returns the slot with the given binding index.
func (l Layout) Slot(binding uint32) (BindingSlot, bool) {
	for _, s := range l {
		if s.Binding == binding {
			return s, true
		}
	}
	return BindingSlot{}, false
}

// Uses reports whether any slot is fed from r.
func (l Layout) Uses(r Resource) bool {
	for _, s := range l {
		if s.Resource == r {
			return true
		}
	}
	return false
}

// Binding is a concrete resource offered for one slot of a bind group.
type Binding struct {
	Binding uint32
	Kind    BindingKind
	Size    uint64 // bound byte size for buffers
}

// Match checks bindings against the layout slot for slot: every slot must be
// covered exactly once by a binding of the same kind, large enough for
// MinSize, and no extra bindings are allowed.
func (l Layout) Match(bindings []Binding) error {
	if len(bindings) != len(l) {
		return fmt.Errorf("%w: layout has %d slots, got %d bindings", ErrInvalidLayout, len(l), len(bindings))
	}
	covered := make(map[uint32]bool, len(bindings))
	for _, b := range bindings {
		slot, ok := l.Slot(b.Binding)
		if !ok {
			return fmt.Errorf("%w: binding %d not declared by layout", ErrInvalidLayout, b.Binding)
		}
		if covered[b.Binding] {
			return fmt.Errorf("%w: binding %d bound twice", ErrInvalidLayout, b.Binding)
		}
		covered[b.Binding] = true
		if b.Kind != slot.Kind {
			return fmt.Errorf("%w: binding %d expects %v, got %v", ErrInvalidLayout, b.Binding, slot.Kind, b.Kind)
		}
		if slot.MinSize != 0 && b.Size < slot.MinSize {
			return fmt.Errorf("%w: binding %d needs at least %d bytes, got %d",
				ErrInvalidLayout, b.Binding, slot.MinSize, b.Size)
		}
	}
	return nil
}
