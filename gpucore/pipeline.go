package gpucore

import (
	"errors"
	"fmt"
)

// DefaultEntryPoint is the entry point every kernel exposes unless told otherwise.
const DefaultEntryPoint = "main"

// ErrEmptyKernel is returned when a kernel has no source.
var ErrEmptyKernel = errors.New("gpucore: kernel source is empty")

// TileSize is the number of invocations per workgroup in each dimension.
// It must agree with the kernel's @workgroup_size attribute.
type TileSize struct {
	X, Y, Z uint32
}

// DefaultTileSize is the 8x8x1 tile used by image-space kernels.
var DefaultTileSize = TileSize{X: 8, Y: 8, Z: 1}

// Invocations returns X*Y*Z.
func (t TileSize) Invocations() uint32 {
	return t.X * t.Y * t.Z
}

// Extent is a 3D dispatch target size in invocations.
type Extent struct {
	Width, Height, Depth uint32
}

// Workgroups returns the workgroup grid that covers extent with tiles of the
// given size: ceil(extent / tile) per dimension. Zero tile dimensions are
// treated as 1 and a zero depth as 1.
func Workgroups(extent Extent, tile TileSize) (x, y, z uint32) {
	return ceilDiv(extent.Width, tile.X), ceilDiv(extent.Height, tile.Y), ceilDiv(max(extent.Depth, 1), tile.Z)
}

func ceilDiv(n, d uint32) uint32 {
	if d == 0 {
		d = 1
	}
	// Computed in 64 bits so n close to MaxUint32 does not wrap.
	return uint32((uint64(n) + uint64(d) - 1) / uint64(d)) //nolint:gosec // result <= n
}

// Kernel is a compute program supplied as WGSL source.
type Kernel struct {
	// Stage is the pipeline stage the kernel implements.
	Stage Stage

	// Label is an optional debug name. Defaults to the stage name.
	Label string

	// Source is the WGSL program text.
	Source string

	// EntryPoint defaults to DefaultEntryPoint.
	EntryPoint string

	// Layout is the binding layout of @group(0).
	Layout Layout

	// Tile defaults to DefaultTileSize.
	Tile TileSize
}

// WithDefaults returns a copy of k with empty fields filled in.
func (k Kernel) WithDefaults() Kernel {
	if k.Label == "" {
		k.Label = k.Stage.String()
	}
	if k.EntryPoint == "" {
		k.EntryPoint = DefaultEntryPoint
	}
	if k.Tile == (TileSize{}) {
		k.Tile = DefaultTileSize
	}
	return k
}

// Validate checks the kernel can be compiled.
func (k Kernel) Validate() error {
	if k.Source == "" {
		return fmt.Errorf("%s: %w", k.Stage, ErrEmptyKernel)
	}
	if k.Tile.X == 0 || k.Tile.Y == 0 || k.Tile.Z == 0 {
		return fmt.Errorf("%s: tile size %v has a zero dimension", k.Stage, k.Tile)
	}
	if err := k.Layout.Validate(); err != nil {
		return fmt.Errorf("%s: %w", k.Stage, err)
	}
	return nil
}
