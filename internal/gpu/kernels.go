// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package gpu

import (
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gogpu/raytrace/gpucore"
)

// Embedded WGSL fragments. Built-in kernels are assembled from a shared
// prelude, an output prelude defining write_pixel, the binding declarations
// a stage needs and the stage body.

//go:embed shaders/common.wgsl
var commonSource string

//go:embed shaders/records.wgsl
var recordsSource string

//go:embed shaders/out_f32.wgsl
var outputF32Source string

//go:embed shaders/out_u8.wgsl
var outputU8Source string

//go:embed shaders/out_texture.wgsl
var outputTextureSource string

//go:embed shaders/rays_rw.wgsl
var raysWriteSource string

//go:embed shaders/rays_ro.wgsl
var raysReadSource string

//go:embed shaders/hits_rw.wgsl
var hitsWriteSource string

//go:embed shaders/hits_ro.wgsl
var hitsReadSource string

//go:embed shaders/raygen_single.wgsl
var raygenSingleSource string

//go:embed shaders/raygen.wgsl
var raygenSource string

//go:embed shaders/intersect.wgsl
var intersectSource string

//go:embed shaders/anyhit.wgsl
var anyHitSource string

//go:embed shaders/closesthit.wgsl
var closestHitSource string

//go:embed shaders/miss.wgsl
var missSource string

//go:embed shaders/solid.wgsl
var solidSource string

// Binding indices of the built-in kernels.
const (
	BindingOutput uint32 = 0
	BindingParams uint32 = 1
	BindingRays   uint32 = 2
	BindingHits   uint32 = 3
)

// paramsMinSize is the part of the params record kernels read (width, height).
const paramsMinSize = 8

func paramsSlot() gpucore.BindingSlot {
	return gpucore.BindingSlot{
		Binding:    BindingParams,
		Kind:       gpucore.BindingKindUniformBuffer,
		Visibility: gpucore.VisibilityCompute,
		Resource:   gpucore.ResourceParams,
		MinSize:    paramsMinSize,
	}
}

func outputSlot(target OutputTarget) gpucore.BindingSlot {
	kind := gpucore.BindingKindStorageBuffer
	if target == TargetTexture {
		kind = gpucore.BindingKindStorageTexture
	}
	return gpucore.BindingSlot{
		Binding:    BindingOutput,
		Kind:       kind,
		Visibility: gpucore.VisibilityCompute,
		Resource:   gpucore.ResourceOutput,
	}
}

func storageSlot(binding uint32, r gpucore.Resource, readOnly bool, recordSize uint64) gpucore.BindingSlot {
	kind := gpucore.BindingKindStorageBuffer
	if readOnly {
		kind = gpucore.BindingKindReadOnlyStorageBuffer
	}
	return gpucore.BindingSlot{
		Binding:    binding,
		Kind:       kind,
		Visibility: gpucore.VisibilityCompute,
		Resource:   r,
		MinSize:    recordSize,
	}
}

// outputPrelude returns the write_pixel implementation for the combination.
func outputPrelude(layout RecordLayout, target OutputTarget) (string, error) {
	switch {
	case target == TargetTexture && layout == LayoutUint8x4:
		return outputTextureSource, nil
	case target == TargetTexture:
		return "", fmt.Errorf("%w: %s records cannot be stored in an rgba8unorm texture", ErrUnsupportedTarget, layout)
	case target != TargetBuffer:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedTarget, target)
	case layout == LayoutFloat32x4:
		return outputF32Source, nil
	case layout == LayoutUint8x4:
		return outputU8Source, nil
	default:
		return "", fmt.Errorf("%w: record layout %s", ErrUnsupportedTarget, layout)
	}
}

func assemble(parts ...string) string {
	return strings.Join(parts, "\n")
}

// BuiltinKernels returns the built-in sphere scene for the mode, writing
// records of the given layout into the given target.
//
// Single-pass mode returns one generation kernel that traces and shades in
// place. Multi-stage mode returns generation (writes rays), intersection
// (writes hits), any-hit (culls far hits), closest-hit and miss (write
// pixels), in dispatch order.
func BuiltinKernels(mode Mode, layout RecordLayout, target OutputTarget) ([]gpucore.Kernel, error) {
	out, err := outputPrelude(layout, target)
	if err != nil {
		return nil, err
	}

	if mode == ModeSinglePass {
		return []gpucore.Kernel{{
			Stage:  gpucore.StageGeneration,
			Label:  "raygen_single",
			Source: assemble(commonSource, out, raygenSingleSource),
			Layout: gpucore.Layout{outputSlot(target), paramsSlot()},
		}}, nil
	}
	if mode != ModeMultiStage {
		return nil, fmt.Errorf("gpu: unknown mode %s", mode)
	}

	rays := func(readOnly bool) gpucore.BindingSlot {
		return storageSlot(BindingRays, gpucore.ResourceRays, readOnly, RayRecordSize)
	}
	hits := func(readOnly bool) gpucore.BindingSlot {
		return storageSlot(BindingHits, gpucore.ResourceHits, readOnly, HitRecordSize)
	}
	shadeLayout := gpucore.Layout{outputSlot(target), paramsSlot(), rays(true), hits(true)}

	return []gpucore.Kernel{
		{
			Stage:  gpucore.StageGeneration,
			Label:  "raygen",
			Source: assemble(commonSource, recordsSource, raysWriteSource, raygenSource),
			Layout: gpucore.Layout{paramsSlot(), rays(false)},
		},
		{
			Stage:  gpucore.StageIntersection,
			Label:  "intersect",
			Source: assemble(commonSource, recordsSource, raysReadSource, hitsWriteSource, intersectSource),
			Layout: gpucore.Layout{paramsSlot(), rays(true), hits(false)},
		},
		{
			Stage:  gpucore.StageAnyHit,
			Label:  "anyhit",
			Source: assemble(commonSource, recordsSource, hitsWriteSource, anyHitSource),
			Layout: gpucore.Layout{paramsSlot(), hits(false)},
		},
		{
			Stage:  gpucore.StageClosestHit,
			Label:  "closesthit",
			Source: assemble(commonSource, recordsSource, out, raysReadSource, hitsReadSource, closestHitSource),
			Layout: shadeLayout,
		},
		{
			Stage:  gpucore.StageMiss,
			Label:  "miss",
			Source: assemble(commonSource, recordsSource, out, raysReadSource, hitsReadSource, missSource),
			Layout: shadeLayout,
		},
	}, nil
}

// SolidKernel returns a single-pass generation kernel that writes one color
// to every pixel.
func SolidKernel(layout RecordLayout, target OutputTarget, color [4]float32) (gpucore.Kernel, error) {
	out, err := outputPrelude(layout, target)
	if err != nil {
		return gpucore.Kernel{}, err
	}
	for _, ch := range color {
		if math.IsNaN(float64(ch)) || math.IsInf(float64(ch), 0) {
			return gpucore.Kernel{}, fmt.Errorf("gpu: solid color %v is not finite", color)
		}
	}
	literal := fmt.Sprintf("vec4<f32>(%s, %s, %s, %s)",
		wgslFloat(color[0]), wgslFloat(color[1]), wgslFloat(color[2]), wgslFloat(color[3]))
	return gpucore.Kernel{
		Stage:  gpucore.StageGeneration,
		Label:  "solid",
		Source: assemble(commonSource, out, strings.ReplaceAll(solidSource, "SOLID_COLOR", literal)),
		Layout: gpucore.Layout{outputSlot(target), paramsSlot()},
	}, nil
}

// wgslFloat formats f as a WGSL float literal.
func wgslFloat(f float32) string {
	s := strconv.FormatFloat(float64(f), 'g', -1, 32)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
