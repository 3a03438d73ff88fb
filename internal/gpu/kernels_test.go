//go:build !nogpu

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package gpu

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/gogpu/raytrace/gpucore"
)

func TestBuiltinKernels(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		layout RecordLayout
		target OutputTarget
		labels []string
	}{
		{"single f32", ModeSinglePass, LayoutFloat32x4, TargetBuffer, []string{"raygen_single"}},
		{"single u8", ModeSinglePass, LayoutUint8x4, TargetBuffer, []string{"raygen_single"}},
		{"single texture", ModeSinglePass, LayoutUint8x4, TargetTexture, []string{"raygen_single"}},
		{"multi f32", ModeMultiStage, LayoutFloat32x4, TargetBuffer, []string{"raygen", "intersect", "anyhit", "closesthit", "miss"}},
		{"multi texture", ModeMultiStage, LayoutUint8x4, TargetTexture, []string{"raygen", "intersect", "anyhit", "closesthit", "miss"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kernels, err := BuiltinKernels(tt.mode, tt.layout, tt.target)
			if err != nil {
				t.Fatalf("BuiltinKernels() error = %v", err)
			}
			if len(kernels) != len(tt.labels) {
				t.Fatalf("got %d kernels, want %d", len(kernels), len(tt.labels))
			}
			stages := tt.mode.Stages()
			writesOutput := false
			for i, k := range kernels {
				if k.Label != tt.labels[i] {
					t.Errorf("kernels[%d].Label = %q, want %q", i, k.Label, tt.labels[i])
				}
				if k.Stage != stages[i] {
					t.Errorf("kernels[%d].Stage = %v, want %v", i, k.Stage, stages[i])
				}
				if err := k.WithDefaults().Validate(); err != nil {
					t.Errorf("kernels[%d].Validate() error = %v", i, err)
				}
				if !strings.Contains(k.Source, "fn main") {
					t.Errorf("kernels[%d] has no main entry point", i)
				}
				if k.Layout.Uses(gpucore.ResourceOutput) {
					writesOutput = true
					if !strings.Contains(k.Source, "write_pixel") {
						t.Errorf("kernels[%d] binds the output but never writes it", i)
					}
				}
			}
			if !writesOutput {
				t.Error("no kernel binds the output")
			}
		})
	}
}

func TestBuiltinKernels_Unsupported(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		layout RecordLayout
		target OutputTarget
	}{
		{"float texture", ModeSinglePass, LayoutFloat32x4, TargetTexture},
		{"unknown target", ModeSinglePass, LayoutUint8x4, OutputTarget(5)},
		{"unknown layout", ModeMultiStage, RecordLayout(9), TargetBuffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuiltinKernels(tt.mode, tt.layout, tt.target)
			if !errors.Is(err, ErrUnsupportedTarget) {
				t.Errorf("BuiltinKernels() error = %v, want ErrUnsupportedTarget", err)
			}
		})
	}

	if _, err := BuiltinKernels(Mode(4), LayoutFloat32x4, TargetBuffer); err == nil {
		t.Error("BuiltinKernels() accepted an unknown mode")
	}
}

func TestSolidKernel(t *testing.T) {
	k, err := SolidKernel(LayoutFloat32x4, TargetBuffer, [4]float32{1, 0.5, 0, 1})
	if err != nil {
		t.Fatalf("SolidKernel() error = %v", err)
	}
	if !strings.Contains(k.Source, "vec4<f32>(1.0, 0.5, 0.0, 1.0)") {
		t.Errorf("source does not contain the color literal:\n%s", k.Source)
	}
	if strings.Contains(k.Source, "SOLID_COLOR") {
		t.Error("placeholder left in source")
	}
	if k.Stage != gpucore.StageGeneration {
		t.Errorf("Stage = %v, want generation", k.Stage)
	}

	nan := float32(math.NaN())
	if _, err := SolidKernel(LayoutFloat32x4, TargetBuffer, [4]float32{nan, 0, 0, 1}); err == nil {
		t.Error("SolidKernel() accepted NaN")
	}
	inf := float32(math.Inf(1))
	if _, err := SolidKernel(LayoutUint8x4, TargetBuffer, [4]float32{0, inf, 0, 1}); err == nil {
		t.Error("SolidKernel() accepted +Inf")
	}
	if _, err := SolidKernel(LayoutFloat32x4, TargetTexture, [4]float32{}); !errors.Is(err, ErrUnsupportedTarget) {
		t.Errorf("SolidKernel() error = %v, want ErrUnsupportedTarget", err)
	}
}

func TestWGSLFloat(t *testing.T) {
	tests := []struct {
		in   float32
		want string
	}{
		{0, "0.0"},
		{1, "1.0"},
		{0.25, "0.25"},
		{-2, "-2.0"},
		{1e-7, "1e-07"},
	}
	for _, tt := range tests {
		if got := wgslFloat(tt.in); got != tt.want {
			t.Errorf("wgslFloat(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestBuiltinKernels_Compile runs the built-in sources through naga.
func TestBuiltinKernels_Compile(t *testing.T) {
	var all []gpucore.Kernel
	for _, mode := range []Mode{ModeSinglePass, ModeMultiStage} {
		for _, layout := range []RecordLayout{LayoutFloat32x4, LayoutUint8x4} {
			kernels, err := BuiltinKernels(mode, layout, TargetBuffer)
			if err != nil {
				t.Fatal(err)
			}
			all = append(all, kernels...)
		}
	}
	solid, err := SolidKernel(LayoutUint8x4, TargetBuffer, [4]float32{0.2, 0.4, 0.6, 1})
	if err != nil {
		t.Fatal(err)
	}
	all = append(all, solid)

	for _, k := range all {
		t.Run(k.Label, func(t *testing.T) {
			words, err := compileWGSL(k.Source)
			if err != nil {
				msg := err.Error()
				if strings.Contains(msg, "not yet implemented") || strings.Contains(msg, "not supported") {
					t.Skipf("Skipping: naga feature not yet implemented: %v", err)
				}
				t.Fatalf("compileWGSL() error = %v", err)
			}
			// SPIR-V magic number.
			if len(words) == 0 || words[0] != 0x07230203 {
				t.Errorf("output does not start with the SPIR-V magic number")
			}
		})
	}
}
