package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/gogpu/raytrace"
)

// Config is the render configuration. It is read from an optional TOML file
// and overridden by explicitly set flags.
//
//	width = 1920
//	height = 1080
//	mode = "multi-stage"
//	layout = "uint8x4"
//	target = "texture"
//	output = "frame.tiff"
//	poll_interval = "250ms"
type Config struct {
	Width        int    `toml:"width"`
	Height       int    `toml:"height"`
	Mode         string `toml:"mode"`
	Layout       string `toml:"layout"`
	Target       string `toml:"target"`
	Output       string `toml:"output"`
	PollInterval string `toml:"poll_interval"`
	Verbose      bool   `toml:"verbose"`
}

// DefaultConfig renders a 1024x1024 single-pass image to raytrace.png.
func DefaultConfig() Config {
	return Config{
		Width:  1024,
		Height: 1024,
		Mode:   raytrace.ModeSinglePass.String(),
		Layout: raytrace.LayoutFloat32x4.String(),
		Target: raytrace.TargetBuffer.String(),
		Output: "raytrace.png",
	}
}

// LoadConfig decodes the TOML file at path over cfg. Unknown keys are an
// error.
func LoadConfig(path string, cfg *Config) error {
	f, err := os.Open(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return err
	}
	defer f.Close()

	err = toml.NewDecoder(f).DisallowUnknownFields().Decode(cfg)
	var strict *toml.StrictMissingError
	if errors.As(err, &strict) {
		return fmt.Errorf("config %s: %s", path, strict.String())
	}
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// Options validates the configuration and converts it to renderer options.
func (c Config) Options() ([]raytrace.Option, error) {
	if c.Width <= 0 || c.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", raytrace.ErrInvalidResolution, c.Width, c.Height)
	}
	if _, err := imageFormat(c.Output); err != nil {
		return nil, err
	}
	mode, err := raytrace.ParseTracingMode(c.Mode)
	if err != nil {
		return nil, err
	}
	layout, err := raytrace.ParseRecordLayout(c.Layout)
	if err != nil {
		return nil, err
	}
	target, err := raytrace.ParseOutputTarget(c.Target)
	if err != nil {
		return nil, err
	}
	if target == raytrace.TargetTexture && layout != raytrace.LayoutUint8x4 {
		return nil, fmt.Errorf("%w: texture output requires layout %s",
			raytrace.ErrUnsupportedTarget, raytrace.LayoutUint8x4)
	}

	opts := []raytrace.Option{
		raytrace.WithMode(mode),
		raytrace.WithLayout(layout),
		raytrace.WithTarget(target),
	}
	if c.PollInterval != "" {
		d, err := time.ParseDuration(c.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("poll_interval: %w", err)
		}
		opts = append(opts, raytrace.WithPollInterval(d))
	}
	return opts, nil
}
