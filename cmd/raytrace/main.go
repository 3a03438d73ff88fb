// Command raytrace renders the built-in sphere scene on the GPU and saves
// it as a PNG, BMP or TIFF image.
//
// Usage:
//
//	raytrace [-config file.toml] [-width 1024] [-height 1024]
//	         [-mode single-pass|multi-stage] [-layout float32x4|uint8x4]
//	         [-target buffer|texture] [-o raytrace.png] [-v]
//
// Flags set on the command line override values from the config file.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/raytrace"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "raytrace: %v\n", err)
		os.Exit(1)
	}
}

// parseConfig builds the configuration from defaults, the optional config
// file and the flags, in increasing priority.
func parseConfig(args []string, stderr io.Writer) (Config, error) {
	fs := flag.NewFlagSet("raytrace", flag.ContinueOnError)
	fs.SetOutput(stderr)

	flags := DefaultConfig()
	configPath := fs.String("config", "", "TOML config file")
	fs.IntVar(&flags.Width, "width", flags.Width, "image width")
	fs.IntVar(&flags.Height, "height", flags.Height, "image height")
	fs.StringVar(&flags.Mode, "mode", flags.Mode, "tracing mode: single-pass or multi-stage")
	fs.StringVar(&flags.Layout, "layout", flags.Layout, "record layout: float32x4 or uint8x4")
	fs.StringVar(&flags.Target, "target", flags.Target, "output target: buffer or texture")
	fs.StringVar(&flags.Output, "o", flags.Output, "output file (.png, .bmp, .tif)")
	fs.StringVar(&flags.PollInterval, "poll", flags.PollInterval, "device wait interval before a slow-wait warning")
	fs.BoolVar(&flags.Verbose, "v", flags.Verbose, "debug logging")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		if err := LoadConfig(*configPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "width":
			cfg.Width = flags.Width
		case "height":
			cfg.Height = flags.Height
		case "mode":
			cfg.Mode = flags.Mode
		case "layout":
			cfg.Layout = flags.Layout
		case "target":
			cfg.Target = flags.Target
		case "o":
			cfg.Output = flags.Output
		case "poll":
			cfg.PollInterval = flags.PollInterval
		case "v":
			cfg.Verbose = flags.Verbose
		}
	})
	return cfg, nil
}

func run(args []string, stderr io.Writer) error {
	cfg, err := parseConfig(args, stderr)
	if err != nil {
		return err
	}
	opts, err := cfg.Options()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	raytrace.SetLogger(logger)
	defer raytrace.SetLogger(nil)

	r, err := raytrace.New(opts...)
	if err != nil {
		return err
	}
	defer r.Close()

	start := time.Now()
	pm, err := r.RenderPixmap(cfg.Width, cfg.Height)
	if err != nil {
		return err
	}
	logger.Info("rendered", "width", cfg.Width, "height", cfg.Height,
		"mode", r.Mode(), "adapter", r.Adapter(), "elapsed", time.Since(start))

	if err := saveImage(cfg.Output, pm); err != nil {
		return fmt.Errorf("save %s: %w", cfg.Output, err)
	}
	logger.Info("saved", "path", cfg.Output)
	return nil
}
