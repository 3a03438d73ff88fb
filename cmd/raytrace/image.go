package main

import (
	"bufio"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// format is an output image encoding.
type format int

const (
	formatPNG format = iota
	formatBMP
	formatTIFF
)

// imageFormat picks the encoding from the file extension.
func imageFormat(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return formatPNG, nil
	case ".bmp":
		return formatBMP, nil
	case ".tif", ".tiff":
		return formatTIFF, nil
	default:
		return 0, fmt.Errorf("output %q: extension must be .png, .bmp, .tif or .tiff", path)
	}
}

func writeImage(w io.Writer, img image.Image, f format) error {
	switch f {
	case formatPNG:
		return png.Encode(w, img)
	case formatBMP:
		return bmp.Encode(w, img)
	case formatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unknown image format %d", int(f))
	}
}

// saveImage writes img to path in the format its extension names.
func saveImage(path string, img image.Image) error {
	f, err := imageFormat(path)
	if err != nil {
		return err
	}
	file, err := os.Create(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(file)
	if err := writeImage(bw, img, f); err != nil {
		_ = file.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
