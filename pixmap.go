package raytrace

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"github.com/chewxy/math32"

	"github.com/gogpu/raytrace/internal/parallel"
)

// parallelDecodeMin is the pixel count from which float records are
// converted in row bands on a worker pool.
const parallelDecodeMin = 256 * 256

// Pixmap is a decoded render: width*height non-premultiplied RGBA pixels,
// 4 bytes per pixel, row-major.
type Pixmap struct {
	width  int
	height int
	data   []uint8
}

// Decode interprets readback bytes as width*height records of the given
// layout and converts them to 8-bit RGBA.
//
// Float channels are scaled by 255, rounded half up and clamped to
// [0, 255]; NaN decodes to 0. The length of data must be exactly
// width*height*layout.RecordSize(), otherwise Decode returns
// ErrInvalidReadback.
func Decode(data []byte, width, height int, layout RecordLayout) (*Pixmap, error) {
	return decode(nil, data, width, height, layout)
}

// decode is Decode with float conversion spread over pool when it is
// non-nil and the image is large.
func decode(pool *parallel.WorkerPool, data []byte, width, height int, layout RecordLayout) (*Pixmap, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidResolution, width, height)
	}
	record := layout.RecordSize()
	if record == 0 {
		return nil, fmt.Errorf("%w: unknown record layout %d", ErrInvalidReadback, int(layout))
	}
	pixels := width * height
	if pixels/height != width || len(data)/record != pixels || len(data)%record != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d %s records",
			ErrInvalidReadback, len(data), width, height, layout)
	}

	pm := &Pixmap{width: width, height: height, data: make([]uint8, pixels*4)}
	switch layout {
	case LayoutUint8x4:
		copy(pm.data, data)
	case LayoutFloat32x4:
		if pool == nil || pixels < parallelDecodeMin {
			decodeFloat32(pm.data, data)
			break
		}
		rowBytes := width * 4
		var work []func()
		for _, rows := range parallel.Split(height, pool.Workers()*2) {
			lo, hi := rows[0]*rowBytes, rows[1]*rowBytes
			work = append(work, func() {
				decodeFloat32(pm.data[lo:hi], data[lo*4:hi*4])
			})
		}
		pool.ExecuteAll(work)
	}
	return pm, nil
}

// decodeFloat32 converts len(dst) float32 channels from src.
func decodeFloat32(dst []uint8, src []byte) {
	for i := range dst {
		bits := binary.LittleEndian.Uint32(src[i*4:])
		dst[i] = unitToByte(math.Float32frombits(bits))
	}
}

// unitToByte maps a [0, 1] channel value to [0, 255].
func unitToByte(v float32) uint8 {
	if math32.IsNaN(v) {
		return 0
	}
	return uint8(math32.Max(0, math32.Min(255, math32.Floor(v*255+0.5))))
}

// Width returns the width of the pixmap.
func (p *Pixmap) Width() int {
	return p.width
}

// Height returns the height of the pixmap.
func (p *Pixmap) Height() int {
	return p.height
}

// Data returns the raw pixel data (RGBA format).
func (p *Pixmap) Data() []uint8 {
	return p.data
}

// Pixel returns the color of a single pixel. Out-of-range coordinates
// return transparent black.
func (p *Pixmap) Pixel(x, y int) color.NRGBA {
	if x < 0 || x >= p.width || y < 0 || y >= p.height {
		return color.NRGBA{}
	}
	i := (y*p.width + x) * 4
	return color.NRGBA{R: p.data[i], G: p.data[i+1], B: p.data[i+2], A: p.data[i+3]}
}

// ToImage converts the pixmap to an image.NRGBA.
func (p *Pixmap) ToImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, p.width, p.height))
	copy(img.Pix, p.data)
	return img
}

// SavePNG saves the pixmap to a PNG file.
func (p *Pixmap) SavePNG(path string) error {
	f, err := os.Create(path) //nolint:gosec // path is user-provided intentionally
	if err != nil {
		return err
	}
	if err := png.Encode(f, p.ToImage()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// At implements the image.Image interface.
func (p *Pixmap) At(x, y int) color.Color {
	return p.Pixel(x, y)
}

// Bounds implements the image.Image interface.
func (p *Pixmap) Bounds() image.Rectangle {
	return image.Rect(0, 0, p.width, p.height)
}

// ColorModel implements the image.Image interface.
func (p *Pixmap) ColorModel() color.Model {
	return color.NRGBAModel
}
