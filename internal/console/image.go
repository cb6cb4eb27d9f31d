// Package console implements display backends that consume ramfb surfaces.
package console

import (
	"image"
	"image/color"

	"github.com/tinyrange/ramfb/internal/devices/ramfb"
)

// SurfaceImage presents a surface as an image.Image. Pixels are decoded on
// access, so the image always reflects the current guest memory.
type SurfaceImage struct {
	s   *ramfb.Surface
	bpp int
}

// NewSurfaceImage wraps s. The image must not be used after s is released.
func NewSurfaceImage(s *ramfb.Surface) *SurfaceImage {
	return &SurfaceImage{s: s, bpp: s.Format().BytesPerPixel()}
}

// ColorModel implements image.Image.
func (img *SurfaceImage) ColorModel() color.Model {
	return color.NRGBAModel
}

// Bounds implements image.Image.
func (img *SurfaceImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, img.s.Width(), img.s.Height())
}

// At implements image.Image.
func (img *SurfaceImage) At(x, y int) color.Color {
	return img.NRGBAAt(x, y)
}

// NRGBAAt decodes the pixel at (x, y). Out of range coordinates and
// released surfaces read as transparent black.
func (img *SurfaceImage) NRGBAAt(x, y int) color.NRGBA {
	if x < 0 || x >= img.s.Width() {
		return color.NRGBA{}
	}
	row := img.s.Row(y)
	if row == nil {
		return color.NRGBA{}
	}

	px := row[x*img.bpp : (x+1)*img.bpp]
	var v uint32
	for i := len(px) - 1; i >= 0; i-- {
		v = v<<8 | uint32(px[i])
	}

	f := img.s.Format()
	c := color.NRGBA{
		R: channel(v, f.R),
		G: channel(v, f.G),
		B: channel(v, f.B),
		A: 0xff,
	}
	if f.HasAlpha() {
		c.A = channel(v, f.A)
	}
	return c
}

// channel extracts a component and scales it to 8 bits.
func channel(v uint32, ch ramfb.Channel) uint8 {
	if ch.Bits == 0 {
		return 0
	}
	limit := uint32(1)<<ch.Bits - 1
	raw := (v >> ch.Shift) & limit
	return uint8((raw*0xff + limit/2) / limit)
}

var _ image.Image = (*SurfaceImage)(nil)
