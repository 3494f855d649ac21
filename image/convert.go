package image

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
	"go.uber.org/zap"

	logInternal "github.com/edrosten/adafruit-thermal-printer-driver/log"
)

// Converter turns arbitrary images into 8-bit grayscale scanlines the
// Ditherer can consume.
type Converter struct {
	// The maximum line width of the printer, in dots
	MaxWidth int
}

// Gray is an 8-bit grayscale bitmap, 0 black and 255 paper white.
type Gray struct {
	Width, Height int
	Pix           []byte
}

// Row returns scanline y.
func (g *Gray) Row(y int) []byte {
	return g.Pix[y*g.Width : (y+1)*g.Width]
}

// ToGray scales img down to MaxWidth when it is wider and converts it to
// grayscale. Transparent pixels are composited over white paper.
func (c *Converter) ToGray(img image.Image) *Gray {
	sz := img.Bounds().Size()
	if c.MaxWidth > 0 && sz.X > c.MaxWidth {
		logInternal.Debug("scaling image to head width",
			zap.Int("width", sz.X), zap.Int("height", sz.Y), zap.Int("max_width", c.MaxWidth))
		img = resize.Resize(uint(c.MaxWidth), 0, img, resize.Lanczos3)
		sz = img.Bounds().Size()
	}

	origin := img.Bounds().Min
	g := &Gray{Width: sz.X, Height: sz.Y, Pix: make([]byte, sz.X*sz.Y)}
	for y := 0; y < sz.Y; y++ {
		row := g.Row(y)
		for x := 0; x < sz.X; x++ {
			row[x] = byte(lightness(img.At(origin.X+x, origin.Y+y))*255 + 0.5)
		}
	}
	return g
}

const lumR, lumG, lumB = 55, 182, 18

func lightness(c color.Color) float64 {
	r, g, b, a := c.RGBA()

	// premultiplied; fill the uncovered part with white
	bg := 0xffff - a
	r, g, b = r+bg, g+bg, b+bg

	return float64(lumR*r+lumG*g+lumB*b) / float64(0xffff*(lumR+lumG+lumB))
}
