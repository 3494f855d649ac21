package job

import (
	"fmt"
	"io"

	"github.com/edrosten/adafruit-thermal-printer-driver/raster"
)

// CupsSource reads pages from a CUPS raster stream.
type CupsSource struct {
	dec *raster.Decoder
}

// NewCupsSource reads the stream's sync word from r.
func NewCupsSource(r io.Reader) (*CupsSource, error) {
	dec, err := raster.NewDecoder(r)
	if err != nil {
		return nil, err
	}
	return &CupsSource{dec: dec}, nil
}

func (s *CupsSource) NextPage() (Page, error) {
	p, err := s.dec.NextPage()
	if err != nil {
		return nil, err
	}

	h := p.Header
	if h.CUPSNumColors > 1 || h.CUPSBitsPerColor != h.CUPSBitsPerPixel {
		return nil, fmt.Errorf("%w: %d colors at %d bits per pixel",
			ErrUnsupportedFormat, h.CUPSNumColors, h.CUPSBitsPerPixel)
	}
	var invert bool
	switch h.CUPSColorSpace {
	case raster.ColorSpaceGray, raster.ColorSpaceSW:
	case raster.ColorSpaceBlack:
		// 0 is no ink here
		invert = true
	default:
		return nil, fmt.Errorf("%w: color space %d", ErrUnsupportedFormat, h.CUPSColorSpace)
	}

	ph := PageHeader{
		Width:        h.CUPSWidth,
		Height:       h.CUPSHeight,
		BytesPerLine: h.CUPSBytesPerLine,
		BitsPerPixel: h.CUPSBitsPerPixel,
		Copies:       max(h.NumCopies, 1),
	}
	copy(ph.Integers[:], h.CUPSInteger[:])

	return &cupsPage{p: p, header: ph, invert: invert}, nil
}

type cupsPage struct {
	p      *raster.Page
	header PageHeader
	invert bool
}

func (c *cupsPage) Header() PageHeader { return c.header }

func (c *cupsPage) ReadLine(line []byte) error {
	if err := c.p.ReadLine(line); err != nil {
		return err
	}
	if c.invert {
		for i := range line {
			line[i] = ^line[i]
		}
	}
	return nil
}
