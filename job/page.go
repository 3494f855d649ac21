// Package job runs print jobs: it reads pages of grayscale scanlines,
// crops blank margins, dithers and encodes each row, and keeps the printer's
// buffer from overflowing.
package job

import (
	"errors"
	"fmt"

	"github.com/edrosten/adafruit-thermal-printer-driver/escpos"
)

// ErrUnsupportedFormat is returned for pages that are not 8-bit grayscale.
var ErrUnsupportedFormat = errors.New("job: unsupported page format")

// PageHeader describes one page of input.
type PageHeader struct {
	Width        int
	Height       int
	BytesPerLine int
	BitsPerPixel int
	Copies       int

	// Integers are the vendor integers of the page, see PageConfigFromIntegers.
	Integers [10]int
}

// Page hands out the scanlines of one page. ReadLine returns io.EOF when the
// input ends before Height lines.
type Page interface {
	Header() PageHeader
	ReadLine(line []byte) error
}

// PageSource yields pages until it returns io.EOF.
type PageSource interface {
	NextPage() (Page, error)
}

// PageConfig is the per page behaviour chosen in the print dialog.
type PageConfig struct {
	FeedBetweenPagesMM  int
	MarkPageBoundary    bool
	EjectAfterPrintMM   int
	AutoCrop            bool
	EnhanceResolution   bool
	HeatingDots         int
	HeatingTimeUS       int
	HeatingIntervalUS   int
	PrintDensityPercent int
	PrintBreakTimeUS    int
}

// PageConfigFromIntegers maps the vendor integers by position.
func PageConfigFromIntegers(v [10]int) PageConfig {
	return PageConfig{
		FeedBetweenPagesMM:  max(v[0], 0),
		MarkPageBoundary:    v[1] != 0,
		EjectAfterPrintMM:   max(v[2], 0),
		AutoCrop:            v[3] != 0,
		EnhanceResolution:   v[4] != 0,
		HeatingDots:         v[5],
		HeatingTimeUS:       v[6],
		HeatingIntervalUS:   v[7],
		PrintDensityPercent: v[8],
		PrintBreakTimeUS:    v[9],
	}
}

// Integers is the inverse of PageConfigFromIntegers.
func (c PageConfig) Integers() [10]int {
	return [10]int{
		c.FeedBetweenPagesMM,
		boolInt(c.MarkPageBoundary),
		c.EjectAfterPrintMM,
		boolInt(c.AutoCrop),
		boolInt(c.EnhanceResolution),
		c.HeatingDots,
		c.HeatingTimeUS,
		c.HeatingIntervalUS,
		c.PrintDensityPercent,
		c.PrintBreakTimeUS,
	}
}

// hasHeatingProfile reports whether the page carries a heating profile the
// printer accepts.
func (c PageConfig) hasHeatingProfile() bool {
	return c.HeatingDots >= escpos.MinHeatingDots && c.HeatingTimeUS >= escpos.MinHeatingTimeUS
}

func (c PageConfig) hasDensity() bool {
	return c.PrintDensityPercent != 0 || c.PrintBreakTimeUS != 0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkHeader(h PageHeader) error {
	if h.BitsPerPixel != 8 {
		return fmt.Errorf("%w: %d bits per pixel, need 8", ErrUnsupportedFormat, h.BitsPerPixel)
	}
	if h.BytesPerLine <= 0 || h.Width <= 0 {
		return fmt.Errorf("%w: %dx%d with %d bytes per line",
			ErrUnsupportedFormat, h.Width, h.Height, h.BytesPerLine)
	}
	return nil
}
