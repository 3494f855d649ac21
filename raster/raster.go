// Package raster decodes the CUPS raster stream (v1, v2 and v3, either byte
// order) that the spooler hands to printer filters.
package raster

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of a page header following the stream's sync word.
const HeaderSize = 1796

const (
	syncV1 = "RaSt"
	syncV2 = "RaS2"
	syncV3 = "RaS3"
)

var (
	ErrBadSync   = errors.New("raster: not a CUPS raster stream")
	ErrBadHeader = errors.New("raster: invalid page header")
)

// ColorOrder is the layout of color components in a line.
type ColorOrder int

const (
	Chunky ColorOrder = iota
	Banded
	Planar
)

// ColorSpace values this package cares about; the header carries many more.
const (
	ColorSpaceGray  = 0
	ColorSpaceBlack = 3
	ColorSpaceSW    = 18
)

// Header is the subset of cups_page_header2_t a filter needs.
type Header struct {
	MediaClass string
	MediaType  string

	HWResolution [2]int
	NumCopies    int
	PageSize     [2]int

	CUPSWidth        int
	CUPSHeight       int
	CUPSBitsPerColor int
	CUPSBitsPerPixel int
	CUPSBytesPerLine int
	CUPSColorOrder   ColorOrder
	CUPSColorSpace   int
	CUPSCompression  int
	CUPSNumColors    int

	// CUPSInteger holds the vendor integers set by the PPD.
	CUPSInteger [16]int

	CUPSPageSizeName string
}

// header offsets within the 1796 byte page header
const (
	offMediaClass   = 0
	offMediaType    = 128
	offHWResolution = 276
	offNumCopies    = 340
	offPageSize     = 352
	offWidth        = 372
	offHeight       = 376
	offBitsPerColor = 384
	offBitsPerPixel = 388
	offBytesPerLine = 392
	offColorOrder   = 396
	offColorSpace   = 400
	offCompression  = 404
	offNumColors    = 420
	offInteger      = 452
	offPageSizeName = 1732
)

func parseHeader(buf []byte, order binary.ByteOrder) (Header, error) {
	u := func(off int) int { return int(order.Uint32(buf[off:])) }

	h := Header{
		MediaClass:       cString(buf[offMediaClass : offMediaClass+64]),
		MediaType:        cString(buf[offMediaType : offMediaType+64]),
		HWResolution:     [2]int{u(offHWResolution), u(offHWResolution + 4)},
		NumCopies:        u(offNumCopies),
		PageSize:         [2]int{u(offPageSize), u(offPageSize + 4)},
		CUPSWidth:        u(offWidth),
		CUPSHeight:       u(offHeight),
		CUPSBitsPerColor: u(offBitsPerColor),
		CUPSBitsPerPixel: u(offBitsPerPixel),
		CUPSBytesPerLine: u(offBytesPerLine),
		CUPSColorOrder:   ColorOrder(u(offColorOrder)),
		CUPSColorSpace:   u(offColorSpace),
		CUPSCompression:  u(offCompression),
		CUPSNumColors:    u(offNumColors),
		CUPSPageSizeName: cString(buf[offPageSizeName : offPageSizeName+64]),
	}
	for i := range h.CUPSInteger {
		h.CUPSInteger[i] = int(int32(order.Uint32(buf[offInteger+4*i:])))
	}

	if h.CUPSBitsPerPixel == 0 || h.CUPSBytesPerLine == 0 {
		return h, fmt.Errorf("%w: %d bits per pixel, %d bytes per line",
			ErrBadHeader, h.CUPSBitsPerPixel, h.CUPSBytesPerLine)
	}
	if h.CUPSBytesPerLine > 1<<20 {
		return h, fmt.Errorf("%w: %d bytes per line", ErrBadHeader, h.CUPSBytesPerLine)
	}
	return h, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Decoder reads pages from a raster stream.
type Decoder struct {
	r          io.Reader
	order      binary.ByteOrder
	compressed bool
	page       *Page
}

// NewDecoder reads the sync word and prepares to decode pages.
func NewDecoder(r io.Reader) (*Decoder, error) {
	var sync [4]byte
	if _, err := io.ReadFull(r, sync[:]); err != nil {
		return nil, fmt.Errorf("raster: reading sync word: %w", err)
	}

	d := &Decoder{r: r}
	s := string(sync[:])
	switch {
	case s == syncV1 || s == syncV2 || s == syncV3:
		d.order = binary.BigEndian
	case reverse(s) == syncV1 || reverse(s) == syncV2 || reverse(s) == syncV3:
		d.order = binary.LittleEndian
		s = reverse(s)
	default:
		return nil, fmt.Errorf("%w: sync %q", ErrBadSync, sync[:])
	}
	d.compressed = s == syncV2
	return d, nil
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// NextPage skips whatever is left of the current page and reads the next
// header. It returns io.EOF when the stream has no more pages.
func (d *Decoder) NextPage() (*Page, error) {
	if d.page != nil {
		if err := d.page.skip(); err != nil {
			return nil, err
		}
		d.page = nil
	}

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("raster: reading page header: %w", err)
	}
	h, err := parseHeader(buf, d.order)
	if err != nil {
		return nil, err
	}

	d.page = &Page{
		Header: h,
		d:      d,
		line:   make([]byte, h.CUPSBytesPerLine),
	}
	return d.page, nil
}

// Page is one page of the stream. Lines must be read in order.
type Page struct {
	Header Header

	d      *Decoder
	read   int
	repeat int
	line   []byte
}

// LineSize is the number of bytes in one line.
func (p *Page) LineSize() int {
	return p.Header.CUPSBytesPerLine
}

// ReadLine fills b with the next line. It returns io.EOF once all lines of
// the page are read, or when the stream ends at a line boundary, and
// io.ErrUnexpectedEOF when it ends inside a line.
func (p *Page) ReadLine(b []byte) error {
	if p.read >= p.Header.CUPSHeight {
		return io.EOF
	}
	if len(b) < p.LineSize() {
		return fmt.Errorf("raster: line buffer of %d bytes, need %d", len(b), p.LineSize())
	}

	var err error
	if p.d.compressed {
		err = p.readCompressed()
	} else {
		_, err = io.ReadFull(p.d.r, p.line)
	}
	if err != nil {
		// later lines cannot be trusted once the stream is short
		p.read = p.Header.CUPSHeight
		return err
	}

	copy(b, p.line)
	p.read++
	return nil
}

// readCompressed decodes one line of the v2 run length encoding: a line
// repeat count, then runs of pixels. A control byte below 128 repeats the
// next pixel n+1 times; otherwise 257-n literal pixels follow.
func (p *Page) readCompressed() error {
	if p.repeat > 0 {
		p.repeat--
		return nil
	}

	var ctl [1]byte
	if _, err := io.ReadFull(p.d.r, ctl[:]); err != nil {
		return err
	}
	p.repeat = int(ctl[0])

	bpp := p.bytesPerPixel()
	pixel := make([]byte, bpp)
	for pos := 0; pos < len(p.line); {
		if _, err := io.ReadFull(p.d.r, ctl[:]); err != nil {
			return unexpected(err)
		}

		if ctl[0] < 128 {
			if _, err := io.ReadFull(p.d.r, pixel); err != nil {
				return unexpected(err)
			}
			for n := int(ctl[0]) + 1; n > 0 && pos < len(p.line); n-- {
				pos += copy(p.line[pos:], pixel)
			}
			continue
		}

		n := min((257-int(ctl[0]))*bpp, len(p.line)-pos)
		if _, err := io.ReadFull(p.d.r, p.line[pos:pos+n]); err != nil {
			return unexpected(err)
		}
		pos += n
	}
	return nil
}

func (p *Page) bytesPerPixel() int {
	bits := p.Header.CUPSBitsPerPixel
	if p.Header.CUPSColorOrder != Chunky {
		bits = p.Header.CUPSBitsPerColor
	}
	return max(1, (bits+7)/8)
}

func (p *Page) skip() error {
	for p.read < p.Header.CUPSHeight {
		if err := p.ReadLine(p.line); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
