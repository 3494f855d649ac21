package job

import (
	"image"
	"io"

	imgInternal "github.com/edrosten/adafruit-thermal-printer-driver/image"
)

// ImageSource prints each image as one page, all with the same settings.
type ImageSource struct {
	images []image.Image
	conv   imgInternal.Converter
	cfg    PageConfig
}

// NewImageSource scales images wider than maxWidth dots down to fit.
func NewImageSource(images []image.Image, maxWidth int, cfg PageConfig) *ImageSource {
	return &ImageSource{
		images: images,
		conv:   imgInternal.Converter{MaxWidth: maxWidth},
		cfg:    cfg,
	}
}

func (s *ImageSource) NextPage() (Page, error) {
	if len(s.images) == 0 {
		return nil, io.EOF
	}
	img := s.images[0]
	s.images = s.images[1:]

	g := s.conv.ToGray(img)
	return &grayPage{
		g: g,
		header: PageHeader{
			Width:        g.Width,
			Height:       g.Height,
			BytesPerLine: g.Width,
			BitsPerPixel: 8,
			Copies:       1,
			Integers:     s.cfg.Integers(),
		},
	}, nil
}

type grayPage struct {
	g      *imgInternal.Gray
	header PageHeader
	y      int
}

func (p *grayPage) Header() PageHeader { return p.header }

func (p *grayPage) ReadLine(line []byte) error {
	if p.y >= p.g.Height {
		return io.EOF
	}
	copy(line, p.g.Row(p.y))
	p.y++
	return nil
}
