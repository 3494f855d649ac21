package image

import "math"

// Profile selects how scanlines are quantized.
type Profile struct {
	// Gamma decodes samples with (x/255)^(1/2.2) before quantizing.
	Gamma bool

	// AdaptiveFloor lets Floor report the darkest level reachable in a row
	// instead of 0.
	AdaptiveFloor bool

	// Divisor normalizes the diffusion weights.
	Divisor float64

	// Cut is where, between the floor and paper white, a pixel stops being
	// ink; pixels at or below it are inked. Zero means halfway.
	Cut float64
}

var (
	// BasicProfile inks linear samples up to and including 128.
	BasicProfile = Profile{Divisor: 42, Cut: 128.0 / 255}

	// EnhancedProfile gamma-decodes samples and quantizes between a per-row
	// floor and paper white. All error is diffused.
	EnhancedProfile = Profile{Gamma: true, AdaptiveFloor: true, Divisor: KernelWeight(), Cut: 0.5}
)

const (
	// floorHeadroom keeps black areas from bleeding when the row cannot go
	// any darker.
	floorHeadroom = 0.99
	maxFloor      = floorHeadroom
)

var linearTable, gammaTable [256]float64

func init() {
	for i := range linearTable {
		linearTable[i] = float64(i) / 255
		gammaTable[i] = math.Pow(float64(i)/255, 1/2.2)
	}
	gammaTable[0], gammaTable[255] = 0, 1
}

// Ditherer turns 8-bit grayscale scanlines into packed 1-bit rows using
// error diffusion. It is stateful across the rows of one page.
type Ditherer struct {
	profile  Profile
	transfer *[256]float64
	window   *ErrorWindow
}

// NewDitherer returns a Ditherer for scanlines of width samples.
func NewDitherer(width int, p Profile) *Ditherer {
	if p.Divisor <= 0 {
		p.Divisor = BasicProfile.Divisor
	}
	d := &Ditherer{
		profile:  p,
		transfer: &linearTable,
		window:   NewErrorWindow(width),
	}
	if p.Gamma {
		d.transfer = &gammaTable
	}
	return d
}

// Profile reports the quantization profile in use.
func (d *Ditherer) Profile() Profile {
	return d.profile
}

// Window exposes the error accumulators.
func (d *Ditherer) Window() *ErrorWindow {
	return d.window
}

// Transfer maps a raw sample to the 0..1 range the quantizer works in.
func (d *Ditherer) Transfer(s byte) float64 {
	return d.transfer[s]
}

// Floor estimates the darkest level reachable in samples once pending error
// is applied. It is 0 unless the profile has an adaptive floor.
func (d *Ditherer) Floor(samples []byte) float64 {
	if !d.profile.AdaptiveFloor {
		return 0
	}
	errs := d.window.Row(0)
	low := 1.0
	for i, s := range samples {
		v := d.transfer[s]
		if i < len(errs) {
			v += errs[i]
		}
		if !math.IsNaN(v) {
			low = math.Min(low, v)
		}
	}
	return clampFloor(low * floorHeadroom)
}

// Row dithers one scanline against floor and returns it packed MSB first,
// one bit per sample, 1 meaning ink. The error window rotates afterwards.
func (d *Ditherer) Row(samples []byte, floor float64) []byte {
	floor = clampFloor(floor)
	cut := d.profile.Cut
	if cut <= 0 || cut >= 1 {
		cut = 0.5
	}
	threshold := floor + (1-floor)*cut

	out := make([]byte, (len(samples)+7)/8)
	errs := d.window.Row(0)
	width := d.window.Width()

	for i, s := range samples {
		base := d.transfer[s]
		pixel := base
		if i < width {
			pixel += errs[i]
		}
		if math.IsNaN(pixel) || math.IsInf(pixel, 0) {
			pixel = base
		}

		actual := 1.0
		if pixel <= threshold {
			actual = floor
			out[i/8] |= 0x80 >> uint(i%8)
		}

		if i < width {
			d.window.diffuse(i, pixel-actual, d.profile.Divisor)
		}
	}

	d.window.Rotate()
	return out
}

func clampFloor(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return math.Min(v, maxFloor)
}
