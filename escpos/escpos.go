// Package escpos encodes the printer's binary command set. Every function is
// pure: it returns the exact bytes of one or more whole commands and never
// performs I/O.
package escpos

const (
	ESC = 0x1b
	GS  = 0x1d
	DC2 = 0x12
	DLE = 0x10
)

// DotsPerMM is the vertical resolution of the print head (203 dpi).
const DotsPerMM = 8

// MaxFeedLines is the largest feed a single ESC J command can carry.
const MaxFeedLines = 255

// Heating factors, in units of 10us.
const (
	DefaultHeatingTime = 80
	FullWhiteHeating   = 16
	FullBlackHeating   = 16 * 7

	minHeatingTime = 3
	maxHeatingTime = 255
)

// Limits of the basic heating profile below which the hardware misbehaves.
const (
	MinHeatingDots   = 8
	MinHeatingTimeUS = 30
)

// Density ranges accepted by SetDensity after clamping.
const (
	MinDensityPercent = 50
	MaxDensityPercent = 50 + 31*5
	MaxBreakTimeUS    = 7 * 250
)

// IntLowHigh encodes n as b little-endian bytes (1-4). Values that do not
// fit are truncated to the low bytes.
func IntLowHigh(n int, b int) []byte {
	if b < 1 {
		b = 1
	}
	if b > 4 {
		b = 4
	}

	out := make([]byte, b)
	for i := 0; i < b; i++ {
		out[i] = byte(n % 256)
		n = n / 256
	}
	return out
}

// Initialize resets the printer to its power-on state.
func Initialize() []byte {
	return []byte{ESC, 0x40} // ESC @
}

// BytesPerRow is the packed width of a raster row of widthBits dots.
func BytesPerRow(widthBits int) int {
	if widthBits <= 0 {
		return 0
	}
	return (widthBits + 7) / 8
}

// RasterHeader starts a GS v 0 raster block of rows lines, each
// BytesPerRow(widthBits) bytes wide.
func RasterHeader(widthBits, rows int) []byte {
	header := []byte{GS, 0x76, 0x30, 0} // GS v 0 m
	header = append(header, IntLowHigh(BytesPerRow(widthBits), 2)...)
	header = append(header, IntLowHigh(rows, 2)...)
	return header
}

// Feed advances the paper by lines dot rows, splitting into as many ESC J
// commands as needed.
func Feed(lines int) []byte {
	var out []byte
	for ; lines > 0; lines -= MaxFeedLines {
		out = append(out, ESC, 'J', byte(min(MaxFeedLines, lines)))
	}
	return out
}

// FeedMM advances the paper by mm millimetres.
func FeedMM(mm int) []byte {
	return Feed(mm * DotsPerMM)
}

// SetDensity sets print density and break time. Both values must already be
// clamped with ClampDensity and ClampBreakTime so they fit 5 and 3 bits.
func SetDensity(percent, breakTimeUS int) []byte {
	n := byte((breakTimeUS/250)<<5) | byte((percent-MinDensityPercent)/5)&0x1f
	return []byte{DC2, '#', n} // DC2 # n
}

// ClampDensity limits a density percentage to what SetDensity can encode.
func ClampDensity(percent int) int {
	return max(MinDensityPercent, min(MaxDensityPercent, percent))
}

// ClampBreakTime limits a break time to what SetDensity can encode.
func ClampBreakTime(us int) int {
	return max(0, min(MaxBreakTimeUS, us))
}

// SetHeatingTime keeps the default heating dots and interval and changes only
// the heating time.
func SetHeatingTime(factor int) []byte {
	f := byte(max(minHeatingTime, min(maxHeatingTime, factor)))
	return []byte{ESC, '7', 7, f, 2} // ESC 7 n1 n2 n3
}

// SetHeatingTimeBasic sends a full heating profile. It returns nil when dots
// or onUS are below the hardware minimum, leaving the current calibration in
// place.
func SetHeatingTimeBasic(dots, onUS, intervalUS int) []byte {
	if dots < MinHeatingDots || onUS < MinHeatingTimeUS {
		return nil
	}
	return []byte{
		ESC, '7',
		clampByte(dots/8 - 1), // max heating dots, units of 8 dots
		clampByte(onUS / 10),  // heating time, units of 10us
		clampByte(intervalUS / 10),
	}
}

// HorizontalRule prints one fully dark row width dots wide.
func HorizontalRule(width int) []byte {
	n := BytesPerRow(width)
	out := RasterHeader(width, 1)
	for i := 0; i < n; i++ {
		out = append(out, 0xff)
	}
	return out
}

// StatusQuery asks the printer to answer with one status byte once it has
// processed everything before it.
func StatusQuery() []byte {
	return []byte{DLE, 0x04, 0x01} // DLE EOT n
}

// Text encodes s for the printer's text mode. Only printable ASCII and line
// feeds survive so no byte can be taken for a command prefix.
func Text(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\n' || (c >= 0x20 && c < 0x7f) {
			out = append(out, c)
		}
	}
	return out
}

func clampByte(v int) byte {
	return byte(max(0, min(255, v)))
}
