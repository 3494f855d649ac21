package image

import (
	"bytes"
	"math"
	"testing"
)

func sum(w *ErrorWindow) float64 {
	var s float64
	for r := 0; r < len(kernel); r++ {
		for _, v := range w.Row(r) {
			s += v
		}
	}
	return s
}

func TestKernelWeight(t *testing.T) {
	if got := KernelWeight(); got != 48 {
		t.Fatalf("KernelWeight() = %v, want 48", got)
	}
	if EnhancedProfile.Divisor != KernelWeight() {
		t.Fatalf("enhanced divisor = %v, want the full kernel weight", EnhancedProfile.Divisor)
	}
	if d := NewDitherer(4, EnhancedProfile); d.Profile() != EnhancedProfile {
		t.Fatalf("Profile() = %+v", d.Profile())
	}
}

func TestDiffuse(t *testing.T) {
	tests := []struct {
		name    string
		col     int
		divisor float64
		want    float64
	}{
		{"interior enhanced", 4, 48, 1},
		{"interior basic", 4, 42, 48.0 / 42},
		{"left edge", 0, 48, 36.0 / 48},
		{"right edge", 8, 48, 24.0 / 48},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewErrorWindow(9)
			w.diffuse(tt.col, 1, tt.divisor)
			if got := sum(w); math.Abs(got-tt.want) > 1e-12 {
				t.Fatalf("diffused total = %v, want %v", got, tt.want)
			}
			if w.Row(0)[tt.col] != 0 {
				t.Fatalf("error leaked into the pixel itself")
			}
		})
	}
}

func TestErrorWindow_Rotate(t *testing.T) {
	w := NewErrorWindow(3)
	w.Row(1)[0] = 1
	w.Row(2)[1] = 2
	w.Rotate()
	if w.Row(0)[0] != 1 || w.Row(1)[1] != 2 {
		t.Fatalf("rows did not move up: %v %v", w.Row(0), w.Row(1))
	}
	if sum(w) != 3 || w.Row(2)[0] != 0 || w.Row(2)[1] != 0 {
		t.Fatalf("last row not cleared: %v", w.Row(2))
	}
	w.Reset()
	if sum(w) != 0 {
		t.Fatalf("Reset left error behind")
	}
}

func TestTransfer(t *testing.T) {
	basic := NewDitherer(1, BasicProfile)
	enhanced := NewDitherer(1, EnhancedProfile)

	if enhanced.Transfer(0) != 0 || enhanced.Transfer(255) != 1 {
		t.Fatalf("gamma endpoints = %v, %v", enhanced.Transfer(0), enhanced.Transfer(255))
	}
	if got := basic.Transfer(51); got != 0.2 {
		t.Fatalf("linear Transfer(51) = %v", got)
	}
	if enhanced.Transfer(64) <= basic.Transfer(64) {
		t.Fatalf("gamma should lift dark samples")
	}
	for i := 1; i < 256; i++ {
		if enhanced.Transfer(byte(i)) < enhanced.Transfer(byte(i-1)) {
			t.Fatalf("gamma table not monotonic at %d", i)
		}
	}
}

func TestRow_Packing(t *testing.T) {
	d := NewDitherer(10, BasicProfile)
	black := make([]byte, 10)
	if got := d.Row(black, 0); !bytes.Equal(got, []byte{0xff, 0xc0}) {
		t.Fatalf("black row = % x", got)
	}
	if sum(d.Window()) != 0 {
		t.Fatalf("exact black should leave no error")
	}

	white := bytes.Repeat([]byte{0xff}, 10)
	if got := d.Row(white, 0); !bytes.Equal(got, []byte{0, 0}) {
		t.Fatalf("white row = % x", got)
	}
	if sum(d.Window()) != 0 {
		t.Fatalf("exact white should leave no error")
	}

	if got := d.Row(nil, 0); len(got) != 0 {
		t.Fatalf("empty row = % x", got)
	}
}

func TestRow_Density(t *testing.T) {
	tests := []struct {
		name   string
		sample byte
	}{
		{"quarter", 64},
		{"half", 128},
		{"three quarters", 192},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const size = 96
			d := NewDitherer(size, BasicProfile)
			line := bytes.Repeat([]byte{tt.sample}, size)
			ink := 0
			for y := 0; y < size; y++ {
				for _, b := range d.Row(line, 0) {
					for ; b != 0; b &= b - 1 {
						ink++
					}
				}
			}
			got := float64(ink) / (size * size)
			want := 1 - float64(tt.sample)/255
			if math.Abs(got-want) > 0.05 {
				t.Fatalf("ink coverage = %.3f, want about %.3f", got, want)
			}
		})
	}
}

func TestRow_PlainCut(t *testing.T) {
	tests := []struct {
		sample byte
		want   byte
	}{
		{127, 0x80},
		{128, 0x80},
		{129, 0x00},
	}
	for _, tt := range tests {
		d := NewDitherer(1, BasicProfile)
		if got := d.Row([]byte{tt.sample}, 0); got[0] != tt.want {
			t.Fatalf("sample %d: Row() = % x, want %#x", tt.sample, got, tt.want)
		}
	}
}

func TestRow_NaNError(t *testing.T) {
	d := NewDitherer(2, BasicProfile)
	d.Window().Row(0)[0] = math.NaN()
	d.Window().Row(0)[1] = math.Inf(-1)
	if got := d.Row([]byte{0xff, 0xff}, 0); got[0] != 0 {
		t.Fatalf("poisoned error should fall back to the sample, got % x", got)
	}
}

func TestFloor(t *testing.T) {
	basic := NewDitherer(4, BasicProfile)
	if f := basic.Floor([]byte{200, 200, 200, 200}); f != 0 {
		t.Fatalf("basic Floor() = %v, want 0", f)
	}

	enhanced := NewDitherer(4, EnhancedProfile)
	tests := []struct {
		name    string
		samples []byte
		want    float64
	}{
		{"white", []byte{255, 255, 255, 255}, 0.99},
		{"black pixel", []byte{255, 0, 255, 255}, 0},
		{"gray", []byte{255, 255, 128, 255}, gammaTable[128] * 0.99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if f := enhanced.Floor(tt.samples); math.Abs(f-tt.want) > 1e-12 {
				t.Fatalf("Floor() = %v, want %v", f, tt.want)
			}
		})
	}

	enhanced.Window().Row(0)[1] = -0.5
	if f := enhanced.Floor([]byte{255, 255, 255, 255}); math.Abs(f-0.495) > 1e-12 {
		t.Fatalf("Floor() with pending error = %v, want 0.495", f)
	}
}

func TestRow_FloorThreshold(t *testing.T) {
	// with a floor of 0.6 the threshold is 0.8, so a sample just under it inks
	d := NewDitherer(2, BasicProfile)
	got := d.Row([]byte{203, 205}, 0.6)
	if got[0] != 0x80 {
		t.Fatalf("Row() = % x, want 80", got)
	}
}
