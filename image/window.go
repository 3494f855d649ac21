package image

// kernel holds the Jarvis, Judice and Ninke diffusion weights. Rows are the
// current scanline and the two below it; column 2 is the pixel itself.
var kernel = [3][5]float64{
	{0, 0, 0, 7, 5},
	{3, 5, 7, 5, 3},
	{1, 3, 5, 3, 1},
}

const kernelCenter = 2

// KernelWeight is the sum of all diffusion weights.
func KernelWeight() float64 {
	var sum float64
	for _, row := range kernel {
		for _, w := range row {
			sum += w
		}
	}
	return sum
}

// ErrorWindow carries diffused quantization error for the scanline about to
// be processed (row 0) and the rows after it.
type ErrorWindow struct {
	rows [][]float64
}

// NewErrorWindow returns a zeroed window for scanlines of width samples.
func NewErrorWindow(width int) *ErrorWindow {
	w := &ErrorWindow{rows: make([][]float64, len(kernel))}
	for i := range w.rows {
		w.rows[i] = make([]float64, width)
	}
	return w
}

// Width is the number of samples per row.
func (w *ErrorWindow) Width() int {
	return len(w.rows[0])
}

// Row returns row r of the window. Row 0 applies to the next scanline.
func (w *ErrorWindow) Row(r int) []float64 {
	return w.rows[r]
}

// Rotate drops row 0, moves the others up and appends a zeroed row.
func (w *ErrorWindow) Rotate() {
	first := w.rows[0]
	copy(w.rows, w.rows[1:])
	clear(first)
	w.rows[len(w.rows)-1] = first
}

// Reset zeroes every accumulator.
func (w *ErrorWindow) Reset() {
	for _, r := range w.rows {
		clear(r)
	}
}

// diffuse spreads err from column i of row 0 over the window. Cells outside
// the row and zero weights are skipped.
func (w *ErrorWindow) diffuse(i int, err, divisor float64) {
	width := w.Width()
	for r := range kernel {
		for cc, weight := range kernel[r] {
			c := i + cc - kernelCenter
			if weight == 0 || c < 0 || c >= width {
				continue
			}
			w.rows[r][c] += err * weight / divisor
		}
	}
}
