package printer

import (
	"bufio"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edrosten/adafruit-thermal-printer-driver/escpos"
	logInternal "github.com/edrosten/adafruit-thermal-printer-driver/log"
)

// Printer sends commands to a Transport. Each method writes whole commands;
// output is buffered until Flush. The first write error sticks and every
// later call returns it.
type Printer struct {
	t   Transport
	w   *bufio.Writer
	err error

	mu sync.Mutex
}

// NewPrinter creates a new printer on t.
func NewPrinter(t Transport) *Printer {
	return &Printer{
		t: t,
		w: bufio.NewWriterSize(fullWriter{t}, 4096),
	}
}

// NewWriterPrinter creates a printer on a write-only stream.
func NewWriterPrinter(w io.Writer) *Printer {
	return NewPrinter(NewRawTransport(w, nil))
}

type fullWriter struct {
	w io.Writer
}

func (f fullWriter) Write(b []byte) (int, error) {
	if err := writeAll(f.w, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Write writes buf to the printer as is.
func (p *Printer) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.write(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (p *Printer) write(frames ...[]byte) error {
	if p.err != nil {
		return p.err
	}
	for _, b := range frames {
		if _, err := p.w.Write(b); err != nil {
			p.err = err
			return err
		}
	}
	return nil
}

func (p *Printer) send(frames ...[]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(frames...)
}

// Init writes the initialize code.
func (p *Printer) Init() error {
	return p.send(escpos.Initialize())
}

// Raster writes one raster row of width dots. row must hold
// escpos.BytesPerRow(width) bytes.
func (p *Printer) Raster(width int, row []byte) error {
	return p.send(escpos.RasterHeader(width, 1), row)
}

// Feed advances the paper by lines dot rows.
func (p *Printer) Feed(lines int) error {
	return p.send(escpos.Feed(lines))
}

// FeedMM advances the paper by mm millimetres.
func (p *Printer) FeedMM(mm int) error {
	return p.send(escpos.FeedMM(mm))
}

// SetDensity clamps and sends print density and break time.
func (p *Printer) SetDensity(percent, breakTimeUS int) error {
	return p.send(escpos.SetDensity(escpos.ClampDensity(percent), escpos.ClampBreakTime(breakTimeUS)))
}

// SetHeatingTime changes only the heating time.
func (p *Printer) SetHeatingTime(factor int) error {
	return p.send(escpos.SetHeatingTime(factor))
}

// SetHeatingTimeBasic sends a full heating profile. Out of range values
// send nothing and report false.
func (p *Printer) SetHeatingTimeBasic(dots, onUS, intervalUS int) (bool, error) {
	cmd := escpos.SetHeatingTimeBasic(dots, onUS, intervalUS)
	if cmd == nil {
		logInternal.Debug("heating profile below hardware minimum, keeping current",
			zap.Int("dots", dots), zap.Int("time_us", onUS))
		return false, nil
	}
	return true, p.send(cmd)
}

// HorizontalRule prints a solid line width dots wide.
func (p *Printer) HorizontalRule(width int) error {
	return p.send(escpos.HorizontalRule(width))
}

// StatusQuery asks for one status byte back.
func (p *Printer) StatusQuery() error {
	return p.send(escpos.StatusQuery())
}

// Text prints plain text.
func (p *Printer) Text(s string) error {
	return p.send(escpos.Text(s))
}

// Flush pushes buffered commands to the transport.
func (p *Printer) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if err := p.w.Flush(); err != nil {
		p.err = err
		return err
	}
	return nil
}

// Poll reads status bytes from the transport.
func (p *Printer) Poll(buf []byte, timeout time.Duration) (int, error) {
	return p.t.Poll(buf, timeout)
}

// Close flushes and closes the transport. The transport is closed even when
// the flush fails.
func (p *Printer) Close() error {
	flushErr := p.Flush()
	if err := p.t.Close(); err != nil {
		logInternal.Error("failed to close printer transport", zap.Error(err))
		if flushErr == nil {
			return err
		}
	}
	return flushErr
}
