package printer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
)

// ErrNoBackChannel is returned by Poll when the transport cannot carry
// anything back from the printer.
var ErrNoBackChannel = errors.New("printer: transport has no back channel")

// Transport is an ordered byte stream to the printer with an optional
// reverse channel for status bytes.
type Transport interface {
	Write([]byte) (int, error)

	// Poll makes one read attempt that gives up after timeout. It returns
	// 0, nil when nothing arrived in time.
	Poll(p []byte, timeout time.Duration) (int, error)

	Close() error
}

// DeadlineReader is a reverse channel that supports read deadlines, such as
// a net.Conn or a non-blocking *os.File.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// -------------------- RAW --------------------

// RawTransport writes straight to conn and reads status bytes from back.
type RawTransport struct {
	conn   io.Writer
	back   DeadlineReader
	closer func() error
}

// NewRawTransport wraps w. back may be nil when there is no reverse channel.
func NewRawTransport(w io.Writer, back DeadlineReader) *RawTransport {
	r := &RawTransport{conn: w, back: back}
	if c, ok := w.(io.Closer); ok {
		r.closer = c.Close
	}
	return r
}

func (r *RawTransport) Write(b []byte) (int, error) { return r.conn.Write(b) }

func (r *RawTransport) Poll(p []byte, timeout time.Duration) (int, error) {
	if r.back == nil {
		return 0, ErrNoBackChannel
	}
	if err := r.back.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		// not pollable, e.g. /dev/null handed over as the back channel
		r.back = nil
		return 0, ErrNoBackChannel
	}
	n, err := r.back.Read(p)
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return n, nil
	case errors.Is(err, io.EOF):
		r.back = nil
		if n > 0 {
			return n, nil
		}
		return 0, ErrNoBackChannel
	}
	return n, err
}

func (r *RawTransport) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// -------------------- Open --------------------

// OpenOptions carries defaults for device strings that leave them out.
type OpenOptions struct {
	BaudRate    int
	DialTimeout time.Duration

	// Stdout and BackChannel replace the process streams, mostly for tests.
	Stdout      io.Writer
	BackChannel DeadlineReader
}

// Open connects to the printer named by device:
//
//	-, empty                    stdout, spooler back channel when present
//	file:/path                  a plain file, write only
//	serial:/dev/ttyUSB0?baud=N  serial port
//	usb:VID:PID?out=N&in=N      USB bulk endpoints, ids in hex
//	socket://host:port          raw TCP
//	lpd://host[:port]/queue     LPD print queue, write only
func Open(device string, opts OpenOptions) (Transport, error) {
	if opts.BaudRate == 0 {
		opts.BaudRate = 19200
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}

	if device == "" || device == "-" {
		out := opts.Stdout
		if out == nil {
			out = os.Stdout
		}
		back := opts.BackChannel
		if back == nil {
			if f := spoolerBackChannel(); f != nil {
				back = f
			}
		}
		return NewRawTransport(nopCloser{out}, back), nil
	}

	scheme, rest, ok := strings.Cut(device, ":")
	if !ok {
		return nil, fmt.Errorf("printer: device %q has no scheme", device)
	}
	rest = strings.TrimPrefix(rest, "//")
	target, rawQuery, _ := strings.Cut(rest, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("printer: device %q: %w", device, err)
	}

	switch scheme {
	case "file":
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("printer: open %s: %w", target, err)
		}
		return NewRawTransport(f, nil), nil

	case "serial":
		baud := opts.BaudRate
		if v := query.Get("baud"); v != "" {
			if baud, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("printer: invalid baud %q: %w", v, err)
			}
		}
		t, err := OpenSerial(target, baud)
		if err != nil {
			return nil, err
		}
		return t, nil

	case "usb":
		vid, pid, err := parseUSBIDs(target)
		if err != nil {
			return nil, err
		}
		outEp, inEp := 1, 1
		if v := query.Get("out"); v != "" {
			if outEp, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("printer: invalid out endpoint %q: %w", v, err)
			}
		}
		if v := query.Get("in"); v != "" {
			if inEp, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("printer: invalid in endpoint %q: %w", v, err)
			}
		}
		t, err := OpenUSB(vid, pid, outEp, inEp)
		if err != nil {
			return nil, err
		}
		return t, nil

	case "socket":
		conn, err := net.DialTimeout("tcp", target, opts.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("printer: dial %s: %w", target, err)
		}
		return NewRawTransport(conn, conn), nil

	case "lpd":
		host, queue, _ := strings.Cut(target, "/")
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, "515")
		}
		conn, err := net.DialTimeout("tcp", host, opts.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("printer: dial %s: %w", host, err)
		}
		return NewLPDTransport(conn, queue), nil
	}

	return nil, fmt.Errorf("printer: unsupported device scheme %q", scheme)
}

func parseUSBIDs(s string) (gousb.ID, gousb.ID, error) {
	v, p, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("printer: usb device %q must be VID:PID", s)
	}
	vid, err := strconv.ParseUint(v, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("printer: invalid vendor id %q: %w", v, err)
	}
	pid, err := strconv.ParseUint(p, 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("printer: invalid product id %q: %w", p, err)
	}
	return gousb.ID(vid), gousb.ID(pid), nil
}

// -------------------- helpers --------------------

// writeAll keeps writing until b is gone, so a command is never left half
// sent after a short write.
func writeAll(w io.Writer, b []byte) error {
	sent := 0
	for sent < len(b) {
		n, err := w.Write(b[sent:])
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		sent += n
	}
	return nil
}

type nopCloser struct {
	io.Writer
}

func (n nopCloser) Close() error { return nil }
