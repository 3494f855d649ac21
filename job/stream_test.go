package job

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/edrosten/adafruit-thermal-printer-driver/printer"
)

// command is one printer command recovered from an output stream.
type command struct {
	kind string // init, raster, feed, density, heat, status, text
	args []int
	data []byte
}

// parseStream splits out into whole commands and fails on anything
// truncated or unknown.
func parseStream(out []byte) ([]command, error) {
	var cmds []command
	for i := 0; i < len(out); {
		need := func(n int) error {
			if i+n > len(out) {
				return fmt.Errorf("truncated command at offset %d: % x", i, out[i:])
			}
			return nil
		}

		switch b := out[i]; {
		case b == 0x1b:
			if err := need(2); err != nil {
				return cmds, err
			}
			switch out[i+1] {
			case '@':
				cmds = append(cmds, command{kind: "init"})
				i += 2
			case 'J':
				if err := need(3); err != nil {
					return cmds, err
				}
				cmds = append(cmds, command{kind: "feed", args: []int{int(out[i+2])}})
				i += 3
			case '7':
				if err := need(5); err != nil {
					return cmds, err
				}
				cmds = append(cmds, command{kind: "heat", args: []int{int(out[i+2]), int(out[i+3]), int(out[i+4])}})
				i += 5
			default:
				return cmds, fmt.Errorf("unknown ESC command % x at offset %d", out[i+1], i)
			}

		case b == 0x1d:
			if err := need(8); err != nil {
				return cmds, err
			}
			if !bytes.Equal(out[i+1:i+4], []byte{0x76, 0x30, 0x00}) {
				return cmds, fmt.Errorf("unknown GS command % x at offset %d", out[i:i+4], i)
			}
			x := int(out[i+4]) | int(out[i+5])<<8
			y := int(out[i+6]) | int(out[i+7])<<8
			if err := need(8 + x*y); err != nil {
				return cmds, err
			}
			cmds = append(cmds, command{kind: "raster", args: []int{x, y}, data: out[i+8 : i+8+x*y]})
			i += 8 + x*y

		case b == 0x12:
			if err := need(3); err != nil {
				return cmds, err
			}
			if out[i+1] != '#' {
				return cmds, fmt.Errorf("unknown DC2 command at offset %d", i)
			}
			cmds = append(cmds, command{kind: "density", args: []int{int(out[i+2])}})
			i += 3

		case b == 0x10:
			if err := need(3); err != nil {
				return cmds, err
			}
			if !bytes.Equal(out[i:i+3], []byte{0x10, 0x04, 0x01}) {
				return cmds, fmt.Errorf("unknown DLE command at offset %d", i)
			}
			cmds = append(cmds, command{kind: "status"})
			i += 3

		case b == '\n' || (b >= 0x20 && b < 0x7f):
			j := i
			for j < len(out) && (out[j] == '\n' || (out[j] >= 0x20 && out[j] < 0x7f)) {
				j++
			}
			cmds = append(cmds, command{kind: "text", data: out[i:j]})
			i = j

		default:
			return cmds, fmt.Errorf("stray byte %#x at offset %d", b, i)
		}
	}
	return cmds, nil
}

func kinds(cmds []command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.kind
	}
	return out
}

func count(cmds []command, kind string) int {
	n := 0
	for _, c := range cmds {
		if c.kind == kind {
			n++
		}
	}
	return n
}

// feeds returns the total of every run of consecutive feed commands.
func feeds(cmds []command) []int {
	var out []int
	prev := ""
	for _, c := range cmds {
		if c.kind == "feed" {
			if prev == "feed" {
				out[len(out)-1] += c.args[0]
			} else {
				out = append(out, c.args[0])
			}
		}
		prev = c.kind
	}
	return out
}

// ackTransport is a printer that acknowledges one row per Poll once the
// status query for it has arrived. It records how many rows were
// unacknowledged whenever a raster row was written.
type ackTransport struct {
	mu          sync.Mutex
	out         bytes.Buffer
	queries     int
	acked       int
	noAck       bool
	failWrite   error
	outstanding []int
	polls       int

	// onRaster, if set, runs after the n-th raster row has been written.
	onRaster func(n int)
	// silentUntil holds back every acknowledgement until then.
	silentUntil time.Time
}

func (a *ackTransport) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWrite != nil {
		return 0, a.failWrite
	}
	rows := bytes.Count(p, []byte{0x1d, 0x76, 0x30, 0x00})
	if rows > 0 {
		a.outstanding = append(a.outstanding, a.queries-a.acked)
	}
	a.queries += bytes.Count(p, []byte{0x10, 0x04, 0x01})
	n, err := a.out.Write(p)
	if a.onRaster != nil {
		for i := len(a.outstanding) - rows; i < len(a.outstanding); i++ {
			a.onRaster(i + 1)
		}
	}
	return n, err
}

func (a *ackTransport) Poll(p []byte, timeout time.Duration) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls++
	if a.noAck {
		return 0, printer.ErrNoBackChannel
	}
	if time.Now().Before(a.silentUntil) {
		return 0, nil
	}
	if a.acked < a.queries {
		a.acked++
		p[0] = 0
		return 1, nil
	}
	return 0, nil
}

func (a *ackTransport) Close() error { return nil }
