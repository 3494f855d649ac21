// Package flow paces raster output against the acknowledgement bytes the
// printer sends back, one per printed row, and infers paper presence from
// how regularly they arrive.
package flow

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	logInternal "github.com/edrosten/adafruit-thermal-printer-driver/log"
	"github.com/edrosten/adafruit-thermal-printer-driver/printer"
)

const (
	DefaultPollInterval     = 10 * time.Millisecond
	DefaultSilenceThreshold = 2500 * time.Millisecond
)

// AckSource is the reverse channel of the printer. Poll makes one read
// attempt bounded by timeout and returns 0, nil when nothing arrived.
type AckSource interface {
	Poll(p []byte, timeout time.Duration) (int, error)
}

// Config is the timing of the monitor. Zero values mean the defaults.
type Config struct {
	PollInterval     time.Duration
	SilenceThreshold time.Duration
}

// Monitor counts rows sent against rows acknowledged. It is not safe for
// concurrent use; the row loop owns it.
type Monitor struct {
	src    AckSource
	cfg    Config
	logger *zap.Logger
	buf    []byte

	// OnPaperChange, when set, is called once per paper state transition.
	OnPaperChange func(present bool)

	sent       int
	acked      int
	lastChange time.Time
	hasPaper   bool
	enabled    bool

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a monitor reading acknowledgements from src.
func New(src AckSource, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if logger == nil {
		logger = logInternal.L()
	}
	m := &Monitor{
		src:      src,
		cfg:      cfg,
		logger:   logger,
		buf:      make([]byte, 512),
		hasPaper: true,
		enabled:  src != nil,
		now:      time.Now,
		sleep:    time.Sleep,
	}
	m.lastChange = m.now()
	return m
}

// RecordSent counts one transmitted row. Acknowledgements are only expected
// while rows are in flight, so the silence clock restarts when the first
// row after an idle period goes out.
func (m *Monitor) RecordSent() {
	if m.sent == m.acked {
		m.lastChange = m.now()
	}
	m.sent++
}

// PollAcknowledgements makes one read attempt and counts every byte received
// as one acknowledged row. A transport without a back channel disables the
// monitor instead of failing.
func (m *Monitor) PollAcknowledgements(timeout time.Duration) (int, error) {
	if !m.enabled {
		return 0, nil
	}

	n, err := m.src.Poll(m.buf, timeout)
	if errors.Is(err, printer.ErrNoBackChannel) {
		m.enabled = false
		m.logger.Warn("printer cannot report status, printing without flow control")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("flow: reading acknowledgements: %w", err)
	}
	if n <= 0 {
		return 0, nil
	}

	// status bytes that arrive with nothing in flight are not acks of ours
	m.acked = min(m.acked+n, m.sent)
	m.lastChange = m.now()
	return n, nil
}

// AwaitCapacity blocks until no more than maxOutstanding rows are
// unacknowledged. Zero means lockstep. It never returns with more rows
// outstanding than that, with one exception: a closed done channel ends the
// wait at once so a cancelled job can wind down. A disabled monitor reports
// nothing outstanding. Only transport errors are returned.
func (m *Monitor) AwaitCapacity(done <-chan struct{}, maxOutstanding int) error {
	maxOutstanding = max(maxOutstanding, 0)

	for m.enabled && m.Outstanding() > maxOutstanding {
		select {
		case <-done:
			return nil
		default:
		}

		start := m.now()
		n, err := m.PollAcknowledgements(m.cfg.PollInterval)
		if err != nil {
			return err
		}
		m.evaluatePaper(n)

		if n == 0 {
			if rest := m.cfg.PollInterval - m.now().Sub(start); rest > 0 {
				m.sleep(rest)
			}
		}
	}
	return nil
}

func (m *Monitor) evaluatePaper(received int) {
	switch {
	case received > 0:
		m.setPaper(true)
	case m.now().Sub(m.lastChange) > m.cfg.SilenceThreshold:
		m.setPaper(false)
	}
}

func (m *Monitor) setPaper(present bool) {
	if m.hasPaper == present {
		return
	}
	m.hasPaper = present

	if present {
		m.logger.Info("printer is acknowledging again, paper present")
	} else {
		m.logger.Warn("no acknowledgement from printer, out of paper?",
			zap.Duration("silence", m.now().Sub(m.lastChange)),
			zap.Int("outstanding", m.Outstanding()))
	}
	if m.OnPaperChange != nil {
		m.OnPaperChange(present)
	}
}

// Outstanding is the number of rows sent but not yet acknowledged. It is 0
// once the monitor is disabled, since nothing can be known about the printer.
func (m *Monitor) Outstanding() int {
	if !m.enabled {
		return 0
	}
	return m.sent - m.acked
}

// HasPaper reports the inferred paper state.
func (m *Monitor) HasPaper() bool {
	return m.hasPaper
}

// Enabled reports whether acknowledgements are being tracked.
func (m *Monitor) Enabled() bool {
	return m.enabled
}
