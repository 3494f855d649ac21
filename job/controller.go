package job

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"go.uber.org/zap"

	"github.com/edrosten/adafruit-thermal-printer-driver/escpos"
	"github.com/edrosten/adafruit-thermal-printer-driver/flow"
	imgInternal "github.com/edrosten/adafruit-thermal-printer-driver/image"
	logInternal "github.com/edrosten/adafruit-thermal-printer-driver/log"
	"github.com/edrosten/adafruit-thermal-printer-driver/printer"
)

// State is the position of the controller in a job.
type State int

const (
	Idle State = iota
	PageActive
	RowScan
	Finishing
	Cancelling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PageActive:
		return "page-active"
	case RowScan:
		return "row-scan"
	case Finishing:
		return "finishing"
	case Cancelling:
		return "cancelling"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultMaxOutstanding is about 1 cm of paper.
const DefaultMaxOutstanding = 10 * escpos.DotsPerMM

// DefaultClearanceMM is fed after the cancellation notice so it can be torn
// off.
const DefaultClearanceMM = 10

// Options tune a Controller.
type Options struct {
	// MaxOutstanding is how many rows may be unacknowledged before the
	// controller waits. 0 prints in lockstep.
	MaxOutstanding int

	// CancelNotice is printed when a job is cancelled. Empty prints nothing.
	CancelNotice string

	ClearanceMM int
}

// DefaultOptions returns the options used by the filter.
func DefaultOptions() Options {
	return Options{
		MaxOutstanding: DefaultMaxOutstanding,
		CancelNotice:   "*** JOB CANCELLED ***",
		ClearanceMM:    DefaultClearanceMM,
	}
}

// Result summarizes a finished job.
type Result struct {
	Pages     int
	Rows      int
	Cancelled bool
}

// Controller drives one print job from a PageSource to a Printer. It is
// single threaded; only the CancelFlag is touched from outside.
type Controller struct {
	p      *printer.Printer
	mon    *flow.Monitor
	cancel *CancelFlag
	opts   Options
	logger *zap.Logger

	state State
	cfg   PageConfig
	res   Result
}

// NewController wires the controller to the printer and its flow monitor.
// Paper state changes are reported to the spooler as media-empty states.
func NewController(p *printer.Printer, mon *flow.Monitor, cancel *CancelFlag, opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = logInternal.L()
	}
	if cancel == nil {
		cancel = NewCancelFlag()
	}
	opts.MaxOutstanding = max(opts.MaxOutstanding, 0)
	opts.ClearanceMM = max(opts.ClearanceMM, 0)

	mon.OnPaperChange = func(present bool) {
		if present {
			logInternal.Control("STATE: -media-empty-error")
		} else {
			logInternal.Control("STATE: +media-empty-error")
		}
	}

	return &Controller{
		p:      p,
		mon:    mon,
		cancel: cancel,
		opts:   opts,
		logger: logger,
	}
}

// State reports where the controller is.
func (c *Controller) State() State {
	return c.state
}

func (c *Controller) setState(s State) {
	if s == c.state {
		return
	}
	c.logger.Debug("job state", zap.Stringer("from", c.state), zap.Stringer("to", s))
	c.state = s
}

// Run prints every page of src. Cancellation is not an error: the job is
// wound down cleanly and Result.Cancelled is set. Errors from the printer
// or the source abort the job immediately.
func (c *Controller) Run(src PageSource) (Result, error) {
	c.res = Result{}
	c.cfg = PageConfig{}
	c.setState(Idle)

	if err := c.p.Init(); err != nil {
		return c.res, err
	}

	for {
		pg, err := src.NextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.res, fmt.Errorf("job: reading page %d: %w", c.res.Pages+1, err)
		}

		cancelled, err := c.runPage(pg)
		if err != nil {
			return c.res, err
		}
		if cancelled {
			c.res.Cancelled = true
			break
		}
	}

	if err := c.finish(); err != nil {
		return c.res, err
	}
	c.logger.Info("job finished",
		zap.Int("pages", c.res.Pages), zap.Int("rows", c.res.Rows), zap.Bool("cancelled", c.res.Cancelled))
	return c.res, nil
}

func (c *Controller) runPage(pg Page) (bool, error) {
	h := pg.Header()
	if err := checkHeader(h); err != nil {
		return false, err
	}

	c.res.Pages++
	page := c.res.Pages
	c.cfg = PageConfigFromIntegers(h.Integers)
	cfg := c.cfg

	c.setState(PageActive)
	logInternal.Control("PAGE: %d %d", page, h.Copies)
	c.logger.Debug("page",
		zap.Int("page", page), zap.Int("width", h.Width), zap.Int("height", h.Height),
		zap.Int("bytes_per_line", h.BytesPerLine), zap.Any("config", cfg))

	if err := c.calibrate(cfg); err != nil {
		return false, err
	}

	fed := false
	if page > 1 {
		c.logger.Debug("feeding between pages", zap.Int("mm", cfg.FeedBetweenPagesMM))
		if err := c.p.FeedMM(cfg.FeedBetweenPagesMM); err != nil {
			return false, err
		}
		fed = cfg.FeedBetweenPagesMM > 0
	}
	// no second rule when the previous page ended on one with no gap
	if cfg.MarkPageBoundary && (fed || page == 1) {
		if err := c.rule(h.Width); err != nil {
			return false, err
		}
	}

	profile := imgInternal.BasicProfile
	if cfg.EnhanceResolution {
		profile = imgInternal.EnhancedProfile
	}
	d := imgInternal.NewDitherer(h.BytesPerLine, profile)
	line := make([]byte, h.BytesPerLine)
	white := bytes.Repeat([]byte{0xff}, h.BytesPerLine)

	c.setState(RowScan)
	blank := 0
	inked := false
	for y := 0; y < h.Height; y++ {
		if c.cancel.IsSet() {
			c.setState(Cancelling)
			return true, c.cancelJob()
		}

		if err := pg.ReadLine(line); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				c.logger.Warn("page ended early", zap.Int("page", page), zap.Int("rows", y), zap.Int("height", h.Height))
				break
			}
			return false, fmt.Errorf("job: page %d row %d: %w", page, y, err)
		}

		if isBlank(line) {
			blank++
			continue
		}

		if cfg.AutoCrop && !inked {
			c.logger.Debug("auto crop skipping top margin", zap.Int("rows", blank))
		} else {
			cancelled, err := c.emitBlank(d, white, blank, cfg)
			if err != nil {
				return false, err
			}
			if cancelled {
				c.setState(Cancelling)
				return true, c.cancelJob()
			}
		}
		blank = 0
		inked = true

		if err := c.emitRow(d, line); err != nil {
			return false, err
		}
	}

	c.setState(Finishing)
	if cfg.AutoCrop {
		c.logger.Debug("auto crop skipping bottom margin", zap.Int("rows", blank))
	} else if err := c.p.Feed(blank); err != nil {
		return false, err
	}
	if cfg.MarkPageBoundary {
		if err := c.rule(h.Width); err != nil {
			return false, err
		}
	}
	if err := c.p.Flush(); err != nil {
		return false, err
	}
	c.setState(Idle)
	return false, nil
}

// emitRow dithers, sends and paces one row. Profiles with an adaptive floor
// get a heating time matched to the row.
func (c *Controller) emitRow(d *imgInternal.Ditherer, samples []byte) error {
	floor := d.Floor(samples)
	if d.Profile().AdaptiveFloor {
		if err := c.p.SetHeatingTime(heatingTime(floor)); err != nil {
			return err
		}
	}

	if err := c.p.Raster(len(samples), d.Row(samples, floor)); err != nil {
		return err
	}
	if err := c.p.StatusQuery(); err != nil {
		return err
	}
	c.mon.RecordSent()
	if err := c.p.Flush(); err != nil {
		return err
	}
	c.res.Rows++

	return c.mon.AwaitCapacity(c.cancel.Done(), c.opts.MaxOutstanding)
}

// emitBlank catches up on n blank rows. Enhanced pages print them so the
// heating calibration keeps following the error window; others just feed.
// It reports true when the job was cancelled before all rows went out.
func (c *Controller) emitBlank(d *imgInternal.Ditherer, white []byte, n int, cfg PageConfig) (bool, error) {
	if n == 0 {
		return false, nil
	}
	if !cfg.EnhanceResolution {
		c.logger.Debug("feeding blank rows", zap.Int("rows", n))
		return false, c.p.Feed(n)
	}
	for i := 0; i < n; i++ {
		if c.cancel.IsSet() {
			return true, nil
		}
		if err := c.emitRow(d, white); err != nil {
			return false, err
		}
	}
	return false, nil
}

// heatingTime maps the row's darkest reachable level to a heating factor;
// lighter rows burn for less time.
func heatingTime(floor float64) int {
	k := math.Pow(1-floor, 2)
	return int(k*(escpos.FullBlackHeating-escpos.FullWhiteHeating) + escpos.FullWhiteHeating)
}

func (c *Controller) rule(width int) error {
	if c.cfg.EnhanceResolution {
		if err := c.resetHeating(); err != nil {
			return err
		}
	}
	return c.p.HorizontalRule(width)
}

// calibrate applies the page's heating profile and density. Values the
// hardware cannot take are skipped and the printer keeps what it had.
func (c *Controller) calibrate(cfg PageConfig) error {
	if _, err := c.p.SetHeatingTimeBasic(cfg.HeatingDots, cfg.HeatingTimeUS, cfg.HeatingIntervalUS); err != nil {
		return err
	}
	if cfg.hasDensity() {
		return c.p.SetDensity(cfg.PrintDensityPercent, cfg.PrintBreakTimeUS)
	}
	return nil
}

// resetHeating returns to the page's heating profile, or the printer default
// when the page has none.
func (c *Controller) resetHeating() error {
	if c.cfg.hasHeatingProfile() {
		_, err := c.p.SetHeatingTimeBasic(c.cfg.HeatingDots, c.cfg.HeatingTimeUS, c.cfg.HeatingIntervalUS)
		return err
	}
	return c.p.SetHeatingTime(escpos.DefaultHeatingTime)
}

// cancelJob pushes out whatever the printer still holds, prints the notice
// and leaves room to tear the paper. finish runs afterwards.
func (c *Controller) cancelJob() error {
	c.logger.Warn("job cancelled", zap.Int("page", c.res.Pages), zap.Int("rows", c.res.Rows),
		zap.Int("outstanding", c.mon.Outstanding()))

	if err := c.p.Feed(max(c.mon.Outstanding(), 1)); err != nil {
		return err
	}
	if err := c.resetHeating(); err != nil {
		return err
	}
	if c.opts.CancelNotice != "" {
		if err := c.p.Text(c.opts.CancelNotice + "\n"); err != nil {
			return err
		}
	}
	return c.p.FeedMM(c.opts.ClearanceMM)
}

func (c *Controller) finish() error {
	c.setState(Finishing)
	c.logger.Debug("end of job feed", zap.Int("mm", c.cfg.EjectAfterPrintMM))

	if err := c.p.FeedMM(c.cfg.EjectAfterPrintMM); err != nil {
		return err
	}
	if err := c.resetHeating(); err != nil {
		return err
	}
	if err := c.p.Init(); err != nil {
		return err
	}
	if err := c.p.Flush(); err != nil {
		return err
	}
	c.setState(Idle)
	return nil
}

func isBlank(line []byte) bool {
	for _, v := range line {
		if v != 0xff {
			return false
		}
	}
	return true
}
