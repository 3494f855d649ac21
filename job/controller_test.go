package job

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edrosten/adafruit-thermal-printer-driver/flow"
	logInternal "github.com/edrosten/adafruit-thermal-printer-driver/log"
	"github.com/edrosten/adafruit-thermal-printer-driver/printer"
)

const (
	white = 0xff
	black = 0x00
)

type memPage struct {
	header PageHeader
	rows   [][]byte
	y      int
	onRead func(y int)
}

func (p *memPage) Header() PageHeader { return p.header }

func (p *memPage) ReadLine(line []byte) error {
	if p.onRead != nil {
		p.onRead(p.y)
	}
	if p.y >= len(p.rows) {
		return io.EOF
	}
	copy(line, p.rows[p.y])
	p.y++
	return nil
}

type memSource struct {
	pages []Page
	err   error
}

func (s *memSource) NextPage() (Page, error) {
	if len(s.pages) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	p := s.pages[0]
	s.pages = s.pages[1:]
	return p, nil
}

// newPage builds a page from a pattern, one character per row: '.' is a
// blank row and '#' a black one.
func newPage(width int, pattern string, cfg PageConfig) *memPage {
	p := &memPage{header: PageHeader{
		Width:        width,
		Height:       len(pattern),
		BytesPerLine: width,
		BitsPerPixel: 8,
		Copies:       1,
		Integers:     cfg.Integers(),
	}}
	for _, c := range pattern {
		v := byte(white)
		if c == '#' {
			v = black
		}
		p.rows = append(p.rows, bytes.Repeat([]byte{v}, width))
	}
	return p
}

type harness struct {
	t      *testing.T
	tr     *ackTransport
	cancel *CancelFlag
	ctrl   *Controller
}

func newHarness(t *testing.T, opts Options) *harness {
	return newHarnessWithFlow(t, opts, flow.Config{})
}

func newHarnessWithFlow(t *testing.T, opts Options, fc flow.Config) *harness {
	tr := &ackTransport{}
	p := printer.NewPrinter(tr)
	mon := flow.New(p, fc, zap.NewNop())
	cancel := NewCancelFlag()
	return &harness{
		t:      t,
		tr:     tr,
		cancel: cancel,
		ctrl:   NewController(p, mon, cancel, opts, zap.NewNop()),
	}
}

func (h *harness) run(pages ...Page) (Result, []command) {
	h.t.Helper()
	res, err := h.ctrl.Run(&memSource{pages: pages})
	if err != nil {
		h.t.Fatalf("Run() err=%v", err)
	}
	cmds, err := parseStream(h.tr.out.Bytes())
	if err != nil {
		h.t.Fatalf("output is not a whole command stream: %v", err)
	}
	return res, cmds
}

func TestRun_WhitePageAutoCropPrintsNothing(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	res, cmds := h.run(newPage(384, "....", PageConfig{AutoCrop: true}))

	if n := count(cmds, "raster"); n != 0 {
		t.Fatalf("got %d raster rows, want 0: %v", n, kinds(cmds))
	}
	if count(cmds, "feed") != 0 {
		t.Fatalf("blank page fed paper: %v", kinds(cmds))
	}
	if cmds[0].kind != "init" || cmds[len(cmds)-1].kind != "init" || count(cmds, "init") != 2 {
		t.Fatalf("want one initialize at each end, got %v", kinds(cmds))
	}
	if res.Pages != 1 || res.Rows != 0 || res.Cancelled {
		t.Fatalf("Result = %+v", res)
	}
	if h.ctrl.State() != Idle {
		t.Fatalf("state = %v, want idle", h.ctrl.State())
	}
}

func TestRun_BlackRowPlainMode(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	_, cmds := h.run(newPage(384, "#", PageConfig{}))

	var rows []command
	for _, c := range cmds {
		if c.kind == "raster" {
			rows = append(rows, c)
		}
	}
	if len(rows) != 1 {
		t.Fatalf("got %d raster rows, want 1", len(rows))
	}
	if rows[0].args[0] != 48 || rows[0].args[1] != 1 {
		t.Fatalf("raster header = %v, want 48x1", rows[0].args)
	}
	if !bytes.Equal(rows[0].data, bytes.Repeat([]byte{0xff}, 48)) {
		t.Fatalf("raster data = % x", rows[0].data)
	}
	if count(cmds, "status") != 1 {
		t.Fatalf("want one status query per row, got %v", kinds(cmds))
	}
}

func TestRun_AutoCrop(t *testing.T) {
	pattern := "...#..#...."

	tests := []struct {
		name     string
		autoCrop bool
		feeds    []int
	}{
		{"crop", true, []int{2}},
		{"no crop", false, []int{3, 2, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultOptions())
			_, cmds := h.run(newPage(16, pattern, PageConfig{AutoCrop: tt.autoCrop}))

			if n := count(cmds, "raster"); n != 2 {
				t.Fatalf("got %d raster rows, want 2", n)
			}
			got := feeds(cmds)
			if len(got) != len(tt.feeds) {
				t.Fatalf("feeds = %v, want %v (%v)", got, tt.feeds, kinds(cmds))
			}
			for i := range got {
				if got[i] != tt.feeds[i] {
					t.Fatalf("feeds = %v, want %v", got, tt.feeds)
				}
			}
		})
	}
}

func TestRun_PageBoundaryRules(t *testing.T) {
	tests := []struct {
		name   string
		feedMM int
		rules  int
	}{
		{"no gap shares the rule", 0, 3},
		{"gap gets its own rule", 5, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := PageConfig{MarkPageBoundary: true, AutoCrop: true, FeedBetweenPagesMM: tt.feedMM}
			h := newHarness(t, DefaultOptions())
			res, cmds := h.run(newPage(32, "..", cfg), newPage(32, "..", cfg))

			if res.Pages != 2 {
				t.Fatalf("pages = %d", res.Pages)
			}
			if n := count(cmds, "raster"); n != tt.rules {
				t.Fatalf("got %d rules, want %d: %v", n, tt.rules, kinds(cmds))
			}
			for _, c := range cmds {
				if c.kind == "raster" && !bytes.Equal(c.data, []byte{0xff, 0xff, 0xff, 0xff}) {
					t.Fatalf("rule is not solid: % x", c.data)
				}
			}
			if tt.feedMM > 0 {
				if got := feeds(cmds); len(got) != 1 || got[0] != tt.feedMM*8 {
					t.Fatalf("feeds = %v, want [%d]", got, tt.feedMM*8)
				}
			}
		})
	}
}

func TestRun_EnhancedModePrintsInteriorBlankRows(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	_, cmds := h.run(newPage(16, "#.#", PageConfig{EnhanceResolution: true}))

	if n := count(cmds, "raster"); n != 3 {
		t.Fatalf("got %d raster rows, want 3: %v", n, kinds(cmds))
	}
	if len(feeds(cmds)) != 0 {
		t.Fatalf("enhanced mode fed blank rows: %v", kinds(cmds))
	}
	// every row is preceded by its heating time
	for i, c := range cmds {
		if c.kind == "raster" && cmds[i-1].kind != "heat" {
			t.Fatalf("row %d not preceded by heating: %v", i, kinds(cmds))
		}
	}
}

func TestRun_AppliesPageCalibration(t *testing.T) {
	cfg := PageConfig{
		AutoCrop:            true,
		HeatingDots:         64,
		HeatingTimeUS:       200,
		HeatingIntervalUS:   250,
		PrintDensityPercent: 120,
		PrintBreakTimeUS:    500,
	}
	h := newHarness(t, DefaultOptions())
	_, cmds := h.run(newPage(8, ".", cfg))

	want := []string{"init", "heat", "density", "heat", "init"}
	if got := kinds(cmds); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	if a := cmds[1].args; a[0] != 7 || a[1] != 20 || a[2] != 25 {
		t.Fatalf("heating profile = %v", a)
	}
	if a := cmds[2].args; a[0] != 2<<5|14 {
		t.Fatalf("density = %#x", a[0])
	}
	// the end of job reset returns to the page profile
	if a := cmds[3].args; a[0] != 7 || a[1] != 20 || a[2] != 25 {
		t.Fatalf("heating reset = %v", a)
	}
}

func TestRun_InvalidHeatingProfileIsIgnored(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	_, cmds := h.run(newPage(8, ".", PageConfig{AutoCrop: true, HeatingDots: 4, HeatingTimeUS: 10}))

	want := []string{"init", "heat", "init"}
	if got := kinds(cmds); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	if a := cmds[1].args; a[0] != 7 || a[1] != 80 || a[2] != 2 {
		t.Fatalf("default heating = %v", a)
	}
}

func TestRun_EjectAfterPrint(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	_, cmds := h.run(newPage(8, "#", PageConfig{EjectAfterPrintMM: 40}))

	got := feeds(cmds)
	if len(got) != 1 || got[0] != 320 {
		t.Fatalf("feeds = %v, want [320]", got)
	}
	if n := len(cmds); cmds[n-1].kind != "init" || cmds[n-2].kind != "heat" {
		t.Fatalf("job must end with heating reset and initialize: %v", kinds(cmds))
	}
}

func TestRun_CancellationLeavesWholeCommands(t *testing.T) {
	const rows = 6
	for at := 0; at <= rows; at++ {
		h := newHarness(t, DefaultOptions())
		pg := newPage(24, strings.Repeat("#", rows), PageConfig{EnhanceResolution: at%2 == 0})
		stop := at
		pg.onRead = func(y int) {
			if y == stop {
				h.cancel.Set()
			}
		}

		res, cmds := h.run(pg)

		wantRows := min(at+1, rows)
		if res.Rows != wantRows {
			t.Fatalf("cancel at %d: printed %d rows, want %d", at, res.Rows, wantRows)
		}
		if at == rows {
			if res.Cancelled {
				t.Fatalf("cancel after the last row should let the job finish")
			}
			continue
		}
		if !res.Cancelled {
			t.Fatalf("cancel at %d: job not marked cancelled", at)
		}

		notice := -1
		for i, c := range cmds {
			if c.kind == "text" {
				notice = i
				if !strings.Contains(string(c.data), "CANCELLED") {
					t.Fatalf("notice = %q", c.data)
				}
			}
		}
		if notice < 0 {
			t.Fatalf("cancel at %d: no notice in %v", at, kinds(cmds))
		}
		for _, c := range cmds[notice:] {
			if c.kind == "raster" {
				t.Fatalf("cancel at %d: row printed after the notice", at)
			}
		}
		if cmds[notice-1].kind != "heat" || cmds[notice-2].kind != "feed" {
			t.Fatalf("cancel at %d: want flush feed and heating reset before notice: %v", at, kinds(cmds))
		}
		if cmds[notice+1].kind != "feed" || cmds[notice+1].args[0] != 80 {
			t.Fatalf("cancel at %d: want 10mm clearance after notice: %v", at, kinds(cmds))
		}
		if cmds[len(cmds)-1].kind != "init" {
			t.Fatalf("cancel at %d: job must end with initialize", at)
		}
	}
}

func TestRun_CancelDuringEnhancedBlankRows(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.tr.onRaster = func(n int) {
		// the second of five interior blank rows
		if n == 3 {
			h.cancel.Set()
		}
	}

	res, cmds := h.run(newPage(16, "#.....#", PageConfig{EnhanceResolution: true}))

	if !res.Cancelled || res.Rows != 3 {
		t.Fatalf("Result = %+v, want 3 rows and cancelled", res)
	}

	var rows []command
	notice := -1
	for i, c := range cmds {
		switch c.kind {
		case "raster":
			rows = append(rows, c)
		case "text":
			notice = i
		}
	}
	if len(rows) != 3 {
		t.Fatalf("got %d raster rows, want 3: %v", len(rows), kinds(cmds))
	}
	if !bytes.Equal(rows[2].data, []byte{0, 0}) {
		t.Fatalf("last row sent is % x, want a blank row", rows[2].data)
	}
	if notice < 2 {
		t.Fatalf("no cancellation notice: %v", kinds(cmds))
	}
	if cmds[notice-2].kind != "feed" || cmds[notice-1].kind != "heat" {
		t.Fatalf("want flush feed and heating reset before notice: %v", kinds(cmds))
	}
	if cmds[notice+1].kind != "feed" || cmds[notice+1].args[0] != 80 {
		t.Fatalf("want 10mm clearance after notice: %v", kinds(cmds))
	}
}

func TestRun_EnhancedRulesResetHeating(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	_, cmds := h.run(newPage(16, "#", PageConfig{EnhanceResolution: true, MarkPageBoundary: true}))

	rules := 0
	for i, c := range cmds {
		if c.kind != "raster" {
			continue
		}
		// rows are followed by a status query, rules are not
		if i+1 < len(cmds) && cmds[i+1].kind == "status" {
			if a := cmds[i-1].args; cmds[i-1].kind != "heat" || a[1] != 112 {
				t.Fatalf("black row heating = %v", cmds[i-1])
			}
			continue
		}
		rules++
		if a := cmds[i-1].args; cmds[i-1].kind != "heat" || a[1] != 80 {
			t.Fatalf("rule %d not preceded by the default heating: %v", rules, kinds(cmds))
		}
	}
	if rules != 2 {
		t.Fatalf("got %d rules, want 2: %v", rules, kinds(cmds))
	}
}

func TestRun_ReportsPaperStateToSpooler(t *testing.T) {
	var buf bytes.Buffer
	if err := logInternal.Init(logInternal.Options{Output: zapcore.AddSync(&buf)}); err != nil {
		t.Fatal(err)
	}
	defer logInternal.Init(logInternal.Options{})

	opts := DefaultOptions()
	opts.MaxOutstanding = 0
	h := newHarnessWithFlow(t, opts, flow.Config{
		PollInterval:     time.Millisecond,
		SilenceThreshold: 20 * time.Millisecond,
	})
	h.tr.silentUntil = time.Now().Add(100 * time.Millisecond)

	res, _ := h.run(newPage(8, "#", PageConfig{}))
	if res.Rows != 1 {
		t.Fatalf("Result = %+v", res)
	}

	out := buf.String()
	empty := strings.Index(out, "STATE: +media-empty-error\n")
	present := strings.Index(out, "STATE: -media-empty-error\n")
	if empty < 0 || present < empty {
		t.Fatalf("spooler output = %q, want paper out then paper back", out)
	}
	if strings.Count(out, "STATE: +media-empty-error") != 1 {
		t.Fatalf("paper out reported more than once: %q", out)
	}
}

func TestRun_CancelFeedsOutstandingRows(t *testing.T) {
	tests := []struct {
		name  string
		noAck bool
		limit int
		feed  int
	}{
		{"rows in flight", false, 80, 3},
		{"no back channel", true, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.MaxOutstanding = tt.limit
			h := newHarness(t, opts)
			h.tr.noAck = tt.noAck

			pg := newPage(8, "####", PageConfig{})
			pg.onRead = func(y int) {
				if y == 2 {
					h.cancel.Set()
				}
			}
			res, cmds := h.run(pg)
			if !res.Cancelled || res.Rows != 3 {
				t.Fatalf("Result = %+v", res)
			}
			if got := feeds(cmds); len(got) < 1 || got[0] != tt.feed {
				t.Fatalf("feeds = %v, want %d lines flushed first", got, tt.feed)
			}
		})
	}
}

func TestRun_FlowControlLimitsOutstandingRows(t *testing.T) {
	for _, limit := range []int{0, 1, 3} {
		opts := DefaultOptions()
		opts.MaxOutstanding = limit
		h := newHarness(t, opts)

		res, _ := h.run(newPage(8, strings.Repeat("#", 20), PageConfig{}))
		if res.Rows != 20 {
			t.Fatalf("rows = %d", res.Rows)
		}
		for i, n := range h.tr.outstanding {
			if n > limit {
				t.Fatalf("limit %d: row %d written with %d rows unacknowledged", limit, i, n)
			}
		}
		if h.tr.polls == 0 {
			t.Fatalf("limit %d: acknowledgements never polled", limit)
		}
	}
}

func TestRun_EarlyPageEndIsNotFatal(t *testing.T) {
	short := newPage(8, "#", PageConfig{})
	short.header.Height = 10

	h := newHarness(t, DefaultOptions())
	res, cmds := h.run(short, newPage(8, "#", PageConfig{}))
	if res.Pages != 2 || res.Rows != 2 {
		t.Fatalf("Result = %+v", res)
	}
	if got := feeds(cmds); len(got) != 0 {
		t.Fatalf("missing rows must not be fed: %v", got)
	}
}

func TestRun_TransportErrorIsFatal(t *testing.T) {
	boom := errors.New("usb: write: no device")
	h := newHarness(t, DefaultOptions())
	h.tr.failWrite = boom

	_, err := h.ctrl.Run(&memSource{pages: []Page{newPage(8, "#", PageConfig{})}})
	if !errors.Is(err, boom) {
		t.Fatalf("Run() err=%v, want %v", err, boom)
	}
}

func TestRun_SourceErrors(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	bad := newPage(8, "#", PageConfig{})
	bad.header.BitsPerPixel = 1
	if _, err := h.ctrl.Run(&memSource{pages: []Page{bad}}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Run() err=%v, want ErrUnsupportedFormat", err)
	}

	boom := errors.New("raster: reading page header: unexpected EOF")
	h = newHarness(t, DefaultOptions())
	if _, err := h.ctrl.Run(&memSource{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("Run() err=%v, want %v", err, boom)
	}
}

func TestRun_ReportsPagesToSpooler(t *testing.T) {
	var buf bytes.Buffer
	if err := logInternal.Init(logInternal.Options{Output: zapcore.AddSync(&buf)}); err != nil {
		t.Fatal(err)
	}
	defer logInternal.Init(logInternal.Options{})

	h := newHarness(t, DefaultOptions())
	pg := newPage(8, "#", PageConfig{})
	pg.header.Copies = 2
	h.run(pg, newPage(8, "#", PageConfig{}))

	out := buf.String()
	if !strings.Contains(out, "PAGE: 1 2\n") || !strings.Contains(out, "PAGE: 2 1\n") {
		t.Fatalf("spooler output = %q", out)
	}
}

func TestPageConfigFromIntegers(t *testing.T) {
	cfg := PageConfigFromIntegers([10]int{3, 1, 12, 0, 1, 64, 200, 250, 120, 500})
	want := PageConfig{
		FeedBetweenPagesMM:  3,
		MarkPageBoundary:    true,
		EjectAfterPrintMM:   12,
		AutoCrop:            false,
		EnhanceResolution:   true,
		HeatingDots:         64,
		HeatingTimeUS:       200,
		HeatingIntervalUS:   250,
		PrintDensityPercent: 120,
		PrintBreakTimeUS:    500,
	}
	if cfg != want {
		t.Fatalf("PageConfigFromIntegers() = %+v, want %+v", cfg, want)
	}
	if cfg.Integers() != [10]int{3, 1, 12, 0, 1, 64, 200, 250, 120, 500} {
		t.Fatalf("Integers() = %v", cfg.Integers())
	}
}

func TestHeatingTime(t *testing.T) {
	tests := []struct {
		floor float64
		want  int
	}{
		{0, 112},
		{1, 16},
		{0.5, 40},
	}
	for _, tt := range tests {
		if got := heatingTime(tt.floor); got != tt.want {
			t.Fatalf("heatingTime(%v) = %d, want %d", tt.floor, got, tt.want)
		}
	}
}

func TestCancelFlag(t *testing.T) {
	c := NewCancelFlag()
	if c.IsSet() {
		t.Fatalf("new flag is set")
	}
	select {
	case <-c.Done():
		t.Fatalf("done closed before Set")
	default:
	}

	c.Set()
	c.Set()
	if !c.IsSet() {
		t.Fatalf("flag not set")
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("done not closed after Set")
	}
}
