// Package filter connects a configured printer to a page source and runs
// one job on it.
package filter

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edrosten/adafruit-thermal-printer-driver/config"
	"github.com/edrosten/adafruit-thermal-printer-driver/flow"
	"github.com/edrosten/adafruit-thermal-printer-driver/job"
	logInternal "github.com/edrosten/adafruit-thermal-printer-driver/log"
	"github.com/edrosten/adafruit-thermal-printer-driver/printer"
)

// Options returns the controller options described by cfg, which must have
// been normalized.
func Options(cfg *config.Config) job.Options {
	opts := job.DefaultOptions()
	if cfg.Flow.MaxOutstandingLines != nil {
		opts.MaxOutstanding = *cfg.Flow.MaxOutstandingLines
	}
	if cfg.CancelNotice != nil {
		opts.CancelNotice = *cfg.CancelNotice
	}
	if cfg.ClearanceMM != nil {
		opts.ClearanceMM = *cfg.ClearanceMM
	}
	return opts
}

// PageConfig converts the page defaults of cfg.
func PageConfig(cfg *config.Config) job.PageConfig {
	p := cfg.Page
	return job.PageConfig{
		FeedBetweenPagesMM:  p.FeedBetweenPagesMM,
		MarkPageBoundary:    p.MarkPageBoundary,
		EjectAfterPrintMM:   p.EjectAfterPrintMM,
		AutoCrop:            p.AutoCrop,
		EnhanceResolution:   p.EnhanceResolution,
		HeatingDots:         p.HeatingDots,
		HeatingTimeUS:       p.HeatingTimeUS,
		HeatingIntervalUS:   p.HeatingIntervalUS,
		PrintDensityPercent: p.PrintDensityPercent,
		PrintBreakTimeUS:    p.PrintBreakTimeUS,
	}
}

// Run opens the device of cfg and prints src on it. The transport is closed
// before Run returns.
func Run(cfg *config.Config, src job.PageSource, cancel *job.CancelFlag) (res job.Result, err error) {
	t, err := printer.Open(cfg.Device, printer.OpenOptions{
		BaudRate:    cfg.Serial.BaudRate,
		DialTimeout: time.Duration(cfg.Serial.DialTimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return res, fmt.Errorf("filter: opening %q: %w", cfg.Device, err)
	}

	logger := logInternal.L()
	p := printer.NewPrinter(t)
	defer func() {
		if cerr := p.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	mon := flow.New(p, flow.Config{
		PollInterval:     time.Duration(cfg.Flow.PollIntervalMs) * time.Millisecond,
		SilenceThreshold: time.Duration(cfg.Flow.SilenceThresholdMs) * time.Millisecond,
	}, logger)

	logger.Debug("starting job", zap.String("device", cfg.Device))
	return job.NewController(p, mon, cancel, Options(cfg), logger).Run(src)
}
