package config

import (
	"errors"
	"fmt"
)

// ErrInvalid marks every validation failure.
var ErrInvalid = errors.New("config: invalid")

var logLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalid)
	}

	// ------------------------------------------------------------
	// FLOW CONTROL
	// ------------------------------------------------------------

	if v := cfg.Flow.MaxOutstandingLines; v != nil && *v < 0 {
		return fmt.Errorf("%w: flow.max_outstanding_lines must be >= 0, got %d", ErrInvalid, *v)
	}
	if cfg.Flow.PollIntervalMs < 0 {
		return fmt.Errorf("%w: flow.poll_interval_ms must be >= 0, got %d", ErrInvalid, cfg.Flow.PollIntervalMs)
	}
	if cfg.Flow.SilenceThresholdMs < 0 {
		return fmt.Errorf("%w: flow.silence_threshold_ms must be >= 0, got %d", ErrInvalid, cfg.Flow.SilenceThresholdMs)
	}
	// compare what will be used, defaults included
	poll, silence := cfg.Flow.PollIntervalMs, cfg.Flow.SilenceThresholdMs
	if poll == 0 {
		poll = DefaultPollIntervalMs
	}
	if silence == 0 {
		silence = DefaultSilenceThresholdMs
	}
	if silence < poll {
		return fmt.Errorf("%w: flow.silence_threshold_ms (%d) is shorter than flow.poll_interval_ms (%d)",
			ErrInvalid, silence, poll)
	}

	// ------------------------------------------------------------
	// TRANSPORT
	// ------------------------------------------------------------

	if cfg.Serial.BaudRate < 0 {
		return fmt.Errorf("%w: serial.baud_rate must be >= 0, got %d", ErrInvalid, cfg.Serial.BaudRate)
	}
	if cfg.Serial.DialTimeoutMs < 0 {
		return fmt.Errorf("%w: serial.dial_timeout_ms must be >= 0, got %d", ErrInvalid, cfg.Serial.DialTimeoutMs)
	}

	// ------------------------------------------------------------
	// OUTPUT
	// ------------------------------------------------------------

	if !logLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: log.level %q is not one of debug, info, warn, error", ErrInvalid, cfg.Log.Level)
	}
	if cfg.Image.MaxWidth < 0 {
		return fmt.Errorf("%w: image.max_width must be >= 0, got %d", ErrInvalid, cfg.Image.MaxWidth)
	}
	if v := cfg.ClearanceMM; v != nil && *v < 0 {
		return fmt.Errorf("%w: clearance_mm must be >= 0, got %d", ErrInvalid, *v)
	}

	// the notice goes out in text mode, so control bytes would be commands
	if cfg.CancelNotice != nil {
		s := *cfg.CancelNotice
		for i := 0; i < len(s); i++ {
			if s[i] < 0x20 || s[i] > 0x7e {
				return fmt.Errorf("%w: cancel_notice must contain printable ASCII characters only", ErrInvalid)
			}
		}
	}

	// ------------------------------------------------------------
	// PAGE DEFAULTS
	// ------------------------------------------------------------

	p := cfg.Page
	for _, f := range []struct {
		name string
		v    int
	}{
		{"page.feed_between_pages_mm", p.FeedBetweenPagesMM},
		{"page.eject_after_print_mm", p.EjectAfterPrintMM},
		{"page.heating_dots", p.HeatingDots},
		{"page.heating_time_us", p.HeatingTimeUS},
		{"page.heating_interval_us", p.HeatingIntervalUS},
		{"page.print_density_percent", p.PrintDensityPercent},
		{"page.print_break_time_us", p.PrintBreakTimeUS},
	} {
		if f.v < 0 {
			return fmt.Errorf("%w: %s must be >= 0, got %d", ErrInvalid, f.name, f.v)
		}
	}

	return nil
}
