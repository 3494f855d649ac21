package config

const (
	DefaultDevice              = "-"
	DefaultMaxOutstandingLines = 80
	DefaultPollIntervalMs      = 10
	DefaultSilenceThresholdMs  = 2500
	DefaultBaudRate            = 19200
	DefaultDialTimeoutMs       = 5000
	DefaultLogLevel            = "info"
	DefaultMaxWidth            = 384
	DefaultCancelNotice        = "*** JOB CANCELLED ***"
	DefaultClearanceMM         = 10
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}

	if cfg.Flow.MaxOutstandingLines == nil {
		v := DefaultMaxOutstandingLines
		cfg.Flow.MaxOutstandingLines = &v
	}
	if cfg.Flow.PollIntervalMs == 0 {
		cfg.Flow.PollIntervalMs = DefaultPollIntervalMs
	}
	if cfg.Flow.SilenceThresholdMs == 0 {
		cfg.Flow.SilenceThresholdMs = DefaultSilenceThresholdMs
	}

	if cfg.Serial.BaudRate == 0 {
		cfg.Serial.BaudRate = DefaultBaudRate
	}
	if cfg.Serial.DialTimeoutMs == 0 {
		cfg.Serial.DialTimeoutMs = DefaultDialTimeoutMs
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Image.MaxWidth == 0 {
		cfg.Image.MaxWidth = DefaultMaxWidth
	}

	if cfg.CancelNotice == nil {
		s := DefaultCancelNotice
		cfg.CancelNotice = &s
	}
	if cfg.ClearanceMM == nil {
		v := DefaultClearanceMM
		cfg.ClearanceMM = &v
	}
}
