// Package config loads the filter settings: an optional YAML file, then
// environment overrides, then validation and defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no config file is given and it exists.
const DefaultPath = "/etc/rastertothermal/config.yaml"

type Config struct {
	Device string       `yaml:"device"`
	Serial SerialConfig `yaml:"serial"`
	Flow   FlowConfig   `yaml:"flow"`
	Log    LogConfig    `yaml:"log"`
	Image  ImageConfig  `yaml:"image"`
	Page   PageConfig   `yaml:"page"`

	// CancelNotice is printed when a job is cancelled. nil means the
	// default notice, "" prints nothing.
	CancelNotice *string `yaml:"cancel_notice"`
	ClearanceMM  *int    `yaml:"clearance_mm"`
}

// ---- TRANSPORT ----

type SerialConfig struct {
	BaudRate      int `yaml:"baud_rate"`
	DialTimeoutMs int `yaml:"dial_timeout_ms"`
}

// ---- FLOW CONTROL ----

type FlowConfig struct {
	// nil means the default; 0 is lockstep
	MaxOutstandingLines *int `yaml:"max_outstanding_lines"`
	PollIntervalMs      int  `yaml:"poll_interval_ms"`
	SilenceThresholdMs  int  `yaml:"silence_threshold_ms"`
}

// ---- LOGGING ----

type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// ---- IMAGES ----

type ImageConfig struct {
	MaxWidth int `yaml:"max_width"`
}

// PageConfig holds the page settings used when the input carries none, as
// with plain image files.
type PageConfig struct {
	FeedBetweenPagesMM  int  `yaml:"feed_between_pages_mm"`
	MarkPageBoundary    bool `yaml:"mark_page_boundary"`
	EjectAfterPrintMM   int  `yaml:"eject_after_print_mm"`
	AutoCrop            bool `yaml:"auto_crop"`
	EnhanceResolution   bool `yaml:"enhance_resolution"`
	HeatingDots         int  `yaml:"heating_dots"`
	HeatingTimeUS       int  `yaml:"heating_time_us"`
	HeatingIntervalUS   int  `yaml:"heating_interval_us"`
	PrintDensityPercent int  `yaml:"print_density_percent"`
	PrintBreakTimeUS    int  `yaml:"print_break_time_us"`
}

// Load reads the YAML file at path. Unknown keys are an error so typos do
// not silently fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// LoadOptional is Load, except that a missing file yields an empty config.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	return cfg, err
}

// Parse decodes YAML config data.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Resolve runs every stage: the optional file at path, overrides from env,
// Validate and Normalize.
func Resolve(path string, env map[string]string) (*Config, error) {
	cfg, err := LoadOptional(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg, env); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	Normalize(cfg)
	return cfg, nil
}
