package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix starts every variable ApplyEnv looks at.
const EnvPrefix = "RASTERTOTHERMAL_"

// ReadEnv returns the process environment, with values from the dotenv file
// at path filling in variables the process does not set. A missing file is
// not an error.
func ReadEnv(path string) (map[string]string, error) {
	env := map[string]string{}
	if path != "" {
		fileEnv, err := godotenv.Read(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

// ApplyEnv overrides cfg with RASTERTOTHERMAL_* variables from env.
// Call it before Validate.
func ApplyEnv(cfg *Config, env map[string]string) error {
	get := func(name string) (string, bool) {
		v, ok := env[EnvPrefix+name]
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	getInt := func(name string) (int, bool, error) {
		s, ok := get(name)
		if !ok {
			return 0, false, nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s%s=%q is not a number", ErrInvalid, EnvPrefix, name, s)
		}
		return v, true, nil
	}

	if v, ok := get("DEVICE"); ok {
		cfg.Device = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := get("LOG_DIR"); ok {
		cfg.Log.Dir = v
	}
	// an empty notice is meaningful, so presence is enough here
	if v, ok := env[EnvPrefix+"CANCEL_NOTICE"]; ok {
		cfg.CancelNotice = &v
	}

	ints := []struct {
		name string
		set  func(int)
	}{
		{"MAX_OUTSTANDING", func(v int) { cfg.Flow.MaxOutstandingLines = &v }},
		{"POLL_INTERVAL_MS", func(v int) { cfg.Flow.PollIntervalMs = v }},
		{"SILENCE_THRESHOLD_MS", func(v int) { cfg.Flow.SilenceThresholdMs = v }},
		{"BAUD_RATE", func(v int) { cfg.Serial.BaudRate = v }},
		{"CLEARANCE_MM", func(v int) { cfg.ClearanceMM = &v }},
		{"MAX_WIDTH", func(v int) { cfg.Image.MaxWidth = v }},
	}
	for _, f := range ints {
		v, ok, err := getInt(f.name)
		if err != nil {
			return err
		}
		if ok {
			f.set(v)
		}
	}
	return nil
}
