// Package log is the diagnostics sink of the filter. Messages go to stderr in
// the form the print spooler understands ("DEBUG: ...", "ERROR: ..."), and can
// be mirrored into rotating log files.
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger built by New.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// Dir, when set, receives a copy of every message in
	// <Dir>/<Name>-<slot>.log.
	Dir  string
	Name string

	// Output replaces stderr, mostly for tests.
	Output zapcore.WriteSyncer
}

var (
	mu     sync.RWMutex
	logger = zap.New(zapcore.NewCore(consoleEncoder(), stderr, zapcore.InfoLevel))
	sink   zapcore.WriteSyncer = stderr
	closer func() error
)

var stderr = zapcore.Lock(os.Stderr)

// New builds a logger from opts. The returned close function releases the
// log file, if any.
func New(opts Options) (*zap.Logger, zapcore.WriteSyncer, func() error, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, nil, nil, fmt.Errorf("log: invalid level %q: %w", opts.Level, err)
		}
	}

	out := opts.Output
	if out == nil {
		out = stderr
	}

	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder(), out, level)}
	closeFn := func() error { return nil }

	if opts.Dir != "" {
		name := opts.Name
		if name == "" {
			name = "filter"
		}
		path, suffix := getLogFilePath(opts.Dir, name, time.Now())
		rotateLogs(opts.Dir, name, suffix)

		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("log: open %s: %w", path, err)
		}
		cores = append(cores, zapcore.NewCore(fileEncoder(), zapcore.Lock(f), level))
		closeFn = f.Close
	}

	return zap.New(zapcore.NewTee(cores...)), out, closeFn, nil
}

// Init replaces the package logger.
func Init(opts Options) error {
	l, out, c, err := New(opts)
	if err != nil {
		return err
	}

	mu.Lock()
	prev := closer
	logger, sink, closer = l, out, c
	mu.Unlock()

	if prev != nil {
		_ = prev()
	}
	return nil
}

// Close flushes the logger and releases the log file.
func Close() error {
	mu.Lock()
	l, c := logger, closer
	closer = nil
	mu.Unlock()

	_ = l.Sync()
	if c != nil {
		return c()
	}
	return nil
}

// L returns the package logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Control writes a raw spooler control line such as "PAGE: 1 1" or
// "STATE: +media-empty-error" to the same sink as the log messages.
func Control(format string, args ...any) {
	mu.RLock()
	out := sink
	mu.RUnlock()

	line := fmt.Sprintf(format, args...)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	_, _ = out.Write([]byte(line))
}

var cupsPrefix = map[zapcore.Level]string{
	zapcore.DebugLevel: "DEBUG:",
	zapcore.InfoLevel:  "INFO:",
	zapcore.WarnLevel:  "WARNING:",
}

func encodeCupsLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	p, ok := cupsPrefix[l]
	if !ok {
		p = "ERROR:"
	}
	enc.AppendString(p)
}

func consoleEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		LevelKey:         "level",
		MessageKey:       "msg",
		EncodeLevel:      encodeCupsLevel,
		ConsoleSeparator: " ",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeDuration:   zapcore.StringDurationEncoder,
	})
}

func fileEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// getLogFilePath picks the file for now and returns its rotation slot: days
// 1-9 use slot 0, 10-19 slot 1, the rest slot 2.
func getLogFilePath(dir, name string, now time.Time) (string, int) {
	day := now.Day()
	var suffix int
	switch {
	case day <= 9:
		suffix = 0
	case day <= 19:
		suffix = 1
	default:
		suffix = 2
	}
	return slotPath(dir, name, suffix), suffix
}

// rotateLogs removes the slot that will be written next, so the files cycle
// 0 -> 1 -> 2 -> 0 and at most two periods of history are kept.
func rotateLogs(dir, name string, currentSuffix int) {
	if currentSuffix < 0 || currentSuffix > 2 {
		return
	}
	fileToDelete := slotPath(dir, name, (currentSuffix+1)%3)

	if _, err := os.Stat(fileToDelete); err != nil {
		return
	}
	if err := os.Remove(fileToDelete); err != nil {
		Warn("could not remove old log file", zap.String("file", fileToDelete), zap.Error(err))
		return
	}
	Debug("removed old log file", zap.String("file", fileToDelete))
}

func slotPath(dir, name string, suffix int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d.log", name, suffix))
}
