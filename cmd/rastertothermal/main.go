// Command rastertothermal is a CUPS filter for small ESC/POS thermal
// receipt printers. It reads CUPS raster from a file or stdin and writes
// printer commands to the configured device, stdout by default.
//
//	rastertothermal job-id user title copies options [file]
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/edrosten/adafruit-thermal-printer-driver/config"
	"github.com/edrosten/adafruit-thermal-printer-driver/filter"
	"github.com/edrosten/adafruit-thermal-printer-driver/job"
	logInternal "github.com/edrosten/adafruit-thermal-printer-driver/log"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 5 || len(args) > 6 {
		fmt.Fprintln(os.Stderr, "Usage: rastertothermal job-id user title copies options [file]")
		return 1
	}

	cfgPath := os.Getenv(config.EnvPrefix + "CONFIG")
	if cfgPath == "" {
		cfgPath = config.DefaultPath
	}
	env, err := config.ReadEnv(os.Getenv(config.EnvPrefix + "ENV_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	cfg, err := config.Resolve(cfgPath, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}

	if err := logInternal.Init(logInternal.Options{
		Level: cfg.Log.Level,
		Dir:   cfg.Log.Dir,
		Name:  "rastertothermal",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	defer logInternal.Close()

	logInternal.Info("starting",
		zap.String("job", args[0]), zap.String("user", args[1]), zap.String("title", args[2]))

	var in io.Reader = os.Stdin
	if len(args) == 6 {
		f, err := os.Open(args[5])
		if err != nil {
			logInternal.Error("cannot open input", zap.Error(err))
			return 1
		}
		defer f.Close()
		in = f
	}

	// a spooler that goes away mid job must not kill us before the cancel
	// sequence is out
	signal.Ignore(syscall.SIGPIPE)

	cancel := job.NewCancelFlag()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			logInternal.Info("cancel requested")
			cancel.Set()
		}
	}()

	src, err := job.NewCupsSource(bufio.NewReader(in))
	if err != nil {
		if errors.Is(err, io.EOF) {
			logInternal.Info("empty job")
			return 0
		}
		logInternal.Error("cannot read raster stream", zap.Error(err))
		return 1
	}

	res, err := filter.Run(cfg, src, cancel)
	if err != nil {
		logInternal.Error("job failed", zap.Error(err),
			zap.Int("pages", res.Pages), zap.Int("rows", res.Rows))
		return 1
	}
	if res.Cancelled {
		logInternal.Info("job cancelled", zap.Int("pages", res.Pages))
	}
	return 0
}
