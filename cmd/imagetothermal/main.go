// Command imagetothermal prints image files on a thermal receipt printer,
// one page per file, with the same dithering and flow control as the CUPS
// filter.
package main

import (
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/edrosten/adafruit-thermal-printer-driver/config"
	"github.com/edrosten/adafruit-thermal-printer-driver/filter"
	"github.com/edrosten/adafruit-thermal-printer-driver/job"
	logInternal "github.com/edrosten/adafruit-thermal-printer-driver/log"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("imagetothermal", flag.ContinueOnError)
	cfgPath := fs.String("config", config.DefaultPath, "YAML config file, ignored when missing")
	envFile := fs.String("env", "", "dotenv file with RASTERTOTHERMAL_* overrides")
	device := fs.String("device", "", "printer device, overrides the config")
	autoCrop := fs.Bool("crop", false, "skip blank rows at the top and bottom of each image")
	enhance := fs.Bool("enhance", false, "per row heating calibration for smoother gray")
	mark := fs.Bool("mark", false, "print a rule at the start and end of each image")
	feed := fs.Int("feed", -1, "mm fed between images, -1 keeps the config value")
	eject := fs.Int("eject", -1, "mm fed after the last image, -1 keeps the config value")
	level := fs.String("log-level", "", "debug, info, warn or error")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: imagetothermal [flags] image...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	env, err := config.ReadEnv(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	if *device != "" {
		env[config.EnvPrefix+"DEVICE"] = *device
	}
	if *level != "" {
		env[config.EnvPrefix+"LOG_LEVEL"] = *level
	}
	cfg, err := config.Resolve(*cfgPath, env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}

	if err := logInternal.Init(logInternal.Options{
		Level: cfg.Log.Level,
		Dir:   cfg.Log.Dir,
		Name:  "imagetothermal",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	defer logInternal.Close()

	pc := filter.PageConfig(cfg)
	pc.AutoCrop = pc.AutoCrop || *autoCrop
	pc.EnhanceResolution = pc.EnhanceResolution || *enhance
	pc.MarkPageBoundary = pc.MarkPageBoundary || *mark
	if *feed >= 0 {
		pc.FeedBetweenPagesMM = *feed
	}
	if *eject >= 0 {
		pc.EjectAfterPrintMM = *eject
	}

	images := make([]image.Image, 0, fs.NArg())
	for _, name := range fs.Args() {
		img, err := decodeFile(name)
		if err != nil {
			logInternal.Error("cannot load image", zap.String("file", name), zap.Error(err))
			return 1
		}
		images = append(images, img)
	}

	cancel := job.NewCancelFlag()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			logInternal.Info("cancel requested")
			cancel.Set()
		}
	}()

	src := job.NewImageSource(images, cfg.Image.MaxWidth, pc)
	res, err := filter.Run(cfg, src, cancel)
	if err != nil {
		logInternal.Error("print failed", zap.Error(err), zap.Int("pages", res.Pages))
		return 1
	}
	logInternal.Info("done", zap.Int("pages", res.Pages), zap.Int("rows", res.Rows), zap.Bool("cancelled", res.Cancelled))
	return 0
}

func decodeFile(name string) (image.Image, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	logInternal.Debug("decoded image", zap.String("file", name), zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()), zap.Int("height", img.Bounds().Dy()))
	return img, nil
}
