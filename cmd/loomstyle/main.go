// Command loomstyle stylizes one image from the command line.
//
//	loomstyle -weights vgg19.safetensors -content a.jpg -style b.jpg -out out.png
//
// With -export-weights it instead rewrites the backbone weights as F32
// tensors, dropping every layer past -up-to:
//
//	loomstyle -weights vgg19_bf16.safetensors -export-weights vgg19_conv5.safetensors
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openfluke/loomstyle/config"
	"github.com/openfluke/loomstyle/gpu"
	"github.com/openfluke/loomstyle/imgio"
	"github.com/openfluke/loomstyle/nn"
	"github.com/openfluke/loomstyle/style"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "loomstyle:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("loomstyle", flag.ContinueOnError)
	contentPath := fs.String("content", "", "content image")
	stylePath := fs.String("style", "", "style image")
	outPath := fs.String("out", "stylized.png", "output PNG")
	exportPath := fs.String("export-weights", "", "write the truncated backbone weights here and exit")

	cfg, err := config.Load(fs, args, os.Getenv)
	if err != nil {
		return err
	}
	if *exportPath != "" {
		return exportWeights(cfg, *exportPath)
	}
	if *contentPath == "" || *stylePath == "" {
		fs.Usage()
		return fmt.Errorf("-content and -style are required")
	}
	if cfg.Model.Weights == "" {
		return fmt.Errorf("-weights is required")
	}
	if err := cfg.Transfer.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	gpu.SetLogger(logger)

	content, err := imgio.ReadFile(*contentPath)
	if err != nil {
		return err
	}
	styleImg, err := imgio.ReadFile(*stylePath)
	if err != nil {
		return err
	}
	backbone, err := nn.LoadVGG19(cfg.Model.Weights, cfg.Model.UpTo)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := style.New(backbone, logger).Transfer(ctx, content, styleImg, cfg.Transfer,
		&style.LogObserver{Logger: logger})
	if err != nil {
		return err
	}
	if err := imgio.WriteFile(*outPath, res.Image); err != nil {
		return err
	}

	attrs := []any{
		"path", *outPath,
		"width", res.Image.Bounds().Dx(),
		"height", res.Image.Bounds().Dy(),
		"steps", res.Steps,
		"elapsed", res.Elapsed,
	}
	if n := len(res.History); n > 0 {
		attrs = append(attrs, "total_loss", res.History[n-1].Total)
	}
	logger.Info("wrote stylized image", attrs...)
	return nil
}

func exportWeights(cfg *config.Config, path string) error {
	if cfg.Model.Weights == "" {
		return fmt.Errorf("-weights is required")
	}
	backbone, err := nn.LoadVGG19(cfg.Model.Weights, cfg.Model.UpTo)
	if err != nil {
		return err
	}
	if err := backbone.SaveWeightsToSafetensors(path); err != nil {
		return fmt.Errorf("export weights: %w", err)
	}
	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	bp := nn.ExtractNetworkBlueprint(backbone, cfg.Model.ID)
	logger.Info("exported backbone weights", "path", path, "up_to", cfg.Model.UpTo, "layers", bp.TotalLayers, "parameters", bp.TotalParams)
	return nil
}
