// Command loomstyle-server serves neural style transfer over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openfluke/loomstyle/config"
	"github.com/openfluke/loomstyle/gpu"
	"github.com/openfluke/loomstyle/nn"
	"github.com/openfluke/loomstyle/server"
)

func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		os.Exit(2)
	}

	logger, err := cfg.Log.NewLogger(os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)
	gpu.SetLogger(logger)

	slog.Info("starting loomstyle server",
		"addr", cfg.Server.Addr,
		"backbone", cfg.Model.ID,
		"device", cfg.Transfer.Device,
		"max_concurrent", cfg.Server.MaxConcurrent,
	)

	start := time.Now()
	backbone, err := nn.LoadVGG19(cfg.Model.Weights, cfg.Model.UpTo)
	if err != nil {
		slog.Error("failed to load backbone", "error", err)
		os.Exit(1)
	}
	blueprint := nn.ExtractNetworkBlueprint(backbone, cfg.Model.ID)
	slog.Info("backbone loaded",
		"weights", cfg.Model.Weights,
		"layers", blueprint.TotalLayers,
		"parameters", blueprint.TotalParams,
		"took", time.Since(start),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.New(cfg, backbone, logger).Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server exited")
}
