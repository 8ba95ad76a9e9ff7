package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/logging"
	"github.com/loqalabs/loqa-narrate/internal/pipeline"
	"github.com/loqalabs/loqa-narrate/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		inputPath   string
		outputPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults and LOQA_* env when empty)")
	flag.StringVar(&inputPath, "input", "", "Article text file (overrides input_path)")
	flag.StringVar(&outputPath, "output", "", "Narrated MP3 file (overrides output_path)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := loadConfig(configPath, inputPath, outputPath)
	if err != nil {
		logging.New("info", "text").Error("failed to load config", logging.Error(err))
		os.Exit(1)
	}
	logger := logging.New(cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := runtime.New(cfg, logger).Run(ctx)
	if err != nil {
		attrs := []any{logging.Error(err)}
		if stage, ok := pipeline.StageOf(err); ok {
			attrs = append(attrs, slog.String("stage", stage.String()))
		}
		if errors.Is(err, context.Canceled) {
			attrs = append(attrs, slog.Bool("interrupted", true))
		}
		logger.Error("narration failed", attrs...)
		stop()
		os.Exit(1)
	}

	if res.CleanupErr != nil {
		logger.Warn("narration finished with leftover intermediates", logging.Error(res.CleanupErr))
	}
	logger.Info("narration saved",
		slog.String("run_id", res.RunID),
		slog.String("path", res.OutputPath),
		slog.Int("chunks", res.Chunks),
		slog.Duration("duration", res.Duration))
}

func loadConfig(path, input, output string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if input != "" {
		cfg.InputPath = input
	}
	if output != "" {
		cfg.OutputPath = output
	}
	return cfg, config.Validate(cfg)
}
