// Command export reads the record store and writes the plain-text URL list
// consumed by the external downloader. It takes no arguments; filters and the
// output path come from the environment (EXPORT_* and OUTPUT_PATH). An empty
// store is a fatal error, not an empty file.
package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sorrel-dev/discmedia/config"
	"github.com/sorrel-dev/discmedia/db"
	"github.com/sorrel-dev/discmedia/exporter"
	"github.com/sorrel-dev/discmedia/telemetry"
)

func main() {
	_ = godotenv.Load()

	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(2)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("discmedia-export", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	ctx := telemetry.WithCorrelation(context.Background(), telemetry.NewRunID())
	if err := exporter.Export(ctx, database, cfg.OutputPath, exporter.OptionsFromConfig(cfg)); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("export failed", slog.Any("err", err))
		os.Exit(1)
	}
}
