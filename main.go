// Command discmedia is the collector entry point. It:
//   - Loads configuration and initializes structured logging.
//   - Validates the Discord credentials before any network call.
//   - Connects to Postgres and runs idempotent migrations.
//   - Walks guilds and DMs, storing every attachment URL it finds.
//
// The run is one-shot: it exits 0 when the crawl completes, non-zero on a
// fatal error (bad credentials, unreachable store).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sorrel-dev/discmedia/collector"
	"github.com/sorrel-dev/discmedia/config"
	"github.com/sorrel-dev/discmedia/db"
	"github.com/sorrel-dev/discmedia/discordapi"
	"github.com/sorrel-dev/discmedia/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(2)
	}
	// Credentials are checked before anything touches the network or the store.
	if err := cfg.ValidateCollectReady(); err != nil {
		slog.Error("credentials missing", slog.Any("err", err))
		os.Exit(2)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("discmedia-collector", "1.0.0")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Versioned migrations first, embedded SQL as fallback for old checkouts.
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	if cfg.MetricsAddr != "" {
		go telemetry.StartMetricsServer(ctx, cfg.MetricsAddr)
	}

	ctx = telemetry.WithCorrelation(ctx, telemetry.NewRunID())
	log := telemetry.LoggerWithCorr(ctx)

	client := &discordapi.Client{Token: cfg.Token, BaseURL: cfg.APIBase, PageSize: cfg.PageSize}
	stats, err := collector.New(database, client, cfg).Run(ctx)
	if err != nil {
		log.Error("collector run failed", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info("collector run complete",
		slog.Int("guilds_scanned", stats.GuildsScanned),
		slog.Int("guilds_failed", stats.GuildsFailed),
		slog.Int("messages_seen", stats.MessagesSeen),
		slog.Int("media_new", stats.MediaInserted),
		slog.Int("media_duplicate", stats.MediaDuplicate),
		slog.Int64("media_total", stats.TotalMedia))
}
