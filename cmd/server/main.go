package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"golang.org/x/sync/errgroup"

	"hls-offline/internal/config"
	"hls-offline/internal/database"
	"hls-offline/internal/downloader"
	"hls-offline/internal/proxy"
	"hls-offline/internal/quota"
	"hls-offline/internal/store"
	"hls-offline/internal/task"
)

type args struct {
	Config    string `arg:"-c,--config,env:HLS_OFFLINE_CONFIG" default:"config.json" help:"path to the JSON config file"`
	DataDir   string `arg:"--data-dir,env:HLS_OFFLINE_DATA_DIR" help:"directory holding the offline database"`
	Port      int    `arg:"-p,--port,env:HLS_OFFLINE_PORT" help:"listen port"`
	LogLevel  string `arg:"--log-level,env:LOG_LEVEL" help:"debug, info, warn or error"`
	LogFormat string `arg:"--log-format,env:LOG_FORMAT" help:"text or json"`
	Clear     bool   `arg:"--clear" help:"delete every stored title and exit"`
}

func (args) Description() string {
	return "hls-offline downloads HLS titles into a local store and serves them for offline playback.\n"
}

func main() {
	var a args
	arg.MustParse(&a)

	cfg, err := config.LoadConfig(a.Config)
	if err != nil {
		slog.Error("loading config", "path", a.Config, "err", err.Error())
		os.Exit(1)
	}
	if a.DataDir != "" {
		cfg.DataDir = a.DataDir
	}
	if a.Port != 0 {
		cfg.ListenPort = a.Port
	}
	if a.LogLevel != "" {
		cfg.LogLevel = a.LogLevel
	}
	if a.LogFormat != "" {
		cfg.LogFormat = a.LogFormat
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		fatal(logger, "invalid config", "err", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Init(cfg.DataDir)
	if err != nil {
		fatal(logger, "opening database", "dir", cfg.DataDir, "err", err.Error())
	}
	defer db.Close()

	s, err := store.Open(ctx, db)
	if err != nil {
		fatal(logger, "opening segment store", "err", err.Error())
	}

	if a.Clear {
		if err := s.Clear(ctx); err != nil {
			fatal(logger, "clearing offline data", "err", err.Error())
		}
		logger.Info("offline data cleared", "dir", cfg.DataDir)
		return
	}

	client := downloader.NewClient(cfg.Headers, cfg.FetchRate, cfg.FetchBurst)

	var resolver task.ManifestResolver = task.TemplateResolver{Template: cfg.ManifestURLTemplate}
	if cfg.VideoAPIBase != "" {
		resolver = task.APIResolver{
			BaseURL:        cfg.VideoAPIBase,
			ContentBaseURL: cfg.ContentBaseURL,
			Fetcher:        client,
			Timeout:        cfg.SegmentTimeout.Std(),
		}
	}

	manager := task.NewManager(s, client, resolver, task.Options{
		Retention:        cfg.Retention.Std(),
		SegmentTimeout:   cfg.SegmentTimeout.Std(),
		SegmentExtension: cfg.SegmentExtension,
	}, logger.With("component", "downloads"))
	manager.BaseContext = ctx

	accountant := &quota.Accountant{
		Store:     s,
		Active:    manager,
		Logger:    logger.With("component", "quota"),
		Quota:     cfg.QuotaBytes,
		Threshold: cfg.EvictionThreshold,
		Warning:   cfg.WarningThreshold,
	}
	scheduler := &quota.Scheduler{
		Accountant: accountant,
		Interval:   cfg.CleanupInterval.Std(),
		Logger:     accountant.Logger,
	}

	server := proxy.NewServer(cfg, s, client, manager, accountant, logger.With("component", "proxy"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		fatal(logger, "server stopped", "err", err.Error())
	}
	logger.Info("shut down")
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}
