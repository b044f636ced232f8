package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noxterm/noxterm/internal/api"
	"github.com/noxterm/noxterm/internal/config"
	"github.com/noxterm/noxterm/internal/controller"
	"github.com/noxterm/noxterm/internal/egress"
	"github.com/noxterm/noxterm/internal/quota"
	"github.com/noxterm/noxterm/internal/reconciler"
	"github.com/noxterm/noxterm/internal/session"
	"github.com/noxterm/noxterm/internal/store"
	"github.com/noxterm/noxterm/internal/stream"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("noxterm", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cfgPath := fs.String("config", "", "path to noxterm.yaml")
	logLevelStr := fs.String("log-level", "", "log level: debug, info, warn, error (default from NOXTERM_LOG or info)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger := newLogger(*logLevelStr, "json")

	path := *cfgPath
	if path == "" {
		for _, p := range []string{"noxterm.yaml", "/etc/noxterm/noxterm.yaml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("load config", "error", err)
		return 1
	}
	if cfg.LogFormat == "text" {
		logger = newLogger(*logLevelStr, cfg.LogFormat)
	}
	for _, w := range cfg.Warnings() {
		logger.Warn("config warning", "detail", w)
	}
	logger.Debug("config loaded", "config_path", path, "listen", cfg.Listen, "db_path", cfg.DBPath)

	st, err := store.New(cfg.DBPath, cfg.DBMaxConns)
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer st.Close()

	ctrl, err := controller.New()
	if err != nil {
		logger.Error("docker client", "error", err)
		return 1
	}
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Ping(ctx); err != nil {
		logger.Error("docker ping failed", "error", err)
		return 1
	}
	logger.Info("container runtime reachable")

	q := quota.New(st, cfg.Quotas.MaxPerTenant, cfg.Quotas.SessionCreateRate, cfg.Quotas.SessionCreateWindowSecs)
	mgr := session.NewManager(cfg, st, ctrl, q)
	engine := stream.NewEngine(ctrl.Docker(), mgr, logger)

	var facade *egress.Facade
	if cfg.Egress.Enabled {
		facade = egress.New(cfg.Egress.BinaryPath, cfg.Egress.SocksPort, cfg.Egress.ControlPort, logger)
		if cfg.Egress.AutoStart {
			startCtx, startCancel := context.WithTimeout(ctx, 35*time.Second)
			if err := facade.Start(startCtx); err != nil {
				logger.Error("egress facade auto-start failed", "error", err)
			}
			startCancel()
		}
	}

	rec := reconciler.NewReconciler(st, ctrl, reconciler.Config{
		ExpirySweepSecs:  cfg.Timings.ExpirySweepSecs,
		HealthProbeSecs:  cfg.Timings.HealthProbeSecs,
		MetricsFlushSecs: cfg.Timings.MetricsFlushSecs,
		OrphanSweepSecs:  cfg.Timings.OrphanSweepSecs,
	}, logger)
	go rec.Run(ctx)

	srv := api.NewServer(cfg, mgr, st, rec, facade, engine, ctrl, logger)

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold connections open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
		if facade != nil {
			facade.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen)
	fmt.Fprintf(os.Stderr, "\n  noxterm ready\n  API: http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}

func newLogger(levelFlag, format string) *slog.Logger {
	level := slog.LevelInfo
	v := levelFlag
	if v == "" {
		v = os.Getenv("NOXTERM_LOG")
	}
	switch v {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
