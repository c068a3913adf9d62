// Command docflowd runs the conversion service: the HTTP API, the worker
// pool and the periodic maintenance schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"github.com/xraph/docflow/api"
	"github.com/xraph/docflow/audit"
	"github.com/xraph/docflow/engine"
	"github.com/xraph/docflow/policy"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config yaml")
	flag.Parse()

	cfg, err := loadConfig(cfgPath, os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	var cl closers
	defer cl.close(logger)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	cl = append(cl, st.Close)

	broker, closeBroker, err := openBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	cl = append(cl, closeBroker)

	files, err := openStorage(cfg)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	eng, err := engine.New(st, broker, files, newRoutine(cfg),
		engine.WithConfig(cfg.Engine),
		engine.WithLogger(logger),
		engine.WithPolicy(policy.Policy{Hours: cfg.BusinessHours}),
		engine.WithClock(func() time.Time { return time.Now().In(loc) }),
		engine.WithAuditLogger(audit.NewSlogLogger(logger.With(slog.String("component", "audit")))),
	)
	if err != nil {
		return err
	}

	sched := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLocation(loc),
	)
	if _, err := sched.AddFunc(cfg.Maintenance.EstimateRefresh, func() {
		if err := eng.RefreshEstimates(ctx); err != nil {
			logger.Warn("estimate refresh failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", cfg.Maintenance.EstimateRefresh, err)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	sched.Start()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.New(eng, logger, api.WithTierLimits(cfg.Tiers)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("docflowd listening",
			slog.String("addr", cfg.Listen),
			slog.String("store", cfg.Store.Driver),
			slog.String("broker", cfg.Broker.Driver),
			slog.String("storage", cfg.Storage.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-srvErr:
	}

	logger.Info("docflowd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout+5*time.Second)
	defer cancel()

	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown error", slog.String("error", serr.Error()))
	}
	<-sched.Stop().Done()
	if serr := eng.Stop(shutdownCtx); serr != nil {
		logger.Warn("engine stop error", slog.String("error", serr.Error()))
	}
	return err
}
