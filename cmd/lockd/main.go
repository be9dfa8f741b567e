package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-tenantlock/internal/backend"
	"github.com/mirkobrombin/go-tenantlock/internal/config"
	"github.com/mirkobrombin/go-tenantlock/internal/logger"
	"github.com/mirkobrombin/go-tenantlock/v1/httpapi"
	"github.com/mirkobrombin/go-tenantlock/v1/lock"
	"github.com/mirkobrombin/go-tenantlock/v1/metrics"
	"github.com/mirkobrombin/go-tenantlock/v1/reaper"
)

var (
	addr    = flag.String("addr", "", "HTTP listen address (overrides TENANTLOCK_HTTP_ADDR)")
	envFile = flag.String("env", "", "Path of a .env file to load")
)

func main() {
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *addr != "" {
		cfg.App.HTTPAddr = *addr
	}

	zl, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("lockd stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.App.Tracing {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	be, err := backend.Open(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.Close(); err != nil {
			zl.Warn("backend close", zap.Error(err))
		}
	}()

	hopts := []lock.Option{lock.WithLogger(zl.Named("lock"))}
	if be.Bus != nil {
		hopts = append(hopts, lock.WithBus(be.Bus))
	}
	h := lock.NewHandle(be.Store, hopts...)

	mode, err := reaper.ParseMode(cfg.Reaper.Mode)
	if err != nil {
		return err
	}
	ropts := []reaper.Option{
		reaper.WithMode(mode),
		reaper.WithInterval(cfg.Reaper.Interval),
		reaper.WithOlderThan(cfg.Reaper.OlderThan),
		reaper.WithLogger(zl.Named("reaper")),
	}
	if be.Bus != nil {
		ropts = append(ropts, reaper.WithBus(be.Bus))
	}
	rp, err := reaper.New(be.Store, ropts...)
	if err != nil {
		return err
	}

	api := httpapi.NewServer(h,
		httpapi.WithReaper(rp),
		httpapi.WithGatherer(reg),
		httpapi.WithLogger(zl.Named("http")),
		httpapi.WithRateLimit(cfg.App.RateLimit),
		httpapi.WithCORS(cfg.App.Origins...),
	)
	srv := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info("lockd listening", zap.String("addr", cfg.App.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		rp.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		zl.Info("lockd shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
