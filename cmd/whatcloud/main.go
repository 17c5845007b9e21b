package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"whatcloud/internal/config"
	"whatcloud/internal/export"
	"whatcloud/internal/httpserver"
	"whatcloud/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		addr    = flag.String("addr", "", "listen address (overrides config)")
		root    = flag.String("root", "", "directory to serve (overrides config)")
		cfgPath = flag.String("config", "", "path to config .json, .yaml or .yml (optional)")
	)
	flag.Parse()

	cfg, err := loadConfig(*cfgPath, *addr, *root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func loadConfig(path, addr, root string) (config.Config, error) {
	cfg := config.Defaults()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if root != "" {
		cfg.Root = root
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return cfg, fmt.Errorf("abs root: %w", err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return cfg, fmt.Errorf("root: %w", err)
	}
	if !st.IsDir() {
		return cfg, fmt.Errorf("root %s is not a directory", abs)
	}
	cfg.Root = abs
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	col := metrics.NewCollector("whatcloud", reg, logger)

	pool := export.NewPool(export.Options{
		MaxWorkers: cfg.MaxExports,
		BufferSize: cfg.ExportBufferSize,
		Logger:     logger,
		Metrics:    col,
	})

	srv, err := httpserver.New(httpserver.Options{
		Config:   cfg,
		Pool:     pool,
		Gatherer: reg,
		Metrics:  col,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}

	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	logger.Info("whatcloud listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("root", cfg.Root),
		zap.Int("max_exports", pool.Max()),
		zap.Int("max_conns", cfg.MaxConns),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		pool.Close()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(sctx)
		if err != nil {
			// streams still open; cut them so their workers see the reader leave
			_ = httpSrv.Close()
		}
		pool.Wait()
		logger.Info("all exports finished")
		return err
	})
	err = g.Wait()
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("shutdown timed out, connections closed forcibly")
		return nil
	}
	return err
}
