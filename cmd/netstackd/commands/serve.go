package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-netstack/netstackd/internal/config"
	"github.com/go-netstack/netstackd/internal/driver"
	"github.com/go-netstack/netstackd/internal/netmetrics"
	"github.com/go-netstack/netstackd/internal/stack"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bring up the stack and serve until signaled",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}
}

func runServe(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()))
		return err
	}

	logger := newLogger(cfg.Log)
	logger.Info("netstackd starting",
		slog.String("driver", cfg.Driver.Kind),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	drv, err := newDriver(cfg.Driver)
	if err != nil {
		return fmt.Errorf("open driver: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := netmetrics.NewCollector(reg)

	s, err := stack.New(cfg, drv, collector)
	if err != nil {
		return fmt.Errorf("build stack: %w", err)
	}
	s.Probe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Run's blocking Recv only unblocks via drv.Close(), not ctx
	// cancellation, so a closer goroutine is what actually lets Run
	// return once the context is done.
	g.Go(func() error {
		<-gCtx.Done()
		return drv.Close()
	})

	g.Go(func() error {
		if err := s.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, driver.ErrClosed) {
			return fmt.Errorf("stack run: %w", err)
		}
		return nil
	})

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("netstackd exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("netstackd stopped")
	return nil
}

func newDriver(cfg config.DriverConfig) (driver.Driver, error) {
	switch cfg.Kind {
	case "replay":
		return driver.NewReplay(), nil
	default:
		return driver.NewRawSocket(cfg.IfName)
	}
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
