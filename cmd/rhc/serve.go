package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	httpx "github.com/shortontech/gorhc/internal/http"
	"github.com/shortontech/gorhc/internal/metrics"
	"github.com/shortontech/gorhc/internal/product"
	"github.com/shortontech/gorhc/internal/rhc"
	"github.com/shortontech/gorhc/internal/sink"
	"github.com/shortontech/gorhc/pkg/config"
)

const shutdownTimeout = 10 * time.Second

type Serve struct {
	Addr   string `kong:"help='Listen address. Overrides SERVER_ADDR.'"`
	Level  string `kong:"help='Protection level. Overrides RHC_LEVEL.'"`
	Router string `kong:"help='HTTP router (chi or gin). Overrides ROUTER.'"`
}

func (s *Serve) apply(c *config.Config) {
	if s.Addr != "" {
		c.ServerAddr = s.Addr
	}
	if s.Level != "" {
		c.Level = s.Level
	}
	if s.Router != "" {
		c.Router = s.Router
	}
}

func (s *Serve) Run(cli *CLI, version string) error {
	cfg, log, err := cli.load(s.apply)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log, version, nil)
}

// serve runs the API until ctx is done. The bound address is sent on bound
// when it is not nil.
func serve(ctx context.Context, cfg config.Config, log zerolog.Logger, version string, bound chan<- net.Addr) error {
	level, err := cfg.ProtocolLevel()
	if err != nil {
		return err
	}
	validator, err := rhc.NewValidator(level, cfg.Rules())
	if err != nil {
		return fmt.Errorf("cannot build validator: %w", err)
	}

	mcfg := metrics.LoadConfig()
	reg := prometheus.NewRegistry()
	sd := metrics.NewStatsD(mcfg)
	m := metrics.NewMetrics(reg).WithStatsD(sd)

	fan, err := initializeSinks(ctx, cfg.Outputs, log, m)
	if err != nil {
		return err
	}

	catalog, ready, closeCatalog, err := openCatalog(ctx, cfg)
	if err != nil {
		_ = fan.Close()
		return err
	}

	closers := []func() error{closeCatalog}
	if sd != nil {
		closers = append(closers, sd.Close)
	}

	env := httpx.Env{
		Cfg:       cfg,
		Validator: validator,
		Catalog:   catalog,
		Metrics:   m,
		Log:       log,
		Emit:      createEmitFunc(fan),
		Ready:     ready,
	}

	metricsServer := metrics.NewServer(mcfg, reg, log)
	if err := metricsServer.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("metrics server not started")
	}

	srv, addr, err := startHTTPServer(cfg, env, log)
	if err != nil {
		_ = waitForShutdown(nil, metricsServer, fan, log, closers...)
		return err
	}
	log.Info().
		Str("addr", addr.String()).
		Str("version", version).
		Str("level", level.String()).
		Str("router", cfg.Router).
		Strs("outputs", fan.Names()).
		Msg("rhc listening")
	if bound != nil {
		bound <- addr
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return waitForShutdown(srv, metricsServer, fan, log, closers...)
}

// openCatalog returns the Postgres catalog when a DSN is configured and the
// built-in one otherwise. ready is nil for the built-in catalog.
func openCatalog(ctx context.Context, cfg config.Config) (product.Lookup, func(context.Context) error, func() error, error) {
	if cfg.ProductsDSN == "" {
		return product.NewMemoryCatalog(nil), nil, func() error { return nil }, nil
	}
	c, err := product.OpenPGCatalog(ctx, cfg.ProductsDSN, cfg.ProductsTable)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cannot open product catalog: %w", err)
	}
	return c, c.Ping, c.Close, nil
}

func startHTTPServer(cfg config.Config, env httpx.Env, log zerolog.Logger) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", cfg.ServerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot listen on %s: %w", cfg.ServerAddr, err)
	}

	srv := &http.Server{
		Handler:           httpx.NewHandler(env),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	}()
	return srv, ln.Addr(), nil
}

// waitForShutdown stops the API first so no new records arrive, then the
// metrics endpoint, the outputs and whatever else was opened.
func waitForShutdown(srv *http.Server, ms *metrics.Server, fan *sink.Fanout, log zerolog.Logger, closers ...func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if ms != nil {
		if err := ms.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	if fan != nil {
		if err := fan.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		log.Error().Err(err).Msg("shutdown finished with errors")
	}
	return err
}
