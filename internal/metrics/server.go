package metrics

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server represents the metrics HTTP server
type Server struct {
	server *http.Server
	config Config
	log    zerolog.Logger
	addr   net.Addr
	mtls   bool
}

// NewServer creates a new metrics server exposing g. A nil g means the
// global Prometheus registry.
func NewServer(config Config, g prometheus.Gatherer, log zerolog.Logger) *Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	log = log.With().Str("component", "metrics").Logger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	mtls := false
	if config.RequireTLS && config.TLSCert != "" && config.TLSKey != "" {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		if config.ClientCA != "" {
			clientCAs, err := loadCertPool(config.ClientCA)
			if err != nil {
				log.Error().Err(err).Msg("failed to load client CA")
			} else {
				tlsConfig.ClientCAs = clientCAs
				tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
				mtls = true
				log.Info().Str("client_ca", config.ClientCA).Msg("mTLS enabled")
			}
		}

		srv.TLSConfig = tlsConfig
	}

	return &Server{
		server: srv,
		config: config,
		log:    log,
		mtls:   mtls,
	}
}

// Handler exposes the metrics mux, mostly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Addr is the bound address once Start returned, or nil.
func (s *Server) Addr() net.Addr { return s.addr }

// Start binds the listener and serves in a separate goroutine.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info().Msg("disabled (METRICS_ENABLED=false)")
		return nil
	}

	if s.config.RequireAuth && !s.mtls {
		return errors.New("metrics: METRICS_REQUIRE_AUTH needs METRICS_REQUIRE_TLS, a certificate and a valid METRICS_CLIENT_CA")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", s.config.Addr, err)
	}
	s.addr = ln.Addr()

	useTLS := s.config.RequireTLS && s.config.TLSCert != "" && s.config.TLSKey != ""
	go func() {
		var err error
		if useTLS {
			s.log.Info().Str("addr", s.addr.String()).Msg("HTTPS server listening")
			err = s.server.ServeTLS(ln, s.config.TLSCert, s.config.TLSKey)
		} else {
			s.log.Info().Str("addr", s.addr.String()).Msg("HTTP server listening")
			err = s.server.Serve(ln)
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	s.log.Info().Msg("shutting down server")
	return s.server.Shutdown(ctx)
}

func loadCertPool(certFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", certFile)
	}
	return pool, nil
}
