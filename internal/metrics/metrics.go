package metrics

import (
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smira/go-statsd"
)

// Metrics holds all the Prometheus metrics for the RHC service and client.
// Every method is a no-op on a nil *Metrics.
type Metrics struct {
	// Counters
	Validations  *prometheus.CounterVec
	Cycles       *prometheus.CounterVec
	SinkRecords  *prometheus.CounterVec
	SinkErrors   *prometheus.CounterVec
	HTTPRequests *prometheus.CounterVec

	// Gauges
	QueueDepth *prometheus.GaugeVec

	// Histograms
	TokenEntropy      *prometheus.HistogramVec
	BatchFlushLatency *prometheus.HistogramVec
	HTTPDuration      *prometheus.HistogramVec

	statsd *statsd.Client
}

// Config holds configuration for the metrics server
type Config struct {
	Enabled     bool
	Addr        string
	TLSCert     string
	TLSKey      string
	ClientCA    string
	RequireTLS  bool
	// RequireAuth refuses to serve unless clients present a certificate
	// signed by ClientCA.
	RequireAuth bool

	// StatsD mirror of the protocol counters; disabled when empty.
	StatsDAddr   string
	StatsDPrefix string
}

// LoadConfig loads metrics configuration from environment variables
func LoadConfig() Config {
	return Config{
		Enabled:      getBool("METRICS_ENABLED", false),
		Addr:         getOr("METRICS_ADDR", "127.0.0.1:9090"),
		TLSCert:      getOr("METRICS_TLS_CERT", ""),
		TLSKey:       getOr("METRICS_TLS_KEY", ""),
		ClientCA:     getOr("METRICS_CLIENT_CA", ""),
		RequireTLS:   getBool("METRICS_REQUIRE_TLS", false),
		RequireAuth:  getBool("METRICS_REQUIRE_AUTH", false),
		StatsDAddr:   getOr("STATSD_ADDR", ""),
		StatsDPrefix: getOr("STATSD_PREFIX", "rhc."),
	}
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// means the global Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhc_validations_total",
				Help: "Server-side header validations by level, outcome and rejection reason",
			},
			[]string{"level", "outcome", "reason"},
		),

		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhc_client_cycles_total",
				Help: "Client request cycles by level and outcome",
			},
			[]string{"level", "outcome"},
		),

		SinkRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhc_audit_records_total",
				Help: "Audit records accepted by sink",
			},
			[]string{"sink"},
		),

		SinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhc_sink_errors_total",
				Help: "Total errors writing to a sink",
			},
			[]string{"sink", "error_type"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rhc_http_requests_total",
				Help: "Total HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rhc_sink_queue_depth",
				Help: "Records buffered in a sink waiting for flush",
			},
			[]string{"sink"},
		),

		TokenEntropy: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rhc_token_entropy_bits",
				Help:    "Shannon entropy (bits/char) of accepted tokens",
				Buckets: []float64{0.5, 1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5},
			},
			[]string{"level"},
		),

		BatchFlushLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rhc_batch_flush_latency_seconds",
				Help:    "Latency of flushing a batch to sinks",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rhc_http_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method"},
		),
	}

	reg.MustRegister(
		m.Validations,
		m.Cycles,
		m.SinkRecords,
		m.SinkErrors,
		m.HTTPRequests,
		m.QueueDepth,
		m.TokenEntropy,
		m.BatchFlushLatency,
		m.HTTPDuration,
	)

	return m
}

// WithStatsD mirrors the protocol counters to c. Passing nil detaches it.
func (m *Metrics) WithStatsD(c *statsd.Client) *Metrics {
	if m != nil {
		m.statsd = c
	}
	return m
}

// NewStatsD dials the StatsD mirror described by cfg, or returns nil when
// none is configured.
func NewStatsD(cfg Config) *statsd.Client {
	if cfg.StatsDAddr == "" {
		return nil
	}
	return statsd.NewClient(cfg.StatsDAddr,
		statsd.MetricPrefix(cfg.StatsDPrefix),
		statsd.TagStyle(statsd.TagFormatInfluxDB),
	)
}

// Convenience methods for common operations

func (m *Metrics) IncrementValidation(level, outcome, reason string) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(level, outcome, reason).Inc()
	if m.statsd != nil {
		m.statsd.Incr("validations", 1,
			statsd.StringTag("level", level),
			statsd.StringTag("outcome", outcome),
			statsd.StringTag("reason", reason),
		)
	}
}

func (m *Metrics) IncrementCycle(level, outcome string) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(level, outcome).Inc()
	if m.statsd != nil {
		m.statsd.Incr("cycles", 1,
			statsd.StringTag("level", level),
			statsd.StringTag("outcome", outcome),
		)
	}
}

func (m *Metrics) ObserveTokenEntropy(level string, bits float64) {
	if m == nil {
		return
	}
	m.TokenEntropy.WithLabelValues(level).Observe(bits)
}

func (m *Metrics) IncrementSinkRecords(sink string) {
	if m == nil {
		return
	}
	m.SinkRecords.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncrementSinkErrors(sink, errorType string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

func (m *Metrics) IncrementHTTPRequests(endpoint, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(endpoint, method, status).Inc()
}

func (m *Metrics) SetQueueDepth(sink string, depth float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(sink).Set(depth)
}

func (m *Metrics) ObserveBatchFlushLatency(sink string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BatchFlushLatency.WithLabelValues(sink).Observe(duration.Seconds())
}

func (m *Metrics) ObserveHTTPDuration(endpoint, method string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Helper functions
func getOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
