// Package sink delivers audit records to log files, Kafka and Postgres.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shortontech/gorhc/internal/audit"
	"github.com/shortontech/gorhc/internal/metrics"
)

type Sink interface {
	Start(ctx context.Context) error
	Enqueue(r audit.Record) error
	Close() error
	Name() string // Returns the sink name for metrics and logging
}

// FromNames builds the sinks listed in names ("log", "kafka", "postgres"),
// each configured from its own environment variables.
func FromNames(names []string, log zerolog.Logger, m *metrics.Metrics) ([]Sink, error) {
	var out []Sink
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "", "none":
		case "log":
			out = append(out, NewLogSink())
		case "kafka":
			out = append(out, NewKafkaSinkFromEnv().WithLogger(log))
		case "postgres", "pg":
			out = append(out, NewPGSinkFromEnv().WithLogger(log).WithMetrics(m))
		default:
			return nil, fmt.Errorf("sink: unknown output %q", n)
		}
	}
	return out, nil
}

// Fanout delivers every record to all of its sinks. A failing sink never
// blocks the others.
type Fanout struct {
	sinks   []Sink
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewFanout(log zerolog.Logger, m *metrics.Metrics, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, metrics: m, log: log.With().Str("component", "sink").Logger()}
}

// Start starts every sink. If one fails, the ones already started are
// closed again.
func (f *Fanout) Start(ctx context.Context) error {
	for i, s := range f.sinks {
		if err := s.Start(ctx); err != nil {
			for _, started := range f.sinks[:i] {
				_ = started.Close()
			}
			return fmt.Errorf("start %s sink: %w", s.Name(), err)
		}
		f.log.Info().Str("sink", s.Name()).Msg("sink started")
	}
	return nil
}

func (f *Fanout) Emit(r audit.Record) {
	r.Stamp()
	for _, s := range f.sinks {
		if err := s.Enqueue(r); err != nil {
			f.metrics.IncrementSinkErrors(s.Name(), "enqueue")
			f.log.Warn().Err(err).Str("sink", s.Name()).Str("event_id", r.EventID).Msg("enqueue failed")
			continue
		}
		f.metrics.IncrementSinkRecords(s.Name())
	}
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s sink: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Names() []string {
	out := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		out[i] = s.Name()
	}
	return out
}

// Helper functions
func getEnvOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getListEnv splits a comma separated variable, dropping blank items.
func getListEnv(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnvOr(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
