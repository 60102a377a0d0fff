package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/shortontech/gorhc/internal/audit"
	"github.com/shortontech/gorhc/internal/logging"
	"github.com/shortontech/gorhc/internal/metrics"
	"github.com/shortontech/gorhc/internal/sink"
	"github.com/shortontech/gorhc/pkg/config"
)

type CLI struct {
	Config  string           `kong:"help='TOML config file.',env='RHC_CONFIG'"`
	Serve   Serve            `kong:"cmd,help='Run the protected product API.'"`
	Probe   Probe            `kong:"cmd,help='Send protected requests to a running server.'"`
	Entropy Entropy          `kong:"cmd,help='Score strings by Shannon entropy.'"`
	Health  Health           `kong:"cmd,help='Check server health via /healthz.'"`
	Version kong.VersionFlag `kong:"help='Print version.',short='v'"`
}

// load reads the configuration, applies command-line overrides and
// validates the result.
func (c *CLI) load(override func(*config.Config)) (config.Config, zerolog.Logger, error) {
	if c.Config != "" {
		if err := os.Setenv("RHC_CONFIG", c.Config); err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return cfg, zerolog.Nop(), fmt.Errorf("cannot load config: %w", err)
	}
	if override != nil {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat), nil
}

// initializeSinks builds and starts the audit outputs.
func initializeSinks(ctx context.Context, outputs []string, log zerolog.Logger, m *metrics.Metrics) (*sink.Fanout, error) {
	sinks, err := sink.FromNames(outputs, log, m)
	if err != nil {
		return nil, fmt.Errorf("cannot configure outputs: %w", err)
	}
	fan := sink.NewFanout(log, m, sinks...)
	if err := fan.Start(ctx); err != nil {
		return nil, err
	}
	return fan, nil
}

// createEmitFunc returns nil when no output is configured so callers skip
// building records nobody reads.
func createEmitFunc(fan *sink.Fanout) func(audit.Record) {
	if fan == nil || len(fan.Names()) == 0 {
		return nil
	}
	return fan.Emit
}
