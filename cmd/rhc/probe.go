package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/shortontech/gorhc/internal/client"
	"github.com/shortontech/gorhc/internal/history"
	"github.com/shortontech/gorhc/internal/session"
	"github.com/shortontech/gorhc/pkg/config"
)

type Probe struct {
	URL       string  `kong:"name='url',help='Product endpoint. Overrides RHC_API_URL.'"`
	Level     string  `kong:"help='Protection level. Overrides RHC_LEVEL.'"`
	Transport string  `kong:"help='client or roundtrip. Overrides CLIENT_TRANSPORT.'"`
	Sessions  int     `kong:"help='Independent client sessions.',default='1'"`
	Requests  int     `kong:"help='Requests per session.',default='5'"`
	Workers   int     `kong:"help='Sessions running at once (0 = all).',default='0'"`
	Products  []int64 `kong:"help='Product ids, used in turn.',default='1,2'"`
	JSON      bool    `kong:"name='json',help='Print the report as JSON.'"`
}

func (p *Probe) apply(c *config.Config) {
	if p.URL != "" {
		c.APIURL = p.URL
	}
	if p.Level != "" {
		c.Level = p.Level
	}
	if p.Transport != "" {
		c.Transport = p.Transport
	}
}

func (p *Probe) Run(cli *CLI, out io.Writer) error {
	if p.Sessions < 1 || p.Requests < 1 {
		return errors.New("probe needs at least one session and one request")
	}
	cfg, log, err := cli.load(p.apply)
	if err != nil {
		return err
	}
	scfg, err := sessionConfig(cfg)
	if err != nil {
		return err
	}
	tr, err := client.ParseTransport(cfg.Transport)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fan, err := initializeSinks(ctx, cfg.Outputs, log, nil)
	if err != nil {
		return err
	}
	defer fan.Close()
	emit := createEmitFunc(fan)

	sessions := make([]*session.Session, p.Sessions)
	report, err := session.RunProbe(ctx, session.ProbeOptions{
		Sessions:   p.Sessions,
		Requests:   p.Requests,
		Workers:    p.Workers,
		ProductIDs: p.Products,
		Log:        log,
	}, func(i int) (*session.Session, error) {
		slog := log.With().Int("session", i).Logger()
		d := client.New(cfg.APIURL,
			client.WithBearer(cfg.Bearer),
			client.WithTransport(tr),
			client.WithTimeout(cfg.ClientTimeout),
			client.WithLogger(slog),
		)
		s, err := session.New(scfg, d,
			session.WithGeneratorOptions(cfg.GeneratorOptions()...),
			session.WithEmit(emit),
			session.WithLogger(slog),
		)
		if err != nil {
			return nil, err
		}
		sessions[i] = s
		return s, nil
	})
	if err != nil {
		return err
	}
	return printReport(out, scfg, report, sessions, p.JSON)
}

func sessionConfig(cfg config.Config) (session.Config, error) {
	level, err := cfg.ProtocolLevel()
	if err != nil {
		return session.Config{}, err
	}
	assignment, err := cfg.TokenAssignment()
	if err != nil {
		return session.Config{}, err
	}
	mode, err := cfg.Entropy()
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Level:           level,
		Assignment:      assignment,
		Valid:           cfg.ValidHeaders,
		Decoys:          cfg.DecoyHeaders,
		MaxValid:        cfg.MaxValid,
		VariableLengths: cfg.VariableLengths(),
		EntropyMode:     mode,
		HistorySize:     cfg.HistorySize,
	}, nil
}

type probeJSON struct {
	Level      string            `json:"level"`
	Sessions   int               `json:"sessions"`
	Cycles     int               `json:"cycles"`
	Accepted   int               `json:"accepted"`
	Rejected   int               `json:"rejected"`
	Errors     int               `json:"errors"`
	DurationMS int64             `json:"duration_ms"`
	History    [][]history.Entry `json:"history"`
}

func printReport(out io.Writer, scfg session.Config, r session.ProbeReport, sessions []*session.Session, asJSON bool) error {
	if asJSON {
		doc := probeJSON{
			Level:      scfg.Level.String(),
			Sessions:   r.Sessions,
			Cycles:     r.Cycles,
			Accepted:   r.Accepted,
			Rejected:   r.Rejected,
			Errors:     r.Errors,
			DurationMS: r.Duration.Milliseconds(),
			History:    make([][]history.Entry, len(sessions)),
		}
		for i, s := range sessions {
			doc.History[i] = s.History()
		}
		enc := json.NewEncoder(out)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	fmt.Fprintf(out, "level=%s sessions=%d cycles=%d accepted=%d rejected=%d errors=%d duration=%s\n",
		scfg.Level, r.Sessions, r.Cycles, r.Accepted, r.Rejected, r.Errors, r.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSEQ\tSTATUS\tRESULT\tHEADERS\tENTROPY\tFINGERPRINT\tMESSAGE")
	for i, s := range sessions {
		for _, e := range s.History() {
			result := "rejected"
			switch {
			case e.Accepted:
				result = "accepted"
			case e.Status == 0:
				result = "error"
			}
			fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%.3f-%.3f\t%s\t%s\n",
				i, e.Seq, e.Status, result,
				strings.Join(e.Sent.Headers(), ","),
				e.Chart.Min(), e.Chart.Max(),
				e.Fingerprint, e.Message)
		}
	}
	return tw.Flush()
}
