// Package session runs the client side of the protocol: it owns the header
// pool, the request history and the single-flight gate of one user.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shortontech/gorhc/internal/audit"
	"github.com/shortontech/gorhc/internal/client"
	"github.com/shortontech/gorhc/internal/entropy"
	"github.com/shortontech/gorhc/internal/history"
	"github.com/shortontech/gorhc/internal/metrics"
	"github.com/shortontech/gorhc/internal/rhc"
)

// ErrBusy is returned by Send while another request of the same session is
// in flight.
var ErrBusy = errors.New("session: a request is already in flight")

// Sender delivers one selected pool to the server.
type Sender interface {
	Dispatch(ctx context.Context, selected rhc.Pool, productID int64) (client.Response, error)
}

type Config struct {
	Level      rhc.Level
	Assignment rhc.Assignment
	Valid      []string
	Decoys     []string
	MaxValid   int
	// VariableLengths draws Dynamic-Adaptive token lengths from the
	// generator range instead of using the default length.
	VariableLengths bool
	EntropyMode     entropy.Mode
	HistorySize     int
}

// Outcome is the result of one request cycle. Err is set for client-side
// failures; the cycle is still recorded.
type Outcome struct {
	Entry    history.Entry
	Response client.Response
	Err      error
}

type Session struct {
	gate sync.Mutex // held for a whole cycle; TryLock only

	mu   sync.Mutex
	pool rhc.Pool

	cfg     Config
	gen     *rhc.Generator
	sel     rhc.Selector
	shuf    *rhc.Shuffler
	sender  Sender
	hist    *history.Buffer
	metrics *metrics.Metrics
	emit    func(audit.Record)
	log     zerolog.Logger
}

type Option func(*options)

type options struct {
	src     rhc.Source
	genOpts []rhc.GeneratorOption
	metrics *metrics.Metrics
	emit    func(audit.Record)
	log     zerolog.Logger
}

// WithSource replaces crypto/rand, e.g. with rhc.NewSeededSource in tests.
func WithSource(src rhc.Source) Option { return func(o *options) { o.src = src } }

func WithGeneratorOptions(opts ...rhc.GeneratorOption) Option {
	return func(o *options) { o.genOpts = append(o.genOpts, opts...) }
}

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

func WithEmit(emit func(audit.Record)) Option { return func(o *options) { o.emit = emit } }

func WithLogger(log zerolog.Logger) Option { return func(o *options) { o.log = log } }

// New builds a session and generates its first pool.
func New(cfg Config, sender Sender, opts ...Option) (*Session, error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.src == nil {
		o.src = rhc.CryptoSource()
	}
	if sender == nil {
		return nil, errors.New("session: nil sender")
	}
	if cfg.EntropyMode == 0 {
		cfg.EntropyMode = entropy.ModeTokens
	}

	sel, err := rhc.NewSelector(cfg.Level, cfg.Assignment, o.src)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:     cfg,
		gen:     rhc.NewGenerator(o.src, o.genOpts...),
		sel:     sel,
		sender:  sender,
		hist:    history.New(cfg.HistorySize),
		metrics: o.metrics,
		emit:    o.emit,
		log:     o.log.With().Str("level", cfg.Level.String()).Logger(),
	}
	if cfg.Level == rhc.LevelDynamicAdaptive {
		s.shuf = rhc.NewShuffler(cfg.Valid, cfg.Decoys, cfg.MaxValid, o.src)
	}
	if err := s.Regenerate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Regenerate replaces the pool following the level's generation policy.
func (s *Session) Regenerate() error {
	var (
		pool rhc.Pool
		err  error
	)
	switch s.cfg.Level {
	case rhc.LevelBasic:
		pool, err = s.gen.Generate(s.cfg.Valid, rhc.ModeShared, nil)
	case rhc.LevelIntermediate:
		pool, err = s.gen.Generate(s.cfg.Valid, rhc.ModeRandom, nil)
	case rhc.LevelAdvanced:
		pool, err = s.gen.Generate(s.cfg.Valid, rhc.ModeCustom, s.gen.ClassLengths(len(s.cfg.Valid)))
	case rhc.LevelDynamicAdaptive:
		list := s.shuf.Next()
		var lengths []int
		if s.cfg.VariableLengths {
			lengths = s.gen.RangeLengths(len(list))
		}
		pool, err = s.gen.Generate(list, rhc.ModeCustom, lengths)
	default:
		return fmt.Errorf("session: unsupported level %s", s.cfg.Level)
	}
	if err != nil {
		return fmt.Errorf("session: regenerate pool: %w", err)
	}
	s.mu.Lock()
	s.pool = pool
	s.mu.Unlock()
	return nil
}

// Pool returns a copy of the current pool.
func (s *Session) Pool() rhc.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Clone()
}

func (s *Session) History() []history.Entry { return s.hist.Entries() }

// Sent is the number of completed cycles.
func (s *Session) Sent() int { return s.hist.Total() }

func (s *Session) Level() rhc.Level { return s.cfg.Level }

// Send runs one cycle: select, dispatch, record, regenerate. Only ErrBusy is
// returned as an error; every other failure is reported in the Outcome.
func (s *Session) Send(ctx context.Context, productID int64) (Outcome, error) {
	if !s.gate.TryLock() {
		return Outcome{}, ErrBusy
	}
	defer s.gate.Unlock()

	var out Outcome
	selected, err := s.sel.Select(s.Pool())
	if err == nil {
		out.Response, err = s.sender.Dispatch(ctx, selected, productID)
	}
	out.Err = err

	entry := history.Entry{
		Level:    s.cfg.Level,
		Status:   out.Response.StatusCode,
		Sent:     selected,
		Accepted: err == nil && out.Response.Accepted,
		Message:  out.Response.Envelope.Message,
		Chart:    entropy.Analyze(pairs(selected), s.cfg.EntropyMode),
	}
	if err != nil {
		entry.Message = err.Error()
	}
	out.Entry = s.hist.Add(entry)
	s.record(out)

	if s.cfg.Level == rhc.LevelDynamicAdaptive {
		if rerr := s.Regenerate(); rerr != nil {
			s.log.Error().Err(rerr).Msg("pool regeneration failed")
			out.Err = errors.Join(out.Err, rerr)
		}
	}
	return out, nil
}

func (s *Session) record(out Outcome) {
	rec := audit.FromCycle(out.Entry)
	s.metrics.IncrementCycle(rec.Level, rec.Outcome)
	if s.emit != nil {
		s.emit(rec)
	}

	ev := s.log.Info()
	if out.Err != nil {
		ev = s.log.Warn().Err(out.Err)
	}
	ev.Int("seq", out.Entry.Seq).
		Int("status", out.Entry.Status).
		Str("outcome", rec.Outcome).
		Strs("headers", out.Entry.Sent.Headers()).
		Str("fingerprint", out.Entry.Fingerprint).
		Msg(out.Entry.Message)
}

func pairs(p rhc.Pool) []entropy.Pair {
	entries := p.Entries()
	out := make([]entropy.Pair, len(entries))
	for i, e := range entries {
		out[i] = entropy.Pair{Header: e.Header, Token: e.Token}
	}
	return out
}
