package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/shortontech/gorhc/internal/audit"
	"github.com/shortontech/gorhc/internal/metrics"
)

// PGConfig holds configuration for the Postgres audit sink.
type PGConfig struct {
	DSN       string
	Table     string
	BatchSize int
	FlushMS   int
	UseCopy   bool
}

// PGSink batches records and writes them with COPY or a multi-row INSERT.
type PGSink struct {
	config  PGConfig
	db      *sql.DB
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	batch   []audit.Record
	failed  bool
	dropped int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

const defaultPGTable = "rhc_audit"

// NewPGSinkFromEnv reads PG_DSN, PG_TABLE, PG_BATCH_SIZE, PG_FLUSH_MS and
// PG_COPY.
func NewPGSinkFromEnv() *PGSink {
	return &PGSink{
		config: PGConfig{
			DSN:       getEnvOr("PG_DSN", "postgres://localhost:5432/rhc?sslmode=disable"),
			Table:     getEnvOr("PG_TABLE", defaultPGTable),
			BatchSize: getIntEnv("PG_BATCH_SIZE", 500),
			FlushMS:   getIntEnv("PG_FLUSH_MS", 500),
			UseCopy:   getBoolEnv("PG_COPY", true),
		},
		log: zerolog.Nop(),
	}
}

func NewPGSink(dsn string) *PGSink {
	return &PGSink{
		config: PGConfig{
			DSN:       dsn,
			Table:     defaultPGTable,
			BatchSize: 500,
			FlushMS:   500,
			UseCopy:   true,
		},
		log: zerolog.Nop(),
	}
}

func (s *PGSink) WithLogger(log zerolog.Logger) *PGSink {
	s.log = log.With().Str("sink", "postgres").Logger()
	return s
}

func (s *PGSink) WithMetrics(m *metrics.Metrics) *PGSink {
	s.metrics = m
	return s
}

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// validateTableName guards the identifiers interpolated into DDL and DML.
func validateTableName(name string) error {
	if !tableNameRE.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

func (s *PGSink) Start(ctx context.Context) error {
	if err := validateTableName(s.config.Table); err != nil {
		return err
	}
	if s.config.BatchSize < 1 {
		s.config.BatchSize = 1
	}
	if s.config.FlushMS < 1 {
		s.config.FlushMS = 500
	}

	db, err := sql.Open("postgres", s.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	pingCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		s.cancel()
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s.db = db

	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		s.db = nil
		s.cancel()
		return err
	}

	s.done = make(chan struct{})
	go s.flushRoutine()
	return nil
}

func (s *PGSink) ensureSchema() error {
	t := s.config.Table
	stmts := []struct {
		sql  string
		what string
	}{
		{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	type TEXT NOT NULL,
	level TEXT,
	outcome TEXT,
	payload JSONB NOT NULL
)`, t), "table"},
		{fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts)`, t, t), "index"},
		{fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_gin ON %s USING GIN (payload)`, t, t), "index"},
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(s.ctx, st.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", st.what, err)
		}
	}
	return nil
}

// Enqueue buffers r and flushes once the batch is full.
func (s *PGSink) Enqueue(r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit := s.maxPending(); len(s.batch) >= limit {
		n := len(s.batch) - limit + 1
		s.batch = append(s.batch[:0], s.batch[n:]...)
		s.dropped += n
		for i := 0; i < n; i++ {
			s.metrics.IncrementSinkErrors(s.Name(), "dropped")
		}
	}
	s.batch = append(s.batch, r)
	s.metrics.SetQueueDepth(s.Name(), float64(len(s.batch)))

	// Once a flush has failed, flushRoutine owns the retries.
	if s.failed || s.db == nil || len(s.batch) < s.config.BatchSize {
		return nil
	}
	if err := s.flushBatchLocked(); err != nil {
		s.log.Warn().Err(err).Int("pending", len(s.batch)).Msg("postgres flush failed, retrying in background")
	}
	return nil
}

// maxPending bounds the backlog kept while the database is unreachable.
func (s *PGSink) maxPending() int {
	if s.config.BatchSize < 1 {
		return 10
	}
	return 10 * s.config.BatchSize
}

// Dropped reports how many records were discarded because the backlog was full.
func (s *PGSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *PGSink) flushBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushBatchLocked()
}

// flushBatchLocked keeps the batch on failure so the next flush retries it.
func (s *PGSink) flushBatchLocked() error {
	if len(s.batch) == 0 {
		return nil
	}
	if s.db == nil {
		return fmt.Errorf("postgres sink not started")
	}

	start := time.Now()
	var err error
	if s.config.UseCopy {
		err = s.flushWithCopy()
	} else {
		err = s.flushWithInsert()
	}
	if err != nil {
		s.failed = true
		s.metrics.IncrementSinkErrors(s.Name(), "flush")
		return err
	}
	s.failed = false
	s.metrics.ObserveBatchFlushLatency(s.Name(), time.Since(start))
	s.batch = s.batch[:0]
	s.metrics.SetQueueDepth(s.Name(), 0)
	return nil
}

type pgRow struct {
	eventID string
	ts      time.Time
	typ     string
	level   string
	outcome string
	payload []byte
}

func toRow(r audit.Record) (pgRow, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return pgRow{}, fmt.Errorf("failed to serialize record %s: %w", r.EventID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, r.TS)
	if err != nil {
		ts = time.Now().UTC()
	}
	return pgRow{
		eventID: r.EventID,
		ts:      ts,
		typ:     r.Type,
		level:   r.Level,
		outcome: r.Outcome,
		payload: payload,
	}, nil
}

func (s *PGSink) flushWithInsert() error {
	if len(s.batch) == 0 {
		return nil
	}

	var (
		sb   strings.Builder
		args = make([]any, 0, len(s.batch)*6)
	)
	fmt.Fprintf(&sb, "INSERT INTO %s (event_id, ts, type, level, outcome, payload) VALUES ", s.config.Table)
	for i, r := range s.batch {
		row, err := toRow(r)
		if err != nil {
			return err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, row.eventID, row.ts, row.typ, row.level, row.outcome, row.payload)
	}

	if _, err := s.db.ExecContext(s.ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (s *PGSink) flushWithCopy() error {
	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(s.ctx, pq.CopyIn(s.config.Table, "event_id", "ts", "type", "level", "outcome", "payload"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}

	for _, r := range s.batch {
		row, err := toRow(r)
		if err != nil {
			_ = stmt.Close()
			return err
		}
		if _, err := stmt.ExecContext(s.ctx, row.eventID, row.ts, row.typ, row.level, row.outcome, string(row.payload)); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to copy record: %w", err)
		}
	}
	if _, err := stmt.ExecContext(s.ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("failed to finish copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit copy: %w", err)
	}
	return nil
}

func (s *PGSink) flushRoutine() {
	defer close(s.done)
	ticker := time.NewTicker(time.Duration(s.config.FlushMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.flushBatch(); err != nil {
				s.log.Error().Err(err).Msg("periodic flush failed")
			}
		}
	}
}

// Close stops the flush loop, writes what is left and closes the pool.
func (s *PGSink) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
		s.done = nil
	}
	if s.db == nil {
		return nil
	}

	s.mu.Lock()
	// the sink context is gone; give the final flush its own deadline
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.ctx = ctx
	err := s.flushBatchLocked()
	cancel()
	s.mu.Unlock()

	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.db = nil
	return err
}

func (s *PGSink) Name() string { return "postgres" }
