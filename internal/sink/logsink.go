package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/shortontech/gorhc/internal/audit"
)

// LogSink appends records as NDJSON to a file, or to stdout when the
// destination is "stdout".
type LogSink struct {
	dst string

	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewLogSink reads the destination from AUDIT_LOG_PATH (default
// audit.ndjson).
func NewLogSink() *LogSink { return NewLogSinkTo(getEnvOr("AUDIT_LOG_PATH", "audit.ndjson")) }

func NewLogSinkTo(dst string) *LogSink { return &LogSink{dst: dst} }

func (s *LogSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var w io.Writer
	if s.dst == "stdout" || s.dst == "-" {
		w = os.Stdout
	} else {
		f, err := os.OpenFile(s.dst, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open audit log %s: %w", s.dst, err)
		}
		s.f = f
		w = f
	}
	s.enc = json.NewEncoder(w)
	return nil
}

func (s *LogSink) Enqueue(r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return fmt.Errorf("log sink not started")
	}
	if err := s.enc.Encode(r); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc = nil
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *LogSink) Name() string { return "log" }
