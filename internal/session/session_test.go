package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortontech/gorhc/internal/audit"
	"github.com/shortontech/gorhc/internal/client"
	"github.com/shortontech/gorhc/internal/entropy"
	httpx "github.com/shortontech/gorhc/internal/http"
	"github.com/shortontech/gorhc/internal/metrics"
	"github.com/shortontech/gorhc/internal/product"
	"github.com/shortontech/gorhc/internal/rhc"
	"github.com/shortontech/gorhc/pkg/config"
)

var (
	validHeaders = []string{"X-Server-Certified", "X-Server-Sig", "X-Server-Flag"}
	decoyHeaders = []string{"X-Server-Atlas", "X-Server-Orchid", "X-Server-Drift", "X-Server-Quartz", "X-Server-Veil"}
)

type fakeSender struct {
	mu    sync.Mutex
	calls []rhc.Pool
	resp  client.Response
	err   error
	// entered/release let a test hold a cycle open.
	entered chan struct{}
	release chan struct{}
}

func accepted() client.Response {
	return client.Response{
		StatusCode: http.StatusOK,
		Accepted:   true,
		Envelope:   client.Envelope{Status: "success", Message: "OK"},
	}
}

func (f *fakeSender) Dispatch(ctx context.Context, selected rhc.Pool, productID int64) (client.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, selected)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	return f.resp, f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func cfgFor(level rhc.Level) Config {
	return Config{
		Level:       level,
		Assignment:  rhc.AssignFixed,
		Valid:       validHeaders,
		Decoys:      decoyHeaders,
		MaxValid:    2,
		HistorySize: 5,
	}
}

func newSession(t *testing.T, cfg Config, sender Sender, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithSource(rhc.NewSeededSource(42))}, opts...)
	s, err := New(cfg, sender, opts...)
	require.NoError(t, err)
	return s
}

func TestNewPoolPerLevel(t *testing.T) {
	t.Run("basic shares one token", func(t *testing.T) {
		pool := newSession(t, cfgFor(rhc.LevelBasic), &fakeSender{}).Pool()
		require.Equal(t, 3, pool.Len())
		tokens := pool.Tokens()
		for _, tok := range tokens {
			assert.Equal(t, tokens[0], tok)
			assert.Len(t, tok, 2*rhc.DefaultSharedBytes)
		}
	})

	t.Run("intermediate uses the narrow range", func(t *testing.T) {
		pool := newSession(t, cfgFor(rhc.LevelIntermediate), &fakeSender{}).Pool()
		require.Equal(t, 3, pool.Len())
		for _, tok := range pool.Tokens() {
			assert.GreaterOrEqual(t, len(tok), 2*rhc.DefaultMinBytes)
			assert.LessOrEqual(t, len(tok), 2*rhc.DefaultMaxBytes)
		}
	})

	t.Run("advanced uses length classes", func(t *testing.T) {
		pool := newSession(t, cfgFor(rhc.LevelAdvanced), &fakeSender{}).Pool()
		require.Equal(t, 3, pool.Len())
		for _, tok := range pool.Tokens() {
			assert.Contains(t, []int{16, 32, 64, 128}, len(tok))
		}
	})

	t.Run("dynamic mixes a subset with every decoy", func(t *testing.T) {
		pool := newSession(t, cfgFor(rhc.LevelDynamicAdaptive), &fakeSender{}).Pool()
		valid := 0
		for _, h := range pool.Headers() {
			if contains(validHeaders, h) {
				valid++
			}
		}
		assert.GreaterOrEqual(t, valid, 1)
		assert.LessOrEqual(t, valid, 2)
		assert.Equal(t, valid+len(decoyHeaders), pool.Len())
		for _, tok := range pool.Tokens() {
			assert.Len(t, tok, 2*rhc.DefaultTokenBytes)
		}
	})

	t.Run("dynamic variable lengths", func(t *testing.T) {
		cfg := cfgFor(rhc.LevelDynamicAdaptive)
		cfg.VariableLengths = true
		pool := newSession(t, cfg, &fakeSender{}).Pool()
		for _, tok := range pool.Tokens() {
			assert.GreaterOrEqual(t, len(tok), 2*rhc.DefaultMinBytes)
			assert.LessOrEqual(t, len(tok), 2*rhc.DefaultMaxBytes)
		}
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(cfgFor(rhc.LevelBasic), nil)
	assert.Error(t, err)

	cfg := cfgFor(rhc.LevelIntermediate)
	cfg.Assignment = 0
	_, err = New(cfg, &fakeSender{})
	assert.Error(t, err)
}

func TestSendRecordsCycle(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	var recs []audit.Record
	sender := &fakeSender{resp: accepted()}
	s := newSession(t, cfgFor(rhc.LevelIntermediate), sender,
		WithMetrics(m),
		WithEmit(func(r audit.Record) { recs = append(recs, r) }))

	out, err := s.Send(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, out.Err)

	require.Equal(t, 1, sender.count())
	sent := sender.calls[0]
	assert.Equal(t, 1, sent.Len())

	assert.True(t, out.Entry.Accepted)
	assert.Equal(t, http.StatusOK, out.Entry.Status)
	assert.Equal(t, 1, out.Entry.Seq)
	assert.Equal(t, sent, out.Entry.Sent)
	assert.Equal(t, entropy.ModeTokens, out.Entry.Chart.Mode)
	assert.Len(t, out.Entry.Chart.Scores, 1)
	assert.NotEmpty(t, out.Entry.Fingerprint)

	assert.Equal(t, 1, s.Sent())
	assert.Len(t, s.History(), 1)

	require.Len(t, recs, 1)
	assert.Equal(t, audit.TypeCycle, recs[0].Type)
	assert.Equal(t, audit.OutcomeAccepted, recs[0].Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("intermediate", "accepted")))
}

func TestSendAllModeChart(t *testing.T) {
	cfg := cfgFor(rhc.LevelBasic)
	cfg.EntropyMode = entropy.ModeAll
	s := newSession(t, cfg, &fakeSender{resp: accepted()})

	out, err := s.Send(context.Background(), 1)
	require.NoError(t, err)
	scores := out.Entry.Chart.Scores
	require.Len(t, scores, 3) // header, token, total
	assert.Equal(t, entropy.TotalLabel, scores[2].Label)
}

func TestSendBusy(t *testing.T) {
	sender := &fakeSender{resp: accepted(), entered: make(chan struct{}), release: make(chan struct{})}
	s := newSession(t, cfgFor(rhc.LevelBasic), sender)

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), 1)
		done <- err
	}()
	<-sender.entered

	_, err := s.Send(context.Background(), 1)
	assert.ErrorIs(t, err, ErrBusy)

	close(sender.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, 1, s.Sent())

	// the gate is open again
	sender.entered = nil
	_, err = s.Send(context.Background(), 1)
	assert.NoError(t, err)
}

func TestDynamicRegeneratesEveryCycle(t *testing.T) {
	for name, sender := range map[string]*fakeSender{
		"accepted": {resp: accepted()},
		"rejected": {resp: client.Response{StatusCode: http.StatusBadRequest, Rejected: true}},
		"failed":   {err: fmt.Errorf("%w: boom", rhc.ErrTransport)},
	} {
		t.Run(name, func(t *testing.T) {
			s := newSession(t, cfgFor(rhc.LevelDynamicAdaptive), sender)
			before := s.Pool()
			out, err := s.Send(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, before, out.Entry.Sent)
			assert.NotEqual(t, before.Tokens(), s.Pool().Tokens())
		})
	}
}

func TestStaticLevelsKeepPool(t *testing.T) {
	for _, level := range []rhc.Level{rhc.LevelBasic, rhc.LevelIntermediate, rhc.LevelAdvanced} {
		t.Run(level.String(), func(t *testing.T) {
			s := newSession(t, cfgFor(level), &fakeSender{resp: accepted()})
			before := s.Pool()
			for i := 0; i < 3; i++ {
				_, err := s.Send(context.Background(), 1)
				require.NoError(t, err)
			}
			assert.Equal(t, before, s.Pool())
		})
	}
}

func TestTransportFailureIsRecorded(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	sender := &fakeSender{err: fmt.Errorf("%w: post: connection refused", rhc.ErrTransport)}
	s := newSession(t, cfgFor(rhc.LevelAdvanced), sender, WithMetrics(m))

	out, err := s.Send(context.Background(), 1)
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, rhc.ErrTransport)
	assert.False(t, out.Entry.Accepted)
	assert.Equal(t, 0, out.Entry.Status)
	assert.Contains(t, out.Entry.Message, "connection refused")
	assert.Len(t, s.History(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Cycles.WithLabelValues("advanced", "error")))
}

func TestEmptyConfigurationFailsIntegrity(t *testing.T) {
	for _, level := range []rhc.Level{rhc.LevelBasic, rhc.LevelDynamicAdaptive} {
		t.Run(level.String(), func(t *testing.T) {
			cfg := cfgFor(level)
			cfg.Valid = nil
			sender := &fakeSender{resp: accepted()}
			s := newSession(t, cfg, sender)

			out, err := s.Send(context.Background(), 1)
			require.NoError(t, err)
			assert.ErrorIs(t, out.Err, rhc.ErrPoolIntegrity)
			assert.Zero(t, sender.count())
			assert.Len(t, s.History(), 1)
		})
	}
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := cfgFor(rhc.LevelBasic)
	cfg.HistorySize = 2
	s := newSession(t, cfg, &fakeSender{resp: accepted()})
	for i := 0; i < 3; i++ {
		_, err := s.Send(context.Background(), 1)
		require.NoError(t, err)
	}
	h := s.History()
	require.Len(t, h, 2)
	assert.Equal(t, 3, h[0].Seq)
	assert.Equal(t, 2, h[1].Seq)
	assert.Equal(t, 3, s.Sent())
}

// Every level against the real server handler, for both assignment modes.
func TestSessionsAgainstServer(t *testing.T) {
	cases := []struct {
		level      rhc.Level
		assignment rhc.Assignment
	}{
		{rhc.LevelBasic, rhc.AssignFixed},
		{rhc.LevelIntermediate, rhc.AssignFixed},
		{rhc.LevelIntermediate, rhc.AssignRandom},
		{rhc.LevelAdvanced, rhc.AssignRandom},
		{rhc.LevelDynamicAdaptive, rhc.AssignFixed},
	}
	for _, tc := range cases {
		t.Run(tc.level.String()+"/"+tc.assignment.String(), func(t *testing.T) {
			c := config.Defaults()
			v, err := rhc.NewValidator(tc.level, c.Rules())
			require.NoError(t, err)
			srv := httptest.NewServer(httpx.NewHandler(httpx.Env{
				Cfg:       c,
				Validator: v,
				Catalog:   product.NewMemoryCatalog(nil),
				Log:       zerolog.Nop(),
			}))
			defer srv.Close()

			cfg := cfgFor(tc.level)
			cfg.Assignment = tc.assignment
			s := newSession(t, cfg, client.New(srv.URL+"/api/productos", client.WithTimeout(5*time.Second)))

			for i := 0; i < 8; i++ {
				out, err := s.Send(context.Background(), int64(1+i%2))
				require.NoError(t, err)
				require.NoError(t, out.Err)
				require.True(t, out.Entry.Accepted, out.Entry.Message)
			}
		})
	}
}

func TestRunProbe(t *testing.T) {
	var mu sync.Mutex
	senders := map[int]*fakeSender{}

	report, err := RunProbe(context.Background(), ProbeOptions{
		Sessions:   4,
		Requests:   3,
		Workers:    2,
		ProductIDs: []int64{1, 2},
		Log:        zerolog.Nop(),
	}, func(i int) (*Session, error) {
		f := &fakeSender{resp: accepted()}
		if i == 3 {
			f = &fakeSender{resp: client.Response{StatusCode: http.StatusBadRequest, Rejected: true}}
		}
		mu.Lock()
		senders[i] = f
		mu.Unlock()
		return New(cfgFor(rhc.LevelDynamicAdaptive), f, WithSource(rhc.NewSeededSource(uint64(i))))
	})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Sessions)
	assert.Equal(t, 12, report.Cycles)
	assert.Equal(t, 9, report.Accepted)
	assert.Equal(t, 3, report.Rejected)
	assert.Zero(t, report.Errors)
	for i, f := range senders {
		assert.Equal(t, 3, f.count(), "session %d", i)
		assert.Equal(t, 3, report.Last[i].Entry.Seq)
	}
}

func TestRunProbeErrors(t *testing.T) {
	_, err := RunProbe(context.Background(), ProbeOptions{}, nil)
	assert.Error(t, err)

	_, err = RunProbe(context.Background(), ProbeOptions{Sessions: 2}, func(i int) (*Session, error) {
		return nil, errors.New("no config")
	})
	assert.ErrorContains(t, err, "no config")
}
