package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/shortontech/gorhc/internal/logging"
)

type ProbeOptions struct {
	Sessions   int     // independent sessions
	Requests   int     // cycles per session, run one after another
	Workers    int     // sessions running at once; <= 0 means Sessions
	ProductIDs []int64 // cycled through; empty means {1}
	Log        zerolog.Logger
}

type ProbeReport struct {
	Sessions int
	Cycles   int
	Accepted int
	Rejected int
	Errors   int
	Duration time.Duration
	// Last holds each session's final outcome, indexed by session.
	Last []Outcome
}

// RunProbe drives several sessions concurrently on a worker pool. Each
// session still has at most one request in flight.
func RunProbe(ctx context.Context, opts ProbeOptions, newSession func(i int) (*Session, error)) (ProbeReport, error) {
	if opts.Sessions < 1 {
		return ProbeReport{}, errors.New("probe: need at least one session")
	}
	if opts.Requests < 1 {
		opts.Requests = 1
	}
	if opts.Workers <= 0 || opts.Workers > opts.Sessions {
		opts.Workers = opts.Sessions
	}
	ids := opts.ProductIDs
	if len(ids) == 0 {
		ids = []int64{1}
	}

	sessions := make([]*Session, opts.Sessions)
	for i := range sessions {
		s, err := newSession(i)
		if err != nil {
			return ProbeReport{}, fmt.Errorf("probe: session %d: %w", i, err)
		}
		sessions[i] = s
	}

	report := ProbeReport{Sessions: opts.Sessions, Last: make([]Outcome, opts.Sessions)}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	start := time.Now()

	pool, err := ants.NewPoolWithFunc(opts.Workers,
		func(arg interface{}) {
			defer wg.Done()
			i := arg.(int) //nolint: forcetypeassert
			s := sessions[i]
			for j := 0; j < opts.Requests; j++ {
				if ctx.Err() != nil {
					return
				}
				out, err := s.Send(ctx, ids[j%len(ids)])
				mu.Lock()
				switch {
				case err != nil || out.Err != nil:
					report.Errors++
				case out.Entry.Accepted:
					report.Accepted++
				default:
					report.Rejected++
				}
				if err == nil {
					report.Cycles++
					report.Last[i] = out
				}
				mu.Unlock()
			}
		},
		ants.WithLogger(logging.AntsLogger{Log: opts.Log}),
		ants.WithPanicHandler(func(p interface{}) {
			opts.Log.Error().Interface("panic", p).Msg("probe worker panicked")
		}))
	if err != nil {
		return ProbeReport{}, fmt.Errorf("cannot create worker pool: %w", err)
	}
	defer pool.Release()

	for i := range sessions {
		wg.Add(1)
		if err := pool.Invoke(i); err != nil {
			wg.Done()
			wg.Wait()
			return report, fmt.Errorf("probe: submit session %d: %w", i, err)
		}
	}
	wg.Wait()
	report.Duration = time.Since(start)
	return report, ctx.Err()
}
