package httpx

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shortontech/gorhc/internal/audit"
	"github.com/shortontech/gorhc/internal/metrics"
	"github.com/shortontech/gorhc/internal/rhc"
)

type ctxKey string

const resultKey ctxKey = "rhc_result"

func contextWithResult(ctx context.Context, res rhc.Result) context.Context {
	return context.WithValue(ctx, resultKey, res)
}

// ResultFromContext returns the accepted validation result stored by the
// RHC middleware.
func ResultFromContext(ctx context.Context) (rhc.Result, bool) {
	res, ok := ctx.Value(resultKey).(rhc.Result)
	return res, ok
}

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("ua", r.UserAgent()).
				Int("status", rw.statusCode).
				Dur("dur", time.Since(start)).
				Msg("request")
		})
	}
}

// endpointLabel bounds the path label cardinality.
func endpointLabel(path string) string {
	switch path {
	case "/api/productos", "/api/entropia", "/healthz", "/readyz":
		return path
	}
	return "other"
}

func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrap(w)
			next.ServeHTTP(rw, r)
			endpoint := endpointLabel(r.URL.Path)
			m.IncrementHTTPRequests(endpoint, r.Method, strconv.Itoa(rw.statusCode))
			m.ObserveHTTPDuration(endpoint, r.Method, time.Since(start))
		})
	}
}

// cors answers preflights and tags responses for the allowed origins. A "*"
// entry allows any origin, and a "*" in headers allows any request header.
// Requests without an Origin header pass through; a disallowed origin gets 403.
func cors(origins, headers []string) func(http.Handler) http.Handler {
	wildcard := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	allowHeaders := strings.Join(headers, ", ")
	if slices.Contains(headers, "*") {
		allowHeaders = "*"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			switch {
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin == "":
			default:
				if _, ok := allowed[strings.TrimRight(origin, "/")]; !ok {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Credentials", "false")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// guardDirectAccess rejects top-level browser navigation to the API. Only
// scripted requests reach the handlers.
func guardDirectAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") ||
			strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "document") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RHC runs the header validation state machine on every request. Rejected
// requests are answered here and never reach next.
func (e Env) RHC(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := e.Validator.Validate(r.Header)
		rec := audit.FromValidation(r, res, e.Cfg.TrustProxy)
		level := res.Level.String()

		if !res.OK() {
			reason := "unknown"
			msg := "RHC: request rejected"
			var data interface{}
			if res.Err != nil {
				reason = res.Err.Kind.String()
				msg = res.Err.Message
				data = rejectionData(res.Err)
			}
			e.Metrics.IncrementValidation(level, audit.OutcomeRejected, reason)
			ev := e.Log.Warn()
			if res.Status >= http.StatusInternalServerError {
				ev = e.Log.Error()
			}
			ev.Str("level", level).
				Str("reason", reason).
				Int("status", res.Status).
				Strs("unrecognized", rec.Unrecognized).
				Msg(msg)
			e.emit(rec)
			writeError(w, res.Status, msg, data)
			return
		}

		e.Metrics.IncrementValidation(level, audit.OutcomeAccepted, "")
		for _, s := range rec.Scores {
			e.Metrics.ObserveTokenEntropy(level, s.Value)
		}
		e.Log.Debug().
			Str("level", level).
			Strs("valid", rec.Valid).
			Strs("decoys", rec.Decoys).
			Msg("RHC headers accepted")
		e.emit(rec)
		next.ServeHTTP(w, r.WithContext(contextWithResult(r.Context(), res)))
	})
}

func (e Env) emit(rec audit.Record) {
	if e.Emit != nil {
		e.Emit(rec)
	}
}

func rejectionData(err *rhc.ValidationError) interface{} {
	switch {
	case err.Kind == rhc.KindAllowList:
		return map[string][]string{"encabezados_no_reconocidos": err.Unrecognized}
	case err.Found.Len() > 0:
		return err.Found
	}
	return nil
}
