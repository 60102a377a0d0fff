// Package audit defines the envelope written to the audit sinks for every
// validated request and every client request cycle.
package audit

import (
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/gorhc/internal/entropy"
	"github.com/shortontech/gorhc/internal/history"
	"github.com/shortontech/gorhc/internal/rhc"
)

// Record types.
const (
	TypeValidation = "validation"
	TypeCycle      = "cycle"
)

// Outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// High-level envelope. Optional fields are omitted when empty.
type Record struct {
	EventID string `json:"event_id,omitempty"`
	TS      string `json:"ts,omitempty"`   // RFC3339Nano, UTC
	Type    string `json:"type,omitempty"` // "validation" or "cycle"

	Level   string `json:"level,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Reason  string `json:"reason,omitempty"` // error kind on rejection
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	Valid        []string `json:"valid,omitempty"`        // accepted valid header names
	Decoys       []string `json:"decoys,omitempty"`       // decoy names seen
	Unrecognized []string `json:"unrecognized,omitempty"` // allow-list offenders
	Headers      []string `json:"headers,omitempty"`      // every header name on the wire, sorted

	Scores      []entropy.Score `json:"scores,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`

	Server ServerMeta `json:"server,omitempty"`
}

type ServerMeta struct {
	IP     string `json:"ip,omitempty"`
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
	UA     string `json:"ua,omitempty"`
}

// Stamp fills EventID and TS when the caller left them empty.
func (r *Record) Stamp() {
	if r.EventID == "" {
		r.EventID = uuid.New().String()
	}
	if r.TS == "" {
		r.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
}

// FromValidation builds the record for one server-side decision. Token
// values never enter the record: only header names and token entropy.
func FromValidation(req *http.Request, res rhc.Result, trustProxy bool) Record {
	rec := Record{
		Type:    TypeValidation,
		Level:   res.Level.String(),
		Status:  res.Status,
		Valid:   res.Accepted.Headers(),
		Decoys:  res.Decoys.Headers(),
		Headers: headerNames(req.Header),
		Server: ServerMeta{
			IP:     ClientIP(req, trustProxy),
			Method: req.Method,
			UA:     req.UserAgent(),
		},
	}
	if req.URL != nil {
		rec.Server.Path = req.URL.Path
	}
	if res.OK() {
		rec.Outcome = OutcomeAccepted
	} else {
		rec.Outcome = OutcomeRejected
		if res.Err != nil {
			rec.Reason = res.Err.Kind.String()
			rec.Message = res.Err.Message
			rec.Unrecognized = res.Err.Unrecognized
			if res.Err.Found.Len() > 0 {
				rec.Valid = res.Err.Found.Headers()
			}
		}
	}
	rec.Scores = tokenScores(res)
	rec.Fingerprint = history.Fingerprint(rec.Headers)
	rec.Stamp()
	return rec
}

// FromCycle builds the record for one completed client request cycle.
func FromCycle(e history.Entry) Record {
	rec := Record{
		EventID:     e.ID,
		Type:        TypeCycle,
		Level:       e.Level.String(),
		Status:      e.Status,
		Message:     e.Message,
		Headers:     e.Sent.Headers(),
		Scores:      e.Chart.Scores,
		Fingerprint: e.Fingerprint,
	}
	if !e.Time.IsZero() {
		rec.TS = e.Time.UTC().Format(time.RFC3339Nano)
	}
	switch {
	case e.Accepted:
		rec.Outcome = OutcomeAccepted
	case e.Status == 0:
		rec.Outcome = OutcomeError
	default:
		rec.Outcome = OutcomeRejected
	}
	rec.Stamp()
	return rec
}

// tokenScores labels each token score with the header that carried it.
func tokenScores(res rhc.Result) []entropy.Score {
	var out []entropy.Score
	for _, e := range res.Accepted.Entries() {
		v := entropy.Shannon(e.Token)
		out = append(out, entropy.Score{Label: e.Header, Value: v, Class: entropy.Classify(v)})
	}
	return out
}

func headerNames(h http.Header) []string {
	out := make([]string, 0, len(h))
	for k := range h {
		out = append(out, http.CanonicalHeaderKey(k))
	}
	sort.Strings(out)
	return out
}

// ClientIP returns the caller address, honoring proxy headers only when
// trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
		if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
			return strings.TrimSpace(xrip)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
