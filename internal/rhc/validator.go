package rhc

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// State is a step of the server-side validation state machine:
// Init -> HeadersExtracted -> CardinalityChecked -> Accepted | Rejected.
type State int

const (
	StateInit State = iota
	StateHeadersExtracted
	StateCardinalityChecked
	StateAccepted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHeadersExtracted:
		return "headers_extracted"
	case StateCardinalityChecked:
		return "cardinality_checked"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateAccepted || s == StateRejected }

// DefaultIgnoredHeaders are the standard request headers the allow-list
// never reports. Any header starting with one of ignoredPrefixes is ignored
// as well.
var DefaultIgnoredHeaders = []string{
	"Host", "Connection", "Pragma", "Cache-Control", "User-Agent", "Accept",
	"Origin", "Referer", "Accept-Encoding", "Accept-Language",
	"Upgrade-Insecure-Requests", "Content-Type", "Content-Length",
	"Authorization", "Cookie", "Dnt", "X-Real-Ip", "Te", "Priority",
}

// Fetch metadata and whatever a reverse proxy adds (Traefik sets
// X-Forwarded-Port and X-Forwarded-Server, for instance).
var ignoredPrefixes = []string{"Sec-", "X-Forwarded-"}

func hasIgnoredPrefix(key string) bool {
	for _, p := range ignoredPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Rules is the immutable server configuration a Validator enforces.
type Rules struct {
	Valid    []string
	Decoys   []string
	MaxValid int
	// Ignored overrides DefaultIgnoredHeaders when non-nil.
	Ignored []string
}

// Result is the outcome of validating one request.
type Result struct {
	Level    Level
	State    State
	Trace    []State
	Status   int
	Accepted Pool
	// Decoys were collected but never evaluated.
	Decoys Pool
	Err    *ValidationError
}

func (r Result) OK() bool { return r.State == StateAccepted }

// Primary returns the first accepted header in configuration order.
func (r Result) Primary() (Entry, bool) {
	if r.Accepted.Len() == 0 {
		return Entry{}, false
	}
	return r.Accepted.entries[0], true
}

func (r *Result) advance(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

func (r Result) reject(err *ValidationError) Result {
	r.advance(StateRejected)
	r.Err = err
	r.Status = err.Kind.Status()
	return r
}

// Validator runs one level's state machine over the request headers.
type Validator interface {
	Level() Level
	Validate(h http.Header) Result
}

// NewValidator returns the state machine for level. Empty or malformed
// rules are not rejected here: they surface as a configuration error on
// every request, mirroring a server started with a broken config file.
func NewValidator(level Level, rules Rules) (Validator, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("rhc: no validator for %s", level)
	}
	m := &machine{
		level:    level,
		valid:    canonicalAll(rules.Valid),
		decoys:   canonicalAll(rules.Decoys),
		validSet: make(map[string]struct{}),
		ignored:  make(map[string]struct{}),
	}
	for _, h := range m.valid {
		m.validSet[h] = struct{}{}
	}
	ignored := rules.Ignored
	if ignored == nil {
		ignored = DefaultIgnoredHeaders
	}
	for _, h := range canonicalAll(ignored) {
		m.ignored[h] = struct{}{}
	}
	m.maxValid = NormalizeMaxValid(rules.MaxValid, len(m.valid))
	return m, nil
}

type machine struct {
	level    Level
	valid    []string
	decoys   []string
	maxValid int
	validSet map[string]struct{}
	ignored  map[string]struct{}
}

func (m *machine) Level() Level { return m.level }

func (m *machine) Validate(h http.Header) Result {
	res := Result{Level: m.level, State: StateInit, Trace: []State{StateInit}}

	if err := m.checkConfig(); err != nil {
		return res.reject(err)
	}

	res.Accepted = extract(h, m.valid)
	if m.level.UsesDecoys() {
		res.Decoys = extract(h, m.decoys)
	}
	res.advance(StateHeadersExtracted)

	var err *ValidationError
	switch m.level {
	case LevelBasic:
		err = m.exactlyOne(res.Accepted)
	case LevelIntermediate, LevelAdvanced:
		if err = m.allowList(h); err == nil {
			err = m.exactlyOne(res.Accepted)
		}
	case LevelDynamicAdaptive:
		err = m.bounded(res.Accepted)
	}
	if err != nil {
		return res.reject(err)
	}
	res.advance(StateCardinalityChecked)

	res.advance(StateAccepted)
	res.Status = http.StatusOK
	return res
}

func (m *machine) checkConfig() *ValidationError {
	if len(m.valid) == 0 {
		return &ValidationError{
			Kind:    KindConfiguration,
			Message: "RHC: no valid headers are configured",
		}
	}
	for _, h := range m.valid {
		if !validHeaderName(h) {
			return &ValidationError{
				Kind:    KindConfiguration,
				Message: fmt.Sprintf("RHC: configured header name %q is not a valid HTTP field name", h),
			}
		}
	}
	return nil
}

func (m *machine) exactlyOne(found Pool) *ValidationError {
	if found.Len() == 1 {
		return nil
	}
	return &ValidationError{
		Kind:     KindCardinality,
		Message:  fmt.Sprintf("RHC: exactly one valid header is required. Received: %d", found.Len()),
		Received: found.Len(),
		Found:    found,
	}
}

func (m *machine) bounded(found Pool) *ValidationError {
	n := found.Len()
	switch {
	case n == 0:
		return &ValidationError{
			Kind:    KindCardinality,
			Message: "RHC: no valid header was received",
		}
	case n > m.maxValid:
		return &ValidationError{
			Kind:     KindCardinality,
			Message:  fmt.Sprintf("RHC: received %d valid headers, more than the allowed maximum (%d)", n, m.maxValid),
			Received: n,
			Found:    found,
		}
	case n > len(m.valid):
		return &ValidationError{
			Kind:     KindCardinality,
			Message:  "RHC: protocol violation, more valid headers than were ever configured",
			Received: n,
			Found:    found,
		}
	}
	return nil
}

func (m *machine) allowList(h http.Header) *ValidationError {
	var unknown []string
	for name := range h {
		key := http.CanonicalHeaderKey(name)
		if _, ok := m.validSet[key]; ok {
			continue
		}
		if _, ok := m.ignored[key]; ok {
			continue
		}
		if hasIgnoredPrefix(key) {
			continue
		}
		unknown = append(unknown, key)
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return &ValidationError{
		Kind: KindAllowList,
		Message: "RHC: received HTTP headers that are not registered in the RHC configuration: " +
			strings.Join(unknown, ", "),
		Unrecognized: unknown,
	}
}

// extract collects the listed headers that carry a non-empty value, in
// list order.
func extract(h http.Header, names []string) Pool {
	var out Pool
	for _, name := range names {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			out.Set(name, v)
		}
	}
	return out
}

func canonicalAll(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, h := range in {
		key := http.CanonicalHeaderKey(strings.TrimSpace(h))
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// validHeaderName reports whether s is an RFC 7230 token.
func validHeaderName(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c > 0x7e || c <= 0x20 || strings.ContainsRune("\"(),/:;<=>?@[\\]{}", c) {
			return false
		}
	}
	return true
}
