package rhc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode"
)

// Entry is one header/token pair of a Pool.
type Entry struct {
	Header string `json:"header"`
	Token  string `json:"token"`
}

// Pool is an ordered header -> token mapping. Header names are stored in
// canonical MIME form so lookups are case-insensitive, like HTTP itself.
// The zero value is an empty pool ready to use.
type Pool struct {
	entries []Entry
	index   map[string]int
}

// PoolFrom builds a pool from pairs, keeping the first occurrence of a header.
func PoolFrom(pairs ...Entry) Pool {
	var p Pool
	for _, e := range pairs {
		if _, ok := p.Get(e.Header); ok {
			continue
		}
		p.Set(e.Header, e.Token)
	}
	return p
}

// Set inserts or replaces the token for header.
func (p *Pool) Set(header, token string) {
	key := http.CanonicalHeaderKey(strings.TrimSpace(header))
	if p.index == nil {
		p.index = make(map[string]int)
	}
	if i, ok := p.index[key]; ok {
		p.entries[i].Token = token
		return
	}
	p.index[key] = len(p.entries)
	p.entries = append(p.entries, Entry{Header: key, Token: token})
}

func (p Pool) Get(header string) (string, bool) {
	i, ok := p.index[http.CanonicalHeaderKey(strings.TrimSpace(header))]
	if !ok {
		return "", false
	}
	return p.entries[i].Token, true
}

func (p Pool) Len() int { return len(p.entries) }

// Entries returns a copy of the pairs in insertion order.
func (p Pool) Entries() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p Pool) Headers() []string {
	out := make([]string, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Header
	}
	return out
}

func (p Pool) Tokens() []string {
	out := make([]string, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.Token
	}
	return out
}

// Map returns the pool as a plain map; order is lost.
func (p Pool) Map() map[string]string {
	out := make(map[string]string, len(p.entries))
	for _, e := range p.entries {
		out[e.Header] = e.Token
	}
	return out
}

func (p Pool) Clone() Pool { return PoolFrom(p.entries...) }

// Apply sets every pair of the pool on h.
func (p Pool) Apply(h http.Header) {
	for _, e := range p.entries {
		h.Set(e.Header, e.Token)
	}
}

// CheckIntegrity reports ErrPoolIntegrity when the pool is empty or holds an
// empty or whitespace-carrying token.
func (p Pool) CheckIntegrity() error {
	if len(p.entries) == 0 {
		return fmt.Errorf("%w: pool is empty", ErrPoolIntegrity)
	}
	var bad []string
	for _, e := range p.entries {
		if !wellFormedToken(e.Token) {
			bad = append(bad, e.Header)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("%w: %d header(s) without a valid token: %s",
			ErrPoolIntegrity, len(bad), strings.Join(bad, ", "))
	}
	return nil
}

func wellFormedToken(tok string) bool {
	if tok == "" {
		return false
	}
	return strings.IndexFunc(tok, unicode.IsSpace) < 0
}

// MarshalJSON writes the pool as a JSON object preserving insertion order.
func (p Pool) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range p.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Header)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Token)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping the order in which keys appear.
func (p *Pool) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = Pool{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("rhc: pool must be a JSON object")
	}
	var out Pool
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := kt.(string)
		var val string
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("rhc: token for %q: %w", key, err)
		}
		out.Set(key, val)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}
