// Package entropy scores strings by their Shannon entropy in bits per
// character. It is used to audit how unpredictable the produced header
// names and tokens look to an observer.
package entropy

import (
	"fmt"
	"math"
	"strings"
)

// Thresholds between the display classes, in bits per character.
const (
	HighThreshold   = 3.5
	MediumThreshold = 1.5
)

// Shannon returns -Σ p·log2(p) over the runes of s, rounded to three
// decimals. The empty string scores 0.
func Shannon(s string) float64 {
	if s == "" {
		return 0
	}

	freq := make(map[rune]int)
	n := 0
	for _, r := range s {
		freq[r]++
		n++
	}

	h := 0.0
	length := float64(n)
	for _, count := range freq {
		p := float64(count) / length
		h -= p * math.Log2(p)
	}
	return round3(h)
}

func round3(v float64) float64 {
	v = math.Round(v*1000) / 1000
	if v == 0 {
		// avoid -0 in JSON output
		return 0
	}
	return v
}

// Class is a coarse rating of an entropy value. It does not gate anything.
type Class string

const (
	ClassLow    Class = "low"
	ClassMedium Class = "medium"
	ClassHigh   Class = "high"
)

func Classify(v float64) Class {
	switch {
	case v >= HighThreshold:
		return ClassHigh
	case v >= MediumThreshold:
		return ClassMedium
	}
	return ClassLow
}

// Color is the chart color historically used for each class.
func (c Class) Color() string {
	switch c {
	case ClassHigh:
		return "#23c552"
	case ClassMedium:
		return "#f5b942"
	}
	return "#d43838"
}

// Mode selects what gets scored for a header/token mapping.
type Mode int

const (
	// ModeTokens scores every token.
	ModeTokens Mode = iota + 1
	// ModeHeaders scores every header name.
	ModeHeaders
	// ModeAll scores every header and token separately, plus a total over
	// the concatenation of all of them.
	ModeAll
	// ModeJoined scores "header:token" for each pair.
	ModeJoined
)

func (m Mode) String() string {
	switch m {
	case ModeTokens:
		return "tokens"
	case ModeHeaders:
		return "headers"
	case ModeAll:
		return "all"
	case ModeJoined:
		return "joined"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode accepts the English names and the historical Spanish ones
// (Tokens, Headers, Todos, TodosUnidos). Empty means ModeTokens.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tokens":
		return ModeTokens, nil
	case "headers":
		return ModeHeaders, nil
	case "all", "todos":
		return ModeAll, nil
	case "joined", "todosunidos", "todos_unidos":
		return ModeJoined, nil
	}
	return 0, fmt.Errorf("entropy: unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
