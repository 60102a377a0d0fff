package entropy

import (
	"encoding/hex"
	"strings"
)

// TotalLabel labels the aggregate score in ModeAll and ScoreLines.
const TotalLabel = "ENTROPÍA TOTAL"

// Pair is one header/token couple to score.
type Pair struct {
	Header string
	Token  string
}

// Score is one bar of an entropy chart.
type Score struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
	Class Class   `json:"class"`
}

func newScore(label, input string) Score {
	v := Shannon(input)
	return Score{Label: label, Value: v, Class: Classify(v)}
}

// Chart is the set of scores computed for one request.
type Chart struct {
	Mode   Mode    `json:"mode"`
	Scores []Score `json:"scores"`
}

// Min and Max return the lowest and highest value of the chart, or 0 when
// it is empty.
func (c Chart) Min() float64 {
	if len(c.Scores) == 0 {
		return 0
	}
	m := c.Scores[0].Value
	for _, s := range c.Scores[1:] {
		if s.Value < m {
			m = s.Value
		}
	}
	return m
}

func (c Chart) Max() float64 {
	m := 0.0
	for _, s := range c.Scores {
		if s.Value > m {
			m = s.Value
		}
	}
	return m
}

// Analyze scores pairs according to mode.
func Analyze(pairs []Pair, mode Mode) Chart {
	c := Chart{Mode: mode}
	switch mode {
	case ModeHeaders:
		for _, p := range pairs {
			c.Scores = append(c.Scores, newScore(p.Header+" (H)", p.Header))
		}
	case ModeAll:
		var all strings.Builder
		for _, p := range pairs {
			c.Scores = append(c.Scores,
				newScore(p.Header+" (H)", p.Header),
				newScore(p.Token+" (T)", p.Token),
			)
			all.WriteString(p.Header)
			all.WriteString(p.Token)
		}
		c.Scores = append(c.Scores, newScore(TotalLabel, all.String()))
	case ModeJoined:
		for _, p := range pairs {
			c.Scores = append(c.Scores, newScore(p.Header+" (H) "+p.Token+" (T)", p.Header+":"+p.Token))
		}
	default:
		c.Mode = ModeTokens
		for _, p := range pairs {
			c.Scores = append(c.Scores, newScore(p.Token+" (T)", p.Token))
		}
	}
	return c
}

// ScoreLines scores each non-blank line and then all of them concatenated.
func ScoreLines(lines []string) []Score {
	var (
		out []Score
		all strings.Builder
	)
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		out = append(out, newScore(l, l))
		all.WriteString(l)
	}
	if len(out) == 0 {
		return nil
	}
	return append(out, newScore(TotalLabel, all.String()))
}

// Reference inputs for the LOW and MID samples.
const (
	SampleLow = "AAAAAAAAAAAAAAA"
	SampleMid = "ABABABCDCDCD1234"
)

// Samples returns LOW, MID and HIGH reference scores. The HIGH input is the
// hex encoding of random, which should hold 16 random bytes.
func Samples(random []byte) []Score {
	return []Score{
		newScore("LOW", SampleLow),
		newScore("MID", SampleMid),
		newScore("HIGH", hex.EncodeToString(random)),
	}
}
