package entropy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pairs = []Pair{
	{Header: "X-Server-Sig", Token: "abcd1234ef56"},
	{Header: "X-Server-Veil", Token: "0000"},
}

func TestAnalyzeModes(t *testing.T) {
	t.Run("tokens", func(t *testing.T) {
		c := Analyze(pairs, ModeTokens)
		require.Len(t, c.Scores, 2)
		assert.Equal(t, "abcd1234ef56 (T)", c.Scores[0].Label)
		assert.Equal(t, Shannon("abcd1234ef56"), c.Scores[0].Value)
		assert.Equal(t, ClassLow, c.Scores[1].Class)
	})

	t.Run("headers", func(t *testing.T) {
		c := Analyze(pairs, ModeHeaders)
		require.Len(t, c.Scores, 2)
		assert.Equal(t, "X-Server-Veil (H)", c.Scores[1].Label)
		assert.Equal(t, Shannon("X-Server-Veil"), c.Scores[1].Value)
	})

	t.Run("all adds total", func(t *testing.T) {
		c := Analyze(pairs, ModeAll)
		require.Len(t, c.Scores, 5)
		assert.Equal(t, "X-Server-Sig (H)", c.Scores[0].Label)
		assert.Equal(t, "abcd1234ef56 (T)", c.Scores[1].Label)
		total := c.Scores[4]
		assert.Equal(t, TotalLabel, total.Label)
		assert.Equal(t, Shannon("X-Server-Sigabcd1234ef56X-Server-Veil0000"), total.Value)
	})

	t.Run("joined", func(t *testing.T) {
		c := Analyze(pairs, ModeJoined)
		require.Len(t, c.Scores, 2)
		assert.Equal(t, Shannon("X-Server-Sig:abcd1234ef56"), c.Scores[0].Value)
	})

	t.Run("unknown falls back to tokens", func(t *testing.T) {
		c := Analyze(pairs, Mode(0))
		assert.Equal(t, ModeTokens, c.Mode)
		assert.Len(t, c.Scores, 2)
	})
}

func TestChartBounds(t *testing.T) {
	c := Analyze(pairs, ModeTokens)
	assert.Equal(t, 0.0, c.Min())
	assert.Equal(t, Shannon("abcd1234ef56"), c.Max())

	var empty Chart
	assert.Zero(t, empty.Min())
	assert.Zero(t, empty.Max())
}

func TestScoreLines(t *testing.T) {
	got := ScoreLines([]string{"aaaa", "  ", "abcd"})
	require.Len(t, got, 3)
	assert.Equal(t, 0.0, got[0].Value)
	assert.Equal(t, 2.0, got[1].Value)
	assert.Equal(t, TotalLabel, got[2].Label)
	assert.Equal(t, Shannon("aaaaabcd"), got[2].Value)

	assert.Nil(t, ScoreLines([]string{"", " "}))
}

func TestSamples(t *testing.T) {
	random := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef, 0xfe, 0xdc, 0xba, 0x98, 0x76, 0x54, 0x32, 0x10}
	got := Samples(random)
	require.Len(t, got, 3)

	assert.Equal(t, "LOW", got[0].Label)
	assert.Equal(t, 0.0, got[0].Value)
	assert.Equal(t, ClassLow, got[0].Class)

	assert.Equal(t, "MID", got[1].Label)
	assert.Equal(t, ClassMedium, got[1].Class)

	assert.Equal(t, "HIGH", got[2].Label)
	assert.Equal(t, 4.0, got[2].Value)
	assert.Equal(t, ClassHigh, got[2].Class)
}
