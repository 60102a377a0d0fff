package rhc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHeaders = []string{"X-Server-Certified", "X-Server-Sig", "X-Server-Flag"}

func TestGenerateShared(t *testing.T) {
	g := NewGenerator(NewSeededSource(1))

	pool, err := g.Generate(testHeaders, ModeShared, nil)
	require.NoError(t, err)
	require.Equal(t, 3, pool.Len())

	tokens := pool.Tokens()
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
		assert.Len(t, tok, 2*DefaultSharedBytes)
	}
	assert.Equal(t, testHeaders, pool.Headers())
}

func TestGenerateCustomLengths(t *testing.T) {
	g := NewGenerator(NewSeededSource(2))

	pool, err := g.Generate(testHeaders, ModeCustom, []int{12, 4, 8})
	require.NoError(t, err)

	want := []int{24, 8, 16}
	for i, tok := range pool.Tokens() {
		assert.Len(t, tok, want[i], "header %s", testHeaders[i])
	}
}

func TestGenerateCustomFallsBackToDefault(t *testing.T) {
	g := NewGenerator(NewSeededSource(3), WithDefaultBytes(7))

	pool, err := g.Generate(testHeaders, ModeCustom, []int{0, 3})
	require.NoError(t, err)

	tokens := pool.Tokens()
	assert.Len(t, tokens[0], 14)
	assert.Len(t, tokens[1], 6)
	assert.Len(t, tokens[2], 14)
}

func TestGenerateRandomRange(t *testing.T) {
	g := NewGenerator(NewSeededSource(4), WithRange(6, 10))

	for i := 0; i < 200; i++ {
		pool, err := g.Generate(testHeaders, ModeRandom, nil)
		require.NoError(t, err)
		for _, tok := range pool.Tokens() {
			assert.GreaterOrEqual(t, len(tok), 12)
			assert.LessOrEqual(t, len(tok), 20)
			assert.Zero(t, len(tok)%2)
		}
	}
}

func TestGenerateEmptyInput(t *testing.T) {
	g := NewGenerator(nil)

	pool, err := g.Generate(nil, ModeRandom, nil)
	require.NoError(t, err)
	assert.Zero(t, pool.Len())
}

func TestGenerateIsWellFormed(t *testing.T) {
	g := NewGenerator(nil)
	for _, mode := range []GenerationMode{ModeShared, ModeCustom, ModeRandom} {
		pool, err := g.Generate(testHeaders, mode, nil)
		require.NoError(t, err)
		assert.NoError(t, pool.CheckIntegrity(), "mode %s", mode)
	}
}

func TestGenerateDuplicateHeadersKeepFirst(t *testing.T) {
	g := NewGenerator(NewSeededSource(5))

	pool, err := g.Generate([]string{"X-A", "x-a", "X-B"}, ModeCustom, []int{1, 30, 2})
	require.NoError(t, err)
	require.Equal(t, []string{"X-A", "X-B"}, pool.Headers())

	tok, _ := pool.Get("X-A")
	assert.Len(t, tok, 2)
}

type failingSource struct{ Source }

func (failingSource) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestGenerateSourceFailure(t *testing.T) {
	g := NewGenerator(failingSource{NewSeededSource(1)})

	_, err := g.Generate(testHeaders, ModeCustom, nil)
	assert.ErrorContains(t, err, "boom")
}

func TestClassLengths(t *testing.T) {
	g := NewGenerator(NewSeededSource(6))

	seen := map[int]bool{}
	for _, n := range g.ClassLengths(400) {
		assert.Contains(t, AdvancedLengthClasses, n)
		seen[n] = true
	}
	assert.Len(t, seen, len(AdvancedLengthClasses))
}

func TestParseGenerationMode(t *testing.T) {
	tests := []struct {
		in      string
		want    GenerationMode
		wantErr bool
	}{
		{in: "shared", want: ModeShared},
		{in: "Custom", want: ModeCustom},
		{in: "random", want: ModeRandom},
		{in: "", want: ModeRandom},
		{in: "other", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGenerationMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
