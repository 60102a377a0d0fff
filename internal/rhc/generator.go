package rhc

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// GenerationMode selects how tokens are produced for a header list.
type GenerationMode int

const (
	// ModeShared assigns one token to every header.
	ModeShared GenerationMode = iota + 1
	// ModeCustom uses a per-header byte length, or the default length.
	ModeCustom
	// ModeRandom draws each byte length from [MinBytes, MaxBytes].
	ModeRandom
)

func (m GenerationMode) String() string {
	switch m {
	case ModeShared:
		return "shared"
	case ModeCustom:
		return "custom"
	case ModeRandom:
		return "random"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseGenerationMode(s string) (GenerationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shared":
		return ModeShared, nil
	case "custom":
		return ModeCustom, nil
	case "random", "":
		return ModeRandom, nil
	}
	return 0, fmt.Errorf("rhc: unknown generation mode %q", s)
}

const (
	DefaultSharedBytes = 12
	DefaultTokenBytes  = 10
	DefaultMinBytes    = 6
	DefaultMaxBytes    = 10
)

// AdvancedLengthClasses are the byte lengths the Advanced level draws from.
var AdvancedLengthClasses = []int{8, 16, 32, 64}

// Generator builds header/token pools.
type Generator struct {
	src          Source
	sharedBytes  int
	defaultBytes int
	minBytes     int
	maxBytes     int
	classes      []int
}

type GeneratorOption func(*Generator)

func WithSharedBytes(n int) GeneratorOption {
	return func(g *Generator) { g.sharedBytes = n }
}

func WithDefaultBytes(n int) GeneratorOption {
	return func(g *Generator) { g.defaultBytes = n }
}

// WithRange sets the inclusive byte-length range used by ModeRandom and
// RangeLengths.
func WithRange(minBytes, maxBytes int) GeneratorOption {
	return func(g *Generator) {
		g.minBytes = minBytes
		g.maxBytes = maxBytes
	}
}

func WithLengthClasses(classes ...int) GeneratorOption {
	return func(g *Generator) { g.classes = append([]int(nil), classes...) }
}

// NewGenerator returns a Generator reading from src. A nil src means
// crypto/rand.
func NewGenerator(src Source, opts ...GeneratorOption) *Generator {
	if src == nil {
		src = CryptoSource()
	}
	g := &Generator{
		src:          src,
		sharedBytes:  DefaultSharedBytes,
		defaultBytes: DefaultTokenBytes,
		minBytes:     DefaultMinBytes,
		maxBytes:     DefaultMaxBytes,
		classes:      AdvancedLengthClasses,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sharedBytes < 1 {
		g.sharedBytes = DefaultSharedBytes
	}
	if g.defaultBytes < 1 {
		g.defaultBytes = DefaultTokenBytes
	}
	if g.minBytes < 1 {
		g.minBytes = 1
	}
	if g.maxBytes < g.minBytes {
		g.maxBytes = g.minBytes
	}
	if len(g.classes) == 0 {
		g.classes = AdvancedLengthClasses
	}
	return g
}

// Generate returns one token per header, in input order. lengths is only
// read in ModeCustom; missing or non-positive entries use the default
// length. An empty header list yields an empty pool.
func (g *Generator) Generate(headers []string, mode GenerationMode, lengths []int) (Pool, error) {
	var pool Pool
	if len(headers) == 0 {
		return pool, nil
	}

	var shared string
	if mode == ModeShared {
		tok, err := g.hexToken(g.sharedBytes)
		if err != nil {
			return Pool{}, err
		}
		shared = tok
	}

	for i, h := range headers {
		if _, dup := pool.Get(h); dup {
			continue
		}
		var (
			tok string
			err error
		)
		switch mode {
		case ModeShared:
			tok = shared
		case ModeCustom:
			n := g.defaultBytes
			if i < len(lengths) && lengths[i] > 0 {
				n = lengths[i]
			}
			tok, err = g.hexToken(n)
		case ModeRandom:
			tok, err = g.hexToken(intBetween(g.src, g.minBytes, g.maxBytes))
		default:
			return Pool{}, fmt.Errorf("rhc: unsupported generation mode %v", mode)
		}
		if err != nil {
			return Pool{}, err
		}
		pool.Set(h, tok)
	}
	return pool, nil
}

// RangeLengths draws n byte lengths uniformly from [MinBytes, MaxBytes].
func (g *Generator) RangeLengths(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = intBetween(g.src, g.minBytes, g.maxBytes)
	}
	return out
}

// ClassLengths draws n byte lengths from the configured length classes.
func (g *Generator) ClassLengths(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = g.classes[g.src.IntN(len(g.classes))]
	}
	return out
}

func (g *Generator) hexToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := g.src.Read(buf); err != nil {
		return "", fmt.Errorf("rhc: read %d random bytes: %w", n, err)
	}
	return hex.EncodeToString(buf), nil
}
