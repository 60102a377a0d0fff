package rhc

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	mrand "math/rand/v2"
	"sync"
)

// Source is the single randomness source used for byte generation, header
// choice and shuffling.
type Source interface {
	// IntN returns a uniform integer in [0, n). n must be > 0.
	IntN(n int) int
	// Read fills p with random bytes.
	Read(p []byte) (int, error)
}

type cryptoSource struct{}

// CryptoSource returns a Source backed by crypto/rand.
func CryptoSource() Source { return cryptoSource{} }

func (cryptoSource) IntN(n int) int {
	if n <= 0 {
		panic("rhc: IntN called with n <= 0")
	}
	v, err := crand.Int(crand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(fmt.Sprintf("rhc: crypto/rand failure: %v", err))
	}
	return int(v.Int64())
}

func (cryptoSource) Read(p []byte) (int, error) { return crand.Read(p) }

// SeededSource is a deterministic Source for tests and reproducible probes.
// It is not suitable for producing real tokens.
type SeededSource struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

func NewSeededSource(seed uint64) *SeededSource {
	return &SeededSource{rng: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *SeededSource) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

func (s *SeededSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf [8]byte
	for i := 0; i < len(p); i += 8 {
		binary.LittleEndian.PutUint64(buf[:], s.rng.Uint64())
		copy(p[i:], buf[:])
	}
	return len(p), nil
}

// shuffle is an in-place Fisher–Yates shuffle driven by src.
func shuffle(src Source, s []string) {
	for i := len(s) - 1; i > 0; i-- {
		j := src.IntN(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

// intBetween returns a uniform integer in [lo, hi].
func intBetween(src Source, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + src.IntN(hi-lo+1)
}
