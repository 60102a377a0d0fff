package rhc

// Shuffler produces the header list for one Dynamic-Adaptive request: a
// random non-empty subset of the valid headers plus every decoy, in random
// order.
type Shuffler struct {
	valid    []string
	decoys   []string
	maxValid int
	src      Source
}

func NewShuffler(valid, decoys []string, maxValid int, src Source) *Shuffler {
	if src == nil {
		src = CryptoSource()
	}
	return &Shuffler{
		valid:    append([]string(nil), valid...),
		decoys:   append([]string(nil), decoys...),
		maxValid: NormalizeMaxValid(maxValid, len(valid)),
		src:      src,
	}
}

// NormalizeMaxValid clamps maxValid to [1, defined]. With no defined
// headers it returns 0.
func NormalizeMaxValid(maxValid, defined int) int {
	if defined <= 0 {
		return 0
	}
	if maxValid < 1 {
		return 1
	}
	if maxValid > defined {
		return defined
	}
	return maxValid
}

// MaxValid is the normalized upper bound on valid headers per request.
func (s *Shuffler) MaxValid() int { return s.maxValid }

// Next returns k valid headers (1 <= k <= MaxValid) and all decoys,
// shuffled. It returns nil when no valid headers are configured.
func (s *Shuffler) Next() []string {
	if len(s.valid) == 0 {
		return nil
	}
	k := 1 + s.src.IntN(s.maxValid)

	candidates := append([]string(nil), s.valid...)
	shuffle(s.src, candidates)

	combined := make([]string, 0, k+len(s.decoys))
	combined = append(combined, candidates[:k]...)
	combined = append(combined, s.decoys...)
	shuffle(s.src, combined)
	return combined
}
