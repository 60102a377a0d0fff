package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/shortontech/gorhc/internal/entropy"
)

type Entropy struct {
	Inputs  []string `kong:"arg,optional,help='Strings to score. Several inputs also get a total.'"`
	Samples bool     `kong:"help='Print the LOW, MID and HIGH reference samples.'"`
}

func (e *Entropy) Run(out io.Writer) error {
	var scores []entropy.Score
	switch {
	case e.Samples:
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		scores = entropy.Samples(buf)
	case len(e.Inputs) > 0:
		scores = entropy.ScoreLines(e.Inputs)
		if len(scores) == 2 {
			scores = scores[:1]
		}
	default:
		return errors.New("nothing to score: pass strings or --samples")
	}

	for _, s := range scores {
		fmt.Fprintf(out, "%-8s %6.3f  %s\n", s.Class, s.Value, s.Label)
	}
	return nil
}
