package rhc

import "fmt"

// Selector picks the headers a single request carries.
//
// Basic, Intermediate and Advanced return exactly one entry. DynamicAdaptive
// returns the whole pool, whose subset was already chosen by the Shuffler.
// A malformed pool yields ErrPoolIntegrity and an empty Pool.
type Selector interface {
	Level() Level
	Select(pool Pool) (Pool, error)
}

// NewSelector returns the selection strategy for level. assignment is only
// read by the Intermediate and Advanced levels.
func NewSelector(level Level, assignment Assignment, src Source) (Selector, error) {
	if src == nil {
		src = CryptoSource()
	}
	switch level {
	case LevelBasic:
		return basicSelector{src: src}, nil
	case LevelIntermediate, LevelAdvanced:
		if assignment != AssignFixed && assignment != AssignRandom {
			return nil, fmt.Errorf("rhc: level %s needs a token assignment mode", level)
		}
		return assignmentSelector{level: level, assignment: assignment, src: src}, nil
	case LevelDynamicAdaptive:
		return adaptiveSelector{}, nil
	}
	return nil, fmt.Errorf("rhc: no selector for %s", level)
}

// basicSelector has one entropy source: which header is chosen.
type basicSelector struct {
	src Source
}

func (basicSelector) Level() Level { return LevelBasic }

func (s basicSelector) Select(pool Pool) (Pool, error) {
	if err := pool.CheckIntegrity(); err != nil {
		return Pool{}, err
	}
	e := pool.entries[s.src.IntN(pool.Len())]
	return PoolFrom(e), nil
}

// assignmentSelector adds a second entropy source in random mode: the token
// is decoupled from the header that carries it.
type assignmentSelector struct {
	level      Level
	assignment Assignment
	src        Source
}

func (s assignmentSelector) Level() Level { return s.level }

func (s assignmentSelector) Select(pool Pool) (Pool, error) {
	if err := pool.CheckIntegrity(); err != nil {
		return Pool{}, err
	}
	chosen := pool.entries[s.src.IntN(pool.Len())]
	token := chosen.Token
	if s.assignment == AssignRandom {
		token = pool.entries[s.src.IntN(pool.Len())].Token
	}
	return PoolFrom(Entry{Header: chosen.Header, Token: token}), nil
}

type adaptiveSelector struct{}

func (adaptiveSelector) Level() Level { return LevelDynamicAdaptive }

func (adaptiveSelector) Select(pool Pool) (Pool, error) {
	if err := pool.CheckIntegrity(); err != nil {
		return Pool{}, err
	}
	return pool.Clone(), nil
}
