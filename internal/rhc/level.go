package rhc

import (
	"fmt"
	"strings"
)

// Level identifies which selection strategy and validation state machine
// a client/server pair runs.
type Level int

const (
	LevelBasic Level = iota + 1
	LevelIntermediate
	LevelAdvanced
	LevelDynamicAdaptive
)

var levelNames = map[Level]string{
	LevelBasic:           "basic",
	LevelIntermediate:    "intermediate",
	LevelAdvanced:        "advanced",
	LevelDynamicAdaptive: "dynamic",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// UsesDecoys reports whether the level transmits decoy headers.
func (l Level) UsesDecoys() bool { return l == LevelDynamicAdaptive }

// ParseLevel accepts the level name, its numeric form, or a few aliases.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "basic", "basico", "básico":
		return LevelBasic, nil
	case "2", "intermediate", "intermedio":
		return LevelIntermediate, nil
	case "3", "advanced", "avanzado":
		return LevelAdvanced, nil
	case "4", "dynamic", "dynamic-adaptive", "dynamicadaptive", "adaptive", "adaptativo":
		return LevelDynamicAdaptive, nil
	}
	return 0, fmt.Errorf("rhc: unknown protocol level %q", s)
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Assignment governs which token is sent with the chosen header in the
// Intermediate and Advanced levels.
type Assignment int

const (
	// AssignFixed sends the token bound to the chosen header.
	AssignFixed Assignment = iota + 1
	// AssignRandom sends a token drawn from every value in the pool.
	AssignRandom
)

func (a Assignment) String() string {
	switch a {
	case AssignFixed:
		return "fixed"
	case AssignRandom:
		return "random"
	}
	return fmt.Sprintf("assignment(%d)", int(a))
}

func ParseAssignment(s string) (Assignment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed", "fixedassignment":
		return AssignFixed, nil
	case "random", "randomassignment", "":
		return AssignRandom, nil
	}
	return 0, fmt.Errorf("rhc: unknown token assignment mode %q", s)
}
