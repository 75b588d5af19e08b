// Package permissions implements the authorization model for agents: graded
// permission levels, path sandboxing, per-tool overrides, preset resolution,
// delegation checks for subagent spawning, and session-scoped allowances
// accumulated from user confirmations.
//
// The model is fail-closed: an agent without permissions can execute nothing,
// unknown tools are treated as both reading and writing their "path" argument,
// and a child agent can never hold a permission its parent lacks.
package permissions

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level is an agent's trust grade. Levels are ordered: a higher level is
// strictly more permissive, and delegation requires the child's level to be
// strictly lower than the parent's.
//
// The zero value is unspecified. It is invalid in a resolved policy and
// behaves like the most restrictive level wherever it is consulted, so a
// zero-valued Policy stays fail-closed. In presets it means "inherit from
// the extended preset".
type Level int

const (
	// LevelUnspecified is the zero value; presets use it to inherit.
	LevelUnspecified Level = iota

	// LevelSandboxed confines the agent to its allowed paths and denies
	// execution and agent-management tools outright.
	LevelSandboxed

	// LevelTrusted reads freely but asks for confirmation before destructive
	// actions outside the working directory and session allowances.
	LevelTrusted

	// LevelYolo never confirms and never restricts paths beyond the
	// explicit blocklist.
	LevelYolo
)

var levelNames = map[Level]string{
	LevelSandboxed: "sandboxed",
	LevelTrusted:   "trusted",
	LevelYolo:      "yolo",
}

// String returns the lowercase wire name of the level.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// ParseLevel converts a wire name into a Level. Matching is
// case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sandboxed":
		return LevelSandboxed, nil
	case "trusted":
		return LevelTrusted, nil
	case "yolo":
		return LevelYolo, nil
	default:
		return LevelUnspecified, fmt.Errorf("unknown permission level %q", s)
	}
}

// MarshalJSON encodes the level as its wire name.
func (l Level) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid permission level %d", int(l))
	}
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a wire name into the level.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalYAML encodes the level as its wire name.
func (l Level) MarshalYAML() (any, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid permission level %d", int(l))
	}
	return l.String(), nil
}

// UnmarshalYAML decodes a wire name into the level.
func (l *Level) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
