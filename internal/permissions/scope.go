package permissions

import (
	"encoding/json"
	"sort"
)

// PathScope is a three-valued set of filesystem roots:
//
//   - unrestricted: any path is in scope (serialized as null)
//   - deny-all: no path is in scope (serialized as [])
//   - restricted: only paths under the listed roots are in scope
//
// The zero value is unrestricted, so an absent field in JSON or YAML means
// no restriction. The distinction between null and [] survives round-trips
// through both encodings.
type PathScope struct {
	restricted bool
	roots      []string
}

// UnrestrictedPaths returns a scope that admits every path.
func UnrestrictedPaths() PathScope {
	return PathScope{}
}

// DenyAllPaths returns a scope that admits no path.
func DenyAllPaths() PathScope {
	return PathScope{restricted: true}
}

// OnlyPaths returns a scope restricted to the given roots. Each root is
// resolved to an absolute, symlink-free form. With no roots the result is
// deny-all.
func OnlyPaths(roots ...string) PathScope {
	resolved := make([]string, 0, len(roots))
	for _, r := range roots {
		resolved = append(resolved, ResolvePath(r))
	}
	sort.Strings(resolved)
	return PathScope{restricted: true, roots: resolved}
}

// IsRestricted reports whether the scope limits paths at all. Both deny-all
// and root-listed scopes are restricted.
func (s PathScope) IsRestricted() bool {
	return s.restricted
}

// Roots returns a copy of the scope's roots. It is nil for an unrestricted
// scope and empty for deny-all.
func (s PathScope) Roots() []string {
	if !s.restricted {
		return nil
	}
	out := make([]string, len(s.roots))
	copy(out, s.roots)
	return out
}

// Contains reports whether path is admitted by the scope. The path is
// resolved before comparison so symlinked aliases of a root still match.
func (s PathScope) Contains(path string) bool {
	if !s.restricted {
		return true
	}
	resolved := ResolvePath(path)
	for _, root := range s.roots {
		if isWithin(resolved, root) {
			return true
		}
	}
	return false
}

// Equal reports whether two scopes admit exactly the same paths.
func (s PathScope) Equal(other PathScope) bool {
	if s.restricted != other.restricted {
		return false
	}
	if len(s.roots) != len(other.roots) {
		return false
	}
	for i := range s.roots {
		if s.roots[i] != other.roots[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the scope.
func (s PathScope) Clone() PathScope {
	if !s.restricted {
		return PathScope{}
	}
	return PathScope{restricted: true, roots: append([]string(nil), s.roots...)}
}

// MarshalJSON encodes unrestricted as null, deny-all as [], and a restricted
// scope as its root list.
func (s PathScope) MarshalJSON() ([]byte, error) {
	if !s.restricted {
		return []byte("null"), nil
	}
	if s.roots == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.roots)
}

// UnmarshalJSON decodes null as unrestricted and a list as a restricted
// scope ([] meaning deny-all).
func (s *PathScope) UnmarshalJSON(data []byte) error {
	var roots []string
	if err := json.Unmarshal(data, &roots); err != nil {
		return err
	}
	if roots == nil {
		*s = UnrestrictedPaths()
		return nil
	}
	*s = OnlyPaths(roots...)
	return nil
}

// MarshalYAML mirrors MarshalJSON for YAML documents.
func (s PathScope) MarshalYAML() (any, error) {
	if !s.restricted {
		return nil, nil
	}
	if s.roots == nil {
		return []string{}, nil
	}
	return s.roots, nil
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML documents.
func (s *PathScope) UnmarshalYAML(unmarshal func(any) error) error {
	var roots []string
	if err := unmarshal(&roots); err != nil {
		return err
	}
	if roots == nil {
		*s = UnrestrictedPaths()
		return nil
	}
	*s = OnlyPaths(roots...)
	return nil
}
