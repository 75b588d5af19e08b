package permissions

// Policy is the path and action posture of one agent: its level, the
// sandbox scope, an always-wins blocklist, and the working directory that
// anchors TRUSTED confirmation heuristics.
type Policy struct {
	// Level is the agent's trust grade.
	Level Level `json:"level" yaml:"level"`

	// AllowedPaths is the sandbox scope. Unrestricted for TRUSTED and YOLO
	// presets; a frozen single-root scope for resolved SANDBOXED presets.
	AllowedPaths PathScope `json:"allowed_paths" yaml:"allowed_paths"`

	// BlockedPaths are denied for every operation at every level, even
	// when AllowedPaths would admit them.
	BlockedPaths []string `json:"blocked_paths,omitempty" yaml:"blocked_paths,omitempty"`

	// Cwd is the agent's working directory. Writes inside it never require
	// confirmation at TRUSTED.
	Cwd string `json:"cwd,omitempty" yaml:"cwd,omitempty"`

	// NetworkAccess gates tools that reach the network.
	NetworkAccess bool `json:"network_access" yaml:"network_access"`

	// Frozen rejects any later attempt to widen AllowedPaths. Set when a
	// SANDBOXED preset is resolved against a working directory.
	Frozen bool `json:"frozen,omitempty" yaml:"frozen,omitempty"`
}

// Clone returns an independent copy of the policy.
func (p Policy) Clone() Policy {
	out := p
	out.AllowedPaths = p.AllowedPaths.Clone()
	out.BlockedPaths = append([]string(nil), p.BlockedPaths...)
	return out
}

// AllowsAction reports whether the level admits the tool at all. Path and
// confirmation checks come separately; this is the coarse gate that makes
// SANDBOXED deny execution and agent management outright.
func (p Policy) AllowsAction(tool string) bool {
	if p.Level <= LevelSandboxed && IsSandboxDisabled(tool) {
		return false
	}
	return true
}

// IsPathBlocked reports whether the resolved path falls under a blocked
// root. Blocked paths win over every allowance.
func (p Policy) IsPathBlocked(path string) bool {
	resolved := ResolvePath(path)
	for _, blocked := range p.BlockedPaths {
		if isWithin(resolved, ResolvePath(blocked)) {
			return true
		}
	}
	return false
}

// IsPathAllowed reports whether the path clears both the blocklist and the
// sandbox scope.
func (p Policy) IsPathAllowed(path string) bool {
	if p.IsPathBlocked(path) {
		return false
	}
	return p.AllowedPaths.Contains(path)
}

// CanRead reports whether the level admits reading the path. TRUSTED and
// YOLO read anywhere outside the blocklist; SANDBOXED reads only inside its
// scope.
func (p Policy) CanRead(path string) bool {
	if p.IsPathBlocked(path) {
		return false
	}
	if p.Level <= LevelSandboxed {
		return p.AllowedPaths.Contains(path)
	}
	return true
}

// IsWithinCwd reports whether the resolved path sits inside the agent's
// working directory.
func (p Policy) IsWithinCwd(path string) bool {
	if p.Cwd == "" {
		return false
	}
	return isWithin(ResolvePath(path), ResolvePath(p.Cwd))
}
