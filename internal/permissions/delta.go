package permissions

// Delta is a declarative adjustment applied on top of resolved permissions,
// typically when spawning a subagent with a narrower charter.
type Delta struct {
	// DisableTools turns the named tools off.
	DisableTools []string `json:"disable_tools,omitempty" yaml:"disable_tools,omitempty"`

	// EnableTools turns the named tools back on.
	EnableTools []string `json:"enable_tools,omitempty" yaml:"enable_tools,omitempty"`

	// AllowedPaths, when non-nil, replaces the policy scope. Rejected on
	// frozen policies.
	AllowedPaths *PathScope `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`

	// AddBlockedPaths appends to the policy blocklist.
	AddBlockedPaths []string `json:"add_blocked_paths,omitempty" yaml:"add_blocked_paths,omitempty"`

	// ToolOverrides merges per-tool permission entries, replacing any
	// existing entry for the same tool.
	ToolOverrides map[string]ToolPermission `json:"tool_overrides,omitempty" yaml:"tool_overrides,omitempty"`
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return len(d.DisableTools) == 0 &&
		len(d.EnableTools) == 0 &&
		d.AllowedPaths == nil &&
		len(d.AddBlockedPaths) == 0 &&
		len(d.ToolOverrides) == 0
}
