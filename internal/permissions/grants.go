package permissions

import "fmt"

// AgentPermissions is everything the enforcer needs to judge one agent's
// tool calls: the resolved policy, per-tool overrides, the session's
// accumulated allowances, and the delegation lineage.
type AgentPermissions struct {
	// BasePreset is the preset name these permissions were resolved from.
	BasePreset string `json:"base_preset" yaml:"base_preset"`

	// Policy is the resolved path and action posture.
	Policy Policy `json:"policy" yaml:"policy"`

	// ToolPermissions are per-tool overrides, keyed by tool name.
	ToolPermissions map[string]ToolPermission `json:"tool_permissions,omitempty" yaml:"tool_permissions,omitempty"`

	// Allowances are the confirmation-derived session grants.
	Allowances *SessionAllowances `json:"allowances,omitempty" yaml:"-"`

	// ParentAgentID is the id of the agent that spawned this one, empty
	// for root agents.
	ParentAgentID string `json:"parent_agent_id,omitempty" yaml:"-"`

	// Depth is the delegation depth, zero for root agents.
	Depth int `json:"depth,omitempty" yaml:"-"`

	// DefaultToolTimeoutSeconds overrides the session tool timeout when
	// non-zero.
	DefaultToolTimeoutSeconds float64 `json:"default_tool_timeout,omitempty" yaml:"-"`
}

// Clone returns an independent copy. The allowance set is deep-copied, so
// grants accumulated by the clone do not leak back.
func (p *AgentPermissions) Clone() *AgentPermissions {
	if p == nil {
		return nil
	}
	return &AgentPermissions{
		BasePreset:                p.BasePreset,
		Policy:                    p.Policy.Clone(),
		ToolPermissions:           cloneToolPermissions(p.ToolPermissions),
		Allowances:                p.Allowances.Clone(),
		ParentAgentID:             p.ParentAgentID,
		Depth:                     p.Depth,
		DefaultToolTimeoutSeconds: p.DefaultToolTimeoutSeconds,
	}
}

// ToolPermission returns the override entry for the tool, if any.
func (p *AgentPermissions) ToolPermission(tool string) (ToolPermission, bool) {
	if p == nil || p.ToolPermissions == nil {
		return ToolPermission{}, false
	}
	tp, ok := p.ToolPermissions[tool]
	return tp, ok
}

// ToolEnabled reports whether the tool is switched on. Tools without an
// override entry are enabled.
func (p *AgentPermissions) ToolEnabled(tool string) bool {
	tp, ok := p.ToolPermission(tool)
	if !ok {
		return true
	}
	return tp.Enabled
}

// ApplyDelta returns a copy of p with the delta applied. The receiver is
// never mutated. Replacing allowed paths on a frozen policy fails with
// ErrFrozenPolicy.
func (p *AgentPermissions) ApplyDelta(d Delta) (*AgentPermissions, error) {
	if p == nil {
		return nil, fmt.Errorf("apply delta: %w", ErrNoPermissions)
	}
	out := p.Clone()
	if d.AllowedPaths != nil {
		if out.Policy.Frozen {
			return nil, ErrFrozenPolicy
		}
		out.Policy.AllowedPaths = d.AllowedPaths.Clone()
	}
	out.Policy.BlockedPaths = append(out.Policy.BlockedPaths, d.AddBlockedPaths...)

	if out.ToolPermissions == nil && (len(d.DisableTools) > 0 || len(d.EnableTools) > 0 || len(d.ToolOverrides) > 0) {
		out.ToolPermissions = make(map[string]ToolPermission)
	}
	for _, tool := range d.DisableTools {
		tp := out.ToolPermissions[tool]
		tp.Enabled = false
		out.ToolPermissions[tool] = tp
	}
	for _, tool := range d.EnableTools {
		tp := out.ToolPermissions[tool]
		tp.Enabled = true
		out.ToolPermissions[tool] = tp
	}
	for tool, tp := range d.ToolOverrides {
		out.ToolPermissions[tool] = tp.Clone()
	}
	return out, nil
}

// CanGrant decides whether an agent holding p may hand the requested
// permissions to a subagent. Delegation is strictly narrowing:
//
//   - the child's level must be strictly lower than the parent's
//   - a tool the parent has disabled cannot be enabled for the child
//   - every path the child could touch must be accessible to the parent
//
// For an unrestricted child scope the check anchors on the child's working
// directory, since that is where its unconfirmed writes land.
func (p *AgentPermissions) CanGrant(requested *AgentPermissions) error {
	if p == nil {
		return ErrNoPermissions
	}
	if requested == nil {
		return fmt.Errorf("can_grant: no requested permissions")
	}
	if requested.Policy.Level >= p.Policy.Level {
		return &AuthorizationError{
			Reason: fmt.Sprintf("child level %s must be strictly lower than parent level %s",
				requested.Policy.Level, p.Policy.Level),
		}
	}
	for tool, tp := range p.ToolPermissions {
		if !tp.Enabled && requested.ToolEnabled(tool) {
			return &AuthorizationError{
				Reason: fmt.Sprintf("tool %q is disabled for the parent and cannot be granted", tool),
			}
		}
	}

	var anchors []string
	if requested.Policy.AllowedPaths.IsRestricted() {
		anchors = requested.Policy.AllowedPaths.Roots()
	} else if requested.Policy.Cwd != "" {
		anchors = []string{requested.Policy.Cwd}
	}
	for _, anchor := range anchors {
		if !p.isPathAccessible(anchor) {
			return &PathViolationError{
				Path:   anchor,
				Reason: "outside the granting agent's accessible paths",
			}
		}
	}
	return nil
}

// isPathAccessible reports whether the agent could itself touch the path,
// through its policy or through a session allowance.
func (p *AgentPermissions) isPathAccessible(path string) bool {
	if p.Policy.IsPathBlocked(path) {
		return false
	}
	if p.Policy.AllowedPaths.Contains(path) {
		return true
	}
	return p.Allowances.IsWriteAllowed(path)
}
