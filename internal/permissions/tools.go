package permissions

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tool classification sets. These drive the level semantics: what SANDBOXED
// denies outright, what TRUSTED never confirms, and which tools gate on exec
// allowances or agent targets instead of write paths.
var (
	// sandboxDisabledTools are denied at the SANDBOXED level regardless of
	// paths: command execution and agent management.
	sandboxDisabledTools = map[string]struct{}{
		"run_command":   {},
		"git_command":   {},
		"nexus_create":  {},
		"nexus_send":    {},
		"nexus_cancel":  {},
		"nexus_destroy": {},
	}

	// safeTools are read-only and never require confirmation at any level.
	safeTools = map[string]struct{}{
		"read_file":      {},
		"tail":           {},
		"list_directory": {},
		"glob":           {},
		"grep":           {},
		"file_info":      {},
		"nexus_status":   {},
	}

	// execTools run external commands; at TRUSTED they gate on exec
	// allowances rather than write paths.
	execTools = map[string]struct{}{
		"run_command": {},
		"git_command": {},
	}

	// agentTargetTools take an agent_id argument that is checked against
	// the caller's allowed targets.
	agentTargetTools = map[string]struct{}{
		"nexus_send":    {},
		"nexus_status":  {},
		"nexus_cancel":  {},
		"nexus_destroy": {},
	}
)

// IsSandboxDisabled reports whether the tool is denied at SANDBOXED.
func IsSandboxDisabled(tool string) bool {
	_, ok := sandboxDisabledTools[tool]
	return ok
}

// IsSafeTool reports whether the tool is in the read-only safe set.
func IsSafeTool(tool string) bool {
	_, ok := safeTools[tool]
	return ok
}

// IsExecTool reports whether the tool executes external commands.
func IsExecTool(tool string) bool {
	_, ok := execTools[tool]
	return ok
}

// IsAgentTargetTool reports whether the tool addresses another agent.
func IsAgentTargetTool(tool string) bool {
	_, ok := agentTargetTools[tool]
	return ok
}

// TargetKind enumerates the shapes an agent-target restriction can take.
type TargetKind int

const (
	// TargetAny admits every agent id.
	TargetAny TargetKind = iota

	// TargetParent admits only the caller's parent.
	TargetParent

	// TargetChildren admits only the caller's direct children.
	TargetChildren

	// TargetFamily admits the parent and the direct children.
	TargetFamily

	// TargetList admits an explicit id list.
	TargetList
)

// TargetScope restricts which agents a tool call may address. The zero
// value admits every agent and serializes as null; the named kinds
// serialize as the strings "parent", "children", and "family"; an explicit
// list serializes as a JSON or YAML sequence.
type TargetScope struct {
	kind TargetKind
	ids  []string
}

// AnyTarget returns a scope admitting every agent.
func AnyTarget() TargetScope { return TargetScope{} }

// ParentTarget returns a scope admitting only the caller's parent.
func ParentTarget() TargetScope { return TargetScope{kind: TargetParent} }

// ChildrenTarget returns a scope admitting only direct children.
func ChildrenTarget() TargetScope { return TargetScope{kind: TargetChildren} }

// FamilyTarget returns a scope admitting the parent and direct children.
func FamilyTarget() TargetScope { return TargetScope{kind: TargetFamily} }

// ListTarget returns a scope admitting exactly the given agent ids. An
// empty list admits no agent.
func ListTarget(ids ...string) TargetScope {
	out := make([]string, len(ids))
	copy(out, ids)
	return TargetScope{kind: TargetList, ids: out}
}

// Kind returns the scope's shape.
func (t TargetScope) Kind() TargetKind { return t.kind }

// Allows reports whether the scope admits targetID for a caller with the
// given parent and children.
func (t TargetScope) Allows(targetID, parentID string, childIDs []string) bool {
	switch t.kind {
	case TargetAny:
		return true
	case TargetParent:
		return parentID != "" && targetID == parentID
	case TargetChildren:
		return containsString(childIDs, targetID)
	case TargetFamily:
		if parentID != "" && targetID == parentID {
			return true
		}
		return containsString(childIDs, targetID)
	case TargetList:
		return containsString(t.ids, targetID)
	default:
		return false
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var targetKindNames = map[TargetKind]string{
	TargetParent:   "parent",
	TargetChildren: "children",
	TargetFamily:   "family",
}

// MarshalJSON encodes the scope as null, a kind name, or an id list.
func (t TargetScope) MarshalJSON() ([]byte, error) {
	switch t.kind {
	case TargetAny:
		return []byte("null"), nil
	case TargetList:
		return json.Marshal(t.ids)
	default:
		return json.Marshal(targetKindNames[t.kind])
	}
}

// UnmarshalJSON decodes null, a kind name, or an id list.
func (t *TargetScope) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return t.fromValue(raw)
}

// MarshalYAML mirrors MarshalJSON for YAML documents.
func (t TargetScope) MarshalYAML() (any, error) {
	switch t.kind {
	case TargetAny:
		return nil, nil
	case TargetList:
		return t.ids, nil
	default:
		return targetKindNames[t.kind], nil
	}
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML documents.
func (t *TargetScope) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return t.fromValue(raw)
}

func (t *TargetScope) fromValue(raw any) error {
	switch v := raw.(type) {
	case nil:
		*t = AnyTarget()
		return nil
	case string:
		switch v {
		case "parent":
			*t = ParentTarget()
		case "children":
			*t = ChildrenTarget()
		case "family":
			*t = FamilyTarget()
		default:
			return fmt.Errorf("unknown target scope %q", v)
		}
		return nil
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("target scope list must contain strings, got %T", item)
			}
			ids = append(ids, s)
		}
		*t = ListTarget(ids...)
		return nil
	default:
		return fmt.Errorf("target scope must be null, a string, or a list, got %T", raw)
	}
}

// ToolPermission overrides how one tool behaves for one agent. Unset fields
// fall through to the policy defaults.
type ToolPermission struct {
	// Enabled turns the tool off entirely when false.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// AllowedPaths, when restricted, takes precedence over the policy
	// sandbox for this tool's paths.
	AllowedPaths PathScope `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`

	// TimeoutSeconds overrides the session's default tool timeout.
	TimeoutSeconds *float64 `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// RequiresConfirmation forces confirmation on (true) or off (false)
	// regardless of the level heuristics. Nil keeps the default behavior.
	RequiresConfirmation *bool `json:"requires_confirmation,omitempty" yaml:"requires_confirmation,omitempty"`

	// AllowedTargets restricts which agents this tool may address.
	AllowedTargets TargetScope `json:"allowed_targets,omitempty" yaml:"allowed_targets,omitempty"`
}

// Timeout returns the override as a duration, or ok=false when unset.
func (tp ToolPermission) Timeout() (time.Duration, bool) {
	if tp.TimeoutSeconds == nil {
		return 0, false
	}
	return time.Duration(*tp.TimeoutSeconds * float64(time.Second)), true
}

// Clone returns an independent copy of the permission.
func (tp ToolPermission) Clone() ToolPermission {
	out := tp
	out.AllowedPaths = tp.AllowedPaths.Clone()
	if tp.TimeoutSeconds != nil {
		v := *tp.TimeoutSeconds
		out.TimeoutSeconds = &v
	}
	if tp.RequiresConfirmation != nil {
		v := *tp.RequiresConfirmation
		out.RequiresConfirmation = &v
	}
	if tp.AllowedTargets.ids != nil {
		ids := make([]string, len(tp.AllowedTargets.ids))
		copy(ids, tp.AllowedTargets.ids)
		out.AllowedTargets = TargetScope{kind: tp.AllowedTargets.kind, ids: ids}
	}
	return out
}

// cloneToolPermissions deep-copies a tool permission map.
func cloneToolPermissions(in map[string]ToolPermission) map[string]ToolPermission {
	if in == nil {
		return nil
	}
	out := make(map[string]ToolPermission, len(in))
	for name, tp := range in {
		out[name] = tp.Clone()
	}
	return out
}
