package permissions

import (
	"fmt"

	"github.com/nexus3/nexus3/pkg/models"
)

// Enforcer judges tool calls against an agent's permissions. It is
// stateless apart from the path-semantics registry and safe for concurrent
// use across sessions.
type Enforcer struct {
	semantics *SemanticsRegistry
}

// NewEnforcer returns an enforcer backed by the given semantics registry.
// A nil registry gets a fresh one with the built-in tools.
func NewEnforcer(semantics *SemanticsRegistry) *Enforcer {
	if semantics == nil {
		semantics = NewSemanticsRegistry()
	}
	return &Enforcer{semantics: semantics}
}

// Semantics exposes the registry so skills can attach their path semantics.
func (e *Enforcer) Semantics() *SemanticsRegistry {
	return e.semantics
}

// CheckAll runs every hard authorization check for a tool call, in order:
// the tool must be enabled, the level must admit the action, every path the
// call touches must clear the scope and blocklist, and agent-management
// calls must address an admitted target.
//
// Confirmation is not part of CheckAll; a call that passes may still be
// held for user approval.
func (e *Enforcer) CheckAll(tc models.ToolCall, perms *AgentPermissions, childIDs []string) error {
	if perms == nil {
		return ErrNoPermissions
	}
	if !perms.ToolEnabled(tc.Name) {
		return &AuthorizationError{Tool: tc.Name, Reason: "tool is disabled"}
	}
	if !perms.Policy.AllowsAction(tc.Name) {
		return &AuthorizationError{
			Tool:   tc.Name,
			Reason: fmt.Sprintf("not permitted at the %s level", perms.Policy.Level),
		}
	}
	if err := e.checkPaths(tc, perms); err != nil {
		return err
	}
	if IsAgentTargetTool(tc.Name) {
		if err := e.checkTarget(tc, perms, childIDs); err != nil {
			return err
		}
	}
	return nil
}

// checkPaths validates every path argument of the call. Write paths must
// clear the per-tool scope when one is set, otherwise the policy scope;
// read paths are only scoped at SANDBOXED. Blocked paths always lose.
func (e *Enforcer) checkPaths(tc models.ToolCall, perms *AgentPermissions) error {
	toolScope, hasToolScope := PathScope{}, false
	if tp, ok := perms.ToolPermission(tc.Name); ok && tp.AllowedPaths.IsRestricted() {
		toolScope, hasToolScope = tp.AllowedPaths, true
	}

	for _, path := range e.semantics.WritePaths(tc) {
		if perms.Policy.IsPathBlocked(path) {
			return &PathViolationError{Path: path, Reason: "path is blocked"}
		}
		if hasToolScope {
			if !toolScope.Contains(path) {
				return &PathViolationError{Path: path, Reason: fmt.Sprintf("outside the allowed paths for %s", tc.Name)}
			}
			continue
		}
		if !perms.Policy.AllowedPaths.Contains(path) {
			return &PathViolationError{Path: path, Reason: "outside the sandbox"}
		}
	}

	for _, path := range e.semantics.ReadPaths(tc) {
		if perms.Policy.IsPathBlocked(path) {
			return &PathViolationError{Path: path, Reason: "path is blocked"}
		}
		if hasToolScope {
			if !toolScope.Contains(path) {
				return &PathViolationError{Path: path, Reason: fmt.Sprintf("outside the allowed paths for %s", tc.Name)}
			}
			continue
		}
		if !perms.Policy.CanRead(path) {
			return &PathViolationError{Path: path, Reason: "outside the sandbox"}
		}
	}
	return nil
}

// checkTarget validates the agent_id argument of agent-management tools
// against the caller's allowed targets.
func (e *Enforcer) checkTarget(tc models.ToolCall, perms *AgentPermissions, childIDs []string) error {
	targetID, _ := tc.Arguments["agent_id"].(string)
	if targetID == "" {
		return &AuthorizationError{Tool: tc.Name, Reason: "missing agent_id argument"}
	}
	scope := AnyTarget()
	if tp, ok := perms.ToolPermission(tc.Name); ok {
		scope = tp.AllowedTargets
	}
	if !scope.Allows(targetID, perms.ParentAgentID, childIDs) {
		return &AuthorizationError{
			Tool:    tc.Name,
			AgentID: targetID,
			Reason:  "target agent is outside the allowed scope",
		}
	}
	return nil
}

// RequiresConfirmation decides whether the call must be held for user
// approval, returning the path to show in the prompt.
//
// YOLO never confirms. SANDBOXED never confirms either: anything dangerous
// was already denied by CheckAll. TRUSTED confirms destructive actions
// outside the working directory unless a session allowance or a per-tool
// override says otherwise.
func (e *Enforcer) RequiresConfirmation(tc models.ToolCall, perms *AgentPermissions) (bool, string) {
	if perms == nil {
		return false, ""
	}
	display := e.semantics.DisplayPath(tc)

	if perms.Policy.Level >= LevelYolo || perms.Policy.Level <= LevelSandboxed {
		return false, display
	}
	if tp, ok := perms.ToolPermission(tc.Name); ok && tp.RequiresConfirmation != nil {
		if !*tp.RequiresConfirmation {
			return false, display
		}
		return !e.coveredByAllowances(tc, perms), display
	}
	if IsSafeTool(tc.Name) {
		return false, display
	}
	if IsExecTool(tc.Name) {
		return !perms.Allowances.IsExecAllowed(tc.Name, perms.Policy.Cwd), display
	}

	writes := e.semantics.WritePaths(tc)
	if len(writes) == 0 {
		return false, display
	}
	for _, path := range writes {
		if perms.Policy.IsWithinCwd(path) {
			continue
		}
		if perms.Allowances.IsWriteAllowed(path) {
			continue
		}
		return true, display
	}
	return false, display
}

// coveredByAllowances reports whether session allowances already cover the
// call, for tools whose override forces confirmation.
func (e *Enforcer) coveredByAllowances(tc models.ToolCall, perms *AgentPermissions) bool {
	if IsExecTool(tc.Name) {
		return perms.Allowances.IsExecAllowed(tc.Name, perms.Policy.Cwd)
	}
	writes := e.semantics.WritePaths(tc)
	if len(writes) == 0 {
		return false
	}
	for _, path := range writes {
		if !perms.Allowances.IsWriteAllowed(path) {
			return false
		}
	}
	return true
}

// WritePaths exposes the write paths of a call so callers can route
// confirmation grants to the right targets.
func (e *Enforcer) WritePaths(tc models.ToolCall) []string {
	return e.semantics.WritePaths(tc)
}
