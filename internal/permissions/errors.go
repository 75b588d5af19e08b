package permissions

import (
	"errors"
	"fmt"
)

// Sentinel errors for permission failures that callers branch on.
var (
	// ErrNoPermissions marks operations attempted without a resolved
	// permission set. Everything fails closed against it.
	ErrNoPermissions = errors.New("no permissions configured")

	// ErrFrozenPolicy rejects attempts to widen a frozen sandbox scope.
	ErrFrozenPolicy = errors.New("allowed paths are frozen and cannot be changed")

	// ErrConfirmationDenied marks a tool call the user refused.
	ErrConfirmationDenied = errors.New("cancelled by user")
)

// AuthorizationError reports a denied action with enough context to tell
// the model what was refused without leaking host details.
type AuthorizationError struct {
	// Tool is the tool call that was refused, when applicable.
	Tool string

	// AgentID is the target agent for agent-management denials.
	AgentID string

	// Reason is a short human-readable cause.
	Reason string
}

func (e *AuthorizationError) Error() string {
	switch {
	case e.Tool != "" && e.AgentID != "":
		return fmt.Sprintf("permission denied: %s on agent %q: %s", e.Tool, e.AgentID, e.Reason)
	case e.Tool != "":
		return fmt.Sprintf("permission denied: %s: %s", e.Tool, e.Reason)
	default:
		return fmt.Sprintf("permission denied: %s", e.Reason)
	}
}

// PathViolationError reports a path refused by the sandbox scope, the
// blocklist, or a delegation check.
type PathViolationError struct {
	// Path is the offending path as the caller supplied it.
	Path string

	// Reason is a short human-readable cause.
	Reason string
}

func (e *PathViolationError) Error() string {
	return fmt.Sprintf("path not allowed: %s: %s", e.Path, e.Reason)
}
