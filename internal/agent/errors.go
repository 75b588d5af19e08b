package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrNoProvider rejects building a session without a provider.
	ErrNoProvider = errors.New("agent: no provider configured")

	// ErrNoContext rejects building a session without a context manager.
	ErrNoContext = errors.New("agent: no context manager configured")

	// ErrTurnInProgress rejects starting a turn while one is running.
	ErrTurnInProgress = errors.New("agent: a turn is already in progress")

	// ErrToolNotFound marks a tool call naming an unregistered skill.
	ErrToolNotFound = errors.New("agent: tool not found")
)

// Fixed result contents fed back to the model for tools that never ran.
const (
	// CancelledToolContent stands in for tools interrupted or skipped by a
	// user cancellation.
	CancelledToolContent = "Cancelled by user: tool execution was interrupted"

	// HaltedToolContent stands in for tools skipped after an earlier tool
	// in a sequential batch failed.
	HaltedToolContent = "Did not execute: halted due to error in previous tool"
)

// ToolErrorType classifies why a tool execution failed.
type ToolErrorType string

const (
	// ToolErrorPermission marks calls refused by the enforcer or denied
	// confirmation.
	ToolErrorPermission ToolErrorType = "permission"

	// ToolErrorValidation marks arguments rejected by the skill's schema.
	ToolErrorValidation ToolErrorType = "validation"

	// ToolErrorTimeout marks executions that exceeded their timeout.
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorCancelled marks executions interrupted by the user.
	ToolErrorCancelled ToolErrorType = "cancelled"

	// ToolErrorPanic marks skills that panicked. The panic is recovered
	// and surfaced as an error result.
	ToolErrorPanic ToolErrorType = "panic"

	// ToolErrorExecution marks ordinary runtime failures inside a skill.
	ToolErrorExecution ToolErrorType = "execution"
)

// ToolError is a classified tool execution failure.
type ToolError struct {
	// Type is the failure class.
	Type ToolErrorType

	// Tool is the skill name.
	Tool string

	// ToolCallID is the provider-assigned call id.
	ToolCallID string

	// Message is the agent-facing description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *ToolError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is chains.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether re-invoking the tool could plausibly
// succeed. Permission, validation, and cancellation failures are final.
func (e *ToolError) IsRetryable() bool {
	switch e.Type {
	case ToolErrorTimeout, ToolErrorExecution:
		return true
	default:
		return false
	}
}

// LoopPhase names where in a turn a failure occurred.
type LoopPhase string

const (
	// PhaseInit covers turn setup before the first iteration.
	PhaseInit LoopPhase = "init"

	// PhaseCompact covers the compaction check and run.
	PhaseCompact LoopPhase = "compact"

	// PhaseStream covers the provider request and stream consumption.
	PhaseStream LoopPhase = "stream"

	// PhaseExecuteTools covers tool batch execution.
	PhaseExecuteTools LoopPhase = "execute_tools"
)

// LoopError is a turn-level failure: the phase and iteration it happened
// in, wrapping the cause. Per-tool failures never become LoopErrors; they
// stay local to their tool result.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	if e.Iteration > 0 {
		return fmt.Sprintf("turn failed in %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("turn failed in %s: %v", e.Phase, e.Cause)
}

// Unwrap exposes the cause for errors.Is chains.
func (e *LoopError) Unwrap() error {
	return e.Cause
}
