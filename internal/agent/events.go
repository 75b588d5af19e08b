// Package agent implements the per-agent turn loop: streaming assistant
// output, dispatching tool calls under the permission model, and the
// cancellation and compaction behavior around both.
package agent

import "github.com/nexus3/nexus3/pkg/models"

// EventType discriminates session events.
type EventType string

const (
	// EventContentChunk carries a piece of user-visible assistant text.
	EventContentChunk EventType = "content_chunk"

	// EventReasoningStarted signals the model began emitting extended
	// thinking. Only emitted for models that advertise reasoning.
	EventReasoningStarted EventType = "reasoning_started"

	// EventReasoningEnded signals the transition out of extended thinking.
	EventReasoningEnded EventType = "reasoning_ended"

	// EventToolDetected fires when a tool call is first sighted in the
	// stream, before the assistant message is complete.
	EventToolDetected EventType = "tool_detected"

	// EventToolBatchStarted opens a batch of tool executions.
	EventToolBatchStarted EventType = "tool_batch_started"

	// EventToolStarted fires as one tool begins executing.
	EventToolStarted EventType = "tool_started"

	// EventToolCompleted carries one tool's outcome.
	EventToolCompleted EventType = "tool_completed"

	// EventToolBatchHalted signals a sequential batch stopped early
	// because a tool failed.
	EventToolBatchHalted EventType = "tool_batch_halted"

	// EventToolBatchCompleted closes a batch after every ToolCompleted.
	EventToolBatchCompleted EventType = "tool_batch_completed"

	// EventIterationCompleted closes one provider round-trip that will be
	// followed by another.
	EventIterationCompleted EventType = "iteration_completed"

	// EventSessionCompleted is terminal: the turn finished.
	EventSessionCompleted EventType = "session_completed"

	// EventSessionCancelled is terminal: the turn was cancelled.
	EventSessionCancelled EventType = "session_cancelled"

	// EventError is terminal: a turn-level failure (provider auth, stream
	// corruption) that aborts the turn. Per-tool failures are not errors
	// at this level; they surface as ToolCompleted with Success=false.
	EventError EventType = "error"
)

// Event is one session-to-caller notification. Which fields are set
// depends on Type.
type Event struct {
	Type EventType

	// Text is the chunk payload for content events.
	Text string

	// ToolCall identifies the call for tool_detected, tool_started, and
	// tool_completed.
	ToolCall *models.ToolCall

	// ToolCalls is the full batch for tool_batch_started.
	ToolCalls []models.ToolCall

	// Parallel marks a batch the model asked to run concurrently.
	Parallel bool

	// Success, Error, and Output describe a completed tool execution.
	Success bool
	Error   string
	Output  string

	// Iteration and WillContinue describe a completed loop iteration.
	Iteration    int
	WillContinue bool

	// HaltedAtLimit is set on session_completed when the turn ended by
	// exhausting max_tool_iterations.
	HaltedAtLimit bool

	// Err carries the cause for error events.
	Err error
}
