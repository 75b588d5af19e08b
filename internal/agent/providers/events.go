package providers

import "github.com/nexus3/nexus3/pkg/models"

// StreamEventType discriminates stream events.
type StreamEventType string

const (
	// StreamContentDelta carries a chunk of user-visible text.
	StreamContentDelta StreamEventType = "content_delta"

	// StreamReasoningDelta carries a chunk of extended-thinking text.
	StreamReasoningDelta StreamEventType = "reasoning_delta"

	// StreamToolCallStarted is emitted once per tool call, on first sighting
	// of its id and name in the stream.
	StreamToolCallStarted StreamEventType = "tool_call_started"

	// StreamComplete is terminal and carries the accumulated assistant
	// message.
	StreamComplete StreamEventType = "complete"

	// StreamError is terminal and carries the error that ended the stream.
	StreamError StreamEventType = "error"
)

// StreamEvent is one provider-to-session stream notification.
type StreamEvent struct {
	Type StreamEventType

	// Text is set for content and reasoning deltas.
	Text string

	// Index, ID, and Name identify the tool call for tool_call_started.
	Index int
	ID    string
	Name  string

	// Message is the accumulated assistant message on complete.
	Message *models.Message

	// Usage is the token usage reported by the provider, when known.
	Usage *models.Usage

	// Err is set on error events.
	Err error
}
