// Package compaction implements the mechanics of context summarization:
// token estimation, splitting a conversation into a summarized prefix and a
// preserved tail, and building the summarization prompt. The context manager
// owns the trigger check and the provider call; this package stays pure so
// both halves test in isolation.
package compaction

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/pkg/models"
)

const (
	// CharsPerToken is the estimation divisor. Four characters per token
	// tracks real tokenizers closely enough for budget decisions.
	CharsPerToken = 4

	// DefaultTriggerThreshold is the fraction of the budget that triggers
	// compaction.
	DefaultTriggerThreshold = 0.9

	// DefaultRecentPreserveRatio is the fraction of the budget kept
	// verbatim as the most recent messages.
	DefaultRecentPreserveRatio = 0.25
)

// SummaryMetaKey marks synthetic summary messages in a conversation log.
const SummaryMetaKey = "compaction_summary"

// SummaryIDMetaKey carries the unique id assigned to a summary message.
const SummaryIDMetaKey = "summary_id"

// EstimateTokens estimates the token footprint of one message: content,
// tool-call names and arguments, and the tool_call_id echo, at
// CharsPerToken characters per token, rounded up.
func EstimateTokens(msg models.Message) int {
	chars := len(msg.Content) + len(msg.ToolCallID)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.Name) + len(tc.ArgumentsJSON())
	}
	if chars == 0 {
		return 1
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateHistory sums EstimateTokens over a message log.
func EstimateHistory(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m)
	}
	return total
}

// ShouldCompact reports whether the history has outgrown the budget.
// A zero threshold falls back to the default.
func ShouldCompact(totalTokens, budget int, threshold float64) bool {
	if budget <= 0 {
		return false
	}
	if threshold <= 0 {
		threshold = DefaultTriggerThreshold
	}
	return float64(totalTokens) > float64(budget)*threshold
}

// Split is a conversation divided at the compaction boundary.
type Split struct {
	// Summarize is the older prefix to be replaced by a summary.
	Summarize []models.Message

	// Preserve is the recent tail kept verbatim.
	Preserve []models.Message
}

// SelectMessages splits a log so that Preserve holds the most recent
// preserveRatio×budget worth of tokens and Summarize holds everything
// older. The last message is always preserved, and the boundary never
// separates a tool result from the assistant message that requested it.
func SelectMessages(msgs []models.Message, budget int, preserveRatio float64) Split {
	if len(msgs) == 0 {
		return Split{}
	}
	if preserveRatio <= 0 {
		preserveRatio = DefaultRecentPreserveRatio
	}
	preserveBudget := int(float64(budget) * preserveRatio)

	cut := len(msgs)
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		t := EstimateTokens(msgs[i])
		if cut < len(msgs) && used+t > preserveBudget {
			break
		}
		used += t
		cut = i
	}

	// A preserved tail must not open with tool results whose tool_use
	// lives in the summarized prefix. Push such results into the prefix.
	for cut < len(msgs) && msgs[cut].Role == models.RoleTool {
		cut++
	}
	if cut == len(msgs) {
		// The whole tail was tool results. Back up to the assistant
		// message that owns them so the pair survives intact.
		cut = len(msgs) - 1
		for cut > 0 && msgs[cut].Role == models.RoleTool {
			cut--
		}
	}

	return Split{
		Summarize: models.CloneMessages(msgs[:cut]),
		Preserve:  models.CloneMessages(msgs[cut:]),
	}
}

const promptHeader = `The conversation below has grown too long and must be condensed. Write a detailed summary that preserves everything needed to continue the work: the user's goals and constraints, decisions made and their reasons, important facts and results, file paths, identifiers and commands that were used, and any unresolved questions or pending work. Respond with the summary as plain prose and nothing else.

Conversation:
`

// SummarizationPrompt renders the messages to summarize into the prompt
// sent to the compaction model. When redact is true, known secret shapes
// are scrubbed before the text leaves the process.
func SummarizationPrompt(msgs []models.Message, redact bool) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	for _, m := range msgs {
		writeMessage(&b, m)
	}
	prompt := b.String()
	if redact {
		prompt = observability.RedactSecrets(prompt)
	}
	return prompt
}

func writeMessage(b *strings.Builder, m models.Message) {
	switch m.Role {
	case models.RoleTool:
		fmt.Fprintf(b, "[TOOL %s] %s\n", m.ToolCallID, m.Content)
	case models.RoleAssistant:
		if m.Content != "" {
			fmt.Fprintf(b, "[ASSISTANT] %s\n", m.Content)
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(b, "[ASSISTANT called %s(%s) -> %s]\n", tc.Name, tc.ArgumentsJSON(), tc.ID)
		}
	default:
		fmt.Fprintf(b, "[%s] %s\n", strings.ToUpper(string(m.Role)), m.Content)
	}
}

// NewSummaryMessage wraps a returned summary as the synthetic USER message
// that replaces the summarized prefix.
func NewSummaryMessage(summary string) models.Message {
	msg := models.NewUserMessage(summary)
	msg.Meta = map[string]any{
		SummaryMetaKey:   true,
		SummaryIDMetaKey: uuid.NewString(),
	}
	return msg
}

// IsSummaryMessage reports whether the message was produced by compaction.
func IsSummaryMessage(m models.Message) bool {
	v, ok := m.Meta[SummaryMetaKey].(bool)
	return ok && v
}

// Result reports what one compaction pass did to the log.
type Result struct {
	// SummaryMessage is the synthetic USER message holding the summary.
	SummaryMessage models.Message

	// PreservedMessages is the recent tail kept verbatim.
	PreservedMessages []models.Message

	// OriginalTokenCount is the estimated size before compaction.
	OriginalTokenCount int

	// NewTokenCount is the estimated size after compaction.
	NewTokenCount int
}

// Reclaimed is the estimated number of tokens the pass freed.
func (r *Result) Reclaimed() int {
	if r == nil {
		return 0
	}
	return r.OriginalTokenCount - r.NewTokenCount
}
