// Package context maintains the per-agent conversation state: the ordered
// message log, the tool definitions visible to the model, and the token
// accounting that drives compaction. Import as agentctx to avoid clashing
// with the standard library.
package context

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nexus3/nexus3/internal/compaction"
	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/pkg/models"
)

// DefaultTokenBudget is used when the model's context window is unknown.
const DefaultTokenBudget = 128000

// ErrNothingToCompact is returned by Compact when no prefix can be
// summarized, typically because the log is short enough already.
var ErrNothingToCompact = errors.New("context: nothing to compact")

// SystemPromptFunc produces the current system prompt. It is invoked on
// every BuildMessages call because dynamic inserts (current date, git
// state) may change between iterations.
type SystemPromptFunc func() string

// Summarizer condenses conversation text. The provider-backed
// implementation lives with the session; tests script their own.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Options configures a Manager.
type Options struct {
	// SystemPrompt supplies the system prompt. Nil means no system message.
	SystemPrompt SystemPromptFunc

	// TokenBudget is the model's context window. Zero uses
	// DefaultTokenBudget.
	TokenBudget int

	// TriggerThreshold is the budget fraction that triggers compaction.
	// Zero uses the compaction default.
	TriggerThreshold float64

	// RecentPreserveRatio is the budget fraction preserved verbatim.
	// Zero uses the compaction default.
	RecentPreserveRatio float64

	// RedactSecrets scrubs secret shapes from summarization input.
	RedactSecrets bool

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Manager owns one agent's conversation state. It is owned by a single
// session loop; the mutex exists for the pool's snapshot reads (save,
// list) that race with an in-flight turn.
type Manager struct {
	mu       sync.Mutex
	prompt   SystemPromptFunc
	messages []models.Message
	tools    []models.ToolDefinition

	budget        int
	threshold     float64
	preserveRatio float64
	redact        bool

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewManager builds a manager from options.
func NewManager(opts Options) *Manager {
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = DefaultTokenBudget
	}
	if opts.TriggerThreshold <= 0 {
		opts.TriggerThreshold = compaction.DefaultTriggerThreshold
	}
	if opts.RecentPreserveRatio <= 0 {
		opts.RecentPreserveRatio = compaction.DefaultRecentPreserveRatio
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewDiscardLogger()
	}
	return &Manager{
		prompt:        opts.SystemPrompt,
		budget:        opts.TokenBudget,
		threshold:     opts.TriggerThreshold,
		preserveRatio: opts.RecentPreserveRatio,
		redact:        opts.RedactSecrets,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}
}

// Append adds a message to the end of the log.
func (m *Manager) Append(msg models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

// Messages returns a deep copy of the log, without the system prompt.
func (m *Manager) Messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.CloneMessages(m.messages)
}

// Len reports the number of logged messages.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Replace swaps the entire log, for session restore.
func (m *Manager) Replace(msgs []models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = models.CloneMessages(msgs)
}

// BuildMessages returns the log with the current system prompt prepended.
// The prompt is reconstructed on every call.
func (m *Manager) BuildMessages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Message, 0, len(m.messages)+1)
	if m.prompt != nil {
		if prompt := m.prompt(); prompt != "" {
			out = append(out, models.NewSystemMessage(prompt))
		}
	}
	return append(out, models.CloneMessages(m.messages)...)
}

// SetTools replaces the tool definition snapshot.
func (m *Manager) SetTools(defs []models.ToolDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = append([]models.ToolDefinition(nil), defs...)
}

// Tools returns the tool definition snapshot.
func (m *Manager) Tools() []models.ToolDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ToolDefinition(nil), m.tools...)
}

// TokenBudget is the model's context window.
func (m *Manager) TokenBudget() int {
	return m.budget
}

// TotalTokens estimates the current footprint: the log plus the system
// prompt as it would be sent now.
func (m *Manager) TotalTokens() int {
	m.mu.Lock()
	msgs := m.messages
	total := compaction.EstimateHistory(msgs)
	m.mu.Unlock()
	if m.prompt != nil {
		if prompt := m.prompt(); prompt != "" {
			total += compaction.EstimateTokens(models.NewSystemMessage(prompt))
		}
	}
	return total
}

// NeedsCompaction reports whether the log has outgrown the trigger
// threshold.
func (m *Manager) NeedsCompaction() bool {
	return compaction.ShouldCompact(m.TotalTokens(), m.budget, m.threshold)
}

// Compact summarizes the older part of the log and replaces it with a
// single synthetic USER message. The summarizer call happens outside the
// lock; messages appended while it runs are kept after the preserved tail.
// The system prompt is not compacted: it is rebuilt from its loader on the
// next BuildMessages call.
func (m *Manager) Compact(ctx context.Context, summarizer Summarizer) (*compaction.Result, error) {
	if summarizer == nil {
		return nil, fmt.Errorf("context: no summarizer")
	}

	m.mu.Lock()
	snapshot := models.CloneMessages(m.messages)
	taken := len(m.messages)
	m.mu.Unlock()

	split := compaction.SelectMessages(snapshot, m.budget, m.preserveRatio)
	if len(split.Summarize) == 0 {
		return nil, ErrNothingToCompact
	}
	original := compaction.EstimateHistory(snapshot)

	prompt := compaction.SummarizationPrompt(split.Summarize, m.redact)
	summaryText, err := summarizer.Summarize(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	summary := compaction.NewSummaryMessage(summaryText)

	m.mu.Lock()
	if taken > len(m.messages) {
		taken = len(m.messages)
	}
	tail := m.messages[taken:]
	rebuilt := make([]models.Message, 0, 1+len(split.Preserve)+len(tail))
	rebuilt = append(rebuilt, summary)
	rebuilt = append(rebuilt, split.Preserve...)
	rebuilt = append(rebuilt, tail...)
	m.messages = rebuilt
	newTotal := compaction.EstimateHistory(rebuilt)
	m.mu.Unlock()

	result := &compaction.Result{
		SummaryMessage:     summary,
		PreservedMessages:  models.CloneMessages(split.Preserve),
		OriginalTokenCount: original,
		NewTokenCount:      newTotal,
	}
	m.metrics.RecordCompaction(result.Reclaimed())
	m.logger.Info(ctx, "context compacted",
		"summarized", len(split.Summarize),
		"preserved", len(split.Preserve),
		"original_tokens", result.OriginalTokenCount,
		"new_tokens", result.NewTokenCount,
	)
	return result, nil
}
