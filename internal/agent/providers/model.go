// Package providers implements the LLM provider adapters: a shared HTTP
// base with retry and TLS handling, the OpenAI-compatible dialect (OpenAI,
// OpenRouter, Azure, Ollama, vLLM), the Anthropic messages dialect, and a
// lazy registry keyed by provider and model.
package providers

import (
	"context"

	"github.com/nexus3/nexus3/pkg/models"
)

// ResolvedModel is a model alias resolved against the configuration: the
// provider entry serving it, the provider-side identifier, and the model's
// capabilities.
type ResolvedModel struct {
	// Provider is the config name of the provider entry.
	Provider string

	// Alias is the config-side model alias.
	Alias string

	// ID is the provider-side model identifier sent on the wire.
	ID string

	// ContextWindow is the model's token budget.
	ContextWindow int

	// Reasoning marks models that emit extended thinking.
	Reasoning bool

	// Guidance is prose appended to system prompts for this model.
	Guidance string
}

// Provider is one connected model endpoint. Stream is the primary path; the
// session consumes its events until the channel closes. Complete is the
// non-streaming path used for one-shot requests such as compaction
// summaries.
//
// Implementations are safe for concurrent use.
type Provider interface {
	// Name returns the provider entry name from the configuration.
	Name() string

	// Model returns the resolved model this adapter serves.
	Model() ResolvedModel

	// Stream sends a completion request and returns a channel of stream
	// events. The channel is closed after a terminal event (StreamComplete
	// or StreamError).
	Stream(ctx context.Context, messages []models.Message, tools []models.ToolDefinition) (<-chan StreamEvent, error)

	// Complete sends a non-streaming completion request and returns the
	// assistant message.
	Complete(ctx context.Context, messages []models.Message, tools []models.ToolDefinition) (models.Message, error)

	// Close releases the adapter's connections. Safe to call more than once.
	Close() error
}
