package agent

import (
	"context"
	"fmt"

	"github.com/nexus3/nexus3/internal/agent/providers"
	"github.com/nexus3/nexus3/pkg/models"
)

// ProviderSummarizer condenses conversation text through a provider's
// non-streaming completion path. It backs context compaction, using either
// the session's own provider or a dedicated compaction model.
type ProviderSummarizer struct {
	provider providers.Provider
}

// NewProviderSummarizer wraps a provider as a summarizer.
func NewProviderSummarizer(p providers.Provider) *ProviderSummarizer {
	return &ProviderSummarizer{provider: p}
}

// Summarize sends the prompt as a single user message and returns the
// assistant's reply text.
func (s *ProviderSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	if s == nil || s.provider == nil {
		return "", ErrNoProvider
	}
	reply, err := s.provider.Complete(ctx, []models.Message{models.NewUserMessage(prompt)}, nil)
	if err != nil {
		return "", fmt.Errorf("compaction summary: %w", err)
	}
	return reply.Content, nil
}
