package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexus3/nexus3/internal/config"
	"github.com/nexus3/nexus3/internal/observability"
)

// Registry constructs adapters lazily and caches them per provider and
// model, so concurrent agents on the same model share one HTTP client.
type Registry struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	adapters map[string]Provider
}

// NewRegistry builds a registry over a validated configuration.
func NewRegistry(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		adapters: make(map[string]Provider),
	}
}

// GetForModel resolves a model alias against the configuration and returns
// the adapter for its provider.
func (r *Registry) GetForModel(alias string) (Provider, error) {
	name, providerCfg, modelCfg, err := r.cfg.ResolveModel(alias)
	if err != nil {
		return nil, err
	}
	model := ResolvedModel{
		Provider:      name,
		Alias:         alias,
		ID:            modelCfg.ID,
		ContextWindow: modelCfg.ContextWindow,
		Reasoning:     modelCfg.Reasoning,
		Guidance:      modelCfg.Guidance,
	}
	return r.get(name, providerCfg, model)
}

// Get returns the adapter for an already-resolved model.
func (r *Registry) Get(providerName string, model ResolvedModel) (Provider, error) {
	providerCfg, ok := r.cfg.Providers[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerName)
	}
	return r.get(providerName, providerCfg, model)
}

func (r *Registry) get(name string, cfg config.ProviderConfig, model ResolvedModel) (Provider, error) {
	key := name + ":" + model.ID

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.adapters[key]; ok {
		return p, nil
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Type {
	case "anthropic":
		p, err = NewAnthropicAdapter(name, cfg, model, r.logger, r.metrics)
	default:
		p, err = NewOpenAIAdapter(name, cfg, model, r.logger, r.metrics)
	}
	if err != nil {
		return nil, err
	}
	r.adapters[key] = p
	return p, nil
}

// Close shuts down every cached adapter. Individual close errors are logged
// and do not stop the sweep.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.adapters {
		if err := p.Close(); err != nil {
			r.logger.Warn(context.Background(), "provider close failed", "provider", key, "error", err)
		}
	}
	r.adapters = make(map[string]Provider)
}
