// Package config loads, validates, and watches the runtime configuration.
//
// Files are YAML (strict, unknown keys rejected) or JSON5, may include other
// files via $include with cycle detection, and expand ${ENV_VAR} references
// before parsing. Validation applies the documented bounds and vets provider
// base URLs before anything dials out.
package config

import (
	"fmt"
	"time"

	"github.com/nexus3/nexus3/internal/net/ssrf"
	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/internal/permissions"
)

// Config is the root configuration for the runtime.
type Config struct {
	// DefaultModel is the model alias used when an agent does not name one.
	DefaultModel string `yaml:"default_model"`

	// Providers maps provider names to their connection settings.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// Permissions holds the default preset and user-defined presets.
	Permissions PermissionsConfig `yaml:"permissions"`

	// Session bounds the turn loop.
	Session SessionConfig `yaml:"session"`

	// Compaction controls context summarization.
	Compaction CompactionConfig `yaml:"compaction"`

	// Store configures session snapshot persistence.
	Store StoreConfig `yaml:"store"`

	// Logging configures the structured logger.
	Logging observability.LogConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures OTLP span export.
	Tracing observability.TraceConfig `yaml:"tracing"`
}

// ProviderConfig is the connection and behavior configuration for one LLM
// provider entry.
type ProviderConfig struct {
	// Type selects the wire dialect and defaults: openrouter, openai,
	// azure, anthropic, ollama, or vllm.
	Type string `yaml:"type"`

	// APIKeyEnv names the environment variable holding the API key.
	// Defaults per type; local providers default to none.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// AuthMethod is how the key is presented: bearer, api-key, x-api-key,
	// or none. Defaults per type.
	AuthMethod string `yaml:"auth_method"`

	// ExtraHeaders are added verbatim to every request.
	ExtraHeaders map[string]string `yaml:"extra_headers"`

	// APIVersion is the Azure api-version query parameter.
	APIVersion string `yaml:"api_version"`

	// Deployment is the Azure deployment name.
	Deployment string `yaml:"deployment"`

	// RequestTimeoutSeconds bounds how long the provider may take to start
	// responding. Defaults to 120.
	RequestTimeoutSeconds float64 `yaml:"request_timeout"`

	// MaxRetries is the number of retries after the first attempt, within
	// [0,10]. Zero means a single attempt.
	MaxRetries *int `yaml:"max_retries"`

	// RetryBackoff is the exponential backoff factor, within [1.0,5.0].
	// Defaults to 1.5.
	RetryBackoff float64 `yaml:"retry_backoff"`

	// PromptCaching marks cacheable system content where the provider
	// supports it.
	PromptCaching bool `yaml:"prompt_caching"`

	// AllowInsecureHTTP permits plain http:// for non-loopback hosts.
	AllowInsecureHTTP bool `yaml:"allow_insecure_http"`

	// VerifySSL disables certificate verification when explicitly false.
	VerifySSL *bool `yaml:"verify_ssl"`

	// SSLCACert is a PEM bundle appended to the system roots.
	SSLCACert string `yaml:"ssl_ca_cert"`

	// Models maps model aliases to their provider-specific identity.
	Models map[string]ModelConfig `yaml:"models"`
}

// RequestTimeout returns the request timeout as a duration.
func (p ProviderConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSeconds * float64(time.Second))
}

// Retries returns the retry count with the default applied.
func (p ProviderConfig) Retries() int {
	if p.MaxRetries == nil {
		return 2
	}
	return *p.MaxRetries
}

// ModelConfig describes one model alias under a provider.
type ModelConfig struct {
	// ID is the provider-side model identifier.
	ID string `yaml:"id"`

	// ContextWindow is the model's token budget. Defaults to 128000.
	ContextWindow int `yaml:"context_window"`

	// Reasoning marks models that emit extended thinking.
	Reasoning bool `yaml:"reasoning"`

	// Guidance is prose appended to system prompts for this model.
	Guidance string `yaml:"guidance"`
}

// PermissionsConfig selects the default preset and defines custom ones.
type PermissionsConfig struct {
	// DefaultPreset is used when an agent is created without one.
	// Defaults to "trusted".
	DefaultPreset string `yaml:"default_preset"`

	// Presets are user-defined permission presets, which may extend each
	// other or the builtins by name.
	Presets map[string]permissions.Preset `yaml:"presets"`
}

// SessionConfig bounds the turn loop.
type SessionConfig struct {
	// MaxToolIterations caps provider round-trips per turn. Defaults to 25.
	MaxToolIterations int `yaml:"max_tool_iterations"`

	// ToolTimeoutSeconds is the default per-skill timeout. Defaults to 30.
	ToolTimeoutSeconds float64 `yaml:"tool_timeout"`

	// MaxConcurrentTools caps parallel tool execution. Defaults to 4.
	MaxConcurrentTools int `yaml:"max_concurrent_tools"`
}

// ToolTimeout returns the per-skill timeout as a duration.
func (s SessionConfig) ToolTimeout() time.Duration {
	return time.Duration(s.ToolTimeoutSeconds * float64(time.Second))
}

// CompactionConfig controls context summarization.
type CompactionConfig struct {
	// Enabled turns compaction on.
	Enabled bool `yaml:"enabled"`

	// Model is the alias of the model used to summarize. Empty uses the
	// session's own model.
	Model string `yaml:"model"`

	// TriggerThreshold is the fraction of the token budget that triggers
	// compaction. Defaults to 0.9.
	TriggerThreshold float64 `yaml:"trigger_threshold"`

	// RecentPreserveRatio is the fraction of the budget kept verbatim.
	// Defaults to 0.25.
	RecentPreserveRatio float64 `yaml:"recent_preserve_ratio"`

	// RedactSecrets scrubs known secret shapes before text is sent to the
	// summarization model.
	RedactSecrets bool `yaml:"redact_secrets"`
}

// StoreConfig configures session snapshot persistence.
type StoreConfig struct {
	// Path is the SQLite database file. Empty keeps sessions in memory.
	Path string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled serves /metrics when true.
	Enabled bool `yaml:"enabled"`

	// Listen is the host:port to serve on. Defaults to "127.0.0.1:9464".
	Listen string `yaml:"listen"`
}

// providerTypeDefaults carries the per-type defaults applied when fields
// are left empty.
type providerTypeDefaults struct {
	baseURL    string
	apiKeyEnv  string
	authMethod string
}

var providerDefaults = map[string]providerTypeDefaults{
	"openrouter": {baseURL: "https://openrouter.ai/api/v1", apiKeyEnv: "OPENROUTER_API_KEY", authMethod: "bearer"},
	"openai":     {baseURL: "https://api.openai.com/v1", apiKeyEnv: "OPENAI_API_KEY", authMethod: "bearer"},
	"azure":      {apiKeyEnv: "AZURE_OPENAI_API_KEY", authMethod: "api-key"},
	"anthropic":  {baseURL: "https://api.anthropic.com", apiKeyEnv: "ANTHROPIC_API_KEY", authMethod: "x-api-key"},
	"ollama":     {baseURL: "http://localhost:11434/v1", authMethod: "none"},
	"vllm":       {baseURL: "http://localhost:8000/v1", authMethod: "none"},
}

var validAuthMethods = map[string]struct{}{
	"bearer":    {},
	"api-key":   {},
	"x-api-key": {},
	"none":      {},
}

// Default returns a configuration with every default applied and no
// providers. Useful for tests and ephemeral runs.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	for name, p := range cfg.Providers {
		d := providerDefaults[p.Type]
		if p.BaseURL == "" {
			p.BaseURL = d.baseURL
		}
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = d.apiKeyEnv
		}
		if p.AuthMethod == "" {
			p.AuthMethod = d.authMethod
			if p.AuthMethod == "" {
				p.AuthMethod = "bearer"
			}
		}
		if p.RequestTimeoutSeconds == 0 {
			p.RequestTimeoutSeconds = 120
		}
		if p.MaxRetries == nil {
			retries := 2
			p.MaxRetries = &retries
		}
		if p.RetryBackoff == 0 {
			p.RetryBackoff = 1.5
		}
		for alias, m := range p.Models {
			if m.ContextWindow == 0 {
				m.ContextWindow = 128000
			}
			p.Models[alias] = m
		}
		cfg.Providers[name] = p
	}

	for name, preset := range cfg.Permissions.Presets {
		if preset.Name == "" {
			preset.Name = name
			cfg.Permissions.Presets[name] = preset
		}
	}
	if cfg.Permissions.DefaultPreset == "" {
		cfg.Permissions.DefaultPreset = "trusted"
	}

	if cfg.Session.MaxToolIterations == 0 {
		cfg.Session.MaxToolIterations = 25
	}
	if cfg.Session.ToolTimeoutSeconds == 0 {
		cfg.Session.ToolTimeoutSeconds = 30
	}
	if cfg.Session.MaxConcurrentTools == 0 {
		cfg.Session.MaxConcurrentTools = 4
	}

	if cfg.Compaction.TriggerThreshold == 0 {
		cfg.Compaction.TriggerThreshold = 0.9
	}
	if cfg.Compaction.RecentPreserveRatio == 0 {
		cfg.Compaction.RecentPreserveRatio = 0.25
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9464"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// ValidationError reports a rejected configuration value and where it lives.
type ValidationError struct {
	// Field is the dotted path of the offending key.
	Field string

	// Reason says what was wrong with it.
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// Validate applies the documented bounds and the base-url SSRF checks.
// It assumes defaults have been applied.
func (c *Config) Validate() error {
	for name, p := range c.Providers {
		field := "providers." + name
		if _, ok := providerDefaults[p.Type]; !ok {
			return &ValidationError{Field: field + ".type", Reason: fmt.Sprintf("unknown provider type %q", p.Type)}
		}
		if _, ok := validAuthMethods[p.AuthMethod]; !ok {
			return &ValidationError{Field: field + ".auth_method", Reason: fmt.Sprintf("unknown auth method %q", p.AuthMethod)}
		}
		if p.Type == "azure" {
			if p.BaseURL == "" {
				return &ValidationError{Field: field + ".base_url", Reason: "required for azure providers"}
			}
			if p.Deployment == "" {
				return &ValidationError{Field: field + ".deployment", Reason: "required for azure providers"}
			}
			if p.APIVersion == "" {
				return &ValidationError{Field: field + ".api_version", Reason: "required for azure providers"}
			}
		}
		if p.MaxRetries != nil && (*p.MaxRetries < 0 || *p.MaxRetries > 10) {
			return &ValidationError{Field: field + ".max_retries", Reason: "must be within [0,10]"}
		}
		if p.RetryBackoff < 1.0 || p.RetryBackoff > 5.0 {
			return &ValidationError{Field: field + ".retry_backoff", Reason: "must be within [1.0,5.0]"}
		}
		if p.RequestTimeoutSeconds < 0 {
			return &ValidationError{Field: field + ".request_timeout", Reason: "must not be negative"}
		}
		if p.BaseURL != "" {
			if err := ssrf.ValidateBaseURL(p.BaseURL, p.AllowInsecureHTTP); err != nil {
				return &ValidationError{Field: field + ".base_url", Reason: err.Error()}
			}
		}
		for alias, m := range p.Models {
			if m.ID == "" {
				return &ValidationError{Field: fmt.Sprintf("%s.models.%s.id", field, alias), Reason: "required"}
			}
			if m.ContextWindow < 0 {
				return &ValidationError{Field: fmt.Sprintf("%s.models.%s.context_window", field, alias), Reason: "must not be negative"}
			}
		}
	}

	if c.DefaultModel != "" {
		if _, _, _, err := c.ResolveModel(c.DefaultModel); err != nil {
			return &ValidationError{Field: "default_model", Reason: err.Error()}
		}
	}
	if c.Compaction.Model != "" {
		if _, _, _, err := c.ResolveModel(c.Compaction.Model); err != nil {
			return &ValidationError{Field: "compaction.model", Reason: err.Error()}
		}
	}
	if c.Compaction.TriggerThreshold <= 0 || c.Compaction.TriggerThreshold > 1 {
		return &ValidationError{Field: "compaction.trigger_threshold", Reason: "must be within (0,1]"}
	}
	if c.Compaction.RecentPreserveRatio < 0 || c.Compaction.RecentPreserveRatio >= 1 {
		return &ValidationError{Field: "compaction.recent_preserve_ratio", Reason: "must be within [0,1)"}
	}

	if c.Session.MaxToolIterations < 1 {
		return &ValidationError{Field: "session.max_tool_iterations", Reason: "must be at least 1"}
	}
	if c.Session.MaxConcurrentTools < 1 {
		return &ValidationError{Field: "session.max_concurrent_tools", Reason: "must be at least 1"}
	}

	// Presets must resolve, including their extends chains.
	for name := range c.Permissions.Presets {
		if _, err := permissions.ResolvePreset(name, "", c.Permissions.Presets); err != nil {
			return &ValidationError{Field: "permissions.presets." + name, Reason: err.Error()}
		}
	}
	if _, err := permissions.ResolvePreset(c.Permissions.DefaultPreset, "", c.Permissions.Presets); err != nil {
		return &ValidationError{Field: "permissions.default_preset", Reason: err.Error()}
	}
	return nil
}

// ResolveModel finds the provider entry serving a model alias. Returns the
// provider name, its config, and the model config.
func (c *Config) ResolveModel(alias string) (string, ProviderConfig, ModelConfig, error) {
	for name, p := range c.Providers {
		if m, ok := p.Models[alias]; ok {
			return name, p, m, nil
		}
	}
	return "", ProviderConfig{}, ModelConfig{}, fmt.Errorf("unknown model alias %q", alias)
}
