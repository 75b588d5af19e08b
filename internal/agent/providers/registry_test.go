package providers

import (
	"strings"
	"testing"

	"github.com/nexus3/nexus3/internal/config"
)

func registryConfig() *config.Config {
	return &config.Config{
		Providers: map[string]config.ProviderConfig{
			"local": {
				Type:       "openai",
				BaseURL:    "http://127.0.0.1:9",
				AuthMethod: "none",
				Models: map[string]config.ModelConfig{
					"fast": {ID: "test-model", ContextWindow: 8192},
					"big":  {ID: "test-model-large", ContextWindow: 128000},
				},
			},
			"claude": {
				Type:       "anthropic",
				BaseURL:    "http://127.0.0.1:9",
				AuthMethod: "none",
				Models: map[string]config.ModelConfig{
					"deep": {ID: "claude-test", ContextWindow: 200000},
				},
			},
		},
	}
}

func TestRegistryCachesAdapterPerModel(t *testing.T) {
	reg := NewRegistry(registryConfig(), nil, nil)
	defer reg.Close()

	first, err := reg.GetForModel("fast")
	if err != nil {
		t.Fatalf("GetForModel(fast) error = %v", err)
	}
	second, err := reg.GetForModel("fast")
	if err != nil {
		t.Fatalf("GetForModel(fast) again error = %v", err)
	}
	if first != second {
		t.Error("same alias should return the cached adapter instance")
	}

	other, err := reg.GetForModel("big")
	if err != nil {
		t.Fatalf("GetForModel(big) error = %v", err)
	}
	if other == first {
		t.Error("different model on the same provider should get its own adapter")
	}
}

func TestRegistryDispatchesByProviderType(t *testing.T) {
	reg := NewRegistry(registryConfig(), nil, nil)
	defer reg.Close()

	openai, err := reg.GetForModel("fast")
	if err != nil {
		t.Fatalf("GetForModel(fast) error = %v", err)
	}
	if _, ok := openai.(*OpenAIAdapter); !ok {
		t.Errorf("openai provider built %T", openai)
	}

	anthropic, err := reg.GetForModel("deep")
	if err != nil {
		t.Fatalf("GetForModel(deep) error = %v", err)
	}
	if _, ok := anthropic.(*AnthropicAdapter); !ok {
		t.Errorf("anthropic provider built %T", anthropic)
	}
	if got := anthropic.Model(); got.Provider != "claude" || got.Alias != "deep" || got.ID != "claude-test" {
		t.Errorf("resolved model = %+v", got)
	}
}

func TestRegistryUnknownAlias(t *testing.T) {
	reg := NewRegistry(registryConfig(), nil, nil)
	defer reg.Close()

	if _, err := reg.GetForModel("ghost"); err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Errorf("GetForModel(ghost) error = %v, want unknown alias", err)
	}
}

func TestRegistryGetUnknownProvider(t *testing.T) {
	reg := NewRegistry(registryConfig(), nil, nil)
	defer reg.Close()

	if _, err := reg.Get("missing", testModel()); err == nil {
		t.Error("Get on an unconfigured provider should fail")
	}
}

func TestRegistryCloseClearsCache(t *testing.T) {
	reg := NewRegistry(registryConfig(), nil, nil)

	before, err := reg.GetForModel("fast")
	if err != nil {
		t.Fatalf("GetForModel(fast) error = %v", err)
	}
	reg.Close()

	after, err := reg.GetForModel("fast")
	if err != nil {
		t.Fatalf("GetForModel(fast) after Close error = %v", err)
	}
	if before == after {
		t.Error("Close should drop cached adapters so the next lookup rebuilds")
	}
	reg.Close()
}
