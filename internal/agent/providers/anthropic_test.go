package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nexus3/nexus3/internal/config"
	"github.com/nexus3/nexus3/pkg/models"
)

func anthropicConfig(baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Type:         "anthropic",
		BaseURL:      baseURL,
		AuthMethod:   "none",
		RetryBackoff: 1.0,
	}
}

func newAnthropicAdapter(t *testing.T, cfg config.ProviderConfig) *AnthropicAdapter {
	t.Helper()
	adapter, err := NewAnthropicAdapter("claude", cfg, testModel(), nil, nil)
	if err != nil {
		t.Fatalf("NewAnthropicAdapter() error = %v", err)
	}
	return adapter
}

func TestAnthropicStreamAssemblesMessage(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"type":"message_start","message":{"usage":{"input_tokens":11}}}`,
		``,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"check."}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"read_file"}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"a.txt\"}"}}`,
		``,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`data: {"type":"message_delta","usage":{"output_tokens":9}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	})
	defer server.Close()

	adapter := newAnthropicAdapter(t, anthropicConfig(server.URL))
	ch, err := adapter.Stream(context.Background(), []models.Message{models.NewUserMessage("hi")}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	events := collectEvents(t, ch)

	deltas := eventsOfType(events, StreamContentDelta)
	if len(deltas) != 2 || deltas[0].Text != "Let me " || deltas[1].Text != "check." {
		t.Errorf("unexpected content deltas: %+v", deltas)
	}

	started := eventsOfType(events, StreamToolCallStarted)
	if len(started) != 1 {
		t.Fatalf("expected 1 tool_call_started event, got %d", len(started))
	}
	if started[0].ID != "toolu_1" || started[0].Name != "read_file" || started[0].Index != 1 {
		t.Errorf("unexpected tool_call_started: %+v", started[0])
	}

	last := events[len(events)-1]
	if last.Type != StreamComplete {
		t.Fatalf("expected terminal complete event, got %s", last.Type)
	}
	if last.Message.Content != "Let me check." {
		t.Errorf("content = %q", last.Message.Content)
	}
	if len(last.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(last.Message.ToolCalls))
	}
	tc := last.Message.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "read_file" || tc.Arguments["path"] != "a.txt" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	if last.Usage == nil || last.Usage.InputTokens != 11 || last.Usage.OutputTokens != 9 {
		t.Errorf("unexpected usage: %+v", last.Usage)
	}
}

func TestAnthropicStreamReasoningDeltas(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":""}}`,
		``,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Answer."}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	})
	defer server.Close()

	adapter := newAnthropicAdapter(t, anthropicConfig(server.URL))
	ch, err := adapter.Stream(context.Background(), []models.Message{models.NewUserMessage("hi")}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	events := collectEvents(t, ch)

	reasoning := eventsOfType(events, StreamReasoningDelta)
	if len(reasoning) != 1 || reasoning[0].Text != "hmm" {
		t.Errorf("reasoning deltas = %+v, want one %q", reasoning, "hmm")
	}
	if last := events[len(events)-1]; last.Type != StreamComplete || last.Message.Content != "Answer." {
		t.Errorf("terminal event = %+v", last)
	}
}

// A stream that ends without message_stop still completes with whatever was
// accumulated, so mid-stream disconnects do not lose the partial message.
func TestAnthropicStreamWithoutMessageStopStillCompletes(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
		``,
	})
	defer server.Close()

	adapter := newAnthropicAdapter(t, anthropicConfig(server.URL))
	ch, err := adapter.Stream(context.Background(), []models.Message{models.NewUserMessage("hi")}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	events := collectEvents(t, ch)
	last := events[len(events)-1]
	if last.Type != StreamComplete {
		t.Fatalf("expected complete event, got %s", last.Type)
	}
	if last.Message.Content != "partial" {
		t.Errorf("content = %q, want %q", last.Message.Content, "partial")
	}
}

func TestAnthropicStreamBadToolInputFallsBackToEmptyArgs(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_9","name":"grep"}}`,
		``,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"pattern\": tru"}}`,
		``,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	})
	defer server.Close()

	adapter := newAnthropicAdapter(t, anthropicConfig(server.URL))
	ch, err := adapter.Stream(context.Background(), []models.Message{models.NewUserMessage("hi")}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	events := collectEvents(t, ch)
	last := events[len(events)-1]
	if last.Type != StreamComplete {
		t.Fatalf("expected complete event, got %s", last.Type)
	}
	if len(last.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(last.Message.ToolCalls))
	}
	tc := last.Message.ToolCalls[0]
	if tc.ID != "toolu_9" || len(tc.Arguments) != 0 {
		t.Errorf("unparseable input should finalize as empty args, got %+v", tc)
	}
}

func TestToAnthropicMessagesSystemMergingAndOrphans(t *testing.T) {
	msgs := []models.Message{
		models.NewSystemMessage("Rule one."),
		models.NewSystemMessage("Rule two."),
		models.NewUserMessage("hi"),
		models.NewAssistantMessage("Working on it.",
			models.ToolCall{ID: "tc_1", Name: "read_file", Arguments: map[string]any{"path": "a.txt"}},
			models.ToolCall{ID: "tc_2", Name: "read_file"},
		),
		models.NewToolMessage("tc_1", "contents"),
		models.NewUserMessage("and then?"),
	}

	system, wire := toAnthropicMessages(msgs)
	if system != "Rule one.\n\nRule two." {
		t.Errorf("system = %q", system)
	}
	if len(wire) != 3 {
		t.Fatalf("wire messages = %d, want 3", len(wire))
	}

	assistant := wire[1]
	if assistant.Role != "assistant" || len(assistant.Content) != 3 {
		t.Fatalf("assistant message = %+v", assistant)
	}
	if assistant.Content[0].Type != "text" || assistant.Content[1].Type != "tool_use" || assistant.Content[2].Type != "tool_use" {
		t.Errorf("assistant block order = %+v", assistant.Content)
	}
	if assistant.Content[2].Input == nil || len(*assistant.Content[2].Input) != 0 {
		t.Errorf("nil arguments should encode as empty input object, got %+v", assistant.Content[2].Input)
	}

	// The trailing user message carries the paired result, the follow-up
	// text, and a synthesized result for the never-answered tc_2.
	user := wire[2]
	if user.Role != "user" || len(user.Content) != 3 {
		t.Fatalf("trailing user message = %+v", user)
	}
	if user.Content[0].Type != "tool_result" || user.Content[0].ToolUseID != "tc_1" || user.Content[0].Content != "contents" {
		t.Errorf("paired result block = %+v", user.Content[0])
	}
	if user.Content[1].Type != "text" || user.Content[1].Text != "and then?" {
		t.Errorf("text block = %+v", user.Content[1])
	}
	orphan := user.Content[2]
	if orphan.Type != "tool_result" || orphan.ToolUseID != "tc_2" || orphan.Content != InterruptedToolContent {
		t.Errorf("orphan synthesis = %+v", orphan)
	}
}

func TestAnthropicBuildRequestSystemShape(t *testing.T) {
	msgs := []models.Message{
		models.NewSystemMessage("Be terse."),
		models.NewUserMessage("hi"),
	}
	tools := []models.ToolDefinition{models.NewToolDefinition("echo", "repeats", nil)}

	plain := newAnthropicAdapter(t, anthropicConfig("https://api.anthropic.com"))
	req := plain.buildRequest(msgs, tools, true)
	if req.MaxTokens != defaultMaxTokens || !req.Stream {
		t.Errorf("request shape = max_tokens %d stream %v", req.MaxTokens, req.Stream)
	}
	if got, ok := req.System.(string); !ok || got != "Be terse." {
		t.Errorf("system without caching = %#v, want plain string", req.System)
	}
	if len(req.Tools) != 1 || string(req.Tools[0].InputSchema) != `{"type":"object"}` {
		t.Errorf("empty tool schema should default to object, got %+v", req.Tools)
	}

	cachingCfg := anthropicConfig("https://api.anthropic.com")
	cachingCfg.PromptCaching = true
	caching := newAnthropicAdapter(t, cachingCfg)
	req = caching.buildRequest(msgs, nil, false)
	blocks, ok := req.System.([]anthropicBlock)
	if !ok || len(blocks) != 1 {
		t.Fatalf("system with caching = %#v, want block list", req.System)
	}
	if blocks[0].Text != "Be terse." || blocks[0].CacheControl == nil || blocks[0].CacheControl.Type != "ephemeral" {
		t.Errorf("cached system block = %+v", blocks[0])
	}
}

func TestAnthropicCompleteSendsAuthAndParsesBlocks(t *testing.T) {
	var gotPath, gotVersion, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotVersion = r.Header.Get("anthropic-version")
		gotKey = r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Found it: "},{"type":"tool_use","id":"toolu_2","name":"grep","input":{"pattern":"TODO"}}],"usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer server.Close()

	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test-value")
	cfg := anthropicConfig(server.URL)
	cfg.AuthMethod = "x-api-key"
	cfg.APIKeyEnv = "TEST_ANTHROPIC_KEY"
	adapter := newAnthropicAdapter(t, cfg)

	msg, err := adapter.Complete(context.Background(), []models.Message{models.NewUserMessage("find todos")}, nil)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if gotPath != "/v1/messages" {
		t.Errorf("path = %q, want /v1/messages", gotPath)
	}
	if gotVersion != anthropicVersion {
		t.Errorf("anthropic-version = %q, want %q", gotVersion, anthropicVersion)
	}
	if gotKey != "sk-test-value" {
		t.Errorf("x-api-key = %q", gotKey)
	}

	if msg.Role != models.RoleAssistant || msg.Content != "Found it: " {
		t.Errorf("message = %+v", msg)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "grep" || msg.ToolCalls[0].Arguments["pattern"] != "TODO" {
		t.Errorf("tool calls = %+v", msg.ToolCalls)
	}
}
