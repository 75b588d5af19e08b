package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nexus3/nexus3/internal/config"
	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/pkg/models"
)

// InterruptedToolContent fills the synthetic result for a tool call that
// never received one, keeping the tool_call/result pairing intact on the
// wire after a mid-turn interruption.
const InterruptedToolContent = "[Tool execution was interrupted]"

// OpenAIAdapter speaks the chat-completions dialect. It serves the openai,
// openrouter, azure, ollama, and vllm provider types.
type OpenAIAdapter struct {
	*baseAdapter
}

// NewOpenAIAdapter builds an adapter for an OpenAI-compatible provider
// entry.
func NewOpenAIAdapter(name string, cfg config.ProviderConfig, model ResolvedModel, logger *observability.Logger, metrics *observability.Metrics) (*OpenAIAdapter, error) {
	base, err := newBaseAdapter(name, cfg, model, logger, metrics)
	if err != nil {
		return nil, err
	}
	return &OpenAIAdapter{baseAdapter: base}, nil
}

type openAIRequest struct {
	Model     string                  `json:"model"`
	Messages  []openAIMessage         `json:"messages"`
	Stream    bool                    `json:"stream"`
	Tools     []models.ToolDefinition `json:"tools,omitempty"`
	Reasoning *openAIReasoning        `json:"reasoning,omitempty"`
}

type openAIReasoning struct {
	Effort string `json:"effort"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIContentBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
}

type openAIChoice struct {
	Delta        *openAIDelta `json:"delta"`
	Message      *openAIDelta `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type openAIDelta struct {
	Content          string                `json:"content"`
	Reasoning        string                `json:"reasoning"`
	ReasoningContent string                `json:"reasoning_content"`
	ToolCalls        []openAIToolCallDelta `json:"tool_calls"`
}

type openAIToolCallDelta struct {
	Index    int            `json:"index"`
	ID       string         `json:"id"`
	Function openAIFunction `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Stream implements Provider.
func (a *OpenAIAdapter) Stream(ctx context.Context, messages []models.Message, tools []models.ToolDefinition) (<-chan StreamEvent, error) {
	payload, err := json.Marshal(a.buildRequest(messages, tools, true))
	if err != nil {
		return nil, fmt.Errorf("provider %s: marshal request: %w", a.name, err)
	}
	resp, err := a.send(ctx, a.endpoint(), payload, nil)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 16)
	go a.processStream(ctx, resp, events)
	return events, nil
}

// Complete implements Provider.
func (a *OpenAIAdapter) Complete(ctx context.Context, messages []models.Message, tools []models.ToolDefinition) (models.Message, error) {
	ctx, cancel := a.completionContext(ctx)
	defer cancel()

	payload, err := json.Marshal(a.buildRequest(messages, tools, false))
	if err != nil {
		return models.Message{}, fmt.Errorf("provider %s: marshal request: %w", a.name, err)
	}
	resp, err := a.send(ctx, a.endpoint(), payload, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer resp.Body.Close()

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return models.Message{}, fmt.Errorf("provider %s: decode response: %w", a.name, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message == nil {
		return models.Message{}, fmt.Errorf("provider %s: response carried no choices", a.name)
	}

	m := parsed.Choices[0].Message
	msg := models.Message{Role: models.RoleAssistant, Content: m.Content}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}
	return msg, nil
}

func (a *OpenAIAdapter) endpoint() string {
	base := strings.TrimRight(a.cfg.BaseURL, "/")
	if a.cfg.Type == "azure" {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			base, url.PathEscape(a.cfg.Deployment), url.QueryEscape(a.cfg.APIVersion))
	}
	return base + "/chat/completions"
}

func (a *OpenAIAdapter) buildRequest(messages []models.Message, tools []models.ToolDefinition, stream bool) openAIRequest {
	req := openAIRequest{
		Model:    a.model.ID,
		Messages: toOpenAIMessages(messages),
		Stream:   stream,
		Tools:    tools,
	}
	if a.model.Reasoning {
		req.Reasoning = &openAIReasoning{Effort: "high"}
	}
	if a.shouldCacheSystem() {
		cacheSystemMessage(req.Messages)
	}
	return req
}

// shouldCacheSystem reports whether the system message gets a cache_control
// block: OpenRouter routing to an Anthropic model with prompt caching on.
func (a *OpenAIAdapter) shouldCacheSystem() bool {
	return a.cfg.Type == "openrouter" &&
		a.cfg.PromptCaching &&
		strings.Contains(strings.ToLower(a.model.ID), "anthropic")
}

func cacheSystemMessage(msgs []openAIMessage) {
	for i, m := range msgs {
		if m.Role != string(models.RoleSystem) {
			continue
		}
		text, ok := m.Content.(string)
		if !ok {
			return
		}
		msgs[i].Content = []openAIContentBlock{{
			Type:         "text",
			Text:         text,
			CacheControl: &cacheControl{Type: "ephemeral"},
		}}
		return
	}
}

// toOpenAIMessages translates the conversation to the wire shape. Assistant
// tool calls that never received a result get a synthetic one appended
// before the next non-tool message, so the transcript stays well formed.
func toOpenAIMessages(msgs []models.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs))
	var pending []string

	flush := func() {
		for _, id := range pending {
			out = append(out, openAIMessage{
				Role:       string(models.RoleTool),
				Content:    InterruptedToolContent,
				ToolCallID: id,
			})
		}
		pending = nil
	}

	for _, m := range msgs {
		if m.Role == models.RoleTool {
			pending = removeID(pending, m.ToolCallID)
			out = append(out, openAIMessage{
				Role:       string(models.RoleTool),
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
			continue
		}

		flush()
		wire := openAIMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			wire.ToolCalls = make([]openAIToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				wire.ToolCalls[i] = openAIToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openAIFunction{
						Name:      tc.Name,
						Arguments: tc.ArgumentsJSON(),
					},
				}
				pending = append(pending, tc.ID)
			}
		}
		out = append(out, wire)
	}
	flush()
	return out
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// parseArguments decodes a streamed arguments payload. Unparseable JSON is
// preserved raw so nothing the model said is lost.
func parseArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{models.RawArgumentsKey: raw}
	}
	return args
}

type partialToolCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

type startedCall struct {
	index int
	id    string
	name  string
}

// openAIAccumulator builds the final assistant message from stream deltas.
// Tool calls accumulate per index; id and name are taken from their first
// non-empty occurrence, argument fragments are concatenated.
type openAIAccumulator struct {
	content strings.Builder
	calls   []*partialToolCall
}

func (acc *openAIAccumulator) addToolCallDeltas(deltas []openAIToolCallDelta) []startedCall {
	var started []startedCall
	for _, d := range deltas {
		for len(acc.calls) <= d.Index {
			acc.calls = append(acc.calls, &partialToolCall{})
		}
		pc := acc.calls[d.Index]
		if pc.id == "" && d.ID != "" {
			pc.id = d.ID
		}
		if pc.name == "" && d.Function.Name != "" {
			pc.name = d.Function.Name
		}
		if d.Function.Arguments != "" {
			pc.args.WriteString(d.Function.Arguments)
		}
		if !pc.started && pc.id != "" && pc.name != "" {
			pc.started = true
			started = append(started, startedCall{index: d.Index, id: pc.id, name: pc.name})
		}
	}
	return started
}

func (acc *openAIAccumulator) message() models.Message {
	msg := models.Message{Role: models.RoleAssistant, Content: acc.content.String()}
	for _, pc := range acc.calls {
		if pc.id == "" && pc.name == "" {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: parseArguments(pc.args.String()),
		})
	}
	return msg
}

func (a *OpenAIAdapter) processStream(ctx context.Context, resp *http.Response, events chan<- StreamEvent) {
	defer close(events)
	defer resp.Body.Close()

	var acc openAIAccumulator
	var usage *models.Usage

	err := scanSSE(resp.Body, func(data string) bool {
		if data == "[DONE]" {
			return true
		}
		var chunk openAIResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			return false
		}
		if chunk.Usage != nil {
			usage = &models.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			return false
		}
		delta := chunk.Choices[0].Delta

		reasoning := delta.ReasoningContent
		if reasoning == "" {
			reasoning = delta.Reasoning
		}
		if reasoning != "" {
			emitEvent(ctx, events, StreamEvent{Type: StreamReasoningDelta, Text: reasoning})
		}
		if delta.Content != "" {
			acc.content.WriteString(delta.Content)
			emitEvent(ctx, events, StreamEvent{Type: StreamContentDelta, Text: delta.Content})
		}
		for _, sc := range acc.addToolCallDeltas(delta.ToolCalls) {
			emitEvent(ctx, events, StreamEvent{Type: StreamToolCallStarted, Index: sc.index, ID: sc.id, Name: sc.name})
		}
		return false
	})
	if err != nil {
		emitEvent(ctx, events, StreamEvent{Type: StreamError, Err: fmt.Errorf("provider %s: stream failed: %w", a.name, err)})
		return
	}

	msg := acc.message()
	emitEvent(ctx, events, StreamEvent{Type: StreamComplete, Message: &msg, Usage: usage})
}

// emitEvent delivers ev unless the consumer has gone away.
func emitEvent(ctx context.Context, events chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
