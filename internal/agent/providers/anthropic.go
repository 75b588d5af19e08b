package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nexus3/nexus3/internal/config"
	"github.com/nexus3/nexus3/internal/observability"
	"github.com/nexus3/nexus3/pkg/models"
)

const (
	anthropicVersion = "2023-06-01"

	// defaultMaxTokens fills the required max_tokens field when the model
	// entry does not bound output.
	defaultMaxTokens = 4096
)

// AnthropicAdapter speaks the Anthropic messages dialect.
type AnthropicAdapter struct {
	*baseAdapter
}

// NewAnthropicAdapter builds an adapter for an Anthropic provider entry.
func NewAnthropicAdapter(name string, cfg config.ProviderConfig, model ResolvedModel, logger *observability.Logger, metrics *observability.Metrics) (*AnthropicAdapter, error) {
	base, err := newBaseAdapter(name, cfg, model, logger, metrics)
	if err != nil {
		return nil, err
	}
	return &AnthropicAdapter{baseAdapter: base}, nil
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    any                `json:"system,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        *map[string]any `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	CacheControl *cacheControl   `json:"cache_control,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	Content []anthropicBlock `json:"content"`
	Usage   *anthropicUsage  `json:"usage"`
}

type anthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	Delta        *anthropicDelta        `json:"delta"`
	ContentBlock *anthropicBlock        `json:"content_block"`
	Message      *anthropicMessageStart `json:"message"`
	Usage        *anthropicUsage        `json:"usage"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	Thinking    string `json:"thinking"`
}

type anthropicMessageStart struct {
	Usage *anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Stream implements Provider.
func (a *AnthropicAdapter) Stream(ctx context.Context, messages []models.Message, tools []models.ToolDefinition) (<-chan StreamEvent, error) {
	payload, err := json.Marshal(a.buildRequest(messages, tools, true))
	if err != nil {
		return nil, fmt.Errorf("provider %s: marshal request: %w", a.name, err)
	}
	resp, err := a.send(ctx, a.endpoint(), payload, a.headers())
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 16)
	go a.processStream(ctx, resp, events)
	return events, nil
}

// Complete implements Provider.
func (a *AnthropicAdapter) Complete(ctx context.Context, messages []models.Message, tools []models.ToolDefinition) (models.Message, error) {
	ctx, cancel := a.completionContext(ctx)
	defer cancel()

	payload, err := json.Marshal(a.buildRequest(messages, tools, false))
	if err != nil {
		return models.Message{}, fmt.Errorf("provider %s: marshal request: %w", a.name, err)
	}
	resp, err := a.send(ctx, a.endpoint(), payload, a.headers())
	if err != nil {
		return models.Message{}, err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return models.Message{}, fmt.Errorf("provider %s: decode response: %w", a.name, err)
	}

	msg := models.Message{Role: models.RoleAssistant}
	var text strings.Builder
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if block.Input != nil {
				args = *block.Input
			}
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	msg.Content = text.String()
	return msg, nil
}

func (a *AnthropicAdapter) endpoint() string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/messages"
}

func (a *AnthropicAdapter) headers() map[string]string {
	return map[string]string{"anthropic-version": anthropicVersion}
}

func (a *AnthropicAdapter) buildRequest(messages []models.Message, tools []models.ToolDefinition, stream bool) anthropicRequest {
	system, wireMessages := toAnthropicMessages(messages)
	req := anthropicRequest{
		Model:     a.model.ID,
		Messages:  wireMessages,
		MaxTokens: defaultMaxTokens,
		Stream:    stream,
		Tools:     toAnthropicTools(tools),
	}
	if system != "" {
		if a.cfg.PromptCaching {
			req.System = []anthropicBlock{{
				Type:         "text",
				Text:         system,
				CacheControl: &cacheControl{Type: "ephemeral"},
			}}
		} else {
			req.System = system
		}
	}
	return req
}

// toAnthropicMessages converts the conversation into the content-block
// shape: leading SYSTEM messages pull out into the system field, tool
// results ride in user messages as tool_result blocks, and consecutive
// same-role messages merge. Tool calls the transcript never answered get a
// synthetic tool_result appended to the trailing user message.
func toAnthropicMessages(msgs []models.Message) (string, []anthropicMessage) {
	var systemParts []string
	i := 0
	for ; i < len(msgs) && msgs[i].Role == models.RoleSystem; i++ {
		if msgs[i].Content != "" {
			systemParts = append(systemParts, msgs[i].Content)
		}
	}

	var out []anthropicMessage
	appendBlocks := func(role string, blocks ...anthropicBlock) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}

	var toolUseOrder []string
	resultIDs := map[string]bool{}

	for ; i < len(msgs); i++ {
		m := msgs[i]
		switch m.Role {
		case models.RoleUser, models.RoleSystem:
			if m.Content == "" {
				continue
			}
			appendBlocks("user", anthropicBlock{Type: "text", Text: m.Content})
		case models.RoleTool:
			resultIDs[m.ToolCallID] = true
			appendBlocks("user", anthropicBlock{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			})
		case models.RoleAssistant:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				toolUseOrder = append(toolUseOrder, tc.ID)
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: &input})
			}
			if len(blocks) == 0 {
				continue
			}
			appendBlocks("assistant", blocks...)
		}
	}

	var orphans []anthropicBlock
	for _, id := range toolUseOrder {
		if !resultIDs[id] {
			orphans = append(orphans, anthropicBlock{
				Type:      "tool_result",
				ToolUseID: id,
				Content:   InterruptedToolContent,
			})
		}
	}
	if len(orphans) > 0 {
		appendBlocks("user", orphans...)
	}

	return strings.Join(systemParts, "\n\n"), out
}

func toAnthropicTools(tools []models.ToolDefinition) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropicTool, len(tools))
	for i, t := range tools {
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out[i] = anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		}
	}
	return out
}

type anthropicPartialBlock struct {
	id    string
	name  string
	input strings.Builder
	args  map[string]any
	done  bool
}

// anthropicAccumulator assembles the assistant message from content-block
// events. Tool inputs that fail to parse finalize as empty objects.
type anthropicAccumulator struct {
	content strings.Builder
	order   []int
	blocks  map[int]*anthropicPartialBlock
}

func (acc *anthropicAccumulator) startToolUse(index int, id, name string) {
	if acc.blocks == nil {
		acc.blocks = map[int]*anthropicPartialBlock{}
	}
	if _, ok := acc.blocks[index]; ok {
		return
	}
	acc.blocks[index] = &anthropicPartialBlock{id: id, name: name}
	acc.order = append(acc.order, index)
}

func (acc *anthropicAccumulator) appendInput(index int, partial string) {
	if b, ok := acc.blocks[index]; ok {
		b.input.WriteString(partial)
	}
}

func (acc *anthropicAccumulator) finishBlock(index int) {
	b, ok := acc.blocks[index]
	if !ok || b.done {
		return
	}
	b.done = true
	b.args = map[string]any{}
	if s := b.input.String(); s != "" {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil && parsed != nil {
			b.args = parsed
		}
	}
}

func (acc *anthropicAccumulator) message() models.Message {
	msg := models.Message{Role: models.RoleAssistant, Content: acc.content.String()}
	for _, idx := range acc.order {
		acc.finishBlock(idx)
		b := acc.blocks[idx]
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{ID: b.id, Name: b.name, Arguments: b.args})
	}
	return msg
}

func (a *AnthropicAdapter) processStream(ctx context.Context, resp *http.Response, events chan<- StreamEvent) {
	defer close(events)
	defer resp.Body.Close()

	var acc anthropicAccumulator
	var usage models.Usage

	err := scanSSE(resp.Body, func(data string) bool {
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Skip malformed chunks.
			return false
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				acc.startToolUse(ev.Index, ev.ContentBlock.ID, ev.ContentBlock.Name)
				emitEvent(ctx, events, StreamEvent{
					Type:  StreamToolCallStarted,
					Index: ev.Index,
					ID:    ev.ContentBlock.ID,
					Name:  ev.ContentBlock.Name,
				})
			}
		case "content_block_delta":
			if ev.Delta == nil {
				return false
			}
			switch ev.Delta.Type {
			case "text_delta":
				acc.content.WriteString(ev.Delta.Text)
				emitEvent(ctx, events, StreamEvent{Type: StreamContentDelta, Text: ev.Delta.Text})
			case "input_json_delta":
				acc.appendInput(ev.Index, ev.Delta.PartialJSON)
			case "thinking_delta":
				if ev.Delta.Thinking != "" {
					emitEvent(ctx, events, StreamEvent{Type: StreamReasoningDelta, Text: ev.Delta.Thinking})
				}
			}
		case "content_block_stop":
			acc.finishBlock(ev.Index)
		case "message_delta":
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			return true
		}
		return false
	})
	if err != nil {
		emitEvent(ctx, events, StreamEvent{Type: StreamError, Err: fmt.Errorf("provider %s: stream failed: %w", a.name, err)})
		return
	}

	// A stream that ends without message_stop still completes with what was
	// accumulated.
	msg := acc.message()
	emitEvent(ctx, events, StreamEvent{Type: StreamComplete, Message: &msg, Usage: &usage})
}
