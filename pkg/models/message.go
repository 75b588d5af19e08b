package models

import (
	"encoding/json"
	"fmt"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is the model's request to invoke a tool. The ID is assigned by the
// provider and must be echoed on the corresponding tool-result message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// RawArgumentsKey holds the unparsed argument payload when a provider streams
// tool arguments that fail to decode as JSON.
const RawArgumentsKey = "_raw_arguments"

// ParallelKey marks a tool call that the model wants executed alongside the
// rest of its batch. It is a transport-level flag, stripped before the tool
// sees its arguments.
const ParallelKey = "_parallel"

// Clone returns a deep copy of the tool call.
func (tc ToolCall) Clone() ToolCall {
	out := tc
	if tc.Arguments != nil {
		out.Arguments = make(map[string]any, len(tc.Arguments))
		for k, v := range tc.Arguments {
			out.Arguments[k] = v
		}
	}
	return out
}

// ArgumentsJSON renders the arguments as a JSON object string. Used when
// translating to wire formats that carry arguments as a string.
func (tc ToolCall) ArgumentsJSON() string {
	if len(tc.Arguments) == 0 {
		return "{}"
	}
	if raw, ok := tc.Arguments[RawArgumentsKey].(string); ok && len(tc.Arguments) == 1 {
		return raw
	}
	b, err := json.Marshal(tc.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Message is one entry in an agent's conversation log.
//
// Role invariants: ASSISTANT messages may carry ToolCalls; TOOL messages must
// carry exactly one ToolCallID and no ToolCalls; USER and SYSTEM messages
// carry neither. Validate enforces these.
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// NewSystemMessage builds a SYSTEM message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage builds a USER message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage builds an ASSISTANT message with optional tool calls.
func NewAssistantMessage(content string, toolCalls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

// NewToolMessage builds a TOOL message carrying the result for one tool call.
func NewToolMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// Validate checks the role invariants.
func (m Message) Validate() error {
	switch m.Role {
	case RoleAssistant:
		if m.ToolCallID != "" {
			return fmt.Errorf("assistant message must not carry tool_call_id %q", m.ToolCallID)
		}
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool message must carry a tool_call_id")
		}
		if len(m.ToolCalls) > 0 {
			return fmt.Errorf("tool message must not carry tool_calls")
		}
	case RoleUser, RoleSystem:
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			return fmt.Errorf("%s message must not carry tool calls or tool_call_id", m.Role)
		}
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc.Clone()
		}
	}
	if m.Meta != nil {
		out.Meta = make(map[string]any, len(m.Meta))
		for k, v := range m.Meta {
			out.Meta[k] = v
		}
	}
	return out
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// ToolResult is the captured outcome of one tool execution.
type ToolResult struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// IsError reports whether the result carries an error.
func (r *ToolResult) IsError() bool {
	return r != nil && r.Error != ""
}

// Content renders the result as the text fed back to the model.
func (r *ToolResult) Content() string {
	if r == nil {
		return ""
	}
	if r.Error != "" {
		return r.Error
	}
	return r.Output
}

// Usage counts tokens consumed by one provider exchange.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition describes one tool to the model, in OpenAI function format.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef is the function payload of a ToolDefinition.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// NewToolDefinition builds a function-typed tool definition.
func NewToolDefinition(name, description string, parameters json.RawMessage) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: FunctionDef{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}
