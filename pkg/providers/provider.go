package providers

import (
	"context"
	"encoding/json"
)

// Message is one chat-completions message on the wire.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type,omitempty"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MarshalJSON renders the chat-completions wire shape, with arguments
// re-encoded as a JSON string under a function object.
func (tc ToolCall) MarshalJSON() ([]byte, error) {
	arguments := "{}"
	if len(tc.Arguments) > 0 {
		data, err := json.Marshal(tc.Arguments)
		if err != nil {
			return nil, err
		}
		arguments = string(data)
	}

	typ := tc.Type
	if typ == "" {
		typ = "function"
	}
	return json.Marshal(map[string]interface{}{
		"id":   tc.ID,
		"type": typ,
		"function": map[string]interface{}{
			"name":      tc.Name,
			"arguments": arguments,
		},
	})
}

// ToolDefinition is the schema advertised to the model for one tool.
type ToolDefinition struct {
	Type     string                 `json:"type"`
	Function ToolFunctionDefinition `json:"function"`
}

type ToolFunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// UsageInfo carries the provider's token accounting when available.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProbeResult is the outcome of a non-streaming call. The model either
// answers directly or requests tool calls; FinishReason distinguishes.
type ProbeResult struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *UsageInfo
}

// StreamResult is the outcome of a streaming call after the last delta.
type StreamResult struct {
	Content      string
	FinishReason string
	Usage        *UsageInfo
}

// DeltaFunc receives each incremental content chunk in arrival order.
type DeltaFunc func(chunk string)

// LLMProvider is the narrow contract the orchestration core depends on.
// Probe decides (answer vs tool calls), Stream delivers the final answer
// incrementally. Implementations must honor ctx cancellation.
type LLMProvider interface {
	Probe(ctx context.Context, messages []Message, tools []ToolDefinition) (*ProbeResult, error)
	Stream(ctx context.Context, messages []Message, onDelta DeltaFunc) (*StreamResult, error)
	GetDefaultModel() string
}
