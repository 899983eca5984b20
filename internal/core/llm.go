package core

import "context"

// LLMProvider names a client variant.
type LLMProvider string

const (
	ProviderClaude           LLMProvider = "claude"
	ProviderOpenAICompatible LLMProvider = "openai_compatible"
	ProviderScripted         LLMProvider = "scripted"
)

// LLMCapabilities advertises what a client variant supports.
type LLMCapabilities struct {
	Chat   bool
	Stream bool
}

// ChatRole is the speaker of a chat message.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
	RoleTool      ChatRole = "tool"
)

// ChatMessage is one turn of an LLM conversation.
type ChatMessage struct {
	Role       ChatRole
	Content    string
	ToolCallID string     // set on tool result turns
	ToolCalls  []ToolCall // set on assistant turns that request tools
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolSchema describes a tool offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolSchema
	MaxTokens   int
	Temperature float32
}

// TokenUsage reports provider-billed token counts.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// ChatResponse is a provider-neutral completion result.
type ChatResponse struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      TokenUsage
}

// StreamChunkKind tags entries of a streaming response.
type StreamChunkKind string

const (
	ChunkDelta StreamChunkKind = "delta"
	ChunkDone  StreamChunkKind = "done"
	ChunkError StreamChunkKind = "error"
)

// StreamChunk is one element of the streaming pipe: a content delta, the
// final aggregated response, or a terminal error. The channel closes after
// a done or error chunk; cancelling the context aborts the stream.
type StreamChunk struct {
	Kind     StreamChunkKind
	Delta    string
	Response *ChatResponse
	Err      error
}

// LLMClient is the port to a model provider. Implementations are tagged
// variants (Claude, OpenAI-compatible) behind the same capability set.
type LLMClient interface {
	Provider() LLMProvider
	Capabilities() LLMCapabilities
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// EstimateTokens approximates the token count of a string. Four bytes per
// token tracks English prose closely enough for budget trimming.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// EstimateMessageTokens sums the estimated tokens across a conversation.
func EstimateMessageTokens(msgs []ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(tc.Arguments)
		}
	}
	return total
}
