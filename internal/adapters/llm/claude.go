// Package llm provides core.LLMClient implementations for the supported
// model providers: Anthropic Claude, OpenAI-compatible endpoints, and a
// scripted client for tests. All adapters translate the provider wire
// types into the neutral chat structures the agent runtime consumes.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/arranger-ai/arranger/internal/core"
)

// defaultMaxTokens caps completions when a request does not specify one.
const defaultMaxTokens = 4096

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. It is satisfied by *sdk.MessageService so tests can pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Claude implements core.LLMClient on top of the Anthropic Messages API.
type Claude struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

// NewClaude builds a Claude adapter from an existing Messages client.
func NewClaude(msg MessagesClient, model string, maxTokens int) (*Claude, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if model == "" {
		return nil, errors.New("default model identifier is required")
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Claude{msg: msg, model: model, maxTokens: maxTokens}, nil
}

// NewClaudeFromAPIKey constructs an adapter using the default SDK HTTP client.
func NewClaudeFromAPIKey(apiKey, model string, maxTokens int) (*Claude, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewClaude(&ac.Messages, model, maxTokens)
}

// Provider implements core.LLMClient.
func (c *Claude) Provider() core.LLMProvider { return core.ProviderClaude }

// Capabilities implements core.LLMClient.
func (c *Claude) Capabilities() core.LLMCapabilities {
	return core.LLMCapabilities{Chat: true, Stream: true}
}

// Chat issues a non-streaming Messages.New request.
func (c *Claude) Chat(ctx context.Context, req core.ChatRequest) (*core.ChatResponse, error) {
	params, err := c.prepare(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateClaudeResponse(msg), nil
}

// Stream invokes Messages.NewStreaming and adapts incremental events into
// the neutral chunk pipe. The final done chunk carries the aggregated
// response including tool calls and usage.
func (c *Claude) Stream(ctx context.Context, req core.ChatRequest) (<-chan core.StreamChunk, error) {
	params, err := c.prepare(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	out := make(chan core.StreamChunk, 16)
	go c.pump(ctx, stream, out)
	return out, nil
}

func (c *Claude) pump(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], out chan<- core.StreamChunk) {
	defer close(out)
	defer func() { _ = stream.Close() }()

	emit := func(chunk core.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		content    strings.Builder
		stopReason string
		usage      core.TokenUsage
		toolOrder  []int
		tools      = map[int]*toolAccumulator{}
	)

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				idx := int(ev.Index)
				tools[idx] = &toolAccumulator{id: tu.ID, name: tu.Name}
				toolOrder = append(toolOrder, idx)
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				content.WriteString(delta.Text)
				if !emit(core.StreamChunk{Kind: core.ChunkDelta, Delta: delta.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				if acc := tools[int(ev.Index)]; acc != nil {
					acc.args.WriteString(delta.PartialJSON)
				}
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			usage.InputTokens = int(ev.Usage.InputTokens)
			usage.OutputTokens = int(ev.Usage.OutputTokens)
		}
	}

	if err := stream.Err(); err != nil {
		emit(core.StreamChunk{Kind: core.ChunkError, Err: fmt.Errorf("anthropic stream: %w", err)})
		return
	}
	if err := ctx.Err(); err != nil {
		emit(core.StreamChunk{Kind: core.ChunkError, Err: err})
		return
	}

	resp := &core.ChatResponse{
		Content:    content.String(),
		StopReason: stopReason,
		Usage:      usage,
	}
	for _, idx := range toolOrder {
		acc := tools[idx]
		resp.ToolCalls = append(resp.ToolCalls, core.ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: acc.finalArgs(),
		})
	}
	emit(core.StreamChunk{Kind: core.ChunkDone, Response: resp})
}

type toolAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func (a *toolAccumulator) finalArgs() string {
	s := strings.TrimSpace(a.args.String())
	if s == "" {
		return "{}"
	}
	return s
}

func (c *Claude) prepare(req core.ChatRequest) (*sdk.MessageNewParams, error) {
	msgs, system, err := encodeClaudeMessages(req)
	if err != nil {
		return nil, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		tools, err := encodeClaudeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	return &params, nil
}

// encodeClaudeMessages maps the neutral conversation onto Anthropic message
// params. System turns and the request-level system prompt are lifted into
// the dedicated system field; tool results ride in user messages per the
// Messages API shape.
func encodeClaudeMessages(req core.ChatRequest) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	var system []sdk.TextBlockParam
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case core.RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case core.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(tc.Arguments), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case core.RoleTool:
			if m.ToolCallID == "" {
				return nil, nil, errors.New("anthropic: tool result turn missing tool call id")
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeClaudeTools(defs []core.ToolSchema) ([]sdk.ToolUnionParam, error) {
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("anthropic: tool schema missing name")
		}
		schema := sdk.ToolInputSchemaParam{}
		if len(def.Parameters) > 0 {
			schema.ExtraFields = def.Parameters
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func translateClaudeResponse(msg *sdk.Message) *core.ChatResponse {
	resp := &core.ChatResponse{StopReason: string(msg.StopReason)}
	var content strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, core.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	resp.Content = content.String()
	resp.Usage = core.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp
}
