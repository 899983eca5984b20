package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/arranger-ai/arranger/internal/core"
)

// ChatCompleter captures the subset of the go-openai client used by the
// adapter. *openai.Client satisfies it; tests can pass a mock.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAICompatible implements core.LLMClient via the Chat Completions API.
// A configurable base URL lets it target any OpenAI-compatible endpoint
// (vLLM, Ollama, LM Studio, cloud gateways).
type OpenAICompatible struct {
	chat  ChatCompleter
	model string
}

// NewOpenAICompatible builds an adapter from an existing completion client.
func NewOpenAICompatible(chat ChatCompleter, model string) (*OpenAICompatible, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if model == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &OpenAICompatible{chat: chat, model: model}, nil
}

// NewOpenAICompatibleFromConfig constructs an adapter with the default HTTP
// client. An empty baseURL keeps the upstream OpenAI endpoint.
func NewOpenAICompatibleFromConfig(apiKey, baseURL, model string) (*OpenAICompatible, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewOpenAICompatible(openai.NewClientWithConfig(cfg), model)
}

// Provider implements core.LLMClient.
func (c *OpenAICompatible) Provider() core.LLMProvider { return core.ProviderOpenAICompatible }

// Capabilities implements core.LLMClient.
func (c *OpenAICompatible) Capabilities() core.LLMCapabilities {
	return core.LLMCapabilities{Chat: true, Stream: true}
}

// Chat renders a chat completion using the configured client.
func (c *OpenAICompatible) Chat(ctx context.Context, req core.ChatRequest) (*core.ChatResponse, error) {
	request, err := c.prepare(req)
	if err != nil {
		return nil, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, *request)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, errors.New("openai chat completion: empty choice list")
	}
	choice := response.Choices[0]
	resp := &core.ChatResponse{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: core.TokenUsage{
			InputTokens:  response.Usage.PromptTokens,
			OutputTokens: response.Usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, core.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return resp, nil
}

// Stream adapts the SSE completion stream into the neutral chunk pipe.
func (c *OpenAICompatible) Stream(ctx context.Context, req core.ChatRequest) (<-chan core.StreamChunk, error) {
	request, err := c.prepare(req)
	if err != nil {
		return nil, err
	}
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := c.chat.CreateChatCompletionStream(ctx, *request)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}
	out := make(chan core.StreamChunk, 16)
	go pumpOpenAIStream(ctx, stream, out)
	return out, nil
}

func pumpOpenAIStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- core.StreamChunk) {
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
		toolCalls  []core.ToolCall
	)

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			emit(core.StreamChunk{Kind: core.ChunkError, Err: fmt.Errorf("openai stream: %w", err)})
			return
		}
		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if !emit(core.StreamChunk{Kind: core.ChunkDelta, Delta: choice.Delta.Content}) {
				return
			}
		}
		for _, call := range choice.Delta.ToolCalls {
			idx := len(toolCalls) - 1
			if call.Index != nil {
				idx = *call.Index
			}
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, core.ToolCall{})
			}
			if idx < 0 {
				continue
			}
			if call.ID != "" {
				toolCalls[idx].ID = call.ID
			}
			if call.Function.Name != "" {
				toolCalls[idx].Name = call.Function.Name
			}
			toolCalls[idx].Arguments += call.Function.Arguments
		}
	}

	resp := &core.ChatResponse{
		Content:    content.String(),
		StopReason: stopReason,
		Usage:      usage,
	}
	for _, tc := range toolCalls {
		if tc.Arguments == "" {
			tc.Arguments = "{}"
		}
		resp.ToolCalls = append(resp.ToolCalls, tc)
	}
	emit(core.StreamChunk{Kind: core.ChunkDone, Response: resp})
}

func (c *OpenAICompatible) prepare(req core.ChatRequest) (*openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}
	tools, err := encodeOpenAITools(req.Tools)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       tools,
	}
	return &request, nil
}

func encodeOpenAITools(defs []core.ToolSchema) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("openai: tool schema missing name")
		}
		params, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal tool %s schema: %w", def.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}
