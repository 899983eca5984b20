package llm

import (
	"context"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/metrics"
)

func TestScriptedReplaysInOrderAndRepeatsLast(t *testing.T) {
	client := NewScripted(
		&core.ChatResponse{Content: "first"},
		&core.ChatResponse{Content: "second"},
	)
	ctx := context.Background()

	for _, want := range []string{"first", "second", "second"} {
		resp, err := client.Chat(ctx, core.ChatRequest{Messages: []core.ChatMessage{{Role: core.RoleUser, Content: "go"}}})
		if err != nil {
			t.Fatalf("chat: %v", err)
		}
		if resp.Content != want {
			t.Fatalf("content = %q, want %q", resp.Content, want)
		}
	}
	if got := len(client.Calls()); got != 3 {
		t.Fatalf("recorded %d calls, want 3", got)
	}
}

func TestScriptedStreamAggregates(t *testing.T) {
	client := NewScripted(&core.ChatResponse{Content: "hello scheduler world", StopReason: "end_turn"})
	chunks, err := client.Stream(context.Background(), core.ChatRequest{Messages: []core.ChatMessage{{Role: core.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var deltas strings.Builder
	var done *core.ChatResponse
	for chunk := range chunks {
		switch chunk.Kind {
		case core.ChunkDelta:
			deltas.WriteString(chunk.Delta)
		case core.ChunkDone:
			done = chunk.Response
		case core.ChunkError:
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
	}
	if done == nil {
		t.Fatal("stream ended without a done chunk")
	}
	if deltas.String() != done.Content {
		t.Fatalf("deltas %q do not rebuild final content %q", deltas.String(), done.Content)
	}
	if done.StopReason != "end_turn" {
		t.Fatalf("stop reason = %q", done.StopReason)
	}
}

func TestScriptedFuncSeesRequest(t *testing.T) {
	client := NewScriptedFunc(func(req core.ChatRequest) (*core.ChatResponse, error) {
		return &core.ChatResponse{Content: "echo: " + req.Messages[len(req.Messages)-1].Content}, nil
	})
	resp, err := client.Chat(context.Background(), core.ChatRequest{Messages: []core.ChatMessage{{Role: core.RoleUser, Content: "ping"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "echo: ping" {
		t.Fatalf("content = %q", resp.Content)
	}
}

func TestEncodeClaudeMessagesLiftsSystemTurns(t *testing.T) {
	req := core.ChatRequest{
		System: "be terse",
		Messages: []core.ChatMessage{
			{Role: core.RoleSystem, Content: "you coordinate tasks"},
			{Role: core.RoleUser, Content: "plan the work"},
			{Role: core.RoleAssistant, Content: "", ToolCalls: []core.ToolCall{{ID: "tc-1", Name: "create_task", Arguments: `{"title":"x"}`}}},
			{Role: core.RoleTool, ToolCallID: "tc-1", Content: `{"ok":true}`},
		},
	}
	msgs, system, err := encodeClaudeMessages(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(system) != 2 {
		t.Fatalf("system blocks = %d, want 2", len(system))
	}
	if len(msgs) != 3 {
		t.Fatalf("conversation turns = %d, want 3", len(msgs))
	}
	wantRoles := []sdk.MessageParamRole{
		sdk.MessageParamRoleUser,
		sdk.MessageParamRoleAssistant,
		sdk.MessageParamRoleUser, // tool results ride in a user turn
	}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Fatalf("turn %d role = %q, want %q", i, msgs[i].Role, want)
		}
	}
}

func TestEncodeClaudeMessagesRejectsDanglingToolResult(t *testing.T) {
	_, _, err := encodeClaudeMessages(core.ChatRequest{
		Messages: []core.ChatMessage{{Role: core.RoleTool, Content: "orphan"}},
	})
	if err == nil {
		t.Fatal("expected error for tool result without call id")
	}
}

func TestOpenAIPrepareCarriesToolsAndRoles(t *testing.T) {
	client := &OpenAICompatible{model: "gpt-test"}
	req := core.ChatRequest{
		System: "be terse",
		Messages: []core.ChatMessage{
			{Role: core.RoleUser, Content: "plan"},
			{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{{ID: "tc-9", Name: "post_message", Arguments: "{}"}}},
			{Role: core.RoleTool, ToolCallID: "tc-9", Content: "posted"},
		},
		Tools: []core.ToolSchema{{
			Name:        "post_message",
			Description: "Post to the shared board",
			Parameters:  map[string]interface{}{"type": "object"},
		}},
		MaxTokens:   256,
		Temperature: 0.2,
	}
	request, err := client.prepare(req)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if request.Model != "gpt-test" {
		t.Fatalf("model = %q", request.Model)
	}
	if len(request.Messages) != 4 {
		t.Fatalf("messages = %d, want 4 (system + 3 turns)", len(request.Messages))
	}
	if request.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("first message role = %q", request.Messages[0].Role)
	}
	if request.Messages[3].ToolCallID != "tc-9" {
		t.Fatalf("tool result turn lost its call id")
	}
	if len(request.Tools) != 1 || request.Tools[0].Function.Name != "post_message" {
		t.Fatalf("tools not encoded: %+v", request.Tools)
	}
	if len(request.Messages[2].ToolCalls) != 1 {
		t.Fatalf("assistant tool call not carried")
	}
}

func TestOpenAIPrepareRequiresMessages(t *testing.T) {
	client := &OpenAICompatible{model: "gpt-test"}
	if _, err := client.prepare(core.ChatRequest{}); err == nil {
		t.Fatal("expected error for empty conversation")
	}
}

func TestInstrumentCountsOutcomes(t *testing.T) {
	meter := metrics.New()
	failing := NewScriptedFunc(func(core.ChatRequest) (*core.ChatResponse, error) {
		return nil, core.NewValidationFailed("scripted failure")
	})
	client := Instrument(failing, meter)
	if client.Provider() != core.ProviderScripted {
		t.Fatalf("provider = %q", client.Provider())
	}
	if _, err := client.Chat(context.Background(), core.ChatRequest{Messages: []core.ChatMessage{{Role: core.RoleUser, Content: "x"}}}); err == nil {
		t.Fatal("expected scripted failure")
	}

	ok := NewScripted(&core.ChatResponse{Content: "fine"})
	client = Instrument(ok, meter)
	if _, err := client.Chat(context.Background(), core.ChatRequest{Messages: []core.ChatMessage{{Role: core.RoleUser, Content: "x"}}}); err != nil {
		t.Fatalf("chat: %v", err)
	}
}
