package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/arranger-ai/arranger/internal/core"
)

// Scripted is a deterministic core.LLMClient for tests and dry runs. It
// replays a fixed sequence of responses, or delegates to a script function
// when one is set, and records every request it receives.
type Scripted struct {
	mu        sync.Mutex
	responses []*core.ChatResponse
	next      int
	fn        func(core.ChatRequest) (*core.ChatResponse, error)
	calls     []core.ChatRequest
}

// NewScripted replays the given responses in order. Once the sequence is
// exhausted the last response repeats, so polling loops stay stable.
func NewScripted(responses ...*core.ChatResponse) *Scripted {
	return &Scripted{responses: responses}
}

// NewScriptedFunc computes each response from the request.
func NewScriptedFunc(fn func(core.ChatRequest) (*core.ChatResponse, error)) *Scripted {
	return &Scripted{fn: fn}
}

// Provider implements core.LLMClient.
func (s *Scripted) Provider() core.LLMProvider { return core.ProviderScripted }

// Capabilities implements core.LLMClient.
func (s *Scripted) Capabilities() core.LLMCapabilities {
	return core.LLMCapabilities{Chat: true, Stream: true}
}

// Chat returns the next scripted response.
func (s *Scripted) Chat(ctx context.Context, req core.ChatRequest) (*core.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.fn != nil {
		return s.fn(req)
	}
	if len(s.responses) == 0 {
		return nil, core.NewValidationFailed("scripted client has no responses configured")
	}
	resp := s.responses[s.next]
	if s.next < len(s.responses)-1 {
		s.next++
	}
	out := *resp
	out.ToolCalls = append([]core.ToolCall(nil), resp.ToolCalls...)
	return &out, nil
}

// Stream replays the next scripted response as word-sized deltas followed
// by a done chunk carrying the whole response.
func (s *Scripted) Stream(ctx context.Context, req core.ChatRequest) (<-chan core.StreamChunk, error) {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan core.StreamChunk, 16)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(resp.Content, " ") {
			if word == "" {
				continue
			}
			select {
			case out <- core.StreamChunk{Kind: core.ChunkDelta, Delta: word}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- core.StreamChunk{Kind: core.ChunkDone, Response: resp}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Calls returns a copy of every request seen so far.
func (s *Scripted) Calls() []core.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.ChatRequest(nil), s.calls...)
}
