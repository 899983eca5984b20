package llm

import (
	"context"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/metrics"
)

// Instrument wraps a client so every request reports a counter and a
// latency observation. A nil meter returns the client unchanged.
func Instrument(client core.LLMClient, meter *metrics.Metrics) core.LLMClient {
	if meter == nil {
		return client
	}
	return &meteredClient{client: client, meter: meter}
}

type meteredClient struct {
	client core.LLMClient
	meter  *metrics.Metrics
}

func (m *meteredClient) Provider() core.LLMProvider { return m.client.Provider() }

func (m *meteredClient) Capabilities() core.LLMCapabilities { return m.client.Capabilities() }

func (m *meteredClient) Chat(ctx context.Context, req core.ChatRequest) (*core.ChatResponse, error) {
	start := time.Now()
	resp, err := m.client.Chat(ctx, req)
	m.record(start, err)
	return resp, err
}

func (m *meteredClient) Stream(ctx context.Context, req core.ChatRequest) (<-chan core.StreamChunk, error) {
	start := time.Now()
	inner, err := m.client.Stream(ctx, req)
	if err != nil {
		m.record(start, err)
		return nil, err
	}
	out := make(chan core.StreamChunk, 16)
	go func() {
		defer close(out)
		var streamErr error
		for chunk := range inner {
			if chunk.Kind == core.ChunkError {
				streamErr = chunk.Err
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				m.record(start, ctx.Err())
				return
			}
		}
		m.record(start, streamErr)
	}()
	return out, nil
}

func (m *meteredClient) record(start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.meter.IncLLMRequest(string(m.client.Provider()), outcome)
	m.meter.ObserveLLMDuration(time.Since(start).Seconds())
}
