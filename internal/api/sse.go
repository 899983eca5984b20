package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
)

// sseBuffer bounds the per-client queue. A client that cannot keep up
// drops events rather than blocking bus publishers.
const sseBuffer = 64

const sseHeartbeat = 15 * time.Second

type sseFrame struct {
	topic events.Topic
	data  []byte
}

// handleSSE mirrors the event bus to the client as Server-Sent Events:
// one frame per bus event (event: <topic>, data: <json>), with comment
// heartbeats so idle connections stay open through proxies.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, core.NewValidationFailed("streaming not supported by this connection"))
		return
	}
	if s.deps.Bus == nil {
		respondError(w, core.NewValidationFailed("event bus not available"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	frames := make(chan sseFrame, sseBuffer)
	unsubscribe := s.deps.Bus.Subscribe(func(evt events.Event) {
		data, err := json.Marshal(evt)
		if err != nil {
			s.logger.Warn("encoding sse event failed", "topic", evt.EventTopic(), "error", err)
			return
		}
		select {
		case frames <- sseFrame{topic: evt.EventTopic(), data: data}:
		default:
			// Slow client; drop the frame.
		}
	}, events.AllTopics...)
	defer unsubscribe()

	s.logger.Info("sse client connected", "remote_addr", r.RemoteAddr)
	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	ctx := r.Context()
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sse client disconnected", "remote_addr", r.RemoteAddr)
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case frame := <-frames:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.topic, frame.data)
			flusher.Flush()
		}
	}
}
