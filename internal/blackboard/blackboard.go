// Package blackboard is the shared message board: agents and users post
// entries, plugins react to them, and the per-session scenario set derived
// from classification lives alongside.
package blackboard

import (
	"context"
	"time"

	"github.com/arranger-ai/arranger/internal/core"
	"github.com/arranger-ai/arranger/internal/events"
	"github.com/arranger-ai/arranger/internal/logging"
)

// PostInput carries the caller-supplied fields for a new entry.
type PostInput struct {
	SessionID   string
	AgentID     string
	MessageType core.MessageType
	Content     string
	Tags        []string
	Category    string
	Visibility  core.MessageVisibility
	Payload     map[string]interface{}
}

// Service posts and lists blackboard entries. Entries are immutable after
// creation; only tag enrichment by the policy plugin mutates them.
type Service struct {
	messages core.MessageStore
	sessions core.SessionStore
	bus      *events.Bus
	logger   *logging.Logger
	now      func() time.Time
}

// New creates the blackboard service.
func New(messages core.MessageStore, sessions core.SessionStore, bus *events.Bus, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		messages: messages,
		sessions: sessions,
		bus:      bus,
		logger:   logger.WithComponent("blackboard"),
		now:      time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Post validates, persists and announces a new entry. Mentions are parsed
// from the content; explicit tags pass through untouched.
func (s *Service) Post(ctx context.Context, input PostInput) (*core.Message, error) {
	if input.Content == "" {
		return nil, core.NewValidationFailed("message content cannot be empty")
	}
	if input.MessageType == "" {
		input.MessageType = core.MessageTypeAgent
	}
	if input.Visibility == "" {
		input.Visibility = core.VisibilityPublic
	}

	msg := &core.Message{
		ID:          core.NewMessageID(),
		SessionID:   input.SessionID,
		AgentID:     input.AgentID,
		MessageType: input.MessageType,
		Content:     input.Content,
		Tags:        append([]string(nil), input.Tags...),
		Mentions:    core.ParseMentions(input.Content),
		Category:    input.Category,
		Visibility:  input.Visibility,
		Payload:     input.Payload,
		CreatedAt:   s.now(),
	}
	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		return nil, core.NewStoreFailure("create message", err)
	}
	if s.bus != nil {
		s.bus.Publish(events.MessagesUpdate{Messages: []*core.Message{msg.Clone()}})
	}
	s.logger.Debug("message posted",
		"message_id", msg.ID, "session_id", msg.SessionID,
		"agent_id", msg.AgentID, "mentions", len(msg.Mentions))
	return msg.Clone(), nil
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, id string) (*core.Message, error) {
	return s.messages.GetMessage(ctx, id)
}

// List returns entries for a session, oldest first; limit keeps the newest.
func (s *Service) List(ctx context.Context, sessionID string, limit int) ([]*core.Message, error) {
	return s.messages.ListMessages(ctx, core.MessageFilter{SessionID: sessionID, Limit: limit})
}

// EnrichTags merges tags onto an existing entry and re-announces it. Used
// by the message policy plugin after classification.
func (s *Service) EnrichTags(ctx context.Context, id string, tags []string) (*core.Message, error) {
	if len(tags) == 0 {
		return s.messages.GetMessage(ctx, id)
	}
	msg, err := s.messages.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := core.MergeLabels(msg.Tags, tags...)
	if len(merged) == len(msg.Tags) {
		return msg, nil
	}
	if err := s.messages.UpdateMessageTags(ctx, id, merged); err != nil {
		return nil, core.NewStoreFailure("update message tags", err)
	}
	msg.Tags = merged
	if s.bus != nil {
		s.bus.Publish(events.MessagesUpdate{Messages: []*core.Message{msg.Clone()}})
	}
	return msg, nil
}

// SessionScenarios returns the merged scenario set for a session.
func (s *Service) SessionScenarios(ctx context.Context, sessionID string) ([]string, error) {
	return s.sessions.SessionScenarios(ctx, sessionID)
}

// MergeSessionScenarios unions new scenarios into the session set and
// returns the merged set.
func (s *Service) MergeSessionScenarios(ctx context.Context, sessionID string, scenarios []string) ([]string, error) {
	return s.sessions.MergeSessionScenarios(ctx, sessionID, scenarios)
}
