package core

import (
	"regexp"
	"time"
)

// MessageType is the coarse kind of a blackboard entry.
type MessageType string

const (
	MessageTypeUser         MessageType = "user"
	MessageTypeAgent        MessageType = "agent"
	MessageTypeSystem       MessageType = "system"
	MessageTypeNotification MessageType = "notification"
)

// MessageVisibility controls who may read an entry.
type MessageVisibility string

const (
	VisibilityPublic  MessageVisibility = "public"
	VisibilityPrivate MessageVisibility = "private"
)

// Message is a blackboard entry. Immutable after creation except for tag
// enrichment by the message policy plugin.
type Message struct {
	ID          string                 `json:"id"`
	SessionID   string                 `json:"sessionId"`
	AgentID     string                 `json:"agentId"`
	MessageType MessageType            `json:"messageType"`
	Content     string                 `json:"content"`
	Tags        []string               `json:"tags,omitempty"`
	Mentions    []string               `json:"mentions,omitempty"`
	Category    string                 `json:"category,omitempty"`
	Visibility  MessageVisibility      `json:"visibility,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// HasTag reports whether the message carries the tag.
func (m *Message) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe for event payloads.
func (m *Message) Clone() *Message {
	out := *m
	out.Tags = append([]string(nil), m.Tags...)
	out.Mentions = append([]string(nil), m.Mentions...)
	out.Payload = cloneMetadata(m.Payload)
	return &out
}

// mentionPattern matches @agent-id references in message content. Agent ids
// use word characters plus dashes, the same alphabet as task prefixes.
var mentionPattern = regexp.MustCompile(`@([\w-]+)`)

// ParseMentions extracts deduplicated @mentions from content, in order of
// first appearance.
func ParseMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, m[1])
	}
	return out
}
