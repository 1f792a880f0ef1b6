// Package session provides per-conversation context storage: a bounded
// in-memory window cache backed by durable SQLite persistence.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/ember-chat/ember/internal/llm"
)

// Message is one entry in a conversation window.
type Message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	Parts      []llm.ContentPart `json:"parts,omitempty"`
	MessageID  string            `json:"message_id,omitempty"`
	ToolCalls  []llm.ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ToLLM converts a stored message to the wire shape sent to the backend.
func (m Message) ToLLM() llm.Message {
	return llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		Parts:      m.Parts,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

// archiveText flattens a message to plain text for the searchable archive.
func (m Message) archiveText() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Key derives the canonical session key for a message. Group chats share
// one context per group; direct chats get one per user.
func Key(userID, groupID string) string {
	if groupID != "" {
		return fmt.Sprintf("group:%s", groupID)
	}
	return fmt.Sprintf("private:%s", userID)
}
