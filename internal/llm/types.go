// Package llm provides the model backend client.
package llm

import (
	"encoding/json"
	"fmt"
)

// Message represents a chat message on the wire. Content is either a
// plain string or, when Parts is non-empty, an ordered list of content
// parts (text and image references) in the OpenAI multimodal format.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	Parts      []ContentPart `json:"-"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"` // For tool responses
}

// ContentPart is one element of a multimodal message content array.
type ContentPart struct {
	Type     string    `json:"type"` // text | image_url
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image by URL.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart builds an image-reference content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}}
}

// PlainText flattens the message content to text. Image parts collapse
// to an "[image]" placeholder so history snapshots stay cheap.
func (m Message) PlainText() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				if out != "" {
					out += " "
				}
				out += p.Text
			}
		case "image_url":
			if out != "" {
				out += " "
			}
			out += "[image]"
		}
	}
	return out
}

type messageWire struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// MarshalJSON emits content as a bare string for plain messages and as
// a parts array for multimodal ones.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{
		Role:       m.Role,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}

	var err error
	if len(m.Parts) > 0 {
		w.Content, err = json.Marshal(m.Parts)
	} else {
		w.Content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts content as either a string or a parts array.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.ToolCalls = w.ToolCalls
	m.ToolCallID = w.ToolCallID
	m.Content = ""
	m.Parts = nil

	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	if w.Content[0] == '"' {
		return json.Unmarshal(w.Content, &m.Content)
	}
	if w.Content[0] == '[' {
		return json.Unmarshal(w.Content, &m.Parts)
	}
	return fmt.Errorf("message content is neither string nor array: %s", string(w.Content[:min(len(w.Content), 32)]))
}

// ToolCall is a tool invocation requested by the model. Arguments is
// the raw argument text exactly as the backend produced it; parsing
// (and parse failure handling) is the caller's concern.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its raw argument payload.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request is one chat-completions call.
type Request struct {
	Messages    []Message
	Tools       []map[string]any
	ToolChoice  string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Response is the unified backend response: the assistant message, the
// ordered tool calls it requested (if any), and which API key served
// the call (keys rotate on auth/quota failures).
type Response struct {
	Message    Message
	ToolCalls  []ToolCall
	APIKeyUsed string

	InputTokens  int
	OutputTokens int
}
