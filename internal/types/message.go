// Package types holds shared leaf types used across relay.
// This package has NO internal imports to avoid import cycles.
package types

import "time"

// Message roles. The system prompt is rebuilt every turn and never stored
// in history, so RoleSystem only ever appears in outbound provider requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation history entry.
// Content carries the text; Images carry optional multimodal payloads that
// adapters either forward (vision-capable) or downgrade to text.
type Message struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Images    []ImageAttachment `json:"images,omitempty"`
	Source    string            `json:"source,omitempty"` // "user", "tool", "nudge", "guard"
	Timestamp time.Time         `json:"timestamp"`
}

// ImageAttachment is a base64-encoded image with its MIME type.
type ImageAttachment struct {
	Data     string `json:"data"`      // base64 payload (no data: prefix)
	MimeType string `json:"mime_type"` // e.g. "image/png"
	Source   string `json:"source,omitempty"`
}

// HasImages reports whether the message carries image parts.
func (m *Message) HasImages() bool {
	return len(m.Images) > 0
}

// Clone returns a deep copy of the message. Checkpoints snapshot history
// with Clone so later turns cannot mutate saved state.
func (m Message) Clone() Message {
	c := m
	if len(m.Images) > 0 {
		c.Images = make([]ImageAttachment, len(m.Images))
		copy(c.Images, m.Images)
	}
	return c
}

// CloneMessages deep-copies a history slice.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
