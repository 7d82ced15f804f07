package session

import (
	"path/filepath"
	"time"

	"github.com/loopworks/relay/internal/paths"
	"github.com/loopworks/relay/internal/trace"
)

// chatContentMax bounds stored chat content; full text lives in checkpoints.
const chatContentMax = 2000

// ChatEntry is one chat_history.jsonl record.
type ChatEntry struct {
	Timestamp string `json:"ts"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Source    string `json:"source,omitempty"`
}

// ChatLog appends conversation turns to <logs>/chat_history.jsonl.
type ChatLog struct {
	writer *JSONLWriter
}

// NewChatLog opens the chat log under logsDir.
func NewChatLog(logsDir string) (*ChatLog, error) {
	w, err := NewJSONLWriter(filepath.Join(logsDir, "chat_history.jsonl"))
	if err != nil {
		return nil, err
	}
	return &ChatLog{writer: w}, nil
}

// Append records one turn. Content is clamped to chatContentMax runes.
func (cl *ChatLog) Append(role, content, source string) error {
	return cl.writer.Append(ChatEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Role:      role,
		Content:   trace.Clamp(content, chatContentMax),
		Source:    source,
	})
}

// DefaultChatLog opens the chat log in the standard logs directory.
func DefaultChatLog() (*ChatLog, error) {
	logsDir, err := paths.LogsDir()
	if err != nil {
		return nil, err
	}
	return NewChatLog(logsDir)
}
