// Package tools provides the tool registry, the dispatcher that runs tool
// calls under per-tool timeouts, and the extractor that pulls tool
// invocations out of model output.
package tools

import (
	"context"
	"time"

	"github.com/loopworks/relay/internal/types"
)

// ImageSentinel is the result-map key a handler sets to return an image.
// The value is base64 image data; the optional companion keys are
// "caption" and "mime_type".
const ImageSentinel = "__image_b64__"

// Handler executes a tool call with parsed arguments. The result is either
// a plain string or a map[string]any; maps carrying ImageSentinel become
// multimodal observations. Handlers must honor ctx cancellation.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered tool. Parameters is a JSON-schema object subset
// (type/properties/required) injected verbatim into the system prompt.
// Timeout zero means the registry default applies.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
	Timeout     time.Duration
}

// Definition returns the prompt-facing shape of the tool.
func (t *Tool) Definition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// Observation is what the orchestrator appends to history after a dispatch.
// Text is always set. Image observations also carry base64 data and a MIME
// type and must be injected as a multimodal user-role message.
type Observation struct {
	Text     string
	ImageB64 string
	MimeType string
	Failed   bool // [Tool Error] / [Tool Timeout]; drives the failure tally
}

// HasImage reports whether the observation carries an image part.
func (o Observation) HasImage() bool {
	return o.ImageB64 != ""
}

// Message converts the observation into a history entry.
func (o Observation) Message() types.Message {
	msg := types.Message{
		Role:      types.RoleUser,
		Content:   o.Text,
		Source:    "tool",
		Timestamp: time.Now(),
	}
	if o.HasImage() {
		msg.Images = []types.ImageAttachment{{
			Data:     o.ImageB64,
			MimeType: o.MimeType,
			Source:   "tool",
		}}
	}
	return msg
}
