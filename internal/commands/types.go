package commands

import (
	"github.com/loopworks/relay/internal/llm"
	"github.com/loopworks/relay/internal/session"
	"github.com/loopworks/relay/internal/tools"
)

// Provider gives command handlers access to the running stack. The gateway
// satisfies it.
type Provider interface {
	Manager() *llm.Manager
	Health() *llm.HealthTracker
	Registry() *tools.Registry
	Sessions() *session.Store
}

// Result contains the outcome of a command execution.
type Result struct {
	Text  string // Plain text output
	Error error  // Error if the command failed
}

// ModelSwitch is the payload of the "models"/"switch" bus command. The
// binary registers the handler that bridges it to the model manager, so a
// switch requested mid-turn queues instead of moving the live pointer
// under the orchestrator.
type ModelSwitch struct {
	Provider string
	Model    string
	Persist  bool
}
