// Package commands provides the slash-command registry used by the CLI.
// Commands inspect and steer the running stack: model selection, provider
// health, tool listing, and session state.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Command represents a slash command.
type Command struct {
	Name        string   // e.g., "/status"
	Description string   // e.g., "Show session and model status"
	Usage       string   // Argument usage, e.g. "[provider/model] [save]"
	Aliases     []string // e.g., ["/stat"]
	Handler     Handler
}

// Handler is the function signature for command handlers.
type Handler func(ctx context.Context, args *Args) *Result

// Args carries the arguments passed to a command handler.
type Args struct {
	SessionKey string   // Session the command applies to
	Provider   Provider // Access to the running stack
	RawArgs    string   // Everything after the command name
	Usage      string   // Copy of Command.Usage for error messages
}

// Manager is the command registry.
type Manager struct {
	mu       sync.RWMutex
	commands map[string]*Command // keyed by name (lowercase), aliases included
	provider Provider
}

// NewManager creates a registry bound to the given provider with the
// builtin commands registered.
func NewManager(provider Provider) *Manager {
	m := &Manager{
		commands: make(map[string]*Command),
		provider: provider,
	}
	registerBuiltins(m)
	return m
}

// Register adds a command. Aliases resolve to the same command.
func (m *Manager) Register(cmd *Command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands[strings.ToLower(cmd.Name)] = cmd
	for _, alias := range cmd.Aliases {
		m.commands[strings.ToLower(alias)] = cmd
	}
}

// Get returns a command by name or alias.
func (m *Manager) Get(name string) *Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commands[strings.ToLower(name)]
}

// List returns all unique commands, sorted by name.
func (m *Manager) List() []*Command {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[*Command]bool)
	var list []*Command
	for _, cmd := range m.commands {
		if !seen[cmd] {
			seen[cmd] = true
			list = append(list, cmd)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// Execute parses and runs a command line.
func (m *Manager) Execute(ctx context.Context, cmdStr, sessionKey string) *Result {
	cmdStr = strings.TrimSpace(cmdStr)
	parts := strings.SplitN(cmdStr, " ", 2)
	name := strings.ToLower(parts[0])
	rawArgs := ""
	if len(parts) > 1 {
		rawArgs = strings.TrimSpace(parts[1])
	}

	cmd := m.Get(name)
	if cmd == nil {
		return &Result{
			Text: fmt.Sprintf("Unknown command: %s\nType /help for available commands.", name),
		}
	}

	return cmd.Handler(ctx, &Args{
		SessionKey: sessionKey,
		Provider:   m.provider,
		RawArgs:    rawArgs,
		Usage:      cmd.Usage,
	})
}

// IsCommand checks whether input is a slash command rather than a prompt.
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}
