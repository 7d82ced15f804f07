package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	. "github.com/loopworks/relay/internal/logging"
	"github.com/loopworks/relay/internal/types"
)

// DefaultTimeout applies to tools registered without one and without a
// tool_timeouts config entry.
const DefaultTimeout = 60 * time.Second

// Registry holds all registered tools. Later registrations override earlier
// ones so add-ons can upgrade core tools.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*Tool
	overrides map[string]int // tool_timeouts.<name> in seconds
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
	}
}

// SetTimeoutOverrides installs the tool_timeouts config table. Overrides
// win over the tool's own Timeout field.
func (r *Registry) SetTimeoutOverrides(overrides map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = overrides
}

// Register adds a tool. Registering an existing name replaces the earlier
// tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		L_info("tools: replacing registered tool", "name", t.Name)
	}
	tool := t
	r.tools[t.Name] = &tool
	L_debug("tools: registered", "name", t.Name, "timeout", r.timeoutLocked(&tool))
}

// Get returns a tool by exact name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool with the exact name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TimeoutFor returns the effective timeout for a tool: config override,
// then the tool's own Timeout, then DefaultTimeout.
func (r *Registry) TimeoutFor(name string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tools[name]; ok {
		return r.timeoutLocked(t)
	}
	return DefaultTimeout
}

func (r *Registry) timeoutLocked(t *Tool) time.Duration {
	if secs, ok := r.overrides[t.Name]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t.Timeout > 0 {
		return t.Timeout
	}
	return DefaultTimeout
}

// normalizeName lowers the name and folds dots and dashes to underscores,
// the spelling differences models most often introduce.
func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}

// Resolve fuzzy-matches a requested name to a registered tool:
// exact, then normalized, then a unique partial match (the request is a
// prefix of one registered name, or one registered name ends with
// "_<request>", e.g. "navigate" resolving to "browser_navigate").
func (r *Registry) Resolve(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tools[name]; ok {
		return t, true
	}

	norm := normalizeName(name)
	if t, ok := r.tools[norm]; ok {
		return t, true
	}
	for reg, t := range r.tools {
		if normalizeName(reg) == norm {
			return t, true
		}
	}

	if norm == "" {
		return nil, false
	}
	var matches []*Tool
	for reg, t := range r.tools {
		regNorm := normalizeName(reg)
		if strings.HasPrefix(regNorm, norm) || strings.HasSuffix(regNorm, "_"+norm) {
			matches = append(matches, t)
		}
	}
	if len(matches) == 1 {
		L_debug("tools: fuzzy resolved", "requested", name, "matched", matches[0].Name)
		return matches[0], true
	}
	return nil, false
}

// UnknownToolText builds the observation for an unresolvable name, listing
// up to the first 20 registered tools.
func (r *Registry) UnknownToolText(name string) string {
	names := r.Names()
	if len(names) > 20 {
		names = names[:20]
	}
	return fmt.Sprintf("Unknown tool '%s'; available tools include: %s", name, strings.Join(names, ", "))
}

// Definitions returns the prompt-facing shape of all tools, sorted by name.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]types.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// SchemaJSON renders the tool definitions as indented JSON for injection
// into the system prompt.
func (r *Registry) SchemaJSON() string {
	data, err := json.MarshalIndent(r.Definitions(), "", "  ")
	if err != nil {
		L_error("tools: schema marshal failed", "error", err)
		return "[]"
	}
	return string(data)
}

// Summary generates a one-line-per-tool listing for prompts that benefit
// from a compact view.
func (r *Registry) Summary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.tools) == 0 {
		return ""
	}

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("## Available Tools\n")
	sb.WriteString("Tool names are case-sensitive. Call tools exactly as listed.\n")
	for _, name := range names {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", name, truncateDescription(r.tools[name].Description, 100)))
	}
	return sb.String()
}

// truncateDescription shortens a description for the summary view.
func truncateDescription(desc string, maxLen int) string {
	if idx := strings.Index(desc, ". "); idx > 0 && idx < maxLen {
		return desc[:idx+1]
	}
	if len(desc) <= maxLen {
		return desc
	}
	truncated := desc[:maxLen]
	if idx := strings.LastIndex(truncated, " "); idx > maxLen/2 {
		truncated = truncated[:idx]
	}
	return truncated + "..."
}
