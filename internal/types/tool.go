package types

// ToolDefinition describes a registered tool to the model: name, human
// description, and a JSON-schema object (type/properties/required subset)
// for its parameters. Lives in types to break the gateway → tools cycle.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
