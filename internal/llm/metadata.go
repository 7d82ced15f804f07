package llm

import (
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	. "github.com/loopworks/relay/internal/logging"
	"github.com/loopworks/relay/internal/paths"
	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var embeddedModels []byte

// ModelInfo carries the per-model defaults adapters and the trimmer read:
// context window, output limit, pricing (USD per 1M tokens), vision.
// Adding a model touches data, never adapter code.
type ModelInfo struct {
	ContextWindow int     `yaml:"context_window"`
	MaxTokens     int     `yaml:"max_tokens"`
	InputCost     float64 `yaml:"input"`
	OutputCost    float64 `yaml:"output"`
	Vision        bool    `yaml:"vision"`
}

// modelsFile is the embedded YAML root.
type modelsFile struct {
	Models map[string]ModelInfo `yaml:"models"`
}

// modelsDevFile is the subset of a models.dev TOML model file relay reads.
// Files under ~/.relay/models.d/ are named <model-id>.toml.
type modelsDevFile struct {
	Name       string `toml:"name"`
	Attachment bool   `toml:"attachment"`
	Cost       struct {
		Input  float64 `toml:"input"`
		Output float64 `toml:"output"`
	} `toml:"cost"`
	Limit struct {
		Context int64 `toml:"context"`
		Output  int64 `toml:"output"`
	} `toml:"limit"`
}

// Metadata resolves per-model defaults. Resolution order per field:
// config model_overrides > models.d TOML files > embedded table > zero.
type Metadata struct {
	mu        sync.RWMutex
	models    map[string]ModelInfo
	overrides map[string]ModelOverride
}

const (
	// DefaultContextTokens is assumed when a model is absent everywhere.
	DefaultContextTokens = 32768
	// DefaultMaxTokens is the output limit assumed for unknown models.
	DefaultMaxTokens = 4096
)

var (
	defaultMetadata     *Metadata
	defaultMetadataOnce sync.Once
)

// DefaultMetadata returns the process-wide metadata table: embedded YAML
// plus any TOML files under ~/.relay/models.d/.
func DefaultMetadata() *Metadata {
	defaultMetadataOnce.Do(func() {
		defaultMetadata = NewMetadata()
		if dir, err := paths.ModelsOverrideDir(); err == nil {
			defaultMetadata.LoadTOMLDir(dir)
		}
	})
	return defaultMetadata
}

// NewMetadata parses the embedded model table.
func NewMetadata() *Metadata {
	m := &Metadata{models: make(map[string]ModelInfo)}

	var file modelsFile
	if err := yaml.Unmarshal(embeddedModels, &file); err != nil {
		L_error("llm: failed to parse embedded models.yaml", "error", err)
		return m
	}
	m.models = file.Models
	L_debug("llm: model metadata loaded", "models", len(m.models))
	return m
}

// LoadTOMLDir merges models.dev-shaped TOML files from dir. Each file
// describes one model; the model id is the filename without extension.
// Missing directory is not an error.
func (m *Metadata) LoadTOMLDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			L_warn("llm: cannot read model override file", "path", path, "error", err)
			continue
		}

		var md modelsDevFile
		if err := toml.Unmarshal(data, &md); err != nil {
			L_warn("llm: cannot parse model override file", "path", path, "error", err)
			continue
		}

		model := strings.TrimSuffix(entry.Name(), ".toml")
		info := ModelInfo{
			ContextWindow: int(md.Limit.Context),
			MaxTokens:     int(md.Limit.Output),
			InputCost:     md.Cost.Input,
			OutputCost:    md.Cost.Output,
			Vision:        md.Attachment,
		}

		m.mu.Lock()
		m.models[model] = info
		m.mu.Unlock()
		loaded++
	}

	if loaded > 0 {
		L_info("llm: loaded model overrides", "dir", dir, "count", loaded)
	}
}

// ApplyOverrides installs config-level model_overrides. These win over the
// table for the fields they set.
func (m *Metadata) ApplyOverrides(overrides map[string]ModelOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = overrides
}

// Register inserts or replaces a model entry. Used by tests and by
// deployments that discover limits at runtime.
func (m *Metadata) Register(model string, info ModelInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models[model] = info
}

// Lookup returns the metadata for a model. Tries the exact id first, then
// the id with any "vendor/" prefix stripped (OpenRouter-style ids).
func (m *Metadata) Lookup(model string) (ModelInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.models[model]
	if !ok {
		if idx := strings.LastIndex(model, "/"); idx >= 0 {
			info, ok = m.models[model[idx+1:]]
		}
	}
	if !ok {
		return ModelInfo{}, false
	}

	if ov, exists := m.overrides[model]; exists {
		if ov.ContextWindow > 0 {
			info.ContextWindow = ov.ContextWindow
		}
		if ov.MaxTokens > 0 {
			info.MaxTokens = ov.MaxTokens
		}
	}
	return info, true
}

// ContextWindowFor resolves a model's context window. override (from
// provider config) wins, then model_overrides, then the table, then the
// 32k default.
func (m *Metadata) ContextWindowFor(model string, override int) int {
	if override > 0 {
		return override
	}
	m.mu.RLock()
	if ov, ok := m.overrides[model]; ok && ov.ContextWindow > 0 {
		m.mu.RUnlock()
		return ov.ContextWindow
	}
	m.mu.RUnlock()

	if info, ok := m.Lookup(model); ok && info.ContextWindow > 0 {
		return info.ContextWindow
	}
	return DefaultContextTokens
}

// MaxTokensFor resolves a model's output limit with the same precedence as
// ContextWindowFor.
func (m *Metadata) MaxTokensFor(model string, override int) int {
	if override > 0 {
		return override
	}
	m.mu.RLock()
	if ov, ok := m.overrides[model]; ok && ov.MaxTokens > 0 {
		m.mu.RUnlock()
		return ov.MaxTokens
	}
	m.mu.RUnlock()

	if info, ok := m.Lookup(model); ok && info.MaxTokens > 0 {
		return info.MaxTokens
	}
	return DefaultMaxTokens
}

// PricingFor returns (input, output) USD per 1M tokens, zero when unknown.
// Zero pricing marks a model as free in the cost log.
func (m *Metadata) PricingFor(model string) (float64, float64) {
	info, ok := m.Lookup(model)
	if !ok {
		return 0, 0
	}
	return info.InputCost, info.OutputCost
}
