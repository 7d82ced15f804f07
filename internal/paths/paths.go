// Package paths provides centralized path resolution for relay.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns the relay base directory (~/.relay).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".relay"), nil
}

// DataPath returns a path within the relay data directory (~/.relay/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active relay.json path.
// Priority: ./relay.json (current dir) > ~/.relay/relay.json
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	// Check local first
	localPath := "relay.json"
	if _, err := os.Stat(localPath); err == nil {
		absPath, err := filepath.Abs(localPath)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		return absPath, nil
	}

	// Check global
	globalPath, err := DataPath("relay.json")
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(globalPath); err == nil {
		return globalPath, nil
	}

	// No config found - valid state
	return "", nil
}

// DefaultConfigPath returns the default location for new configs (~/.relay/relay.json).
func DefaultConfigPath() (string, error) {
	return DataPath("relay.json")
}

// LogsDir returns the logs directory (~/.relay/logs).
func LogsDir() (string, error) {
	return DataPath("logs")
}

// RunsDir returns the per-run persistence directory (~/.relay/logs/runs).
func RunsDir() (string, error) {
	return DataPath(filepath.Join("logs", "runs"))
}

// ModelsOverrideDir returns the directory scanned for models.dev-shaped
// TOML override files (~/.relay/models.d).
func ModelsOverrideDir() (string, error) {
	return DataPath("models.d")
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}
