package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// ConfigDir is the default config directory name under the user's home.
const ConfigDir = ".andy"

// Load builds a CoreConfig starting from DefaultCoreConfig and overlaying
// whatever of the enumerated env vars are set, the same two-layer
// precedence the rest of the pack uses: documented defaults first,
// environment second, no config file in between for the core settings.
func Load() (*CoreConfig, error) {
	cfg := DefaultCoreConfig()
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}
	if cfg.AssistantName == "" {
		return nil, fmt.Errorf("config: ASSISTANT_NAME must not be empty")
	}
	if cfg.MaxConcurrentContainers < 1 {
		return nil, fmt.Errorf("config: MAX_CONCURRENT_CONTAINERS must be >= 1, got %d", cfg.MaxConcurrentContainers)
	}
	return cfg, nil
}

// ResolveHomeDir expands a leading "~" against the user's home directory,
// falling back to the raw path when it doesn't start with one.
func ResolveHomeDir(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
