package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# lazytiff Configuration File
#
# Values here are overridden by LAZYTIFF_* environment variables and CLI
# flags. Delete this file to fall back to built-in defaults.

`

// InitConfig writes a default configuration file at the default location
// and returns its path.
//
// Fails if the file already exists unless force is true.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()

	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	var cfg Config
	ApplyDefaults(&cfg)

	body, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("failed to render default config: %w", err)
	}

	content := append([]byte(configHeader), body...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}

	return path, nil
}
