package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable consulted by DiscoverConfigPath.
const EnvConfigPath = "FLEETWARDEN_CONFIG"

// DiscoverConfigPath finds the config file when --config is not given.
// Priority order: $FLEETWARDEN_CONFIG, ~/.config/fleetwarden/config.yaml,
// /etc/fleetwarden/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	var candidates []string
	if p := os.Getenv(EnvConfigPath); p != "" {
		candidates = append(candidates, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "fleetwarden", "config.yaml"))
	}
	candidates = append(candidates, "/etc/fleetwarden/config.yaml", "config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/fleetwarden/config.yaml, /etc/fleetwarden/config.yaml, ./config.yaml)", EnvConfigPath)
}
