package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the optional per-workspace YAML overlay (.strand/settings.yaml)
// tuning the recovery ceilings without touching the global config.
type Settings struct {
	StreamRetryLimit            int `yaml:"stream_retry_limit,omitempty"`
	AutoRecoveryMaxAttempts     int `yaml:"auto_recovery_max_attempts,omitempty"`
	LoopRecoveryMaxAttempts     int `yaml:"loop_recovery_max_attempts,omitempty"`
	ProviderRecoveryMaxAttempts int `yaml:"provider_recovery_max_attempts,omitempty"`
	LimitRecoveryMaxAttempts    int `yaml:"limit_recovery_max_attempts,omitempty"`
	FinishRecoveryMaxAttempts   int `yaml:"finish_recovery_max_attempts,omitempty"`
}

// SettingsFileName is resolved relative to the workspace root.
const SettingsFileName = ".strand/settings.yaml"

// LoadSettings reads the workspace overlay. A missing file is not an error.
func LoadSettings(workspaceRoot string) (Settings, error) {
	var s Settings
	root := strings.TrimSpace(workspaceRoot)
	if root == "" {
		return s, nil
	}
	path := filepath.Join(root, filepath.FromSlash(SettingsFileName))
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, err
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("invalid settings file %s: %w", path, err)
	}
	return s, nil
}

