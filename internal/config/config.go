package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for strand.
//
// NOTE: Secrets (API keys) never live here; they come from the environment.
type Config struct {
	// Providers is the provider registry available to the runtime.
	Providers []Provider `json:"providers,omitempty"`

	// DefaultModel is "<provider_id>/<model_name>".
	DefaultModel string `json:"default_model,omitempty"`

	// RootDir is the filesystem root for @file resolution and shell commands.
	// If empty, the working directory is used.
	RootDir string `json:"root_dir,omitempty"`

	// CheckpointDir overrides where restorable checkpoints are written.
	// Defaults to <state_dir>/checkpoints.
	CheckpointDir string `json:"checkpoint_dir,omitempty"`

	// CheckpointingEnabled gates pre-approval snapshots of mutating tools.
	CheckpointingEnabled bool `json:"checkpointing_enabled,omitempty"`

	// ApprovalMode is "default" (mutating tools wait for approval) or "yolo".
	ApprovalMode string `json:"approval_mode,omitempty"`

	// MaxSessionTurns caps model round-trips per session (0 = unlimited).
	MaxSessionTurns int `json:"max_session_turns,omitempty"`

	// SessionTokenLimit caps cumulative session tokens (0 = unlimited).
	SessionTokenLimit int `json:"session_token_limit,omitempty"`

	// TurnBudgetTokens caps output tokens per turn (0 = the client's 4096-token
	// default).
	TurnBudgetTokens int `json:"turn_budget_tokens,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

type Provider struct {
	// ID is a stable internal id (primary key).
	ID string `json:"id"`

	// Name is a human-friendly display name.
	Name string `json:"name,omitempty"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `json:"type"`

	// BaseURL overrides the provider endpoint. Required for
	// openai_compatible.
	BaseURL string `json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	seen := map[string]bool{}
	for i := range c.Providers {
		p := &c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("provider %d: missing id", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate provider id %q", id)
		}
		seen[id] = true
		switch strings.TrimSpace(p.Type) {
		case "openai", "anthropic":
		case "openai_compatible":
			if strings.TrimSpace(p.BaseURL) == "" {
				return fmt.Errorf("provider %q: openai_compatible requires base_url", id)
			}
		default:
			return fmt.Errorf("provider %q: unsupported type %q", id, p.Type)
		}
	}
	if model := strings.TrimSpace(c.DefaultModel); model != "" {
		providerID, _, ok := strings.Cut(model, "/")
		if !ok || strings.TrimSpace(providerID) == "" {
			return fmt.Errorf("invalid default_model %q", model)
		}
		if len(c.Providers) > 0 && !seen[strings.TrimSpace(providerID)] {
			return fmt.Errorf("default_model references unknown provider %q", providerID)
		}
	}
	switch strings.TrimSpace(c.ApprovalMode) {
	case "", "default", "yolo":
	default:
		return fmt.Errorf("unsupported approval_mode %q", c.ApprovalMode)
	}
	return nil
}

// Lookup resolves a provider by id.
func (c *Config) Lookup(providerID string) (Provider, bool) {
	providerID = strings.TrimSpace(providerID)
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == providerID {
			return p, true
		}
	}
	return Provider{}, false
}

// DefaultConfigPath returns the default config path:
//
//	~/.strand/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "strand.config.json"
	}
	return filepath.Join(home, ".strand", "config.json")
}

// DefaultStateDir returns ~/.strand/state.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".strand-state"
	}
	return filepath.Join(home, ".strand", "state")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
