package rewrite

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SettingsFileName is the file stored under the config directory.
const SettingsFileName = "settings.json"

// Settings is the persisted collaborator configuration. The tag core only
// consumes the rule, VerifyAfterWrite and the password fields.
type Settings struct {
	SourcePattern         string `json:"source_pattern"`
	TargetBaseURL         string `json:"target_base_url"`
	TTSEnabled            bool   `json:"tts_enabled"`
	AutoOpenBrowser       bool   `json:"auto_open_browser"`
	OpenLockedTagURL      bool   `json:"open_locked_tag_url"`
	VerifyAfterWrite      bool   `json:"verify_after_write"`
	UsePasswordProtection bool   `json:"use_password_protection"`
	TagPassword           string `json:"tag_password"`
}

// DefaultSettings returns the values used when nothing is stored yet.
func DefaultSettings() Settings {
	return Settings{
		SourcePattern:    DefaultPattern,
		TargetBaseURL:    DefaultTarget,
		TTSEnabled:       true,
		AutoOpenBrowser:  true,
		VerifyAfterWrite: true,
	}
}

// Rule builds the rewrite rule from the stored pattern and target.
func (s Settings) Rule() Rule {
	return Rule{Pattern: s.SourcePattern, Target: s.TargetBaseURL}
}

// Validate rejects settings that would make later operations fail.
func (s Settings) Validate() error {
	if err := s.Rule().Validate(); err != nil {
		return fmt.Errorf("invalid source_pattern: %w", err)
	}
	if s.UsePasswordProtection && len(s.TagPassword) != 4 {
		return fmt.Errorf("tag_password must be exactly 4 characters, got %d", len(s.TagPassword))
	}
	return nil
}

// DefaultSettingsPath returns <user config dir>/<dirName>/settings.json.
func DefaultSettingsPath(dirName string) (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config dir: %w", err)
	}
	return filepath.Join(base, dirName, SettingsFileName), nil
}

// LoadSettings reads the settings file. A missing file yields defaults;
// keys absent from the file keep their default values.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := json.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	return s, nil
}

// SaveSettings writes the settings atomically, creating the directory.
func SaveSettings(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}
