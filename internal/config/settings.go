// Package config holds the settings snapshot the categorization pipeline
// consumes: model choice, whitelist, category language, consistency-hint
// flags, provider credentials, and LLM timeouts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LLMChoice selects the model client implementation.
type LLMChoice string

const (
	ChoiceLocal        LLMChoice = "local"
	ChoiceRemoteOpenAI LLMChoice = "openai"
	ChoiceRemoteGemini LLMChoice = "gemini"
	ChoiceRemoteCustom LLMChoice = "custom"
)

// IsRemote reports whether the choice calls out to a hosted provider.
func (c LLMChoice) IsRemote() bool {
	switch c {
	case ChoiceRemoteOpenAI, ChoiceRemoteGemini, ChoiceRemoteCustom:
		return true
	}
	return false
}

// CustomEndpoint describes a user-configured OpenAI-compatible endpoint.
type CustomEndpoint struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
}

// IsValid reports whether the endpoint carries everything a request needs.
func (e CustomEndpoint) IsValid() bool {
	return strings.TrimSpace(e.BaseURL) != "" && strings.TrimSpace(e.Model) != ""
}

// Settings is the snapshot of user configuration consumed by one
// categorization run.
type Settings struct {
	LLMChoice LLMChoice `yaml:"llm_choice"`
	ModelPath string    `yaml:"model_path"`

	UseWhitelist         bool     `yaml:"use_whitelist"`
	AllowedCategories    []string `yaml:"allowed_categories"`
	AllowedSubcategories []string `yaml:"allowed_subcategories"`

	CategoryLanguage      string `yaml:"category_language"`
	IncludeSubdirectories bool   `yaml:"include_subdirectories"`
	UseConsistencyHints   bool   `yaml:"use_consistency_hints"`

	OpenAIAPIKey string `yaml:"openai_api_key"`
	GeminiAPIKey string `yaml:"gemini_api_key"`

	CustomEndpoints   []CustomEndpoint `yaml:"custom_endpoints"`
	ActiveCustomAPIID string           `yaml:"active_custom_api_id"`

	Timeouts LLMTimeouts `yaml:"timeouts"`
}

// DefaultSettings returns the baseline configuration.
func DefaultSettings() Settings {
	return Settings{
		LLMChoice:           ChoiceLocal,
		CategoryLanguage:    "English",
		UseConsistencyHints: true,
		Timeouts:            DefaultLLMTimeouts(),
	}
}

// Load reads settings from path, falling back to defaults when the file is
// absent, and applies environment overrides.
func Load(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return s, fmt.Errorf("failed to read settings file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings file: %w", err)
	}

	if s.Timeouts == (LLMTimeouts{}) {
		s.Timeouts = DefaultLLMTimeouts()
	}
	s.applyEnvOverrides()
	return s, nil
}

// applyEnvOverrides fills credentials from the environment when the settings
// file left them empty.
func (s *Settings) applyEnvOverrides() {
	if s.OpenAIAPIKey == "" {
		s.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if s.GeminiAPIKey == "" {
		s.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	}
	if model := os.Getenv("AI_FILE_SORTER_MODEL_PATH"); model != "" {
		s.ModelPath = model
	}
}

// FindCustomEndpoint returns the endpoint with the given id.
func (s *Settings) FindCustomEndpoint(id string) (CustomEndpoint, bool) {
	for _, endpoint := range s.CustomEndpoints {
		if endpoint.ID == id {
			return endpoint, true
		}
	}
	return CustomEndpoint{}, false
}

// ActiveCustomEndpoint returns the currently selected custom endpoint.
func (s *Settings) ActiveCustomEndpoint() (CustomEndpoint, bool) {
	return s.FindCustomEndpoint(s.ActiveCustomAPIID)
}

// ConfigDir resolves the directory holding the settings file and the
// categorization cache. AI_FILE_SORTER_CONFIG_DIR wins; otherwise the
// platform user config dir is used.
func ConfigDir() (string, error) {
	if dir := os.Getenv("AI_FILE_SORTER_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user config dir: %w", err)
	}
	return filepath.Join(base, "aisort"), nil
}

// SettingsPath returns the default settings file location under configDir.
func SettingsPath(configDir string) string {
	return filepath.Join(configDir, "settings.yaml")
}
