package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("AI_FILE_SORTER_MODEL_PATH", "")

	s, err := Load(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ChoiceLocal, s.LLMChoice)
	assert.Equal(t, "English", s.CategoryLanguage)
	assert.True(t, s.UseConsistencyHints)
	assert.Equal(t, DefaultLLMTimeouts(), s.Timeouts)
}

func TestLoadParsesYAML(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
llm_choice: openai
openai_api_key: sk-test
use_whitelist: true
allowed_categories: [Documents, Images]
category_language: French
include_subdirectories: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ChoiceRemoteOpenAI, s.LLMChoice)
	assert.Equal(t, "sk-test", s.OpenAIAPIKey)
	assert.True(t, s.UseWhitelist)
	assert.Equal(t, []string{"Documents", "Images"}, s.AllowedCategories)
	assert.Equal(t, "French", s.CategoryLanguage)
	assert.True(t, s.IncludeSubdirectories)
	assert.Equal(t, DefaultLLMTimeouts(), s.Timeouts, "missing timeouts fall back to defaults")
}

func TestEnvOverrides(t *testing.T) {
	t.Run("api keys fill empty fields", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-env")
		t.Setenv("GEMINI_API_KEY", "gm-env")

		s := DefaultSettings()
		s.applyEnvOverrides()
		assert.Equal(t, "sk-env", s.OpenAIAPIKey)
		assert.Equal(t, "gm-env", s.GeminiAPIKey)
	})

	t.Run("file value wins over env", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-env")

		s := DefaultSettings()
		s.OpenAIAPIKey = "sk-file"
		s.applyEnvOverrides()
		assert.Equal(t, "sk-file", s.OpenAIAPIKey)
	})

	t.Run("model path env wins", func(t *testing.T) {
		t.Setenv("AI_FILE_SORTER_MODEL_PATH", "/models/a.gguf")

		s := DefaultSettings()
		s.ModelPath = "/models/b.gguf"
		s.applyEnvOverrides()
		assert.Equal(t, "/models/a.gguf", s.ModelPath)
	})
}

func TestConfigDirHonorsEnv(t *testing.T) {
	t.Setenv("AI_FILE_SORTER_CONFIG_DIR", "/tmp/aisort-test")
	dir, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/aisort-test", dir)
}

func TestCustomEndpointLookup(t *testing.T) {
	s := DefaultSettings()
	s.CustomEndpoints = []CustomEndpoint{
		{ID: "one", BaseURL: "http://localhost:8080/v1", Model: "llama"},
		{ID: "two"},
	}
	s.ActiveCustomAPIID = "one"

	endpoint, ok := s.ActiveCustomEndpoint()
	require.True(t, ok)
	assert.True(t, endpoint.IsValid())

	other, ok := s.FindCustomEndpoint("two")
	require.True(t, ok)
	assert.False(t, other.IsValid())

	_, ok = s.FindCustomEndpoint("missing")
	assert.False(t, ok)
}

func TestTimeoutsForChoice(t *testing.T) {
	timeouts := DefaultLLMTimeouts()

	t.Run("defaults per mode", func(t *testing.T) {
		t.Setenv("AI_FILE_SORTER_LOCAL_LLM_TIMEOUT", "")
		t.Setenv("AI_FILE_SORTER_REMOTE_LLM_TIMEOUT", "")
		t.Setenv("AI_FILE_SORTER_CUSTOM_LLM_TIMEOUT", "")

		assert.Equal(t, 60*time.Second, timeouts.ForChoice(ChoiceLocal, nil))
		assert.Equal(t, 10*time.Second, timeouts.ForChoice(ChoiceRemoteOpenAI, nil))
		assert.Equal(t, 10*time.Second, timeouts.ForChoice(ChoiceRemoteGemini, nil))
		assert.Equal(t, 60*time.Second, timeouts.ForChoice(ChoiceRemoteCustom, nil))
	})

	t.Run("env override wins when positive", func(t *testing.T) {
		t.Setenv("AI_FILE_SORTER_LOCAL_LLM_TIMEOUT", "120")
		assert.Equal(t, 120*time.Second, timeouts.ForChoice(ChoiceLocal, nil))
	})

	t.Run("non-positive override is ignored", func(t *testing.T) {
		t.Setenv("AI_FILE_SORTER_REMOTE_LLM_TIMEOUT", "0")
		assert.Equal(t, 10*time.Second, timeouts.ForChoice(ChoiceRemoteOpenAI, nil))

		t.Setenv("AI_FILE_SORTER_REMOTE_LLM_TIMEOUT", "-5")
		assert.Equal(t, 10*time.Second, timeouts.ForChoice(ChoiceRemoteOpenAI, nil))
	})

	t.Run("malformed override is ignored", func(t *testing.T) {
		t.Setenv("AI_FILE_SORTER_CUSTOM_LLM_TIMEOUT", "soon")
		assert.Equal(t, 60*time.Second, timeouts.ForChoice(ChoiceRemoteCustom, nil))
	})
}
