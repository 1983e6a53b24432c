package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvOpenAIAPIKey, "sk-env")
	t.Setenv(EnvLibraryPath, "/music")
	t.Setenv(EnvCharacterizationEnabled, "false")
	t.Setenv(EnvLocalEmbeddingsEnabled, "0")

	cfg := DefaultConfig("/c.json", "/d")
	ApplyEnvOverrides(cfg)

	require.NotNil(t, cfg.Embedder.APIKey)
	assert.Equal(t, "sk-env", *cfg.Embedder.APIKey)
	assert.Equal(t, "/music", cfg.Paths.LibraryPath)
	assert.False(t, cfg.Features.CharacterizationEnabled)
	assert.False(t, cfg.Features.LocalEmbeddingsEnabled)
}

// TestApplyEnvOverrides_InvalidBool は解釈できない値が無視されることをテスト
func TestApplyEnvOverrides_InvalidBool(t *testing.T) {
	t.Setenv(EnvCharacterizationEnabled, "maybe")
	t.Setenv(EnvLocalEmbeddingsEnabled, "")

	cfg := DefaultConfig("/c.json", "/d")
	ApplyEnvOverrides(cfg)

	assert.True(t, cfg.Features.CharacterizationEnabled)
	assert.True(t, cfg.Features.LocalEmbeddingsEnabled)
}

func TestGetOpenAIAPIKey_Priority(t *testing.T) {
	fileKey := "sk-file"
	cfg := DefaultConfig("/c.json", "/d")
	cfg.Embedder.APIKey = &fileKey

	t.Setenv(EnvOpenAIAPIKey, "")
	assert.Equal(t, "sk-file", GetOpenAIAPIKey(cfg))

	t.Setenv(EnvOpenAIAPIKey, "sk-env")
	assert.Equal(t, "sk-env", GetOpenAIAPIKey(cfg))
}
