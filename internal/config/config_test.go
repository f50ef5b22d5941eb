package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epicline/internal/config"
)

func TestLoadFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model.Name)
	assert.Equal(t, 2048, cfg.Model.MaxTokens)
	assert.Equal(t, 120*time.Second, cfg.ModelTimeout())
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	content := "model:\n  name: claude-haiku-4-5\nlimits:\n  max_message_chars: 500\n"
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(content), 0o644))

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", cfg.Model.Name)
	assert.Equal(t, 500, cfg.Limits.MaxMessageChars)
	// untouched values keep their defaults
	assert.Equal(t, 2048, cfg.Model.MaxTokens)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := config.FromYAML([]byte("model:\n  max_tokens: -1\n"))
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Model.Name = ""
	assert.Error(t, cfg.Validate())
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	_, err := config.FromYAML([]byte("model: [not a mapping"))
	assert.Error(t, err)
}
