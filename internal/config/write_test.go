package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteInitialCreatesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	require.NoError(t, WriteInitial(path, "/srv/corpus", "research-notes", "https://store.example.com/v1"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/corpus", cfg.LibraryRoot)
	assert.Equal(t, "research-notes", cfg.Store)
	assert.Equal(t, "https://store.example.com/v1", cfg.APIBaseURL)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestWriteInitialRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("store = \"keep\"\n"), 0o644))

	err := WriteInitial(path, "/srv/corpus", "s", "https://x.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "keep")
}

func TestRenderEffective(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	r, err := Resolve(EnvOverrides{ConfigPath: path}, CLIOverrides{})
	require.NoError(t, err)

	var sb strings.Builder
	require.NoError(t, RenderEffective(r, &sb))

	out := sb.String()
	assert.Contains(t, out, `library_root = "/srv/corpus"`)
	assert.Contains(t, out, `store        = "research-notes"`)
	assert.Contains(t, out, "[limits]")
	assert.Contains(t, out, "requests_per_minute = 60")
	assert.Contains(t, out, `import_timeout     = "2m0s"`)
}
