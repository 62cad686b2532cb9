package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(contents), 0o600))
}

func TestInitialize_ValidMinimalManifest(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	writeManifest(t, dir, `
butler:
  name: health
  port: 8081
  description: tracks health metrics
db:
  schema: butler_health
runtime:
  type: claude_code
  model: claude-sonnet
env:
  required: ["ANTHROPIC_API_KEY"]
`)

	m, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, "health", m.Butler.Name)
	assert.Equal(t, 1, m.Runtime.MaxConcurrentSessions) // from builtin defaults
	assert.Equal(t, []string{"switchboard"}, m.Security.TrustedRouteCallers)
}

func TestInitialize_UnknownModuleBlocksStartup(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	writeManifest(t, dir, `
butler:
  name: health
  port: 8081
db:
  schema: butler_health
runtime:
  type: claude_code
  model: claude-sonnet
env:
  required: ["ANTHROPIC_API_KEY"]
modules:
  not_a_real_module:
    provider: x
`)

	_, err := Initialize(dir)
	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 1)
}

func TestInitialize_MissingRequiredEnvBlocksStartup(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
butler:
  name: health
  port: 8081
db:
  schema: butler_health
runtime:
  type: claude_code
  model: claude-sonnet
env:
  required: ["DEFINITELY_NOT_SET_XYZ"]
`)

	_, err := Initialize(dir)
	require.Error(t, err)
}
