package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/config"
)

func TestRunInit_ScaffoldsManifestAndPersonality(t *testing.T) {
	workspace := t.TempDir()
	initWorkspace = workspace
	initPort = 8090
	initKind = "butler"
	t.Cleanup(func() { initWorkspace = "."; initPort = 0; initKind = "butler" })

	require.NoError(t, runInit(initCmd, []string{"relationship"}))

	dir := filepath.Join(workspace, "relationship")
	manifestPath := filepath.Join(dir, config.ManifestFileName)
	assert.FileExists(t, manifestPath)
	assert.FileExists(t, filepath.Join(dir, config.ClaudeFileName))

	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	raw, err := os.ReadFile(manifestPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "name: relationship")
	assert.Contains(t, string(raw), "port: 8090")
}

func TestRunInit_RefusesToOverwrite(t *testing.T) {
	workspace := t.TempDir()
	initWorkspace = workspace
	initPort = 8090
	initKind = "butler"
	t.Cleanup(func() { initWorkspace = "."; initPort = 0; initKind = "butler" })

	require.NoError(t, runInit(initCmd, []string{"relationship"}))
	assert.Error(t, runInit(initCmd, []string{"relationship"}))
}
