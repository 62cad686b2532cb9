package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butler-fleet/butlers/pkg/config"
)

func writeButlerManifest(t *testing.T, dir, name string, port int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := fmt.Sprintf(`butler:
  name: %s
  port: %d
db:
  schema: butler_%s
env:
  required: []
`, name, port, name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ManifestFileName), []byte(manifest), 0o644))
}

func manifestNamed(name string) *config.Manifest {
	m := config.BuiltinDefaults()
	m.Butler.Name = name
	return &m
}

func TestDiscoverWorkspace_FindsSubdirectories(t *testing.T) {
	root := t.TempDir()
	writeButlerManifest(t, filepath.Join(root, "health"), "health", 8081)
	writeButlerManifest(t, filepath.Join(root, "switchboard"), "switchboard", 8082)

	dirs, err := discoverWorkspace(root)
	require.NoError(t, err)
	require.Len(t, dirs, 2)
	assert.Equal(t, "health", dirs[0].Manifest.Butler.Name)
	assert.Equal(t, "switchboard", dirs[1].Manifest.Butler.Name)
}

func TestDiscoverWorkspace_SingleButlerAtRoot(t *testing.T) {
	root := t.TempDir()
	writeButlerManifest(t, root, "solo", 8083)

	dirs, err := discoverWorkspace(root)
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Equal(t, "solo", dirs[0].Manifest.Butler.Name)
}

func TestDiscoverWorkspace_NoManifestsIsAnError(t *testing.T) {
	root := t.TempDir()
	_, err := discoverWorkspace(root)
	assert.Error(t, err)
}

func TestFilterOnly_KeepsNamedSubset(t *testing.T) {
	all := []butlerDir{
		{Path: "a", Manifest: manifestNamed("health")},
		{Path: "b", Manifest: manifestNamed("switchboard")},
	}

	got, err := filterOnly(all, []string{"switchboard"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "switchboard", got[0].Manifest.Butler.Name)
}

func TestFilterOnly_UnknownNameErrors(t *testing.T) {
	all := []butlerDir{{Path: "a", Manifest: manifestNamed("health")}}

	_, err := filterOnly(all, []string{"ghost"})
	assert.Error(t, err)
}

func TestFilterOnly_EmptySelectionKeepsAll(t *testing.T) {
	all := []butlerDir{
		{Path: "a", Manifest: manifestNamed("health")},
		{Path: "b", Manifest: manifestNamed("switchboard")},
	}

	got, err := filterOnly(all, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
