package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/butler-fleet/butlers/pkg/config"
)

// butlerDir is one discovered config directory paired with the manifest
// loaded from it.
type butlerDir struct {
	Path     string
	Manifest *config.Manifest
}

// discoverWorkspace finds every immediate subdirectory of root
// containing a manifest.yaml, loads and validates each, and returns them
// sorted by butler name. A workspace whose own directory holds a
// manifest.yaml directly (a single-butler workspace) is also accepted.
func discoverWorkspace(root string) ([]butlerDir, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read workspace %q: %w", root, err)
	}

	var dirs []string
	if _, err := os.Stat(filepath.Join(root, config.ManifestFileName)); err == nil {
		dirs = append(dirs, root)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(candidate, config.ManifestFileName)); err == nil {
			dirs = append(dirs, candidate)
		}
	}

	if len(dirs) == 0 {
		return nil, fmt.Errorf("no %s found under %q (looked one level deep)", config.ManifestFileName, root)
	}

	out := make([]butlerDir, 0, len(dirs))
	for _, d := range dirs {
		manifest, err := config.Initialize(d)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", d, err)
		}
		out = append(out, butlerDir{Path: d, Manifest: manifest})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.Butler.Name < out[j].Manifest.Butler.Name
	})
	return out, nil
}

// filterOnly keeps only the entries whose butler name appears in names.
// An empty names selects everything.
func filterOnly(all []butlerDir, names []string) ([]butlerDir, error) {
	if len(names) == 0 {
		return all, nil
	}
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	var out []butlerDir
	for _, d := range all {
		if want[d.Manifest.Butler.Name] {
			out = append(out, d)
			delete(want, d.Manifest.Butler.Name)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for n := range want {
			missing = append(missing, n)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("--only named butlers not found in workspace: %v", missing)
	}
	return out, nil
}
