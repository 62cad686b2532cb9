package config

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ManifestFileName is the expected filename of a butler's declarative
// manifest within its config directory.
const ManifestFileName = "manifest.yaml"

// ClaudeFileName is the butler's personality/system-prompt document,
// concatenated with memory context by the spawner.
const ClaudeFileName = "CLAUDE.md"

// Initialize loads, env-expands, merges, and validates the manifest in
// configDir, returning a ready-to-use Manifest or the aggregate
// ValidationErrors (wrapped as an error) if anything is startup-blocking.
func Initialize(configDir string) (*Manifest, error) {
	path := filepath.Join(configDir, ManifestFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	expanded, missing := ExpandEnv(string(raw), os.LookupEnv)
	// Missing references are deferred to the validator so every problem
	// (including unknown modules, schedule errors, etc.) is reported in one
	// pass rather than failing on the first missing variable.

	var parsed Manifest
	if err := yaml.Unmarshal([]byte(expanded), &parsed); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("parse yaml: %w", err)}
	}

	merged := BuiltinDefaults()
	if err := mergo.Merge(&merged, parsed, mergo.WithOverride); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("merge defaults: %w", err)}
	}
	merged.ConfigDir = configDir

	var errs ValidationErrors
	if len(missing) > 0 {
		// Record unresolved references against the whole document; the
		// validator will also catch any still-unresolved required vars from
		// Env.Required that were never referenced as ${NAME} at all.
		if verr := FormatMissing("manifest", missing); verr != nil {
			errs = append(errs, verr.(*ValidationError))
		}
	}

	validator := NewValidator()
	errs = append(errs, validator.Validate(&merged)...)
	if errs.HasErrors() {
		return &merged, errs
	}

	return &merged, nil
}

// LoadPersonality reads the butler's CLAUDE.md personality/prompt
// document from its config directory. A missing file is not an error at
// this layer; callers decide whether that's fatal.
func LoadPersonality(m *Manifest) (string, error) {
	path := filepath.Join(m.ConfigDir, ClaudeFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DeclaredEnv returns the set of environment variables this manifest
// declares (required ∪ optional) — the only names the spawner may copy
// into a child process environment.
func (m *Manifest) DeclaredEnv() map[string]string {
	out := map[string]string{}
	for _, name := range m.Env.All() {
		if val, ok := os.LookupEnv(name); ok {
			out[name] = val
		}
	}
	return out
}

// GatedTools parses the [modules.approvals] gated_tools entries out of
// the raw modules config map, since ModuleConfig.Config is
// a generic map decoded from inline YAML.
func (m *Manifest) GatedTools() ([]GatedTool, error) {
	approvals, ok := m.Modules["approvals"]
	if !ok {
		return nil, nil
	}
	raw, ok := approvals.Config["gated_tools"]
	if !ok {
		return nil, nil
	}
	b, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-marshal gated_tools: %w", err)
	}
	var tools []GatedTool
	if err := yaml.Unmarshal(b, &tools); err != nil {
		return nil, fmt.Errorf("parse gated_tools: %w", err)
	}
	return tools, nil
}
