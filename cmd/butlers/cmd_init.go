package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	initPort      int
	initWorkspace string
	initKind      string
)

var initCmd = &cobra.Command{
	Use:   "init NAME",
	Short: "Scaffold a new butler's config directory",
	Args:  cobra.ExactArgs(1),
	Long: `Init writes <workspace>/<name>/manifest.yaml and a starter
CLAUDE.md personality document. It never overwrites an existing
manifest.yaml.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().IntVar(&initPort, "port", 0, "RPC listener port (required)")
	initCmd.Flags().StringVar(&initWorkspace, "workspace", ".", "workspace directory to create the butler's subdirectory under")
	initCmd.Flags().StringVar(&initKind, "kind", "butler", "butler kind: butler, switchboard, messenger, or heartbeat")
	_ = initCmd.MarkFlagRequired("port")
}

const manifestTemplate = `butler:
  name: %s
  port: %d
  description: ""
  kind: %s

db:
  schema: %s

runtime:
  type: claude_code
  max_concurrent_sessions: 1

security:
  trusted_route_callers: ["switchboard"]

env:
  required: ["ANTHROPIC_API_KEY"]
  optional: []

modules: {}

schedule: []

defaults:
  timezone: UTC
  pricing: {}
`

const claudeTemplate = `# %s

You are %s, a butler in the fleet. Describe this butler's responsibilities,
tone, and any domain knowledge it should carry into every session here.
`

func runInit(cmd *cobra.Command, args []string) error {
	name := args[0]
	if name == "" {
		return fmt.Errorf("butler name must not be empty")
	}

	dir := filepath.Join(initWorkspace, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	manifestPath := filepath.Join(dir, "manifest.yaml")
	if _, err := os.Stat(manifestPath); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", manifestPath)
	}

	schema := name
	manifest := fmt.Sprintf(manifestTemplate, name, initPort, initKind, schema)
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", manifestPath, err)
	}

	claudePath := filepath.Join(dir, "CLAUDE.md")
	if _, err := os.Stat(claudePath); err != nil {
		claude := fmt.Sprintf(claudeTemplate, name, name)
		if err := os.WriteFile(claudePath, []byte(claude), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", claudePath, err)
		}
	}

	fmt.Printf("initialized butler %q at %s\n", name, dir)
	return nil
}
