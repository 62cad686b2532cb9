// Command butlers is the fleet CLI: it brings up one butler as
// the current process (run), orchestrates a whole workspace of butlers
// as supervised child processes (up), lists the butlers a workspace
// declares without starting any of them (list), and scaffolds a new
// butler's config directory (init).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/butler-fleet/butlers/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:     "butlers",
	Short:   "Run and manage a fleet of butler daemons",
	Version: version.Full(),
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(connectorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "butlers:", err)
		os.Exit(1)
	}
}
