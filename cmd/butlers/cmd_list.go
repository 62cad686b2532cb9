package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listWorkspace string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the butlers declared in a workspace",
	Long: `List discovers and validates every butler manifest under
--workspace without connecting to any database or starting any
process, so it's safe to run against a fleet that isn't up.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listWorkspace, "workspace", ".", "workspace directory containing one subdirectory per butler")
}

func runList(cmd *cobra.Command, args []string) error {
	dirs, err := discoverWorkspace(listWorkspace)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tPORT\tSCHEMA\tMODULES\tCONFIG DIR")
	for _, d := range dirs {
		m := d.Manifest
		modules := make([]string, 0, len(m.Modules))
		for name := range m.Modules {
			modules = append(modules, name)
		}
		sort.Strings(modules)
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			m.Butler.Name, string(m.Butler.Kind), m.Butler.Port, m.DB.Schema,
			strings.Join(modules, ","), d.Path)
	}
	return w.Flush()
}
