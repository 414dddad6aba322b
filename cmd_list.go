package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/datawire/mint/pkg/cliutil"
	"github.com/datawire/mint/pkg/env"
)

func init() {
	var envDir string
	listCmd := &cobra.Command{
		Use:   "list [flags]",
		Short: "List the packages installed in an environment",

		Args: cliutil.WrapPositionalArgs(cobra.NoArgs),

		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := env.Open(envDir)
			if err != nil {
				return err
			}
			installed, err := e.Installed()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(installed))
			for name := range installed {
				names = append(names, name)
			}
			sort.Strings(names)

			table := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 1, 2, ' ', 0)
			fmt.Fprintf(table, "PACKAGE\tVERSION\n")
			for _, name := range names {
				fmt.Fprintf(table, "%s\t%s\n", name, installed[name])
			}
			return table.Flush()
		},
	}
	listCmd.Flags().StringVarP(&envDir, "env", "e", "venv",
		"Environment directory to inspect")

	var freezeEnvDir string
	freezeCmd := &cobra.Command{
		Use:   "freeze [flags]",
		Short: "Print the installed packages as requirements",

		Long: "Print one 'name==version' line per installed package, sorted by name.  The " +
			"output is a valid requirements file; feed it back with " +
			"'mint install -r' to reproduce the environment.",

		Args: cliutil.WrapPositionalArgs(cobra.NoArgs),

		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := env.Open(freezeEnvDir)
			if err != nil {
				return err
			}
			frozen, err := e.Freeze()
			if err != nil {
				return err
			}
			for _, line := range frozen {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	freezeCmd.Flags().StringVarP(&freezeEnvDir, "env", "e", "venv",
		"Environment directory to inspect")

	argparser.AddCommand(listCmd)
	argparser.AddCommand(freezeCmd)
}
