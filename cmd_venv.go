package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datawire/mint/pkg/cliutil"
	"github.com/datawire/mint/pkg/env"
)

func init() {
	venvCmd := &cobra.Command{
		Use:   "venv {[flags]|SUBCOMMAND...}",
		Short: "Manage environments",

		Args: cliutil.OnlySubcommands,
		RunE: cliutil.RunSubcommands,
	}

	venvCmd.AddCommand(&cobra.Command{
		Use:   "create DIRECTORY",
		Short: "Create a new, empty environment",

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),

		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := env.Create(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created environment %s\n", e.Root())
			return nil
		},
	})

	venvCmd.AddCommand(&cobra.Command{
		Use:   "delete DIRECTORY",
		Short: "Delete an environment and everything installed in it",

		Long: "Delete the environment directory.  Refuses to delete a directory that " +
			"does not look like an environment (no manifest), so a mistyped path " +
			"fails instead of destroying unrelated files.",

		Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),

		RunE: func(cmd *cobra.Command, args []string) error {
			if err := env.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted environment %s\n", args[0])
			return nil
		},
	})

	argparser.AddCommand(venvCmd)
}
