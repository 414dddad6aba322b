package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datawire/mint/pkg/cliutil"
	"github.com/datawire/mint/pkg/env"
	"github.com/datawire/mint/pkg/python/pep508"
)

func init() {
	var envDir string
	cmd := &cobra.Command{
		Use:   "uninstall [flags] NAME...",
		Short: "Remove packages from an environment",

		Long: "Remove the named packages: every file their installs wrote, plus their " +
			"manifest entries.  Nothing else in the environment is touched; packages " +
			"that depend on the removed ones are left alone.",

		Args: cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := env.Open(envDir)
			if err != nil {
				return &exitError{exitInstall, err}
			}
			for _, arg := range args {
				name := pep508.CanonicalName(arg)
				if err := e.Uninstall(ctx, name); err != nil {
					return &exitError{exitInstall, err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&envDir, "env", "e", "venv",
		"Environment directory to remove from")

	argparser.AddCommand(cmd)
}
