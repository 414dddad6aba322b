// Command mint installs Python packages into self-contained directory
// environments: it resolves versions against a package index, downloads
// wheels into a content-addressed cache, and unpacks them.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datawire/mint/pkg/cliutil"
)

var argparser = &cobra.Command{
	Use:   "mint {[flags]|SUBCOMMAND...}",
	Short: "Install Python packages into directory environments",

	Args: cliutil.OnlySubcommands,
	RunE: cliutil.RunSubcommands,

	SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
	SilenceUsage:  true, // our FlagErrorFunc will handle it
}

func init() {
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().String("config", "",
		"Configuration file to use instead of the default")
}

func main() {
	ctx := context.Background()

	if err := argparser.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(argparser.ErrOrStderr(), "%s: error: %v\n", argparser.CommandPath(), err)
		os.Exit(exitCode(err))
	}
}
