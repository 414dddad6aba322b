package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/datawire/mint/pkg/blobcache"
	"github.com/datawire/mint/pkg/cliutil"
	"github.com/datawire/mint/pkg/index"
)

func init() {
	cacheCmd := &cobra.Command{
		Use:   "cache {[flags]|SUBCOMMAND...}",
		Short: "Manage the download cache",

		Args: cliutil.OnlySubcommands,
		RunE: cliutil.RunSubcommands,
	}

	var (
		cleanMetadata bool
		maxSize       int64
	)
	cleanCmd := &cobra.Command{
		Use:   "clean [flags]",
		Short: "Delete cached artifacts",

		Long: "Delete cached wheel files, least-recently-used first if --max-size is " +
			"given, or all of them otherwise.  With --metadata, cached index metadata " +
			"is dropped too, so the next resolution sees the index fresh.",

		Args: cliutil.WrapPositionalArgs(cobra.NoArgs),

		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := blobcache.NewStore(cfg.BlobDir())
			if err != nil {
				return err
			}
			budget := int64(0)
			if maxSize > 0 {
				budget = maxSize
			}
			freed, err := store.EvictLRU(ctx, budget)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "freed %d bytes\n", freed)

			if cleanMetadata {
				cache, err := index.OpenMetadataCache(cfg.MetadataDB(), time.Duration(cfg.MetadataTTL))
				if err != nil {
					return err
				}
				defer cache.Close()
				if err := cache.Clear(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cleared metadata cache")
			}
			return nil
		},
	}
	cleanCmd.Flags().BoolVar(&cleanMetadata, "metadata", false,
		"Also drop cached index metadata")
	cleanCmd.Flags().Int64Var(&maxSize, "max-size", 0,
		"Keep up to this many bytes of artifacts instead of deleting all of them")

	infoCmd := &cobra.Command{
		Use:   "info [flags]",
		Short: "Show cache location and size",

		Args: cliutil.WrapPositionalArgs(cobra.NoArgs),

		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := blobcache.NewStore(cfg.BlobDir())
			if err != nil {
				return err
			}
			count, err := store.Len()
			if err != nil {
				return err
			}
			size, err := store.Size()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cache directory: %s\n", cfg.CacheDir)
			fmt.Fprintf(out, "artifacts:       %d (%d bytes)\n", count, size)
			fmt.Fprintf(out, "metadata cache:  %s (ttl %s)\n",
				cfg.MetadataDB(), time.Duration(cfg.MetadataTTL))
			return nil
		},
	}

	cacheCmd.AddCommand(cleanCmd)
	cacheCmd.AddCommand(infoCmd)
	argparser.AddCommand(cacheCmd)
}
