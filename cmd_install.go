package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/datawire/mint/pkg/blobcache"
	"github.com/datawire/mint/pkg/env"
	"github.com/datawire/mint/pkg/fetch"
	"github.com/datawire/mint/pkg/python/pep508"
	"github.com/datawire/mint/pkg/resolve"
)

func init() {
	var (
		envDir   string
		reqFiles []string
		parallel int
	)
	cmd := &cobra.Command{
		Use:   "install [flags] [REQUIREMENT...]",
		Short: "Install packages and their dependencies into an environment",

		Long: "Resolve the given requirements (and everything they depend on) against the " +
			"package index, download the chosen wheels into the local cache, and unpack " +
			"them into the environment.  The environment is created if it does not " +
			"exist yet." +
			"\n\n" +
			"Requirements are dependency specifiers: 'requests', 'requests==2.28.1', " +
			"'urllib3>=1.21.1,<1.27'.  Resolution is deterministic; the same " +
			"requirements against the same index metadata always choose the same " +
			"versions.",

		Args: requireRequirements(&reqFiles),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			roots := make([]pep508.Requirement, 0, len(args))
			for _, arg := range args {
				req, err := pep508.ParseRequirement(arg)
				if err != nil {
					return cmd.FlagErrorFunc()(cmd, err)
				}
				roots = append(roots, *req)
			}
			for _, path := range reqFiles {
				fromFile, err := readRequirementsFile(path)
				if err != nil {
					return err
				}
				roots = append(roots, fromFile...)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if parallel > 0 {
				cfg.ParallelDownloads = parallel
			}

			client, closeClient := newIndexClient(cmd, cfg)
			defer closeClient()

			plan, err := resolve.Resolve(ctx, client, roots)
			if err != nil {
				return &exitError{exitResolve, err}
			}
			dlog.Infof(ctx, "resolved %d package(s)", len(plan))

			store, err := blobcache.NewStore(cfg.BlobDir())
			if err != nil {
				return err
			}
			sched := &fetch.Scheduler{
				Client:   client,
				Store:    store,
				Parallel: cfg.ParallelDownloads,
				Retries:  cfg.Retries,
			}
			var finishBar func()
			sched.OnProgress, finishBar = newProgressBar(cmd, plan)
			outcomes, err := sched.FetchAll(ctx, plan)
			finishBar()
			if err != nil {
				return &exitError{exitDownload, err}
			}

			e, err := env.Open(envDir)
			if err != nil {
				e, err = env.Create(envDir)
				if err != nil {
					return &exitError{exitInstall, err}
				}
				dlog.Infof(ctx, "created environment %s", envDir)
			}
			for i, entry := range plan {
				store.Pin(entry.Artifact.Digest)
				err := e.Install(ctx, entry.Name, entry.Version.String(), outcomes[i].Path)
				store.Unpin(entry.Artifact.Digest)
				if err != nil {
					return &exitError{exitInstall,
						fmt.Errorf("install %s %s: %w", entry.Name, entry.Version, err)}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s==%s (%s)\n",
					entry.Name, entry.Version, outcomes[i].Status)
			}

			if cfg.CacheSizeBudget > 0 {
				if _, err := store.EvictLRU(ctx, cfg.CacheSizeBudget); err != nil {
					dlog.Warnf(ctx, "cache eviction: %v", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&envDir, "env", "e", "venv",
		"Environment directory to install into")
	cmd.Flags().StringArrayVarP(&reqFiles, "requirement", "r", nil,
		"Install from the given requirements file (may be repeated)")
	cmd.Flags().IntVarP(&parallel, "parallel", "j", 0,
		"Maximum concurrent downloads (default: number of CPUs)")

	argparser.AddCommand(cmd)
}

// requireRequirements demands at least one requirement, from arguments or
// files.
func requireRequirements(reqFiles *[]string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && len(*reqFiles) == 0 {
			return cmd.FlagErrorFunc()(cmd,
				fmt.Errorf("requires at least one REQUIREMENT argument or -r file"))
		}
		return nil
	}
}

// newProgressBar returns a progress callback rendering one overall download
// bar, or a no-op pair when stdout isn't a terminal.
func newProgressBar(cmd *cobra.Command, plan resolve.Plan) (func(fetch.Progress), func()) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil, func() {}
	}
	var total int64
	for _, entry := range plan {
		total += entry.Artifact.Size
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)

	var mu sync.Mutex
	seen := make(map[string]int64, len(plan))
	onProgress := func(p fetch.Progress) {
		mu.Lock()
		defer mu.Unlock()
		_ = bar.Add64(p.Bytes - seen[p.Name])
		seen[p.Name] = p.Bytes
	}
	return onProgress, func() { _ = bar.Finish() }
}
