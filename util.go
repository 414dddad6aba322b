package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/datawire/mint/pkg/config"
	"github.com/datawire/mint/pkg/index"
	"github.com/datawire/mint/pkg/python/pep508"
	"github.com/datawire/mint/pkg/resolve"
)

// Exit codes.  Usage errors exit 2 straight from cliutil.FlagErrorFunc;
// everything else funnels through exitCode.
const (
	exitGeneric  = 1
	exitResolve  = 3
	exitDownload = 4
	exitInstall  = 5
)

// exitError tags an error with the exit code of the phase that produced it.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var tagged *exitError
	if errors.As(err, &tagged) {
		return tagged.code
	}
	var resErr *resolve.ResolutionError
	var noArt *resolve.NoArtifactError
	if errors.As(err, &resErr) || errors.As(err, &noArt) {
		return exitResolve
	}
	return exitGeneric
}

// loadConfig reads the config file named by --config, or the default one.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	if path == "" {
		path, err = config.DefaultPath()
		if err != nil {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// newIndexClient builds the index client for cfg.  A broken metadata cache
// degrades to uncached operation rather than failing the command; the
// returned closer releases the cache.
func newIndexClient(cmd *cobra.Command, cfg config.Config) (*index.Client, func()) {
	ctx := cmd.Context()
	client := &index.Client{
		BaseURL:    cfg.IndexURL,
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.Timeout)},
		Retries:    cfg.Retries,
	}
	cache, err := index.OpenMetadataCache(cfg.MetadataDB(), time.Duration(cfg.MetadataTTL))
	if err != nil {
		dlog.Warnf(ctx, "metadata cache unavailable, continuing without: %v", err)
		return client, func() {}
	}
	client.Cache = cache
	return client, func() { _ = cache.Close() }
}

// readRequirementsFile parses a requirements file: one requirement per
// line, "#" comments and blank lines ignored, "-r FILE" includes (relative
// to the including file).  Other option lines ("--hash", ...) are rejected
// rather than silently skipped.
func readRequirementsFile(path string) ([]pep508.Requirement, error) {
	return readRequirementsFileRec(path, make(map[string]bool))
}

func readRequirementsFileRec(path string, seen map[string]bool) ([]pep508.Requirement, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[abs] {
		return nil, fmt.Errorf("%s: circular -r include", path)
	}
	seen[abs] = true

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var ret []pep508.Requirement
	scanner := bufio.NewScanner(file)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if included := strings.TrimPrefix(line, "-r "); included != line {
			included = strings.TrimSpace(included)
			if !filepath.IsAbs(included) {
				included = filepath.Join(filepath.Dir(path), included)
			}
			sub, err := readRequirementsFileRec(included, seen)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, lineno, err)
			}
			ret = append(ret, sub...)
			continue
		}
		if line[0] == '-' {
			return nil, fmt.Errorf("%s:%d: option lines are not supported: %q", path, lineno, line)
		}
		req, err := pep508.ParseRequirement(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineno, err)
		}
		ret = append(ret, *req)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}
