// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads the installer's user configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/datawire/mint/pkg/index"
)

// Duration is a time.Duration that (un)marshals as a string ("30s", "24h").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	// IndexURL is the base of the package index's JSON API.
	IndexURL string `json:"indexURL,omitempty"`
	// CacheDir holds the blob store and the metadata cache.
	CacheDir string `json:"cacheDir,omitempty"`
	// CacheSizeBudget caps the blob store, in bytes; 0 means unlimited.
	CacheSizeBudget int64 `json:"cacheSizeBudget,omitempty"`
	// MetadataTTL bounds how stale cached index metadata may get.
	MetadataTTL Duration `json:"metadataTTL,omitempty"`
	// ParallelDownloads bounds in-flight artifact downloads.
	ParallelDownloads int `json:"parallelDownloads,omitempty"`
	// Retries bounds attempts per network request.
	Retries int `json:"retries,omitempty"`
	// Timeout is the per-request HTTP timeout.
	Timeout Duration `json:"timeout,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = os.TempDir()
	}
	return Config{
		IndexURL:          index.PyPIBaseURL,
		CacheDir:          filepath.Join(cacheDir, "mint"),
		MetadataTTL:       Duration(24 * time.Hour),
		ParallelDownloads: runtime.NumCPU(),
		Retries:           3,
		Timeout:           Duration(30 * time.Second),
	}
}

// DefaultPath returns where Load looks when no path is given:
// <user-config-dir>/mint/config.yaml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mint", "config.yaml"), nil
}

// Load reads the configuration file at path, layered over Default.  A
// missing file is not an error; a file with unknown keys is, so typos fail
// loudly instead of silently meaning nothing.
func Load(path string) (Config, error) {
	ret := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ret, nil
		}
		return ret, fmt.Errorf("config: %w", err)
	}
	if err := yaml.UnmarshalStrict(raw, &ret); err != nil {
		return ret, fmt.Errorf("config %q: %w", path, err)
	}
	return ret, nil
}

// BlobDir is where the content-addressed artifact store lives.
func (c Config) BlobDir() string {
	return filepath.Join(c.CacheDir, "blobs")
}

// MetadataDB is where the index metadata cache lives.
func (c Config) MetadataDB() string {
	return filepath.Join(c.CacheDir, "metadata.db")
}
