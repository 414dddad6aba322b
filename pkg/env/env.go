// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package env manages target environments: self-contained directory trees
// that packages are installed into.
//
// An environment is identified by its manifest file; the manifest is the
// source of truth for what is installed, and every mutation holds an
// advisory lock so concurrent installers serialize instead of corrupting
// each other.
package env

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nightlyone/lockfile"
	"sigs.k8s.io/yaml"
)

const (
	manifestName = "mint-manifest.yaml"
	lockName     = ".mint.lock"
	sitePackages = "lib/site-packages"
)

var (
	ErrNotEnvironment = errors.New("not an environment (no manifest)")
	ErrExists         = errors.New("environment already exists")
	ErrNotInstalled   = errors.New("package is not installed")
)

// manifest is the on-disk record of an environment's contents.
type manifest struct {
	CreatedAt time.Time                `json:"createdAt"`
	Packages  map[string]manifestEntry `json:"packages"`
}

// manifestEntry records one installed package: its version and every file
// the install wrote, relative to the site-packages directory.
type manifestEntry struct {
	Version string   `json:"version"`
	Files   []string `json:"files"`
}

// An Environment is an open handle on an environment directory.
type Environment struct {
	root string
	lock lockfile.Lockfile
}

// Create initializes a new environment at root.  The directory may already
// exist but must not already be an environment.
func Create(root string) (*Environment, error) {
	if _, err := os.Stat(filepath.Join(root, manifestName)); err == nil {
		return nil, fmt.Errorf("env.Create %q: %w", root, ErrExists)
	}
	if err := os.MkdirAll(filepath.Join(root, sitePackages), 0o777); err != nil {
		return nil, fmt.Errorf("env.Create %q: %w", root, err)
	}
	e, err := open(root)
	if err != nil {
		return nil, err
	}
	if err := e.writeManifest(&manifest{
		CreatedAt: time.Now().UTC(),
		Packages:  map[string]manifestEntry{},
	}); err != nil {
		return nil, err
	}
	return e, nil
}

// Open opens an existing environment at root.
func Open(root string) (*Environment, error) {
	if _, err := os.Stat(filepath.Join(root, manifestName)); err != nil {
		return nil, fmt.Errorf("env.Open %q: %w", root, ErrNotEnvironment)
	}
	return open(root)
}

func open(root string) (*Environment, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	// lockfile requires an absolute path
	lock, err := lockfile.New(filepath.Join(absRoot, lockName))
	if err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}
	return &Environment{root: absRoot, lock: lock}, nil
}

// Delete removes the environment at root.  It refuses to remove a directory
// that is not an environment, so a mistyped path doesn't cost a home
// directory.
func Delete(root string) error {
	if _, err := os.Stat(filepath.Join(root, manifestName)); err != nil {
		return fmt.Errorf("env.Delete %q: %w", root, ErrNotEnvironment)
	}
	return os.RemoveAll(root)
}

func (e *Environment) Root() string { return e.root }

// SitePackages returns the directory that package files install into.
func (e *Environment) SitePackages() string {
	return filepath.Join(e.root, sitePackages)
}

// acquire takes the environment's advisory lock, waiting briefly for a
// concurrent holder.
func (e *Environment) acquire() error {
	deadline := time.Now().Add(10 * time.Second)
	for {
		err := e.lock.TryLock()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("env: lock %q: %w", e.root, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (e *Environment) release() {
	_ = e.lock.Unlock()
}

func (e *Environment) readManifest() (*manifest, error) {
	raw, err := os.ReadFile(filepath.Join(e.root, manifestName))
	if err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}
	var ret manifest
	if err := yaml.UnmarshalStrict(raw, &ret); err != nil {
		return nil, fmt.Errorf("env: parse manifest: %w", err)
	}
	if ret.Packages == nil {
		ret.Packages = map[string]manifestEntry{}
	}
	return &ret, nil
}

// writeManifest persists atomically: write-to-temp then rename, so a crash
// never leaves a half-written manifest.
func (e *Environment) writeManifest(m *manifest) error {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(e.root, manifestName+".tmp-*")
	if err != nil {
		return fmt.Errorf("env: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("env: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("env: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(e.root, manifestName)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("env: %w", err)
	}
	return nil
}

// Installed returns the installed packages as canonical-name to version.
func (e *Environment) Installed() (map[string]string, error) {
	m, err := e.readManifest()
	if err != nil {
		return nil, err
	}
	ret := make(map[string]string, len(m.Packages))
	for name, entry := range m.Packages {
		ret[name] = entry.Version
	}
	return ret, nil
}

// Freeze renders the installed set as sorted "name==version" lines, the
// shape a requirements file takes.
func (e *Environment) Freeze() ([]string, error) {
	installed, err := e.Installed()
	if err != nil {
		return nil, err
	}
	ret := make([]string, 0, len(installed))
	for name, version := range installed {
		ret = append(ret, name+"=="+version)
	}
	sort.Strings(ret)
	return ret, nil
}
