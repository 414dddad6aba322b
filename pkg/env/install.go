// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dlog"
)

// recordHashes are the digest algorithms a wheel RECORD may use; the wheel
// spec forbids md5 and sha1.
var recordHashes = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

type recordEntry struct {
	algo   string
	digest string // base64url, unpadded
	size   int64
}

// parseRecord parses a RECORD file: CSV rows of
// "path,algo=urlsafe_b64(digest),size".  The RECORD's own row has empty
// hash and size.
func parseRecord(r io.Reader) (map[string]recordEntry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3
	ret := make(map[string]recordEntry)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("RECORD: %w", err)
		}
		entry := recordEntry{size: -1}
		if row[1] != "" {
			parts := strings.SplitN(row[1], "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("RECORD: malformed hash %q", row[1])
			}
			entry.algo = parts[0]
			entry.digest = parts[1]
		}
		if row[2] != "" {
			size, err := strconv.ParseInt(row[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("RECORD: malformed size %q", row[2])
			}
			entry.size = size
		}
		ret[row[0]] = entry
	}
	return ret, nil
}

// verifyMember checks one zip member's bytes against its RECORD row.
func verifyMember(file *zip.File, entry recordEntry) error {
	if entry.algo == "" {
		return fmt.Errorf("%s: RECORD has no hash for it", file.Name)
	}
	newHash, ok := recordHashes[entry.algo]
	if !ok {
		return fmt.Errorf("%s: RECORD uses forbidden or unknown hash %q", file.Name, entry.algo)
	}
	body, err := file.Open()
	if err != nil {
		return err
	}
	defer body.Close()
	hasher := newHash()
	size, err := io.Copy(hasher, body)
	if err != nil {
		return err
	}
	if entry.size >= 0 && size != entry.size {
		return fmt.Errorf("%s: size %d does not match RECORD's %d", file.Name, size, entry.size)
	}
	actual := base64.RawURLEncoding.EncodeToString(hasher.Sum(nil))
	if actual != entry.digest {
		return fmt.Errorf("%s: digest %s=%s does not match RECORD's %s", file.Name,
			entry.algo, actual, entry.digest)
	}
	return nil
}

// targetPath maps a wheel member name to its path relative to
// site-packages, or ("", false) for members that a directory environment
// doesn't install (scripts, headers, misc data).
func targetPath(member, dataDir string) (string, bool) {
	if strings.HasPrefix(member, dataDir+"/") {
		rest := member[len(dataDir)+1:]
		// purelib/ and platlib/ land in site-packages; everything else
		// in .data has nowhere meaningful to go in a directory env
		for _, lib := range []string{"purelib/", "platlib/"} {
			if strings.HasPrefix(rest, lib) {
				return rest[len(lib):], true
			}
		}
		return "", false
	}
	return member, true
}

// sanitizeMember rejects member names that would escape the install root.
func sanitizeMember(member string) error {
	if member == "" || strings.HasPrefix(member, "/") || strings.Contains(member, "\\") {
		return fmt.Errorf("wheel member %q: unsafe path", member)
	}
	clean := path.Clean(member)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("wheel member %q: escapes the environment", member)
	}
	return nil
}

// Install unpacks the wheel at wheelPath into the environment as package
// name at version, first verifying every member against the wheel's RECORD.
// If an older version of name is already installed, its files are removed
// first, so an upgrade leaves no stale files behind.
func (e *Environment) Install(ctx context.Context, name, version, wheelPath string) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	m, err := e.readManifest()
	if err != nil {
		return err
	}

	archive, err := zip.OpenReader(wheelPath)
	if err != nil {
		return fmt.Errorf("env.Install %s: %w", name, err)
	}
	defer archive.Close()

	record, distInfo, err := findRecord(&archive.Reader)
	if err != nil {
		return fmt.Errorf("env.Install %s: %w", name, err)
	}
	dataDir := strings.TrimSuffix(distInfo, ".dist-info") + ".data"

	// verify before touching the environment
	for _, file := range archive.File {
		if file.FileInfo().IsDir() || !verifiable(file.Name, distInfo) {
			continue
		}
		entry, ok := record[file.Name]
		if !ok {
			return fmt.Errorf("env.Install %s: %s: not listed in RECORD", name, file.Name)
		}
		if err := verifyMember(file, entry); err != nil {
			return fmt.Errorf("env.Install %s: %w", name, err)
		}
	}

	if old, ok := m.Packages[name]; ok {
		dlog.Infof(ctx, "env: replacing %s %s with %s", name, old.Version, version)
		if err := e.removeFiles(old.Files); err != nil {
			return fmt.Errorf("env.Install %s: remove old version: %w", name, err)
		}
	}

	var installed []string
	for _, file := range archive.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if err := sanitizeMember(file.Name); err != nil {
			return fmt.Errorf("env.Install %s: %w", name, err)
		}
		rel, ok := targetPath(file.Name, dataDir)
		if !ok {
			dlog.Debugf(ctx, "env: skipping non-library member %s", file.Name)
			continue
		}
		if err := e.extract(file, rel); err != nil {
			return fmt.Errorf("env.Install %s: %w", name, err)
		}
		installed = append(installed, rel)
	}
	sort.Strings(installed)

	m.Packages[name] = manifestEntry{Version: version, Files: installed}
	return e.writeManifest(m)
}

// verifiable reports whether a member is subject to RECORD verification;
// the RECORD itself and its signature files are not.
func verifiable(member, distInfo string) bool {
	switch member {
	case distInfo + "/RECORD", distInfo + "/RECORD.jws", distInfo + "/RECORD.p7s":
		return false
	}
	return true
}

// findRecord locates and parses the wheel's .dist-info/RECORD.
func findRecord(archive *zip.Reader) (map[string]recordEntry, string, error) {
	for _, file := range archive.File {
		dir, base := path.Split(file.Name)
		if base != "RECORD" {
			continue
		}
		dir = strings.TrimSuffix(dir, "/")
		if !strings.HasSuffix(dir, ".dist-info") || strings.Contains(dir, "/") {
			continue
		}
		body, err := file.Open()
		if err != nil {
			return nil, "", err
		}
		record, err := parseRecord(body)
		_ = body.Close()
		if err != nil {
			return nil, "", err
		}
		return record, dir, nil
	}
	return nil, "", fmt.Errorf("wheel has no .dist-info/RECORD")
}

func (e *Environment) extract(file *zip.File, rel string) error {
	dest := filepath.Join(e.SitePackages(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o777); err != nil {
		return err
	}
	mode := file.Mode() & 0o777
	if mode == 0 {
		mode = 0o666
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	body, err := file.Open()
	if err != nil {
		_ = out.Close()
		return err
	}
	_, err = io.Copy(out, body)
	_ = body.Close()
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Uninstall removes package name: every file its install wrote, then its
// manifest entry.  Directories left empty are pruned.
func (e *Environment) Uninstall(ctx context.Context, name string) error {
	if err := e.acquire(); err != nil {
		return err
	}
	defer e.release()

	m, err := e.readManifest()
	if err != nil {
		return err
	}
	entry, ok := m.Packages[name]
	if !ok {
		return fmt.Errorf("env.Uninstall %q: %w", name, ErrNotInstalled)
	}
	dlog.Infof(ctx, "env: removing %s %s (%d files)", name, entry.Version, len(entry.Files))
	if err := e.removeFiles(entry.Files); err != nil {
		return fmt.Errorf("env.Uninstall %q: %w", name, err)
	}
	delete(m.Packages, name)
	return e.writeManifest(m)
}

func (e *Environment) removeFiles(files []string) error {
	site := e.SitePackages()
	for _, rel := range files {
		abs := filepath.Join(site, filepath.FromSlash(rel))
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return err
		}
		// prune emptied directories, stopping at site-packages
		for dir := filepath.Dir(abs); dir != site; dir = filepath.Dir(dir) {
			if err := os.Remove(dir); err != nil {
				break // non-empty or already gone
			}
		}
	}
	return nil
}
