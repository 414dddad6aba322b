// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package blobcache is a content-addressed on-disk store for downloaded
// artifacts.
//
// Entries are addressed by "<algorithm>:<hexdigest>" and live at
// <root>/<algorithm>/<hex[:2]>/<hex>; writes stream through the hash into a
// temp area on the same filesystem and are only atomically renamed into
// place once the digest has been verified, so the store never contains a
// corrupt entry, even under a crash mid-write.
package blobcache

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
)

// hashAlgorithms is specified to match Python `hashlib.algorithms_guaranteed`
// (sans the blake2/sha3/shake family), the same set a package index may use
// for artifact digests.
var hashAlgorithms = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha224": sha256.New224,
	"sha256": sha256.New,
	"sha384": sha512.New384,
	"sha512": sha512.New,
}

type HashMismatchError struct {
	Digest string // declared
	Actual string // computed
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch: declared %s, got %s", e.Digest, e.Actual)
}

type SizeMismatchError struct {
	Digest   string
	Declared int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch for %s: declared %d bytes, got %d", e.Digest, e.Declared, e.Actual)
}

// Store is safe for concurrent use; the check-then-insert race per digest is
// serialized by a per-digest lock table, never a store-wide lock.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	pins  map[string]int
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o777); err != nil {
		return nil, fmt.Errorf("blobcache: %w", err)
	}
	return &Store{
		root:  root,
		locks: make(map[string]*sync.Mutex),
		pins:  make(map[string]int),
	}, nil
}

func (s *Store) Root() string { return s.root }

func parseDigest(digest string) (algo, hexdigest string, newHash func() hash.Hash, err error) {
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) != 2 {
		return "", "", nil, fmt.Errorf("blobcache: malformed digest %q", digest)
	}
	algo, hexdigest = parts[0], strings.ToLower(parts[1])
	newHash, ok := hashAlgorithms[algo]
	if !ok {
		return "", "", nil, fmt.Errorf("blobcache: unsupported digest algorithm %q", algo)
	}
	if _, err := hex.DecodeString(hexdigest); err != nil || len(hexdigest) < 4 {
		return "", "", nil, fmt.Errorf("blobcache: malformed digest %q", digest)
	}
	return algo, hexdigest, newHash, nil
}

// entryPath derives the on-disk location deterministically from the digest;
// the first two hex characters shard the directory.
func (s *Store) entryPath(algo, hexdigest string) string {
	return filepath.Join(s.root, algo, hexdigest[:2], hexdigest)
}

func (s *Store) lockFor(digest string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[digest]
	if !ok {
		l = new(sync.Mutex)
		s.locks[digest] = l
	}
	return l
}

// Lookup returns the local path of the entry with the given digest, or
// ("", false).  A hit bumps the entry's last-used time for LRU accounting.
func (s *Store) Lookup(digest string) (string, bool) {
	algo, hexdigest, _, err := parseDigest(digest)
	if err != nil {
		return "", false
	}
	path := s.entryPath(algo, hexdigest)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	now := time.Now()
	_ = os.Chtimes(path, now, now)
	return path, true
}

// Insert streams r into the store as the entry for digest, verifying the
// digest (and declaredSize, if positive) along the way.  Inserting an
// already-present digest returns without reading r; two callers racing on
// the same digest are safe and one of them harmlessly loses.
func (s *Store) Insert(digest string, declaredSize int64, r io.Reader) (string, error) {
	algo, hexdigest, newHash, err := parseDigest(digest)
	if err != nil {
		return "", err
	}

	lock := s.lockFor(digest)
	lock.Lock()
	defer lock.Unlock()

	final := s.entryPath(algo, hexdigest)
	if _, err := os.Stat(final); err == nil {
		return final, nil
	}

	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), hexdigest[:8]+"-*")
	if err != nil {
		return "", fmt.Errorf("blobcache: %w", err)
	}
	tmpName := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	hasher := newHash()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		discard()
		return "", fmt.Errorf("blobcache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("blobcache: %w", err)
	}
	if declaredSize > 0 && size != declaredSize {
		_ = os.Remove(tmpName)
		return "", &SizeMismatchError{Digest: digest, Declared: declaredSize, Actual: size}
	}
	if actual := hex.EncodeToString(hasher.Sum(nil)); actual != hexdigest {
		_ = os.Remove(tmpName)
		return "", &HashMismatchError{Digest: digest, Actual: algo + ":" + actual}
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o777); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("blobcache: %w", err)
	}
	// atomic: concurrent same-digest inserts rename identical bytes
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("blobcache: %w", err)
	}
	return final, nil
}

// Verify spot-checks that an entry's bytes still match its digest.
func (s *Store) Verify(digest string) error {
	algo, hexdigest, newHash, err := parseDigest(digest)
	if err != nil {
		return err
	}
	file, err := os.Open(s.entryPath(algo, hexdigest))
	if err != nil {
		return fmt.Errorf("blobcache: %w", err)
	}
	defer file.Close()
	hasher := newHash()
	if _, err := io.Copy(hasher, file); err != nil {
		return fmt.Errorf("blobcache: %w", err)
	}
	if actual := hex.EncodeToString(hasher.Sum(nil)); actual != hexdigest {
		return &HashMismatchError{Digest: digest, Actual: algo + ":" + actual}
	}
	return nil
}

// Discard removes the entry for digest, if present, so a fresh Insert can
// replace it.  This is how a caller disposes of an entry Verify rejected.
func (s *Store) Discard(digest string) error {
	algo, hexdigest, _, err := parseDigest(digest)
	if err != nil {
		return err
	}
	lock := s.lockFor(digest)
	lock.Lock()
	defer lock.Unlock()
	if err := os.Remove(s.entryPath(algo, hexdigest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobcache: %w", err)
	}
	return nil
}

// Pin marks an entry as referenced by an in-flight install, protecting it
// from eviction until the matching Unpin.
func (s *Store) Pin(digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[digest]++
}

func (s *Store) Unpin(digest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins[digest] <= 1 {
		delete(s.pins, digest)
	} else {
		s.pins[digest]--
	}
}

func (s *Store) pinned(digest string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[digest] > 0
}

type entryInfo struct {
	digest   string
	path     string
	size     int64
	lastUsed time.Time
}

func (s *Store) entries() ([]entryInfo, error) {
	var ret []entryInfo
	for algo := range hashAlgorithms {
		algoDir := filepath.Join(s.root, algo)
		shards, err := os.ReadDir(algoDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, shard := range shards {
			files, err := os.ReadDir(filepath.Join(algoDir, shard.Name()))
			if err != nil {
				return nil, err
			}
			for _, file := range files {
				info, err := file.Info()
				if err != nil {
					continue // raced with an evict
				}
				ret = append(ret, entryInfo{
					digest:   algo + ":" + file.Name(),
					path:     filepath.Join(algoDir, shard.Name(), file.Name()),
					size:     info.Size(),
					lastUsed: info.ModTime(),
				})
			}
		}
	}
	return ret, nil
}

// Size returns the total bytes currently stored.
func (s *Store) Size() (int64, error) {
	entries, err := s.entries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	return total, nil
}

// Len returns the number of stored entries.
func (s *Store) Len() (int, error) {
	entries, err := s.entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// EvictLRU removes least-recently-used entries until the store's total size
// is no more than budget bytes.  Pinned entries are never evicted.  It
// returns the number of bytes freed.
func (s *Store) EvictLRU(ctx context.Context, budget int64) (int64, error) {
	entries, err := s.entries()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastUsed.Before(entries[j].lastUsed)
	})

	var freed int64
	for _, e := range entries {
		if total-freed <= budget {
			break
		}
		if s.pinned(e.digest) {
			continue
		}
		lock := s.lockFor(e.digest)
		lock.Lock()
		err := os.Remove(e.path)
		lock.Unlock()
		if err != nil {
			dlog.Warnf(ctx, "blobcache: evict %s: %v", e.digest, err)
			continue
		}
		dlog.Debugf(ctx, "blobcache: evicted %s (%d bytes)", e.digest, e.size)
		freed += e.size
	}
	return freed, nil
}
