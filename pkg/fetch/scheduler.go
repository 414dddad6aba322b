// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package fetch materializes an install plan's artifacts into the local
// blob store, downloading misses with bounded concurrency.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/sync/semaphore"

	"github.com/datawire/mint/pkg/blobcache"
	"github.com/datawire/mint/pkg/resolve"
)

type Status int

const (
	// Cached means the blob store already had the artifact; no network
	// request was made.
	Cached Status = iota
	Downloaded
	Failed
)

func (s Status) String() string {
	switch s {
	case Cached:
		return "cached"
	case Downloaded:
		return "downloaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// An Outcome reports how one plan entry was materialized.  Path is set
// unless Status is Failed; Err is set only when it is.
type Outcome struct {
	Name    string
	Version string
	Status  Status
	Path    string
	Err     error
}

// Progress is one snapshot of an in-flight download.  Total is -1 when the
// server doesn't say.
type Progress struct {
	Name  string
	Bytes int64
	Total int64
}

// A Downloader opens an artifact URL for streaming; *index.Client
// implements it.
type Downloader interface {
	Open(ctx context.Context, artifactURL string) (io.ReadCloser, int64, error)
}

// Scheduler fetches artifacts.  Client and Store are required; the rest is
// optional.
type Scheduler struct {
	Client Downloader
	Store  *blobcache.Store
	// Parallel bounds in-flight downloads (default GOMAXPROCS-ish:
	// runtime.NumCPU).
	Parallel int
	// Retries bounds attempts per artifact on transient failure
	// (default 3); backoff doubles from RetryDelay (default 500ms).
	Retries    int
	RetryDelay time.Duration
	// OnProgress, if set, is called with download progress, at most once
	// per progressInterval per artifact plus once at completion.  It may
	// be called from multiple goroutines at once.
	OnProgress func(Progress)
}

const progressInterval = 100 * time.Millisecond

// FetchAll materializes every entry of plan into the blob store and returns
// one Outcome per entry, in plan order.  Entries fail independently; if any
// did, the returned error is a derror.MultiError collecting their errors,
// alongside the full outcome list.
func (s *Scheduler) FetchAll(ctx context.Context, plan resolve.Plan) ([]Outcome, error) {
	parallel := s.Parallel
	if parallel <= 0 {
		parallel = runtime.NumCPU()
	}

	sem := semaphore.NewWeighted(int64(parallel))
	outcomes := make([]Outcome, len(plan))
	var wg sync.WaitGroup
	for i := range plan {
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = Outcome{
				Name:    plan[i].Name,
				Version: plan[i].Version.String(),
				Status:  Failed,
				Err:     err,
			}
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			outcomes[i] = s.fetchOne(ctx, plan[i])
		}(i)
	}
	wg.Wait()

	var errs derror.MultiError
	for _, outcome := range outcomes {
		if outcome.Status == Failed {
			errs = append(errs, fmt.Errorf("%s %s: %w", outcome.Name, outcome.Version, outcome.Err))
		}
	}
	if len(errs) > 0 {
		return outcomes, errs
	}
	return outcomes, nil
}

func (s *Scheduler) fetchOne(ctx context.Context, entry resolve.PlanEntry) Outcome {
	ret := Outcome{
		Name:    entry.Name,
		Version: entry.Version.String(),
	}

	if path, ok := s.Store.Lookup(entry.Artifact.Digest); ok {
		// cached bytes are spot-checked on read; a bad entry (bit rot,
		// a truncating crash on an old kernel) is re-downloaded, not
		// served
		if err := s.Store.Verify(entry.Artifact.Digest); err != nil {
			dlog.Warnf(ctx, "fetch: %s %s: discarding bad cache entry: %v",
				ret.Name, ret.Version, err)
			_ = s.Store.Discard(entry.Artifact.Digest)
		} else {
			dlog.Debugf(ctx, "fetch: %s %s: cache hit", ret.Name, ret.Version)
			ret.Status = Cached
			ret.Path = path
			return ret
		}
	}

	path, err := s.download(ctx, entry)
	if err != nil {
		ret.Status = Failed
		ret.Err = err
		return ret
	}
	ret.Status = Downloaded
	ret.Path = path
	return ret
}

// download streams the artifact into the store, retrying transient failures.
// Integrity failures are not retried; a mirror serving wrong bytes will
// serve them again.
func (s *Scheduler) download(ctx context.Context, entry resolve.PlanEntry) (string, error) {
	retries := s.Retries
	if retries <= 0 {
		retries = 3
	}
	retryDelay := s.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			dlog.Debugf(ctx, "fetch: %s: retrying (attempt %d/%d): %v",
				entry.Artifact.Filename, attempt+1, retries, lastErr)
			select {
			case <-time.After(retryDelay << (attempt - 1)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		path, err := s.attempt(ctx, entry)
		if err == nil {
			return path, nil
		}
		var hashErr *blobcache.HashMismatchError
		if errors.As(err, &hashErr) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (s *Scheduler) attempt(ctx context.Context, entry resolve.PlanEntry) (string, error) {
	body, total, err := s.Client.Open(ctx, entry.Artifact.URL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var reader io.Reader = body
	if s.OnProgress != nil {
		reader = &progressReader{
			inner: body,
			name:  entry.Name,
			total: total,
			emit:  s.OnProgress,
		}
	}
	return s.Store.Insert(entry.Artifact.Digest, entry.Artifact.Size, reader)
}

// progressReader emits throttled progress as bytes flow through it.
type progressReader struct {
	inner io.Reader
	name  string
	total int64
	emit  func(Progress)

	bytes    int64
	lastEmit time.Time
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	r.bytes += int64(n)
	now := time.Now()
	if err == io.EOF || now.Sub(r.lastEmit) >= progressInterval {
		r.lastEmit = now
		r.emit(Progress{Name: r.name, Bytes: r.bytes, Total: r.total})
	}
	return n, err
}
