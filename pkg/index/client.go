// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package index is a client for a Python package index's JSON metadata API
// (the shape that PyPI serves at /pypi/<name>/json and
// /pypi/<name>/<version>/json).
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/mint/pkg/python/pep508"
)

const PyPIBaseURL = "https://pypi.org/pypi/"

// An Artifact is one downloadable distribution file of a release.
type Artifact struct {
	Filename string
	URL      string
	// Digest is "<algorithm>:<hexdigest>"; integrity is always checked
	// against this value from the metadata, never against anything the
	// artifact response says about itself.
	Digest string
	Size   int64
	// Kind is the index's packagetype: "bdist_wheel" or "sdist".
	Kind           string
	RequiresPython string
}

// IsWheel reports whether the artifact is a built wheel.
func (a Artifact) IsWheel() bool {
	return a.Kind == "bdist_wheel" || strings.HasSuffix(a.Filename, ".whl")
}

// Tags returns the compressed compatibility tag sets from a wheel filename
// ("py2.py3", "none", "any" for requests-2.0-py2.py3-none-any.whl); empty
// for non-wheels.
func (a Artifact) Tags() (python, abi, platform string) {
	base := strings.TrimSuffix(a.Filename, ".whl")
	if base == a.Filename {
		return "", "", ""
	}
	parts := strings.Split(base, "-")
	if len(parts) < 5 {
		return "", "", ""
	}
	return parts[len(parts)-3], parts[len(parts)-2], parts[len(parts)-1]
}

// A Project is the index's view of every release of one distribution.
type Project struct {
	Name string
	// Releases maps a version string (as published; not yet normalized)
	// to that release's artifacts.
	Releases map[string][]Artifact
}

// A Release is the index's view of one (name, version), including its
// declared dependencies.
type Release struct {
	Name           string
	Version        string
	Artifacts      []Artifact
	RequiresDist   []pep508.Requirement
	RequiresPython string
}

// ErrNotFound means the index affirmatively does not have the package (or
// the release); this is terminal for that name, unlike a NetworkError.
var ErrNotFound = errors.New("not found in package index")

// A NetworkError means the index could not be consulted; the candidate set
// is unknown, not empty.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("package index unreachable: GET %q: %v", e.URL, e.Err)
}
func (e *NetworkError) Unwrap() error { return e.Err }

type HTTPError struct {
	Status     string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %s", e.Status)
}

// Client fetches package metadata.  The zero value is usable and talks to
// PyPI; all fields are optional.
//
// Results are memoized per-process, and additionally in Cache (if set)
// across processes until its TTL expires.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	// Retries is the bounded attempt count for transient failures
	// (default 3); backoff doubles from RetryDelay (default 500ms).
	Retries    int
	RetryDelay time.Duration
	Cache      *MetadataCache

	memoMu sync.Mutex
	memo   map[string][]byte
}

func (c *Client) fillDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = PyPIBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.UserAgent == "" {
		c.UserAgent = "github.com/datawire/mint/pkg/index"
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
}

// get performs one HTTP GET with retry/backoff, classifying failures per
// the error taxonomy: 404 => ErrNotFound, transport errors and 5xx =>
// *NetworkError after the attempt budget is spent.
func (c *Client) get(ctx context.Context, requestURL string) ([]byte, error) {
	c.fillDefaults()
	var lastErr error
	for attempt := 0; attempt < c.Retries; attempt++ {
		if attempt > 0 {
			delay := c.RetryDelay << (attempt - 1)
			dlog.Debugf(ctx, "retrying GET %q in %v (attempt %d/%d)",
				requestURL, delay, attempt+1, c.Retries)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.UserAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("GET %q: %w", requestURL, ErrNotFound)
		case resp.StatusCode >= 500:
			lastErr = &HTTPError{Status: resp.Status, StatusCode: resp.StatusCode}
			continue
		default:
			return nil, &NetworkError{URL: requestURL,
				Err: &HTTPError{Status: resp.Status, StatusCode: resp.StatusCode}}
		}
	}
	return nil, &NetworkError{URL: requestURL, Err: lastErr}
}

// getCached layers the per-process memo and the persistent TTL cache over
// get.  Only successful payloads are cached.
func (c *Client) getCached(ctx context.Context, cacheKey, requestURL string) ([]byte, error) {
	c.memoMu.Lock()
	if body, ok := c.memo[cacheKey]; ok {
		c.memoMu.Unlock()
		return body, nil
	}
	c.memoMu.Unlock()

	if c.Cache != nil {
		if body, ok := c.Cache.Get(cacheKey); ok {
			dlog.Debugf(ctx, "metadata cache hit: %s", cacheKey)
			c.remember(cacheKey, body)
			return body, nil
		}
	}

	body, err := c.get(ctx, requestURL)
	if err != nil {
		return nil, err
	}
	if c.Cache != nil {
		if err := c.Cache.Put(cacheKey, body); err != nil {
			dlog.Warnf(ctx, "metadata cache write failed for %s: %v", cacheKey, err)
		}
	}
	c.remember(cacheKey, body)
	return body, nil
}

func (c *Client) remember(cacheKey string, body []byte) {
	c.memoMu.Lock()
	defer c.memoMu.Unlock()
	if c.memo == nil {
		c.memo = make(map[string][]byte)
	}
	c.memo[cacheKey] = body
}

func (c *Client) endpoint(parts ...string) (string, error) {
	c.fillDefaults()
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(append([]string{u.Path}, append(parts, "json")...)...)
	return u.String(), nil
}

// jsonArtifact is the wire shape of one file entry.
type jsonArtifact struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Size           int64             `json:"size"`
	PackageType    string            `json:"packagetype"`
	RequiresPython string            `json:"requires_python"`
	Digests        map[string]string `json:"digests"`
}

func (ja jsonArtifact) artifact() Artifact {
	ret := Artifact{
		Filename:       ja.Filename,
		URL:            ja.URL,
		Size:           ja.Size,
		Kind:           ja.PackageType,
		RequiresPython: ja.RequiresPython,
	}
	// prefer sha256; fall back to whatever the index offers
	if hex, ok := ja.Digests["sha256"]; ok {
		ret.Digest = "sha256:" + hex
	} else {
		for algo, hex := range ja.Digests {
			ret.Digest = algo + ":" + hex
			break
		}
	}
	return ret
}

// Project fetches the metadata for every release of name.
func (c *Client) Project(ctx context.Context, name string) (*Project, error) {
	name = pep508.CanonicalName(name)
	requestURL, err := c.endpoint(name)
	if err != nil {
		return nil, err
	}
	body, err := c.getCached(ctx, "project/"+name, requestURL)
	if err != nil {
		return nil, fmt.Errorf("index.Project %q: %w", name, err)
	}

	var wire struct {
		Releases map[string][]jsonArtifact `json:"releases"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("index.Project %q: parse metadata: %w", name, err)
	}
	ret := &Project{
		Name:     name,
		Releases: make(map[string][]Artifact, len(wire.Releases)),
	}
	for version, files := range wire.Releases {
		artifacts := make([]Artifact, 0, len(files))
		for _, file := range files {
			artifacts = append(artifacts, file.artifact())
		}
		ret.Releases[version] = artifacts
	}
	return ret, nil
}

// Release fetches the metadata for one (name, version), including its
// declared dependencies.
func (c *Client) Release(ctx context.Context, name, version string) (*Release, error) {
	name = pep508.CanonicalName(name)
	requestURL, err := c.endpoint(name, version)
	if err != nil {
		return nil, err
	}
	body, err := c.getCached(ctx, "release/"+name+"/"+version, requestURL)
	if err != nil {
		return nil, fmt.Errorf("index.Release %q %s: %w", name, version, err)
	}

	var wire struct {
		Info struct {
			RequiresDist   []string `json:"requires_dist"`
			RequiresPython string   `json:"requires_python"`
		} `json:"info"`
		URLs []jsonArtifact `json:"urls"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("index.Release %q %s: parse metadata: %w", name, version, err)
	}
	ret := &Release{
		Name:           name,
		Version:        version,
		Artifacts:      make([]Artifact, 0, len(wire.URLs)),
		RequiresPython: wire.Info.RequiresPython,
	}
	for _, file := range wire.URLs {
		ret.Artifacts = append(ret.Artifacts, file.artifact())
	}
	for _, reqStr := range wire.Info.RequiresDist {
		req, err := pep508.ParseRequirement(reqStr)
		if err != nil {
			// PyPI carries some metadata this parser doesn't speak
			// (URL requirements, mostly); skip rather than fail the
			// whole release.
			dlog.Warnf(ctx, "%s %s: skipping unparsable dependency %q: %v",
				name, version, reqStr, err)
			continue
		}
		ret.RequiresDist = append(ret.RequiresDist, *req)
	}
	return ret, nil
}

// Open begins a streaming download of an artifact's bytes.  The caller owns
// the returned ReadCloser.  Retry here is single-shot; the download
// scheduler owns retry policy for artifact fetches.
func (c *Client) Open(ctx context.Context, artifactURL string) (io.ReadCloser, int64, error) {
	c.fillDefaults()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{URL: artifactURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, 0, fmt.Errorf("GET %q: %w", artifactURL, ErrNotFound)
		}
		return nil, 0, &NetworkError{URL: artifactURL,
			Err: &HTTPError{Status: resp.Status, StatusCode: resp.StatusCode}}
	}
	return resp.Body, resp.ContentLength, nil
}
