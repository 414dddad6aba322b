// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package resolve_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/mint/pkg/index"
	"github.com/datawire/mint/pkg/python/pep508"
	"github.com/datawire/mint/pkg/resolve"
	"github.com/datawire/mint/pkg/testutil"
)

// fakeIndex serves canned metadata: projects maps name to version to
// artifacts, deps maps "name version" to requires_dist strings.
type fakeIndex struct {
	projects map[string]map[string][]index.Artifact
	deps     map[string][]string
}

func (f *fakeIndex) Project(_ context.Context, name string) (*index.Project, error) {
	releases, ok := f.projects[name]
	if !ok {
		return nil, fmt.Errorf("index.Project %q: %w", name, index.ErrNotFound)
	}
	return &index.Project{Name: name, Releases: releases}, nil
}

func (f *fakeIndex) Release(_ context.Context, name, version string) (*index.Release, error) {
	releases, ok := f.projects[name]
	if !ok {
		return nil, fmt.Errorf("index.Release %q: %w", name, index.ErrNotFound)
	}
	artifacts, ok := releases[version]
	if !ok {
		return nil, fmt.Errorf("index.Release %q %s: %w", name, version, index.ErrNotFound)
	}
	ret := &index.Release{Name: name, Version: version, Artifacts: artifacts}
	for _, reqStr := range f.deps[name+" "+version] {
		req, err := pep508.ParseRequirement(reqStr)
		if err != nil {
			return nil, err
		}
		ret.RequiresDist = append(ret.RequiresDist, *req)
	}
	return ret, nil
}

func wheel(name, version, pythonTag string) index.Artifact {
	filename := fmt.Sprintf("%s-%s-%s-none-any.whl", name, version, pythonTag)
	return index.Artifact{
		Filename: filename,
		URL:      "https://files.example.com/" + filename,
		Digest:   "sha256:0000",
		Kind:     "bdist_wheel",
	}
}

func sdist(name, version string) index.Artifact {
	filename := fmt.Sprintf("%s-%s.tar.gz", name, version)
	return index.Artifact{
		Filename: filename,
		URL:      "https://files.example.com/" + filename,
		Digest:   "sha256:0000",
		Kind:     "sdist",
	}
}

func requirements(t *testing.T, strs ...string) []pep508.Requirement {
	t.Helper()
	var ret []pep508.Requirement
	for _, str := range strs {
		req, err := pep508.ParseRequirement(str)
		require.NoError(t, err)
		ret = append(ret, *req)
	}
	return ret
}

func planVersions(plan resolve.Plan) []string {
	var ret []string
	for _, entry := range plan {
		ret = append(ret, entry.Name+"=="+entry.Version.String())
	}
	return ret
}

func TestResolveSimple(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{
		projects: map[string]map[string][]index.Artifact{
			"a": {
				"1.0": {wheel("a", "1.0", "py3")},
				"1.1": {wheel("a", "1.1", "py3")},
			},
		},
	}

	plan, err := resolve.Resolve(ctx, idx, requirements(t, "a==1.0"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a==1.0"}, planVersions(plan))

	// unconstrained picks the newest
	plan, err = resolve.Resolve(ctx, idx, requirements(t, "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a==1.1"}, planVersions(plan))
}

func TestResolveTransitive(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{
		projects: map[string]map[string][]index.Artifact{
			"a": {"1.0": {wheel("a", "1.0", "py3")}},
			"b": {
				"1.0": {wheel("b", "1.0", "py3")},
				"1.2": {wheel("b", "1.2", "py3")},
			},
		},
		deps: map[string][]string{
			"a 1.0": {"b>=1.0"},
		},
	}

	plan, err := resolve.Resolve(ctx, idx, requirements(t, "a==1.0"))
	require.NoError(t, err)
	// newest satisfying b, and b installs before its dependent
	assert.Equal(t, []string{"b==1.2", "a==1.0"}, planVersions(plan))
}

func TestResolveConflict(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{
		projects: map[string]map[string][]index.Artifact{
			"pkg": {
				"1.0": {wheel("pkg", "1.0", "py3")},
				"2.0": {wheel("pkg", "2.0", "py3")},
			},
		},
	}

	_, err := resolve.Resolve(ctx, idx, requirements(t, "pkg>=2.0", "pkg<2.0"))
	var resErr *resolve.ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "pkg", resErr.Name)
	// both contributing requirements, verbatim
	assert.Contains(t, resErr.Requirements, "pkg>=2.0")
	assert.Contains(t, resErr.Requirements, "pkg<2.0")
}

func TestResolveBacktrackOnce(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{
		projects: map[string]map[string][]index.Artifact{
			"a": {"1.0": {wheel("a", "1.0", "py3")}},
			"c": {
				"1.4": {wheel("c", "1.4", "py3")},
				"2.0": {wheel("c", "2.0", "py3")},
			},
		},
		deps: map[string][]string{
			"a 1.0": {"c<2.0"},
		},
	}

	// c is pinned at 2.0 before a's constraint is discovered; the pin is
	// re-chosen once and resolution still succeeds
	plan, err := resolve.Resolve(ctx, idx, requirements(t, "c", "a==1.0"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c==1.4", "a==1.0"}, planVersions(plan))
}

func TestResolveBacktrackRetractsAbandonedDeps(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{
		projects: map[string]map[string][]index.Artifact{
			"a": {"1.0": {wheel("a", "1.0", "py3")}},
			"c": {
				"1.4": {wheel("c", "1.4", "py3")},
				"2.0": {wheel("c", "2.0", "py3")},
			},
			"z": {"1.0": {wheel("z", "1.0", "py3")}},
		},
		deps: map[string][]string{
			"c 2.0": {"z"},
			"a 1.0": {"c<2.0"},
		},
	}

	// c==2.0 pulls in z before a's constraint forces c down to 1.4, which
	// doesn't need z; nothing may stay in the plan on the strength of a
	// pin that is no longer chosen
	plan, err := resolve.Resolve(ctx, idx, requirements(t, "c", "a==1.0"))
	require.NoError(t, err)
	assert.Equal(t, []string{"c==1.4", "a==1.0"}, planVersions(plan))
}

func TestResolveBacktrackDropsStaleConstraints(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{
		projects: map[string]map[string][]index.Artifact{
			"a": {"1.0": {wheel("a", "1.0", "py3")}},
			"c": {
				"1.4": {wheel("c", "1.4", "py3")},
				"2.0": {wheel("c", "2.0", "py3")},
			},
			"z": {
				"0.9": {wheel("z", "0.9", "py3")},
				"1.5": {wheel("z", "1.5", "py3")},
			},
		},
		deps: map[string][]string{
			"c 2.0": {"z<1.0"},
			"c 1.4": {"z"},
			"a 1.0": {"c<2.0"},
		},
	}

	// the abandoned c==2.0 capped z below 1.0; once c is re-chosen that
	// cap must no longer constrain z
	plan, err := resolve.Resolve(ctx, idx, requirements(t, "c", "a==1.0"))
	require.NoError(t, err)
	assert.Equal(t, []string{"z==1.5", "c==1.4", "a==1.0"}, planVersions(plan))
}

func TestResolveSecondBacktrackFails(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{
		projects: map[string]map[string][]index.Artifact{
			"a": {"1.0": {wheel("a", "1.0", "py3")}},
			"b": {"1.0": {wheel("b", "1.0", "py3")}},
			"c": {
				"0.9": {wheel("c", "0.9", "py3")},
				"1.4": {wheel("c", "1.4", "py3")},
				"2.0": {wheel("c", "2.0", "py3")},
			},
		},
		deps: map[string][]string{
			"a 1.0": {"c<2.0"},
			"b 1.0": {"c<1.0"},
		},
	}

	// c gets re-chosen once (2.0 -> 1.4); the second invalidation gives up
	// instead of searching
	_, err := resolve.Resolve(ctx, idx, requirements(t, "c", "a==1.0", "b==1.0"))
	var resErr *resolve.ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "c", resErr.Name)
}

func TestResolveCycle(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{
		projects: map[string]map[string][]index.Artifact{
			"a": {"1.0": {wheel("a", "1.0", "py3")}},
			"b": {"1.0": {wheel("b", "1.0", "py3")}},
		},
		deps: map[string][]string{
			"a 1.0": {"b"},
			"b 1.0": {"a"},
		},
	}

	plan, err := resolve.Resolve(ctx, idx, requirements(t, "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a==1.0", "b==1.0"}, planVersions(plan))
}

func TestResolveNoArtifact(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{
		projects: map[string]map[string][]index.Artifact{
			"srconly": {"3.1": {sdist("srconly", "3.1")}},
		},
	}

	_, err := resolve.Resolve(ctx, idx, requirements(t, "srconly"))
	var noArt *resolve.NoArtifactError
	require.ErrorAs(t, err, &noArt)
	assert.Equal(t, "srconly", noArt.Name)
	assert.Equal(t, "3.1", noArt.Version.String())
}

func TestResolveNotFoundPassesThrough(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{projects: map[string]map[string][]index.Artifact{}}

	_, err := resolve.Resolve(ctx, idx, requirements(t, "no-such-package"))
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func TestResolveSkipsExtraDeps(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{
		projects: map[string]map[string][]index.Artifact{
			"requests": {"2.0": {wheel("requests", "2.0", "py3")}},
			"pysocks":  {"1.7": {wheel("pysocks", "1.7", "py3")}},
		},
		deps: map[string][]string{
			"requests 2.0": {"pysocks ; extra == 'socks'"},
		},
	}

	plan, err := resolve.Resolve(ctx, idx, requirements(t, "requests"))
	require.NoError(t, err)
	assert.Equal(t, []string{"requests==2.0"}, planVersions(plan))
}

func TestResolveWheelPreference(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{
		projects: map[string]map[string][]index.Artifact{
			"a": {"1.0": {
				sdist("a", "1.0"),
				wheel("a", "1.0", "py2.py3"),
				wheel("a", "1.0", "py3"),
			}},
		},
	}

	plan, err := resolve.Resolve(ctx, idx, requirements(t, "a"))
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "a-1.0-py3-none-any.whl", plan[0].Artifact.Filename)
}

func TestResolveDeterministic(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	idx := &fakeIndex{
		projects: map[string]map[string][]index.Artifact{
			"a": {"1.0": {wheel("a", "1.0", "py3")}},
			"b": {"1.0": {wheel("b", "1.0", "py3")}},
			"c": {"1.0": {wheel("c", "1.0", "py3")}},
			"d": {"1.0": {wheel("d", "1.0", "py3")}},
		},
		deps: map[string][]string{
			"a 1.0": {"c", "d"},
			"b 1.0": {"d"},
		},
	}

	first, err := resolve.Resolve(ctx, idx, requirements(t, "a", "b"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := resolve.Resolve(ctx, idx, requirements(t, "a", "b"))
		require.NoError(t, err)
		testutil.AssertEqual(t, first, again)
	}
	// independent packages come out alphabetically among ready nodes
	assert.Equal(t, []string{"c==1.0", "d==1.0", "a==1.0", "b==1.0"}, planVersions(first))
}
