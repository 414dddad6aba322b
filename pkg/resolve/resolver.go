// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package resolve turns a set of top-level requirements into a concrete,
// deterministically ordered install plan.
//
// The algorithm is a worklist walk over the dependency graph: every
// requirement seen for a name is merged into one combined specifier, the
// newest published version satisfying the combined specifier is pinned, and
// that release's own requirements join the worklist.  A pin that a
// later-merged requirement invalidates is re-chosen at most once per name,
// and re-choosing retracts everything only the abandoned release asked for;
// needing a second re-choice is reported as unresolvable rather than
// searched for, so resolution always terminates quickly and the failure
// message names the requirements that fought.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/mint/pkg/index"
	"github.com/datawire/mint/pkg/python/pep440"
	"github.com/datawire/mint/pkg/python/pep508"
)

// Index is the metadata the resolver needs from a package index.
// *index.Client implements it.
type Index interface {
	Project(ctx context.Context, name string) (*index.Project, error)
	Release(ctx context.Context, name, version string) (*index.Release, error)
}

// A PlanEntry is one pinned package: what to install, and which artifact's
// bytes to install it from.
type PlanEntry struct {
	Name     string
	Version  pep440.Version
	Artifact index.Artifact
}

// A Plan lists every package to install, dependencies before dependents.
// Resolution is deterministic: the same inputs against the same index
// metadata always produce the same plan in the same order.
type Plan []PlanEntry

// A ResolutionError reports that no version of Name can satisfy every
// requirement that constrains it; Requirements carries each contributing
// requirement verbatim, so the user can see which constraints fought.
type ResolutionError struct {
	Name         string
	Requirements []string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %q: conflicting requirements: %s",
		e.Name, strings.Join(e.Requirements, "; "))
}

// A NoArtifactError reports that the winning version publishes no artifact
// this installer can use (no compatible wheel).
type NoArtifactError struct {
	Name    string
	Version pep440.Version
}

func (e *NoArtifactError) Error() string {
	return fmt.Sprintf("%s %s: no compatible wheel published", e.Name, e.Version)
}

// A contribution is one requirement applied to a name, tagged with where it
// came from: the empty source for top-level requirements, otherwise the
// "name==version" release whose requires_dist carried it.  Provenance is
// what lets a re-chosen pin take its abandoned release's requirements back
// out of the graph.
type contribution struct {
	source string
	req    pep508.Requirement
}

// pkgState accumulates everything learned about one canonical name.
type pkgState struct {
	name     string
	contribs []contribution
	spec     pep440.Specifier // the intersection of contribs

	pinned    *pep440.Version
	published string // version string as the index spells it
	artifact  index.Artifact
	deps      []string

	backtracked bool
}

func (st *pkgState) contributing() []string {
	ret := make([]string, 0, len(st.contribs))
	for _, c := range st.contribs {
		ret = append(ret, c.req.String())
	}
	return ret
}

func (st *pkgState) recompute() error {
	var combined pep440.Specifier
	for _, c := range st.contribs {
		merged, err := pep440.Intersect(combined, c.req.Specifier)
		if err != nil {
			return err
		}
		combined = merged
	}
	st.spec = combined
	return nil
}

// A workItem is one requirement waiting to be applied, remembering which
// release wanted it so that items whose wanter has since been un-chosen can
// be dropped instead of applied.
type workItem struct {
	srcName    string // "" for a top-level requirement
	srcVersion string
	req        pep508.Requirement
}

type resolver struct {
	idx   Index
	state map[string]*pkgState
	order []string // first-seen order, for stable iteration
}

// Resolve computes an install plan for roots.  On an unsatisfiable graph the
// returned error is a *ResolutionError or *NoArtifactError; index failures
// pass through unchanged so callers can distinguish "conflicting" from
// "index unreachable".
func Resolve(ctx context.Context, idx Index, roots []pep508.Requirement) (Plan, error) {
	r := &resolver{
		idx:   idx,
		state: make(map[string]*pkgState),
	}

	queue := make([]workItem, 0, len(roots))
	for _, req := range roots {
		if req.EvaluatesForInstall() {
			queue = append(queue, workItem{req: req})
		}
	}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		if item.srcName != "" && !r.live(item.srcName, item.srcVersion) {
			// the release that wanted this was un-chosen while the
			// item sat in the queue
			continue
		}
		more, err := r.apply(ctx, item)
		if err != nil {
			return nil, err
		}
		queue = append(queue, more...)
	}
	return r.plan(), nil
}

// live reports whether name is still pinned at version.
func (r *resolver) live(name, version string) bool {
	st, ok := r.state[name]
	return ok && st.pinned != nil && st.published == version
}

// apply merges one requirement into the state for its name, (re)pinning if
// needed, and returns the pinned release's own requirements to enqueue.
func (r *resolver) apply(ctx context.Context, item workItem) ([]workItem, error) {
	req := item.req
	st, seen := r.state[req.Name]
	if !seen {
		st = &pkgState{name: req.Name}
		r.state[req.Name] = st
		r.order = append(r.order, req.Name)
	}
	source := ""
	if item.srcName != "" {
		source = item.srcName + "==" + item.srcVersion
	}
	st.contribs = append(st.contribs, contribution{source: source, req: req})
	if err := st.recompute(); err != nil {
		return nil, &ResolutionError{Name: st.name, Requirements: st.contributing()}
	}

	if st.pinned != nil {
		if st.spec.Match(*st.pinned) {
			return nil, nil
		}
		// The earlier pin turned out to be too new (or too old) for a
		// constraint discovered later in the walk.  Re-choose once,
		// taking the abandoned release's own requirements out of the
		// graph first.
		if st.backtracked {
			return nil, &ResolutionError{Name: st.name, Requirements: st.contributing()}
		}
		dlog.Debugf(ctx, "resolve: %s==%s no longer satisfies %q; re-choosing",
			st.name, st.pinned, st.spec)
		st.backtracked = true
		r.retract(st.name, st.published)
		st.pinned = nil
	}

	return r.pin(ctx, st)
}

// retract removes every requirement that the (abandoned) pin name==version
// contributed, recursively dropping packages nothing else wanted.
func (r *resolver) retract(name, version string) {
	source := name + "==" + version
	for _, depName := range append([]string(nil), r.order...) {
		st, ok := r.state[depName]
		if !ok {
			continue
		}
		kept := st.contribs[:0]
		for _, c := range st.contribs {
			if c.source != source {
				kept = append(kept, c)
			}
		}
		if len(kept) == len(st.contribs) {
			continue
		}
		st.contribs = kept
		if len(kept) == 0 {
			// nothing else wants this package; un-choose it, and
			// take its own requirements with it
			delete(r.state, depName)
			r.dropOrder(depName)
			if st.pinned != nil {
				r.retract(depName, st.published)
			}
			continue
		}
		// dropping clauses only widens the specifier, so an existing
		// pin stays valid and recompute cannot newly conflict
		_ = st.recompute()
	}
}

func (r *resolver) dropOrder(name string) {
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// pin chooses the version and artifact for st per its combined specifier and
// returns the release's requirements.
func (r *resolver) pin(ctx context.Context, st *pkgState) ([]workItem, error) {
	proj, err := r.idx.Project(ctx, st.name)
	if err != nil {
		return nil, err
	}

	var all, withWheel []pep440.Version
	published := make(map[string]string)           // normalized -> as-published
	artifacts := make(map[string][]index.Artifact) // normalized -> files
	for verStr, files := range proj.Releases {
		ver, err := pep440.ParseVersion(verStr)
		if err != nil {
			dlog.Debugf(ctx, "resolve: %s: skipping malformed version %q", st.name, verStr)
			continue
		}
		key := ver.String()
		published[key] = verStr
		artifacts[key] = files
		all = append(all, *ver)
		if chooseWheel(files) != nil {
			withWheel = append(withWheel, *ver)
		}
	}

	choice := st.spec.Select(withWheel)
	if choice == nil {
		// distinguish "no satisfying version at all" from "satisfying
		// version exists but ships nothing installable"
		if fallback := st.spec.Select(all); fallback != nil {
			return nil, &NoArtifactError{Name: st.name, Version: *fallback}
		}
		return nil, &ResolutionError{Name: st.name, Requirements: st.contributing()}
	}

	st.pinned = choice
	st.published = published[choice.String()]
	st.artifact = *chooseWheel(artifacts[choice.String()])
	dlog.Debugf(ctx, "resolve: pinned %s==%s (%s)", st.name, choice, st.artifact.Filename)

	rel, err := r.idx.Release(ctx, st.name, st.published)
	if err != nil {
		return nil, err
	}
	st.deps = st.deps[:0]
	var enqueue []workItem
	for _, dep := range rel.RequiresDist {
		if !dep.EvaluatesForInstall() {
			continue
		}
		if dep.Name == st.name {
			continue // self-dependency; PyPI has a few
		}
		st.deps = append(st.deps, dep.Name)
		enqueue = append(enqueue, workItem{
			srcName:    st.name,
			srcVersion: st.published,
			req:        dep,
		})
	}
	return enqueue, nil
}

// wheelPreference orders the python tags this installer accepts, most
// preferred first.  Only pure wheels (abi "none", platform "any") are
// installable.
var wheelPreference = []string{"py3", "py2.py3", "py3.py2"}

func chooseWheel(files []index.Artifact) *index.Artifact {
	var fallback *index.Artifact
	best := len(wheelPreference)
	var bestArtifact *index.Artifact
	for i := range files {
		file := files[i]
		if !file.IsWheel() {
			continue
		}
		python, abi, platform := file.Tags()
		if abi != "none" || platform != "any" {
			continue
		}
		if fallback == nil {
			fallback = &files[i]
		}
		for rank, tag := range wheelPreference {
			if python == tag && rank < best {
				best = rank
				bestArtifact = &files[i]
			}
		}
	}
	if bestArtifact != nil {
		return bestArtifact
	}
	return fallback
}

// plan emits the pinned set in dependency order (Kahn's algorithm), breaking
// ties and cycles alphabetically so the output is reproducible.
func (r *resolver) plan() Plan {
	names := make([]string, 0, len(r.state))
	for _, name := range r.order {
		if r.state[name].pinned != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	indegree := make(map[string]int, len(names))
	dependents := make(map[string][]string, len(names))
	for _, name := range names {
		indegree[name] += 0
		for _, dep := range r.state[name].deps {
			if _, ok := r.state[dep]; !ok || r.state[dep].pinned == nil {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0, len(names))
	for _, name := range names {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	ret := make(Plan, 0, len(names))
	emitted := make(map[string]bool, len(names))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		ret = append(ret, r.entry(name))
		emitted[name] = true
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	// anything left is in a dependency cycle; emit it anyway, by name
	for _, name := range names {
		if !emitted[name] {
			ret = append(ret, r.entry(name))
		}
	}
	return ret
}

func (r *resolver) entry(name string) PlanEntry {
	st := r.state[name]
	return PlanEntry{
		Name:     st.name,
		Version:  *st.pinned,
		Artifact: st.artifact,
	}
}
