// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pep440

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// A Specifier is a comma-separated series of version clauses; a candidate
// version must match every clause ("," is logical and).
//
//     ~= 0.9, >= 1.0, != 1.3.4.*, < 2.0
type Specifier []SpecifierClause

type CmpOp int

const (
	CmpOpCompatible CmpOp = iota // ~=
	CmpOpStrictMatch
	CmpOpPrefixMatch // ==X.*
	CmpOpStrictExclude
	CmpOpPrefixExclude // !=X.*
	CmpOpLE
	CmpOpGE
	CmpOpLT
	CmpOpGT
)

type SpecifierClause struct {
	CmpOp   CmpOp
	Version Version
}

func ParseSpecifier(str string) (Specifier, error) {
	clauseStrs := strings.Split(str, ",")
	ret := make(Specifier, 0, len(clauseStrs))
	for _, clauseStr := range clauseStrs {
		clauseStr = strings.TrimSpace(clauseStr)
		if clauseStr == "" {
			continue
		}
		clause, err := parseSpecifierClause(clauseStr)
		if err != nil {
			return nil, &ParseError{What: "specifier", Input: str, Msg: err.Error()}
		}
		ret = append(ret, clause)
	}
	return ret, nil
}

func parseSpecifierClause(str string) (SpecifierClause, error) {
	var ret SpecifierClause
	minSegments := 1
	localOK := false
	switch {
	case strings.HasPrefix(str, "==="):
		return ret, errors.New("=== specifiers are not supported; versions must be PEP 440 compliant")
	case strings.HasPrefix(str, "~="):
		ret.CmpOp = CmpOpCompatible
		str = str[2:]
		minSegments = 2
	case strings.HasPrefix(str, "=="):
		ret.CmpOp = CmpOpStrictMatch
		str = str[2:]
		localOK = true
		if strings.HasSuffix(str, ".*") {
			ret.CmpOp = CmpOpPrefixMatch
			str = strings.TrimSuffix(str, ".*")
			localOK = false
		}
	case strings.HasPrefix(str, "!="):
		ret.CmpOp = CmpOpStrictExclude
		str = str[2:]
		localOK = true
		if strings.HasSuffix(str, ".*") {
			ret.CmpOp = CmpOpPrefixExclude
			str = strings.TrimSuffix(str, ".*")
			localOK = false
		}
	case strings.HasPrefix(str, "<="):
		ret.CmpOp = CmpOpLE
		str = str[2:]
	case strings.HasPrefix(str, ">="):
		ret.CmpOp = CmpOpGE
		str = str[2:]
	case strings.HasPrefix(str, "<"):
		ret.CmpOp = CmpOpLT
		str = str[1:]
	case strings.HasPrefix(str, ">"):
		ret.CmpOp = CmpOpGT
		str = str[1:]
	default:
		return ret, fmt.Errorf("invalid comparison operator: %q", str)
	}
	ver, err := ParseVersion(str)
	if err != nil {
		return ret, err
	}
	if len(ver.Release) < minSegments {
		return ret, fmt.Errorf("at least %d release segments required in %q specifier clauses",
			minSegments, ret.CmpOp.String())
	}
	if len(ver.Local) > 0 && !localOK {
		return ret, fmt.Errorf("local-part not permitted in %q specifier clauses", ret.CmpOp.String())
	}
	ret.Version = *ver
	return ret, nil
}

func (op CmpOp) String() string {
	switch op {
	case CmpOpCompatible:
		return "~="
	case CmpOpStrictMatch, CmpOpPrefixMatch:
		return "=="
	case CmpOpStrictExclude, CmpOpPrefixExclude:
		return "!="
	case CmpOpLE:
		return "<="
	case CmpOpGE:
		return ">="
	case CmpOpLT:
		return "<"
	case CmpOpGT:
		return ">"
	default:
		panic(fmt.Errorf("invalid CmpOp: %d", int(op)))
	}
}

func (clause SpecifierClause) String() string {
	suffix := ""
	if clause.CmpOp == CmpOpPrefixMatch || clause.CmpOp == CmpOpPrefixExclude {
		suffix = ".*"
	}
	return clause.CmpOp.String() + clause.Version.String() + suffix
}

func (spec Specifier) String() string {
	clauses := make([]string, 0, len(spec))
	for _, clause := range spec {
		clauses = append(clauses, clause.String())
	}
	return strings.Join(clauses, ",")
}

// Match reports whether ver satisfies every clause of the specifier.
func (spec Specifier) Match(ver Version) bool {
	for _, clause := range spec {
		if !clause.Match(ver) {
			return false
		}
	}
	return true
}

func (clause SpecifierClause) Match(ver Version) bool {
	spec := clause.Version
	switch clause.CmpOp {
	case CmpOpCompatible:
		// "~= V.N" is ">= V.N, == V.*" with V.N's suffix dropped
		prefix := spec
		prefix.Release = prefix.Release[:len(prefix.Release)-1]
		prefix.Pre = nil
		prefix.Post = nil
		prefix.Dev = nil
		return matchGE(spec, ver) && matchPrefix(prefix, ver)
	case CmpOpStrictMatch:
		return matchStrict(spec, ver)
	case CmpOpPrefixMatch:
		return matchPrefix(spec, ver)
	case CmpOpStrictExclude:
		return !matchStrict(spec, ver)
	case CmpOpPrefixExclude:
		return !matchPrefix(spec, ver)
	case CmpOpLE:
		return spec.Cmp(ver) >= 0
	case CmpOpGE:
		return matchGE(spec, ver)
	case CmpOpLT:
		return matchLT(spec, ver)
	case CmpOpGT:
		return matchGT(spec, ver)
	default:
		panic(fmt.Errorf("invalid CmpOp: %d", int(clause.CmpOp)))
	}
}

func matchGE(spec, ver Version) bool {
	return spec.Cmp(ver) <= 0
}

func sameBase(a, b Version) bool {
	if a.Epoch != b.Epoch {
		return false
	}
	return cmpRelease(a, b) == 0
}

// matchLT: "<V" does not allow a pre-release of V unless V is itself a
// pre-release.
func matchLT(spec, ver Version) bool {
	if spec.Cmp(ver) <= 0 {
		return false
	}
	if !spec.IsPreRelease() && ver.IsPreRelease() && sameBase(spec, ver) {
		return false
	}
	return true
}

// matchGT: ">V" does not allow a post-release of V unless V is itself a
// post-release, and never a local version of V.
func matchGT(spec, ver Version) bool {
	if spec.Cmp(ver) >= 0 {
		return false
	}
	if spec.Post == nil && ver.Post != nil && sameBase(spec, ver) {
		return false
	}
	if len(ver.Local) > 0 && sameBase(spec, ver) {
		return false
	}
	return true
}

// matchStrict: local labels on the candidate are ignored unless the
// specifier itself carries one.
func matchStrict(spec, ver Version) bool {
	if len(spec.Local) == 0 {
		ver = ver.Public()
	}
	return spec.Cmp(ver) == 0
}

// matchPrefix implements "==X.*": trailing release segments beyond the
// specifier's are ignored, as are pre/post/dev parts beyond the specifier's
// terminal part.
func matchPrefix(spec, ver Version) bool {
	spec, ver = spec.Public(), ver.Public()
	if spec.Epoch != ver.Epoch {
		return false
	}
	if spec.Pre == nil && spec.Post == nil {
		if len(ver.Release) > len(spec.Release) {
			ver.Release = ver.Release[:len(spec.Release)]
		}
		return cmpRelease(spec, ver) == 0
	}
	if cmpRelease(spec, ver) != 0 {
		return false
	}
	if (spec.Pre == nil) != (ver.Pre == nil) {
		return false
	}
	if spec.Pre != nil && (spec.Pre.L != ver.Pre.L || spec.Pre.N != ver.Pre.N) {
		return false
	}
	if spec.Post == nil {
		return true
	}
	return cmpPostRelease(spec, ver) == 0
}

// Select returns the highest version among choices that matches the
// specifier, or nil if none does.  Pre-releases are only eligible when no
// final or post release satisfies the specifier (PEP 440 "Handling of
// pre-releases").  The result depends only on the set of choices, never on
// their order.
func (spec Specifier) Select(choices []Version) *Version {
	var best, bestPre *Version
	for i := range choices {
		choice := choices[i]
		if !spec.Match(choice) {
			continue
		}
		if choice.IsPreRelease() {
			if bestPre == nil || bestPre.Cmp(choice) < 0 {
				bestPre = &choices[i]
			}
		} else {
			if best == nil || best.Cmp(choice) < 0 {
				best = &choices[i]
			}
		}
	}
	if best != nil {
		return best
	}
	return bestPre
}

// ErrConflict indicates that two specifiers cannot be satisfied by any
// version; returned (wrapped) by Intersect.
var ErrConflict = errors.New("conflicting version specifiers")

// Intersect combines two specifiers into one that accepts exactly the
// versions both accept.  It fails with ErrConflict when the combination is
// statically unsatisfiable (contradictory bounds or pins); combinations that
// are pairwise consistent are returned even if no published version happens
// to satisfy them.
func Intersect(a, b Specifier) (Specifier, error) {
	combined := make(Specifier, 0, len(a)+len(b))
	combined = append(combined, a...)
	combined = append(combined, b...)
	// normalize ordering so the result is independent of argument order
	sort.SliceStable(combined, func(i, j int) bool {
		if combined[i].CmpOp != combined[j].CmpOp {
			return combined[i].CmpOp < combined[j].CmpOp
		}
		return combined[i].Version.Cmp(combined[j].Version) < 0
	})
	for i, x := range combined {
		for _, y := range combined[i+1:] {
			if contradicts(x, y) {
				return nil, fmt.Errorf("%w: %s vs %s", ErrConflict, x.String(), y.String())
			}
		}
	}
	return combined, nil
}

// contradicts detects pairwise-unsatisfiable clause pairs.  It is
// deliberately conservative: it only reports pairs for which provably no
// version can match both.
func contradicts(x, y SpecifierClause) bool {
	xPin := x.CmpOp == CmpOpStrictMatch || x.CmpOp == CmpOpPrefixMatch || x.CmpOp == CmpOpCompatible
	yPin := y.CmpOp == CmpOpStrictMatch || y.CmpOp == CmpOpPrefixMatch || y.CmpOp == CmpOpCompatible
	// A pin that the other clause rejects is a contradiction.  (For ~= and
	// ==X.* the pinned version itself is the lowest matching version, so
	// testing it against an ordered clause is still exact for the lower
	// bound; upper-bound interactions fall out at selection time.)
	if xPin && !y.Match(x.Version) && isExact(x, y) {
		return true
	}
	if yPin && !x.Match(y.Version) && isExact(y, x) {
		return true
	}
	// Disjoint ordered bounds: a lower bound above an upper bound.
	lower := func(c SpecifierClause) bool { return c.CmpOp == CmpOpGE || c.CmpOp == CmpOpGT }
	upper := func(c SpecifierClause) bool { return c.CmpOp == CmpOpLE || c.CmpOp == CmpOpLT }
	switch {
	case lower(x) && upper(y):
		return boundsDisjoint(x, y)
	case lower(y) && upper(x):
		return boundsDisjoint(y, x)
	}
	return false
}

// isExact reports whether a rejection of pin.Version by other is conclusive.
// A strict pin names a single version, so any rejection is conclusive.  A
// prefix or compatible pin matches a range whose lowest member is the pinned
// version itself, so only an upper bound below that lowest member is
// conclusive; a lower bound rejecting it says nothing about the rest of the
// range.
func isExact(pin, other SpecifierClause) bool {
	if pin.CmpOp == CmpOpStrictMatch {
		return true
	}
	return other.CmpOp == CmpOpLE || other.CmpOp == CmpOpLT
}

func boundsDisjoint(lo, hi SpecifierClause) bool {
	d := lo.Version.Cmp(hi.Version)
	if d > 0 {
		return true
	}
	if d == 0 {
		// ">=X,<X", ">X,<=X", ">X,<X" are all empty; ">=X,<=X" pins X
		return lo.CmpOp == CmpOpGT || hi.CmpOp == CmpOpLT
	}
	return false
}
