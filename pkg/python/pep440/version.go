// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pep440 implements PEP 440 -- Version Identification and Dependency
// Specification.
//
// https://www.python.org/dev/peps/pep-0440/
package pep440

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/intstr"
)

// A Version is a parsed public version identifier, plus an optional local
// version label.  Versions are totally ordered; use Cmp.
//
// Canonical form: [N!]N(.N)*[{a|b|rc}N][.postN][.devN][+local]
type Version struct {
	// Epoch segment: "N!"
	Epoch int
	// Release segment: "N(.N)*"
	Release []int
	// Pre-release segment: "{a|b|rc}N"
	Pre *PreRelease
	// Post-release segment: ".postN"
	Post *int
	// Development release segment: ".devN"
	Dev *int
	// Local version label: "+foo.N"; each segment is either numeric or a
	// lowercase string.
	Local []intstr.IntOrString
}

type PreRelease struct {
	L string
	N int
}

// reVersion is the "permissive" VERSION_PATTERN from PEP 440 Appendix B (as
// defined by the pypa/packaging project); it accepts the alternative
// spellings ("1.1RC1", "1.0-r4", "v2.0", ...) that ParseVersion normalizes.
var reVersion = regexp.MustCompile(`(?i)^\s*v?` +
	`(?:(?P<epoch>[0-9]+)!)?` +
	`(?P<release>[0-9]+(?:\.[0-9]+)*)` +
	`(?:[-_\.]?(?P<pre_l>a|b|c|rc|alpha|beta|pre|preview)[-_\.]?(?P<pre_n>[0-9]+)?)?` +
	`(?:(?:-(?P<post_n1>[0-9]+))|(?:[-_\.]?(?P<post_l>post|rev|r)[-_\.]?(?P<post_n2>[0-9]+)?))?` +
	`(?:[-_\.]?(?P<dev_l>dev)[-_\.]?(?P<dev_n>[0-9]+)?)?` +
	`(?:\+(?P<local>[a-z0-9]+(?:[-_\.][a-z0-9]+)*))?` +
	`\s*$`)

// A ParseError reports a version, specifier, or requirement string that
// doesn't conform to its grammar.  Parse failures are user-input (or
// index-metadata) defects: terminal, never retried.
type ParseError struct {
	What  string // "version", "specifier", or "requirement"
	Input string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.What, e.Input, e.Msg)
}

// canonical spellings for the pre-release phase letter.
var preSpellings = map[string]string{
	"a": "a", "alpha": "a",
	"b": "b", "beta": "b",
	"rc": "rc", "c": "rc", "pre": "rc", "preview": "rc",
}

// ParseVersion parses a version string, performing PEP 440 normalization
// (case folding, alternative separators and spellings, implicit zeroes).
// Malformed strings are rejected.
func ParseVersion(str string) (*Version, error) {
	match := reVersion.FindStringSubmatch(str)
	if match == nil {
		return nil, &ParseError{What: "version", Input: str, Msg: "does not match the PEP 440 grammar"}
	}
	group := func(name string) string {
		return match[reVersion.SubexpIndex(name)]
	}

	var ver Version
	if epoch := group("epoch"); epoch != "" {
		n, err := strconv.Atoi(epoch)
		if err != nil {
			return nil, &ParseError{What: "version", Input: str, Msg: err.Error()}
		}
		ver.Epoch = n
	}
	for _, segStr := range strings.Split(group("release"), ".") {
		seg, err := strconv.Atoi(segStr)
		if err != nil {
			return nil, &ParseError{What: "version", Input: str, Msg: err.Error()}
		}
		ver.Release = append(ver.Release, seg)
	}

	atoiOrZero := func(str string) (int, error) {
		// implicit pre/post/dev number is 0
		if str == "" {
			return 0, nil
		}
		return strconv.Atoi(str)
	}

	if preL := strings.ToLower(group("pre_l")); preL != "" {
		n, err := atoiOrZero(group("pre_n"))
		if err != nil {
			return nil, &ParseError{What: "version", Input: str, Msg: err.Error()}
		}
		ver.Pre = &PreRelease{L: preSpellings[preL], N: n}
	}
	// "1.0-1" is an implicit post release; "1.0.post1" and friends are
	// explicit ones.
	if n1 := group("post_n1"); n1 != "" {
		n, err := strconv.Atoi(n1)
		if err != nil {
			return nil, &ParseError{What: "version", Input: str, Msg: err.Error()}
		}
		ver.Post = &n
	} else if group("post_l") != "" {
		n, err := atoiOrZero(group("post_n2"))
		if err != nil {
			return nil, &ParseError{What: "version", Input: str, Msg: err.Error()}
		}
		ver.Post = &n
	}
	if group("dev_l") != "" {
		n, err := atoiOrZero(group("dev_n"))
		if err != nil {
			return nil, &ParseError{What: "version", Input: str, Msg: err.Error()}
		}
		ver.Dev = &n
	}
	for _, part := range strings.FieldsFunc(group("local"), func(r rune) bool {
		return strings.ContainsRune("-_.", r)
	}) {
		ver.Local = append(ver.Local, intstr.Parse(strings.ToLower(part)))
	}

	return &ver, nil
}

// String renders the normalized form; ParseVersion(ver.String()) round-trips.
func (ver Version) String() string {
	var ret strings.Builder
	if ver.Epoch > 0 {
		fmt.Fprintf(&ret, "%d!", ver.Epoch)
	}
	for i, segment := range ver.Release {
		if i > 0 {
			ret.WriteByte('.')
		}
		fmt.Fprintf(&ret, "%d", segment)
	}
	if ver.Pre != nil {
		fmt.Fprintf(&ret, "%s%d", ver.Pre.L, ver.Pre.N)
	}
	if ver.Post != nil {
		fmt.Fprintf(&ret, ".post%d", *ver.Post)
	}
	if ver.Dev != nil {
		fmt.Fprintf(&ret, ".dev%d", *ver.Dev)
	}
	sep := "+"
	for _, local := range ver.Local {
		ret.WriteString(sep)
		ret.WriteString(local.String())
		sep = "."
	}
	return ret.String()
}

// Public returns the version without its local label.
func (ver Version) Public() Version {
	public := ver
	public.Local = nil
	return public
}

func (ver Version) IsFinal() bool {
	return ver.Pre == nil && ver.Post == nil && ver.Dev == nil && len(ver.Local) == 0
}

func (ver Version) IsPreRelease() bool {
	return ver.Pre != nil || ver.Dev != nil
}

func (ver Version) releaseSegment(n int) int {
	// shorter release segments are zero-padded for comparison
	if n < len(ver.Release) {
		return ver.Release[n]
	}
	return 0
}

func cmpRelease(a, b Version) int {
	for i := 0; i < len(a.Release) || i < len(b.Release); i++ {
		if d := a.releaseSegment(i) - b.releaseSegment(i); d != 0 {
			return d
		}
	}
	return 0
}

// phase order within one release segment: .devN < aN < bN < rcN < final < .postN
var preReleaseOrder = map[string]int{
	"a":  -3,
	"b":  -2,
	"rc": -1,
	// absent: 0
}

func cmpPreRelease(a, b Version) int {
	var aL, aN, bL, bN int
	if a.Pre != nil {
		aL, aN = preReleaseOrder[a.Pre.L], a.Pre.N
	} else if a.Dev != nil && a.Post == nil {
		aL = -4 // bare dev release sorts before any pre-release
	}
	if b.Pre != nil {
		bL, bN = preReleaseOrder[b.Pre.L], b.Pre.N
	} else if b.Dev != nil && b.Post == nil {
		bL = -4
	}
	if aL != bL {
		return aL - bL
	}
	return aN - bN
}

func cmpPostRelease(a, b Version) int {
	aPost, bPost := -1, -1
	if a.Post != nil {
		aPost = *a.Post
	}
	if b.Post != nil {
		bPost = *b.Post
	}
	return aPost - bPost
}

func cmpDevRelease(a, b Version) int {
	switch {
	case a.Dev == nil && b.Dev == nil:
		return 0
	case a.Dev == nil:
		return 1
	case b.Dev == nil:
		return -1
	default:
		return (*a.Dev) - (*b.Dev)
	}
}

func cmpLocalSegment(a, b *intstr.IntOrString) int {
	switch {
	case a == nil:
		return -1
	case b == nil:
		return 1
	case a.Type == intstr.Int && b.Type == intstr.Int:
		return int(a.IntVal - b.IntVal)
	case a.Type == intstr.String && b.Type == intstr.String:
		return strings.Compare(a.StrVal, b.StrVal)
	case a.Type == intstr.Int:
		// numeric segments compare greater than lexicographic ones
		return 1
	default:
		return -1
	}
}

func cmpLocal(a, b Version) int {
	for i := 0; i < len(a.Local) || i < len(b.Local); i++ {
		var aSeg, bSeg *intstr.IntOrString
		if i < len(a.Local) {
			aSeg = &(a.Local[i])
		}
		if i < len(b.Local) {
			bSeg = &(b.Local[i])
		}
		if d := cmpLocalSegment(aSeg, bSeg); d != 0 {
			return d
		}
	}
	return 0
}

// Cmp returns a number < 0 if version 'a' is less than version 'b', > 0 if
// 'a' is greater than 'b', or 0 if they are equal; similar to the C-language
// strcmp.  Only the sign is defined, not the magnitude.
func (a Version) Cmp(b Version) int {
	if d := a.Epoch - b.Epoch; d != 0 {
		return d
	}
	if d := cmpRelease(a, b); d != 0 {
		return d
	}
	if d := cmpPreRelease(a, b); d != 0 {
		return d
	}
	if d := cmpPostRelease(a, b); d != 0 {
		return d
	}
	if d := cmpDevRelease(a, b); d != 0 {
		return d
	}
	return cmpLocal(a, b)
}
