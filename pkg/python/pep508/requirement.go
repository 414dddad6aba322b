// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pep508 implements the dependency-specifier subset of PEP 508 that
// a package index hands back in dist metadata.
//
// https://www.python.org/dev/peps/pep-0508/
//
// URL requirements ("name @ url") and full marker-expression evaluation are
// not implemented; markers are carried verbatim, and EvaluatesForInstall
// answers the one question the resolver asks of them.
package pep508

import (
	"regexp"
	"strings"

	"github.com/datawire/mint/pkg/python/pep440"
)

// A Requirement is a dependency on a (possibly constrained) distribution:
//
//     requests[security,socks] >=2.0, <3.0 ; python_version >= "3.6"
//
// Requirements are immutable once parsed.
type Requirement struct {
	// Name is the canonicalized distribution name (see CanonicalName).
	Name string
	// RawName is the name as written.
	RawName string
	Extras  []string
	// Specifier constrains the acceptable versions; empty means "any".
	Specifier pep440.Specifier
	// Marker is the raw environment-marker text after ";", if any.
	Marker string
}

// "the only valid characters in a name are the ASCII alphabet, ASCII
// numbers, '.', '-', and '_'", and it must start and end with a letter or
// number.
var reName = regexp.MustCompile(`^([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9._-]*[A-Za-z0-9])`)

var reNormalize = regexp.MustCompile(`[-_.]+`)

// CanonicalName normalizes a distribution name per PEP 503: lowercase, with
// runs of "-", "_", and "." collapsed to a single "-".  Two names that
// canonicalize equal refer to the same distribution.
func CanonicalName(name string) string {
	return strings.ToLower(reNormalize.ReplaceAllLiteralString(name, "-"))
}

// ParseRequirement parses a dependency specifier such as "A", "A==1.0",
// "A[foo]>=1.0,<2.0", or "A (>=1.0) ; extra == 'bar'".
func ParseRequirement(str string) (*Requirement, error) {
	full := str
	var ret Requirement

	// marker
	if i := strings.Index(str, ";"); i >= 0 {
		ret.Marker = strings.TrimSpace(str[i+1:])
		str = str[:i]
	}
	str = strings.TrimSpace(str)

	// name
	name := reName.FindString(str)
	if name == "" {
		return nil, &pep440.ParseError{What: "requirement", Input: full, Msg: "no distribution name"}
	}
	ret.RawName = name
	ret.Name = CanonicalName(name)
	str = strings.TrimSpace(str[len(name):])

	// extras
	if strings.HasPrefix(str, "[") {
		end := strings.Index(str, "]")
		if end < 0 {
			return nil, &pep440.ParseError{What: "requirement", Input: full, Msg: "unterminated extras"}
		}
		for _, extra := range strings.Split(str[1:end], ",") {
			extra = strings.TrimSpace(extra)
			if extra != "" {
				ret.Extras = append(ret.Extras, CanonicalName(extra))
			}
		}
		str = strings.TrimSpace(str[end+1:])
	}

	// version specifier, optionally parenthesized ("A (>=1.0)" is the older
	// metadata spelling that PyPI still serves)
	if strings.HasPrefix(str, "(") {
		if !strings.HasSuffix(str, ")") {
			return nil, &pep440.ParseError{What: "requirement", Input: full, Msg: "unterminated parenthesis"}
		}
		str = strings.TrimSpace(str[1 : len(str)-1])
	}
	if str != "" {
		spec, err := pep440.ParseSpecifier(str)
		if err != nil {
			return nil, &pep440.ParseError{What: "requirement", Input: full, Msg: err.Error()}
		}
		ret.Specifier = spec
	}

	return &ret, nil
}

// String renders the requirement in canonical spelling.
func (req Requirement) String() string {
	var ret strings.Builder
	ret.WriteString(req.Name)
	if len(req.Extras) > 0 {
		ret.WriteString("[" + strings.Join(req.Extras, ",") + "]")
	}
	if len(req.Specifier) > 0 {
		ret.WriteString(req.Specifier.String())
	}
	if req.Marker != "" {
		ret.WriteString(" ; " + req.Marker)
	}
	return ret.String()
}

var reExtraMarker = regexp.MustCompile(`\bextra\s*==`)

// EvaluatesForInstall reports whether the requirement applies to a plain
// install (no extras requested).  Requirements guarded by an `extra ==`
// marker do not; all other markers are treated as satisfied, since the
// target environment is not a live interpreter that could answer
// python_version/sys_platform questions.
func (req Requirement) EvaluatesForInstall() bool {
	if req.Marker == "" {
		return true
	}
	return !reExtraMarker.MatchString(req.Marker)
}
