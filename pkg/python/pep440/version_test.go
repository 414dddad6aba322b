// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pep440_test

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/mint/pkg/python/pep440"
)

func TestSort(t *testing.T) {
	t.Parallel()
	// each list is in strictly ascending order
	testcases := map[string][]string{
		"final-releases": {
			"0.9",
			"0.9.1",
			"0.9.2",
			"0.9.10",
			"0.9.11",
			"1.0",
			"1.0.1",
			"1.1",
			"2.0",
			"2.0.1",
		},
		"date-based": {
			"2012.4",
			"2012.7",
			"2012.10",
			"2013.1",
			"2013.6",
		},
		"pre-releases": {
			"4.3a2",
			"4.3b2",
			"4.3rc2",
			"4.3",
		},
		"epochs": {
			"2013.10",
			"2014.04",
			"1!1.0",
			"1!1.1",
			"1!2.0",
		},
		"suffix-ordering": {
			"1.0.dev456",
			"1.0a1",
			"1.0a2.dev456",
			"1.0a12.dev456",
			"1.0a12",
			"1.0b1.dev456",
			"1.0b2",
			"1.0b2.post345.dev456",
			"1.0b2.post345",
			"1.0rc1.dev456",
			"1.0rc1",
			"1.0",
			"1.0+abc.5",
			"1.0+abc.7",
			"1.0+5",
			"1.0.post456.dev34",
			"1.0.post456",
			"1.1.dev1",
		},
	}
	for tcName, ordered := range testcases {
		ordered := ordered
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			parsed := make([]pep440.Version, len(ordered))
			for i, str := range ordered {
				parsed[i] = mustParseVersion(t, str)
			}
			for i, a := range parsed {
				for j, b := range parsed {
					switch {
					case i < j:
						assert.Negativef(t, a.Cmp(b), "Cmp(%q, %q)", ordered[i], ordered[j])
					case i == j:
						assert.Zerof(t, a.Cmp(b), "Cmp(%q, %q)", ordered[i], ordered[j])
					default:
						assert.Positivef(t, a.Cmp(b), "Cmp(%q, %q)", ordered[i], ordered[j])
					}
				}
			}

			// sorting a shuffle must reproduce the ordered list,
			// regardless of the shuffle
			shuffled := make([]pep440.Version, len(parsed))
			copy(shuffled, parsed)
			rand.New(rand.NewSource(time.Now().UnixNano())).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			sort.SliceStable(shuffled, func(i, j int) bool {
				return shuffled[i].Cmp(shuffled[j]) < 0
			})
			strs := make([]string, len(shuffled))
			for i, ver := range shuffled {
				strs[i] = ver.String()
			}
			expected := make([]string, len(parsed))
			for i, ver := range parsed {
				expected[i] = ver.String()
			}
			assert.Equal(t, expected, strs)
		})
	}
}

func TestParseVersion(t *testing.T) {
	t.Parallel()
	type testcase struct {
		Input  string
		Parsed *pep440.Version
		Norm   string
	}
	testcases := map[string]testcase{
		"simple": {
			Input:  "1.0",
			Parsed: &pep440.Version{Release: []int{1, 0}},
			Norm:   "1.0",
		},
		"full": {
			Input: "1!2.3rc4.post5.dev6",
			Parsed: &pep440.Version{
				Epoch:   1,
				Release: []int{2, 3},
				Pre:     &pep440.PreRelease{L: "rc", N: 4},
				Post:    intPtr(5),
				Dev:     intPtr(6),
			},
			Norm: "1!2.3rc4.post5.dev6",
		},
		"case-fold":          {Input: "1.1RC1", Norm: "1.1rc1"},
		"alt-spelling-alpha": {Input: "1.1alpha1", Norm: "1.1a1"},
		"alt-spelling-c":     {Input: "1.1c3", Norm: "1.1rc3"},
		"alt-spelling-rev":   {Input: "1.0-r4", Norm: "1.0.post4"},
		"implicit-pre-n":     {Input: "1.2a", Norm: "1.2a0"},
		"implicit-post":      {Input: "1.0-1", Norm: "1.0.post1"},
		"implicit-post-n":    {Input: "1.2.post", Norm: "1.2.post0"},
		"implicit-dev-n":     {Input: "1.2.dev", Norm: "1.2.dev0"},
		"leading-v":          {Input: "v1.0", Norm: "1.0"},
		"whitespace":         {Input: " 1.0\n", Norm: "1.0"},
		"leading-zeros":      {Input: "09000.00", Norm: "9000.0"},
		"local-separators":   {Input: "1.0+ubuntu-1", Norm: "1.0+ubuntu.1"},
		"local-case":         {Input: "1.0+FOO", Norm: "1.0+foo"},

		"invalid-empty":    {Input: ""},
		"invalid-text":     {Input: "bogus"},
		"invalid-dash":     {Input: "1.0-"},
		"invalid-wildcard": {Input: "1.*"},
		"invalid-local":    {Input: "1.0+foo!bar"},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			ver, err := pep440.ParseVersion(tc.Input)
			if tc.Norm == "" {
				var parseErr *pep440.ParseError
				require.ErrorAs(t, err, &parseErr)
				assert.Equal(t, "version", parseErr.What)
				assert.Equal(t, tc.Input, parseErr.Input)
				assert.Nil(t, ver)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, ver)
			if tc.Parsed != nil {
				assert.Equal(t, tc.Parsed, ver)
			}
			assert.Equal(t, tc.Norm, ver.String())

			// round-trip: parse(to_string(v)) == v
			reparsed, err := pep440.ParseVersion(ver.String())
			require.NoError(t, err)
			assert.Equal(t, ver, reparsed)
		})
	}
}

func TestSatisfiesConsistentWithCmp(t *testing.T) {
	t.Parallel()
	versions := []string{"1.0", "1.9.3", "2.0", "2.0.1", "3.0a1", "2013.6"}
	pivots := []string{"1.0", "2.0", "2.0.0", "2.5"}
	for _, verStr := range versions {
		for _, pivotStr := range pivots {
			ver := mustParseVersion(t, verStr)
			pivot := mustParseVersion(t, pivotStr)
			spec := mustParseSpecifier(t, ">="+pivotStr)
			assert.Equalf(t, ver.Cmp(pivot) >= 0, spec.Match(ver),
				"satisfies(%q, >=%q) vs compare", verStr, pivotStr)
		}
	}
}
