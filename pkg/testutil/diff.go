// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package testutil has test helpers for comparing structured values.
package testutil

import (
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/pmezard/go-difflib/difflib"
)

var spewConfig = spew.ConfigState{
	Indent:                  "  ",
	DisableMethods:          true,
	DisableCapacities:       true,
	DisablePointerAddresses: true,
	SortKeys:                true,
}

// Dump renders a value deterministically (sorted map keys, no pointer
// addresses), so two equal values always dump equal.
func Dump(val interface{}) string {
	return spewConfig.Sdump(val)
}

// AssertEqual is assert.Equal, but a mismatch reports as a unified diff of
// the two values' dumps, which stays readable for plan-sized structures.
func AssertEqual(t *testing.T, exp, act interface{}) bool {
	t.Helper()
	if reflect.DeepEqual(exp, act) {
		return true
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(Dump(exp)),
		B:        difflib.SplitLines(Dump(act)),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  3,
	})
	t.Errorf("not equal:\n%s", diff)
	return false
}
