// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cliutil_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/datawire/mint/pkg/cliutil"
)

func TestWrap(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "untouched text", cliutil.Wrap(0, "untouched text"),
		"width 0 means no wrapping")

	input := "install the named packages and every package they depend on into the environment"
	wrapped := cliutil.Wrap(30, input)
	for _, line := range strings.Split(wrapped, "\n") {
		assert.LessOrEqual(t, len(line), 30)
	}
	assert.Equal(t, input, strings.Join(strings.Fields(wrapped), " "),
		"wrapping must not lose or reorder words")
}

func TestWrapIndent(t *testing.T) {
	t.Parallel()

	wrapped := cliutil.WrapIndent(4, 20, "one two three four five six")
	lines := strings.Split(wrapped, "\n")
	assert.Greater(t, len(lines), 1)
	for _, line := range lines[1:] {
		assert.True(t, strings.HasPrefix(line, "    "), "continuation lines are indented: %q", line)
	}
}
