// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cliutil

import (
	"strings"
)

// Wrap wraps s to a maximum width w.  Pass w == 0 to do no wrapping.
//
// To leave some slop and avoid a short word on a line by itself, lines are
// actually wrapped to w - 5.
func Wrap(w int, s string) string {
	return wrap(0, w, s)
}

// WrapIndent is Wrap with continuation lines indented i spaces; the first
// line is not indented (the caller already placed it).
func WrapIndent(i, w int, s string) string {
	return wrap(i, w, s)
}

func wrap(indent, width int, s string) string {
	if width <= 0 {
		return s
	}
	limit := width - 5
	if limit <= indent {
		return s
	}

	var ret strings.Builder
	for i, paragraph := range strings.Split(s, "\n") {
		if i > 0 {
			ret.WriteString("\n" + strings.Repeat(" ", indent))
		}
		lineLen := indent
		for j, word := range strings.Fields(paragraph) {
			switch {
			case j == 0:
				// first word goes on the line no matter what
			case lineLen+1+len(word) > limit:
				ret.WriteString("\n" + strings.Repeat(" ", indent))
				lineLen = indent
			default:
				ret.WriteString(" ")
				lineLen++
			}
			ret.WriteString(word)
			lineLen += len(word)
		}
	}
	return ret.String()
}
