// Copyright (C) 2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cliutil

import (
	"os"
	"strconv"

	"golang.org/x/term"
)

// GetTerminalWidth returns the width to wrap output to: COLUMNS if the
// shell or user set it, else the detected stdout width, else 80 for a
// terminal of unknowable size, else 0 ("don't wrap") when stdout isn't a
// terminal at all.
func GetTerminalWidth() int {
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil {
		return cols
	}
	if cols, _, err := term.GetSize(1); err == nil {
		return cols
	}
	if term.IsTerminal(1) {
		return 80
	}
	return 0
}
