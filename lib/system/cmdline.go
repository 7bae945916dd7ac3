// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"fmt"
	"os"
	"regexp"
)

const cmdlinePath = "/proc/cmdline"

// CmdlineBool extracts a boolean property ("prop=1" or "prop=true")
// from the kernel command line. A property that is absent or carries
// any other value reads as false.
func CmdlineBool(property string) (bool, error) {
	cmdline, err := os.ReadFile(cmdlinePath)
	if err != nil {
		return false, fmt.Errorf("reading kernel command line: %w", err)
	}
	return CmdlineBoolIn(string(cmdline), property)
}

// CmdlineBoolIn is CmdlineBool over an already-read command line.
func CmdlineBoolIn(cmdline, property string) (bool, error) {
	pattern, err := regexp.Compile(regexp.QuoteMeta(property) + `=(\w+)`)
	if err != nil {
		return false, fmt.Errorf("building command line pattern for %q: %w", property, err)
	}
	match := pattern.FindStringSubmatch(cmdline)
	if match == nil {
		return false, nil
	}
	return match[1] == "1" || match[1] == "true", nil
}
