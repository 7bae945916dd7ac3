// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !debugfw

package debugfw

// Enabled reports whether this binary carries the debug framework.
const Enabled = false

// Start is a no-op on release builds; the developer access path does
// not exist in this binary.
func Start(options Options) error {
	return nil
}
