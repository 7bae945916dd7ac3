// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"context"
	"os"
	"time"

	"github.com/slateos/slate-init/lib/clock"
)

// devicePollInterval is how often WaitForPath re-checks for the path.
const devicePollInterval = 100 * time.Millisecond

// WaitForPath blocks until path exists, polling indefinitely. There
// is deliberately no timeout: a missing root disk has no safe
// automatic fallback on this device class, so the boot parks here
// forever rather than guessing. The context exists for tests and for
// shutdown, not as a recovery path.
func WaitForPath(ctx context.Context, clk clock.Clock, path string) error {
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(devicePollInterval):
		}
	}
}
