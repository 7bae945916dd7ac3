// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package system

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/slateos/slate-init/lib/clock"
)

func TestCmdlineBoolIn(t *testing.T) {
	cmdline := "console=ttyS2,1500000n8 root=/dev/mmcblk0p5 slate.recovery=1 slate.quiet=false rw"

	cases := []struct {
		property string
		want     bool
	}{
		{"slate.recovery", true},
		{"slate.quiet", false},
		{"slate.absent", false},
		{"root", false}, // "=/dev/..." is not a boolean value
	}
	for _, tc := range cases {
		got, err := CmdlineBoolIn(cmdline, tc.property)
		if err != nil {
			t.Fatalf("CmdlineBoolIn(%q): %v", tc.property, err)
		}
		if got != tc.want {
			t.Errorf("CmdlineBoolIn(%q) = %v, want %v", tc.property, got, tc.want)
		}
	}
}

func TestCmdlineBoolTrueWord(t *testing.T) {
	got, err := CmdlineBoolIn("slate.debug=true", "slate.debug")
	if err != nil {
		t.Fatalf("CmdlineBoolIn: %v", err)
	}
	if !got {
		t.Error("CmdlineBoolIn = false for value \"true\"")
	}
}

func TestWaitForPathReturnsWhenPathAppears(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mmcblk0p5")
	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	done := make(chan error, 1)
	go func() {
		done <- WaitForPath(context.Background(), fake, path)
	}()

	// Let the waiter observe absence a few times, then create the path.
	for i := 0; i < 3; i++ {
		fake.Advance(devicePollInterval)
	}
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("creating path: %v", err)
	}
	for i := 0; i < 50; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("WaitForPath: %v", err)
			}
			return
		default:
			fake.Advance(devicePollInterval)
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("WaitForPath did not return after the path appeared")
}

func TestWaitForPathHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))

	done := make(chan error, 1)
	go func() {
		done <- WaitForPath(ctx, fake, filepath.Join(t.TempDir(), "never"))
	}()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("WaitForPath returned nil after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForPath did not observe cancellation")
	}
}

func TestRunFoldsOutputIntoError(t *testing.T) {
	run := Run(nil)
	err := run("/bin/sh", "-c", "echo mount: unknown filesystem >&2; exit 32")
	if err == nil {
		t.Fatal("Run succeeded for a failing command")
	}
	if want := "unknown filesystem"; !strings.Contains(err.Error(), want) {
		t.Errorf("error %q does not include command output %q", err, want)
	}
}

func TestRunSuccess(t *testing.T) {
	run := Run(nil)
	if err := run("/bin/sh", "-c", "true"); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestIsMountpoint(t *testing.T) {
	mounted, err := IsMountpoint("/")
	if err != nil {
		t.Fatalf("IsMountpoint(/): %v", err)
	}
	if !mounted {
		t.Error("IsMountpoint(/) = false, want true")
	}

	mounted, err = IsMountpoint(t.TempDir())
	if err != nil {
		t.Fatalf("IsMountpoint(tempdir): %v", err)
	}
	if mounted {
		t.Error("IsMountpoint reported a plain directory as mounted")
	}
}

func TestMountsUnderOrdersLeafFirst(t *testing.T) {
	mounts, err := MountsUnder("/")
	if err != nil {
		t.Fatalf("MountsUnder(/): %v", err)
	}
	if len(mounts) == 0 {
		t.Fatal("MountsUnder(/) returned no mounts")
	}
	// Leaf-most first is unmount order: depth never increases.
	for i := 1; i < len(mounts); i++ {
		if strings.Count(mounts[i], "/") > strings.Count(mounts[i-1], "/") {
			t.Errorf("mounts out of unmount order: %q after %q", mounts[i], mounts[i-1])
		}
	}

	under, err := MountsUnder(t.TempDir())
	if err != nil {
		t.Fatalf("MountsUnder(tempdir): %v", err)
	}
	if len(under) != 0 {
		t.Errorf("MountsUnder(tempdir) = %v, want none", under)
	}
}
