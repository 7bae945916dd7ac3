// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"testing"
	"time"
)

func stubTransition(t *testing.T) *[]string {
	t.Helper()
	var calls []string
	savedExec, savedChroot, savedChdir := execFunction, chrootFunction, chdirFunction
	t.Cleanup(func() {
		execFunction, chrootFunction, chdirFunction = savedExec, savedChroot, savedChdir
	})
	chrootFunction = func(path string) error {
		calls = append(calls, "chroot "+path)
		return nil
	}
	chdirFunction = func(dir string) error {
		calls = append(calls, "chdir "+dir)
		return nil
	}
	execFunction = func(argv0 string, argv []string, envv []string) error {
		calls = append(calls, "exec "+argv0)
		return nil
	}
	return &calls
}

func TestEnterTargetSequence(t *testing.T) {
	calls := stubTransition(t)

	if err := enterTarget("/overlay"); err != nil {
		t.Fatalf("enterTarget: %v", err)
	}
	want := []string{"chroot /overlay", "chdir /", "exec " + initPath}
	if len(*calls) != len(want) {
		t.Fatalf("calls = %v, want %v", *calls, want)
	}
	for i := range want {
		if (*calls)[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, (*calls)[i], want[i])
		}
	}
}

func TestEnterTargetAbortsOnChrootFailure(t *testing.T) {
	calls := stubTransition(t)
	chrootFunction = func(path string) error {
		return errors.New("injected chroot failure")
	}

	if err := enterTarget("/overlay"); err == nil {
		t.Fatal("enterTarget succeeded despite chroot failure")
	}
	// The process image must not be replaced after a failed chroot.
	for _, call := range *calls {
		if call == "exec "+initPath {
			t.Fatal("exec performed after chroot failure")
		}
	}
}

func TestWaitForAbortKeyWithoutConsole(t *testing.T) {
	// The prompt runs on every boot; on a headless console (stdin not
	// a terminal) it must decline immediately instead of holding the
	// boot for the full window.
	start := time.Now()
	if waitForAbortKey(3 * time.Second) {
		t.Error("abort reported without a terminal on stdin")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("waitForAbortKey blocked %v without a terminal", elapsed)
	}
}
