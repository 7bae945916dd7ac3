// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package bootconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestReadMissingFileWritesDefaults(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	config, valid, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !valid {
		t.Error("valid = false for a fresh default, want true")
	}
	if config.Flags.FirstBootDone {
		t.Error("FirstBootDone = true on defaults, want false")
	}
	if config.System.Timezone != "UTC" {
		t.Errorf("Timezone = %q, want %q", config.System.Timezone, "UTC")
	}

	// The defaults must have been written immediately.
	if _, err := os.Stat(store.Path()); err != nil {
		t.Errorf("default configuration not written: %v", err)
	}
}

func TestReadIsIdempotent(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	first, _, err := store.Read()
	if err != nil {
		t.Fatalf("first Read: %v", err)
	}
	second, _, err := store.Read()
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("two reads with no intervening write differ:\n%+v\n%+v", first, second)
	}
}

func TestRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	user := "nia"
	model := "lightning"
	particles := uint64(4000)
	total := 23
	written := &Config{
		Flags: FlagsConfig{FirstBootDone: true},
		RootFS: RootFSConfig{
			PersistentStorage:   true,
			Timestamp:           1767225600,
			Overlay:             OverlayKernel,
			SystemdTargetsTotal: &total,
		},
		System: SystemConfig{
			DefaultUser:           &user,
			Timezone:              "Europe/Paris",
			RecoveryFeatures:      true,
			InitialScreenRotation: 270,
			SplashWallpaper:       WallpaperConfig{Model: &model, FlowParticles: &particles},
		},
	}

	if err := store.Write(written, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	read, valid, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !valid {
		t.Error("valid = false after clean write")
	}
	if !reflect.DeepEqual(written, read) {
		t.Errorf("round trip mismatch:\nwrote %+v\nread  %+v", written, read)
	}
}

func TestCorruptionRecovery(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, nil)

	if err := os.WriteFile(store.Path(), []byte("flags: [not a mapping"), 0644); err != nil {
		t.Fatalf("writing corrupt file: %v", err)
	}

	config, valid, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if valid {
		t.Error("valid = true for corrupt configuration, want false")
	}
	if !config.Flags.FirstBootDone {
		t.Error("FirstBootDone = false after corruption recovery, want true")
	}

	// A backup of the corrupt original must exist.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	backupFound := false
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".corrupt-") {
			backupFound = true
			raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				t.Fatalf("reading backup: %v", err)
			}
			if string(raw) != "flags: [not a mapping" {
				t.Errorf("backup content = %q, want the corrupt original", raw)
			}
		}
	}
	if !backupFound {
		t.Error("no backup of the corrupt configuration was produced")
	}

	// A fresh record must have been written to the primary path and
	// must now parse with the forced flag.
	reread, valid, err := store.Read()
	if err != nil {
		t.Fatalf("re-Read: %v", err)
	}
	if !valid {
		t.Error("valid = false on the recovered record")
	}
	if !reread.Flags.FirstBootDone {
		t.Error("recovered record lost the forced FirstBootDone flag")
	}
}

func TestInvalidRotationIsCorruption(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	record := "system:\n  timezone: UTC\n  initial_screen_rotation: 45\n"
	if err := os.WriteFile(store.Path(), []byte(record), 0644); err != nil {
		t.Fatalf("writing record: %v", err)
	}

	_, valid, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if valid {
		t.Error("valid = true for out-of-range rotation, want false")
	}
}

func TestNonPendingWriteRemovesPendingSibling(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	if err := store.Write(Default(), true); err != nil {
		t.Fatalf("pending Write: %v", err)
	}
	if _, err := os.Stat(store.PendingPath()); err != nil {
		t.Fatalf("pending record not written: %v", err)
	}

	if err := store.Write(Default(), false); err != nil {
		t.Fatalf("committed Write: %v", err)
	}
	if _, err := os.Stat(store.PendingPath()); !os.IsNotExist(err) {
		t.Error("pending record survived a non-pending write")
	}
}

func TestHandleSnapshotDoesNotAlias(t *testing.T) {
	user := "nia"
	handle := NewHandle(&Config{System: SystemConfig{DefaultUser: &user, Timezone: "UTC"}})

	snapshot := handle.Snapshot()
	*snapshot.System.DefaultUser = "mallory"

	if got := handle.Snapshot(); *got.System.DefaultUser != "nia" {
		t.Errorf("mutating a snapshot leaked into the handle: DefaultUser = %q", *got.System.DefaultUser)
	}
}

func TestHandleCommit(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	handle := NewHandle(Default())

	total := 17
	handle.Update(func(config *Config) {
		config.Flags.FirstBootDone = true
		config.RootFS.SystemdTargetsTotal = &total
	})
	if err := handle.Commit(store); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	read, _, err := store.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !read.Flags.FirstBootDone {
		t.Error("committed record lost FirstBootDone")
	}
	if read.RootFS.SystemdTargetsTotal == nil || *read.RootFS.SystemdTargetsTotal != 17 {
		t.Errorf("SystemdTargetsTotal = %v, want 17", read.RootFS.SystemdTargetsTotal)
	}
}
