// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package rootfs

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/slateos/slate-init/lib/bootconfig"
	"github.com/slateos/slate-init/lib/signing"
)

type mountCall struct {
	source string
	target string
	fstype string
	flags  uintptr
	data   string
}

// fakeMounter records mount and unmount calls and can be told to fail
// the first mount whose target contains failTarget.
type fakeMounter struct {
	mounts     []mountCall
	unmounts   []string
	failTarget string
	onUnmount  func(target string)
}

func (m *fakeMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	if m.failTarget != "" && strings.Contains(target, m.failTarget) {
		return fmt.Errorf("injected mount failure for %s", target)
	}
	m.mounts = append(m.mounts, mountCall{source, target, fstype, flags, data})
	return nil
}

func (m *fakeMounter) Unmount(target string, flags int) error {
	m.unmounts = append(m.unmounts, target)
	if m.onUnmount != nil {
		m.onUnmount(target)
	}
	return nil
}

// signImage writes content at path with a valid detached signature
// and returns the matching public key.
func signImage(t *testing.T, path string, content []byte) *rsa.PublicKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("writing image: %v", err)
	}
	digest := sha256.Sum256(content)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("signing image: %v", err)
	}
	if err := os.WriteFile(signing.SignaturePath(path), signature, 0644); err != nil {
		t.Fatalf("writing signature: %v", err)
	}
	return &key.PublicKey
}

func testPaths(t *testing.T) (Paths, *rsa.PublicKey) {
	t.Helper()
	root := t.TempDir()

	image := filepath.Join(root, "rootfs.squashfs")
	publicKey := signImage(t, image, []byte("squashfs image"))

	modules := filepath.Join(root, "modules")
	if err := os.MkdirAll(modules, 0755); err != nil {
		t.Fatalf("creating modules source: %v", err)
	}

	return Paths{
		ImagePath:          image,
		ScratchDir:         filepath.Join(root, "scratch"),
		TargetDir:          filepath.Join(root, "target"),
		PersistentUpperDir: filepath.Join(root, "data", "write"),
		PersistentWorkDir:  filepath.Join(root, "data", "work"),
		AuxBinds: []Bind{
			{Source: modules, TargetRel: "lib/modules"},
			{Source: filepath.Join(root, "home"), TargetRel: "home", Optional: true},
		},
	}, publicKey
}

func TestAssembleEphemeral(t *testing.T) {
	paths, publicKey := testPaths(t)
	mounter := &fakeMounter{}
	var commands [][]string
	run := func(name string, args ...string) error {
		commands = append(commands, append([]string{name}, args...))
		return nil
	}

	assembler := New(Options{
		Paths:   paths,
		Overlay: bootconfig.OverlayKernel,
		Mounter: mounter,
		Run:     run,
	})
	if err := assembler.Assemble(publicKey, false); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if got, want := assembler.State(), StateReady; got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}

	// The squashfs goes through the external mount binary.
	if len(commands) != 1 {
		t.Fatalf("got %d commands, want 1: %v", len(commands), commands)
	}
	if got, want := commands[0][len(commands[0])-1], paths.LowerDir(); got != want {
		t.Errorf("lower mount target = %q, want %q", got, want)
	}

	// Scratch tmpfs first, then the composite, then binds and
	// pseudo-filesystems.
	if got, want := mounter.mounts[0].target, paths.ScratchDir; got != want {
		t.Errorf("first mount target = %q, want %q", got, want)
	}
	composite := mounter.mounts[1]
	if composite.fstype != "overlay" {
		t.Fatalf("composite fstype = %q, want overlay", composite.fstype)
	}
	for _, piece := range []string{
		"lowerdir=" + paths.LowerDir(),
		"upperdir=" + filepath.Join(paths.ScratchDir, "write"),
		"workdir=" + filepath.Join(paths.ScratchDir, "work"),
	} {
		if !strings.Contains(composite.data, piece) {
			t.Errorf("composite data %q missing %q", composite.data, piece)
		}
	}

	var targets []string
	for _, mount := range mounter.mounts {
		targets = append(targets, mount.target)
	}
	for _, want := range []string{
		filepath.Join(paths.TargetDir, "lib/modules"),
		filepath.Join(paths.TargetDir, "proc"),
		filepath.Join(paths.TargetDir, "sys"),
		filepath.Join(paths.TargetDir, "dev"),
		filepath.Join(paths.TargetDir, "tmp"),
		filepath.Join(paths.TargetDir, "run"),
	} {
		found := false
		for _, target := range targets {
			if target == want {
				found = true
			}
		}
		if !found {
			t.Errorf("no mount recorded for %s", want)
		}
	}

	// The optional home bind has no source directory and must be
	// skipped without error.
	for _, target := range targets {
		if target == filepath.Join(paths.TargetDir, "home") {
			t.Errorf("optional bind with absent source was mounted")
		}
	}
}

func TestAssemblePersistentUsesDurableDirectories(t *testing.T) {
	paths, publicKey := testPaths(t)
	mounter := &fakeMounter{}
	assembler := New(Options{
		Paths:   paths,
		Overlay: bootconfig.OverlayKernel,
		Mounter: mounter,
		Run:     func(name string, args ...string) error { return nil },
	})
	if err := assembler.Assemble(publicKey, true); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	composite := mounter.mounts[1]
	if !strings.Contains(composite.data, "upperdir="+paths.PersistentUpperDir) {
		t.Errorf("composite data %q does not use durable upper directory", composite.data)
	}
	if _, err := os.Stat(paths.PersistentWorkDir); err != nil {
		t.Errorf("durable work directory not created: %v", err)
	}
}

func TestAssembleRejectsInvalidSignature(t *testing.T) {
	paths, publicKey := testPaths(t)
	// Modify the image after signing.
	if err := os.WriteFile(paths.ImagePath, []byte("tampered"), 0644); err != nil {
		t.Fatalf("tampering with image: %v", err)
	}

	mounter := &fakeMounter{}
	assembler := New(Options{
		Paths:   paths,
		Overlay: bootconfig.OverlayKernel,
		Mounter: mounter,
		Run:     func(name string, args ...string) error { return nil },
	})
	err := assembler.Assemble(publicKey, false)
	if err == nil {
		t.Fatal("Assemble accepted a tampered image")
	}
	if got, want := assembler.State(), StateUnverified; got != want {
		t.Errorf("state = %v, want %v", got, want)
	}
	if len(mounter.mounts) != 0 {
		t.Errorf("mounts were performed before verification: %v", mounter.mounts)
	}
}

func TestAssembleFailureLeavesStateForTeardown(t *testing.T) {
	paths, publicKey := testPaths(t)
	mounter := &fakeMounter{failTarget: "target"}
	assembler := New(Options{
		Paths:   paths,
		Overlay: bootconfig.OverlayKernel,
		Mounter: mounter,
		Run:     func(name string, args ...string) error { return nil },
	})
	err := assembler.Assemble(publicKey, false)
	if err == nil {
		t.Fatal("Assemble succeeded despite injected composite failure")
	}
	if got, want := assembler.State(), StateUpperPrepared; got != want {
		t.Errorf("state = %v, want %v", got, want)
	}
	// No rollback on failure: the scratch tmpfs and lower mount stay
	// until an explicit teardown.
	if len(mounter.unmounts) != 0 {
		t.Errorf("unmounts during failed assemble: %v", mounter.unmounts)
	}

	assembler.TearDown()
	if got, want := assembler.State(), StateTornDown; got != want {
		t.Errorf("state after teardown = %v, want %v", got, want)
	}
}

func TestTearDownUnmountsInReverseOrder(t *testing.T) {
	paths, publicKey := testPaths(t)
	mounter := &fakeMounter{}
	assembler := New(Options{
		Paths:   paths,
		Overlay: bootconfig.OverlayKernel,
		Mounter: mounter,
		Run:     func(name string, args ...string) error { return nil },
	})
	if err := assembler.Assemble(publicKey, false); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	assembler.TearDown()

	// Every recorded mountpoint is unmounted, plus the squashfs
	// lower mount that went through the mount binary.
	wantCount := len(mounter.mounts) + 1
	if len(mounter.unmounts) != wantCount {
		t.Fatalf("got %d unmounts, want %d", len(mounter.unmounts), wantCount)
	}
	if got, want := mounter.unmounts[0], filepath.Join(paths.TargetDir, "run"); got != want {
		t.Errorf("first unmount = %q, want %q", got, want)
	}
	last := mounter.unmounts[len(mounter.unmounts)-1]
	if last != paths.ScratchDir {
		t.Errorf("last unmount = %q, want scratch %q", last, paths.ScratchDir)
	}
}

func TestTearDownLeavesNoMountsUnderTarget(t *testing.T) {
	paths, publicKey := testPaths(t)
	mounter := &fakeMounter{}

	// Mirror the mount table the kernel would hold: every mount adds
	// an entry, every unmount removes one, and the squashfs lower
	// mounted through the mount binary counts too.
	active := map[string]bool{}
	assembler := New(Options{
		Paths:   paths,
		Overlay: bootconfig.OverlayKernel,
		Mounter: mounter,
		Run: func(name string, args ...string) error {
			active[args[len(args)-1]] = true
			return nil
		},
		Mounts: func(prefix string) ([]string, error) {
			var under []string
			for mountpoint := range active {
				if strings.HasPrefix(mountpoint, prefix) {
					under = append(under, mountpoint)
				}
			}
			return under, nil
		},
	})
	if err := assembler.Assemble(publicKey, false); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	for _, mount := range mounter.mounts {
		active[mount.target] = true
	}

	// Bridge the recorder into the mirrored table before the
	// enumeration runs.
	mounter.onUnmount = func(target string) { delete(active, target) }
	assembler.TearDown()

	for mountpoint := range active {
		t.Errorf("mount still referenced after teardown: %s", mountpoint)
	}
}

func TestAssembleIsSingleUse(t *testing.T) {
	paths, publicKey := testPaths(t)
	assembler := New(Options{
		Paths:   paths,
		Overlay: bootconfig.OverlayKernel,
		Mounter: &fakeMounter{},
		Run:     func(name string, args ...string) error { return nil },
	})
	if err := assembler.Assemble(publicKey, false); err != nil {
		t.Fatalf("first Assemble: %v", err)
	}
	if err := assembler.Assemble(publicKey, false); err == nil {
		t.Fatal("second Assemble succeeded, want error")
	}
}

func TestAssembleFUSE(t *testing.T) {
	paths, publicKey := testPaths(t)
	mounter := &fakeMounter{}
	var commands [][]string
	readyCalled := false
	assembler := New(Options{
		Paths:   paths,
		Overlay: bootconfig.OverlayFUSE,
		Mounter: mounter,
		Run: func(name string, args ...string) error {
			commands = append(commands, append([]string{name}, args...))
			return nil
		},
		FUSEReady: func(path string) error {
			readyCalled = true
			if path != paths.TargetDir {
				t.Errorf("FUSEReady path = %q, want %q", path, paths.TargetDir)
			}
			return nil
		},
	})
	if err := assembler.Assemble(publicKey, false); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !readyCalled {
		t.Error("FUSE readiness wait was not invoked")
	}

	var sawOverlayHelper bool
	for _, command := range commands {
		if strings.Contains(command[0], "fuse-overlayfs") {
			sawOverlayHelper = true
		}
	}
	if !sawOverlayHelper {
		t.Errorf("fuse-overlayfs was not invoked: %v", commands)
	}
}

func TestValidateOverlayPath(t *testing.T) {
	if err := validateOverlayPath("/data/write", "upper"); err != nil {
		t.Errorf("clean path rejected: %v", err)
	}
	if err := validateOverlayPath("/data/wri,te", "upper"); err == nil {
		t.Error("path with comma accepted")
	}
	if err := validateOverlayPath(`/data/wri\te`, "upper"); err == nil {
		t.Error("path with backslash accepted")
	}
}
