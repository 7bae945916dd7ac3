// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// Package version renders the boot banner: build identity, security
// posture, and a digest of the running binary so a device in the
// field can be matched to an exact build.
package version

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/slateos/slate-init/lib/signing"
)

// These variables are set via -ldflags at build time, for example:
//
//	go build -ldflags "-X github.com/slateos/slate-init/lib/version.GitCommit=$(git rev-parse --short HEAD)"
var (
	// Version is the release string, set manually for releases.
	Version = "0.1.0-dev"

	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"
)

// Info is everything the banner prints.
type Info struct {
	Version          string
	GitCommit        string
	KernelVersion    string
	BinaryDigest     string
	SigningEnforced  bool
	DebugFramework   bool
	RecoveryFeatures bool
}

// Collect gathers banner information. A failure to read the kernel
// version or the self-digest degrades to a placeholder rather than
// failing the boot.
func Collect(debugFramework, recoveryFeatures bool) Info {
	info := Info{
		Version:          Version,
		GitCommit:        GitCommit,
		KernelVersion:    "unknown",
		BinaryDigest:     "unknown",
		SigningEnforced:  signing.Enforcing,
		DebugFramework:   debugFramework,
		RecoveryFeatures: recoveryFeatures,
	}
	if release, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		info.KernelVersion = strings.TrimSpace(string(release))
	}
	if digest, err := SelfDigest(); err == nil {
		info.BinaryDigest = digest
	}
	return info
}

// SelfDigest returns the BLAKE3 digest of the running binary. The
// binary is streamed through the hash function to keep memory usage
// constant.
func SelfDigest() (string, error) {
	executable, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating own binary: %w", err)
	}
	file, err := os.Open(executable)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", executable, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", executable, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Banner renders the multi-line boot banner.
func (i Info) Banner() string {
	onOff := func(enabled bool) string {
		if enabled {
			return "on"
		}
		return "off"
	}
	var out strings.Builder
	fmt.Fprintf(&out, "slate-init %s (%s)\n", i.Version, i.GitCommit)
	fmt.Fprintf(&out, "kernel: %s\n", i.KernelVersion)
	fmt.Fprintf(&out, "binary: %s\n", i.BinaryDigest)
	fmt.Fprintf(&out, "signature enforcement: %s  debug framework: %s  recovery features: %s",
		onOff(i.SigningEnforced), onOff(i.DebugFramework), onOff(i.RecoveryFeatures))
	return out.String()
}
