// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestSelfDigestIsStable(t *testing.T) {
	first, err := SelfDigest()
	if err != nil {
		t.Fatalf("SelfDigest: %v", err)
	}
	second, err := SelfDigest()
	if err != nil {
		t.Fatalf("SelfDigest: %v", err)
	}
	if first != second {
		t.Errorf("digest changed between calls: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Errorf("digest length = %d hex chars, want 64", len(first))
	}
}

func TestBannerCarriesPosture(t *testing.T) {
	info := Info{
		Version:          "1.2.3",
		GitCommit:        "abc1234",
		KernelVersion:    "6.1.0-slate",
		BinaryDigest:     "feedface",
		SigningEnforced:  true,
		DebugFramework:   false,
		RecoveryFeatures: true,
	}
	banner := info.Banner()
	for _, want := range []string{
		"1.2.3",
		"abc1234",
		"6.1.0-slate",
		"signature enforcement: on",
		"debug framework: off",
		"recovery features: on",
	} {
		if !strings.Contains(banner, want) {
			t.Errorf("banner missing %q:\n%s", want, banner)
		}
	}
}
