// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// Package signing gates every artifact loaded from unencrypted
// storage behind a detached RSA signature: the rootfs image, the
// firmware image, user debug scripts, and user daemon-config
// overrides. All of them fail closed.
//
// The signature for an artifact lives in a sibling file at the
// artifact's path plus [SignatureSuffix]. Verification is SHA-256 +
// RSA PKCS#1 v1.5 against the public key embedded in the boot chain.
//
// Building with -tags signing_bypass compiles a variant whose Verify
// always reports success. The bypass is a compile-time security
// posture for development images, never a runtime toggle: an
// enforcing binary has no code path that skips verification.
package signing

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// SignatureSuffix is appended to an artifact's path to locate its
// detached signature file.
const SignatureSuffix = ".dgst"

// ReadPublicKey loads a PEM-encoded PKIX RSA public key, normally the
// key material the boot chain placed at a fixed path before stage 1
// started.
func ReadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading public key %s: %w", path, err)
	}
	return ParsePublicKey(raw)
}

// ParsePublicKey parses a PEM-encoded PKIX RSA public key.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("public key is not PEM encoded")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want *rsa.PublicKey", parsed)
	}
	return key, nil
}

// SignaturePath returns the detached signature path for an artifact.
func SignaturePath(artifactPath string) string {
	return artifactPath + SignatureSuffix
}
