// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !signing_bypass

package signing

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Enforcing reports whether this build verifies signatures. Shown in
// the version banner so a bypass image is always identifiable.
const Enforcing = true

// Verify checks the artifact at path against its detached signature.
//
// Returns (false, nil) when the signature file is missing, truncated,
// or does not verify against the key — a bad signature is an expected
// outcome, not an error. Returns a non-nil error only when reading
// the artifact or the signature file fails for I/O reasons other
// than absence.
func Verify(publicKey *rsa.PublicKey, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("reading %s for signature verification: %w", path, err)
	}

	signature, err := os.ReadFile(SignaturePath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading signature %s: %w", SignaturePath(path), err)
	}

	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, digest[:], signature); err != nil {
		return false, nil
	}
	return true, nil
}
