// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !signing_bypass

package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return key
}

// writeSigned writes an artifact plus a valid detached signature and
// returns the artifact path.
func writeSigned(t *testing.T, dir string, key *rsa.PrivateKey, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, "rootfs.squashfs")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}
	digest := sha256.Sum256(content)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("signing artifact: %v", err)
	}
	if err := os.WriteFile(SignaturePath(path), signature, 0644); err != nil {
		t.Fatalf("writing signature: %v", err)
	}
	return path
}

func TestVerifyValidSignature(t *testing.T) {
	key := generateKey(t)
	path := writeSigned(t, t.TempDir(), key, []byte("squashfs image bytes"))

	ok, err := Verify(&key.PublicKey, path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("Verify = false for a validly signed artifact")
	}
}

func TestVerifyModifiedArtifact(t *testing.T) {
	key := generateKey(t)
	path := writeSigned(t, t.TempDir(), key, []byte("squashfs image bytes"))

	if err := os.WriteFile(path, []byte("tampered"), 0644); err != nil {
		t.Fatalf("tampering: %v", err)
	}

	ok, err := Verify(&key.PublicKey, path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("Verify = true for a modified artifact")
	}
}

func TestVerifyMissingSignature(t *testing.T) {
	key := generateKey(t)
	path := filepath.Join(t.TempDir(), "rootfs.squashfs")
	if err := os.WriteFile(path, []byte("unsigned"), 0644); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}

	ok, err := Verify(&key.PublicKey, path)
	if err != nil {
		t.Fatalf("Verify returned error for absent signature, want (false, nil): %v", err)
	}
	if ok {
		t.Error("Verify = true for an artifact with no signature file")
	}
}

func TestVerifyTruncatedSignature(t *testing.T) {
	key := generateKey(t)
	path := writeSigned(t, t.TempDir(), key, []byte("squashfs image bytes"))

	signature, err := os.ReadFile(SignaturePath(path))
	if err != nil {
		t.Fatalf("reading signature: %v", err)
	}
	if err := os.WriteFile(SignaturePath(path), signature[:len(signature)/2], 0644); err != nil {
		t.Fatalf("truncating signature: %v", err)
	}

	ok, err := Verify(&key.PublicKey, path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("Verify = true for a truncated signature")
	}
}

func TestVerifyWrongKey(t *testing.T) {
	signingKey := generateKey(t)
	otherKey := generateKey(t)
	path := writeSigned(t, t.TempDir(), signingKey, []byte("squashfs image bytes"))

	ok, err := Verify(&otherKey.PublicKey, path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("Verify = true under a different public key")
	}
}

func TestVerifyMissingArtifactIsError(t *testing.T) {
	key := generateKey(t)

	_, err := Verify(&key.PublicKey, filepath.Join(t.TempDir(), "absent.squashfs"))
	if err == nil {
		t.Error("Verify on a missing artifact returned nil error, want I/O error")
	}
}

func TestParsePublicKeyRoundTrip(t *testing.T) {
	key := generateKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	parsed, err := ParsePublicKey(pemBytes)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if parsed.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("parsed key modulus differs from original")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey([]byte("not pem")); err == nil {
		t.Error("ParsePublicKey accepted non-PEM input")
	}
}

func TestEnforcingBuild(t *testing.T) {
	if !Enforcing {
		t.Error("Enforcing = false in a default build")
	}
}
