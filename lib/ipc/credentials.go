// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"fmt"
	"sync"

	"github.com/slateos/slate-init/lib/secret"
)

// CredentialCache holds the most recently submitted login
// credentials so in-chroot services can re-authenticate the session
// without prompting again. The password lives in locked memory and
// is wiped on overwrite or logout.
//
// Readers always see the latest published value; writers overwrite
// under the same mutex.
type CredentialCache struct {
	mu       sync.Mutex
	username string
	password *secret.Buffer
}

// Publish stores a credential pair, replacing the previous one. An
// empty username and password clears the cache, which is how logout
// is expressed.
func (c *CredentialCache) Publish(username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.password != nil {
		c.password.Close()
		c.password = nil
	}
	c.username = ""

	if username == "" && password == "" {
		return nil
	}

	buffer, err := secret.NewFromBytes([]byte(password))
	if err != nil {
		return fmt.Errorf("caching credentials: %w", err)
	}
	c.username = username
	c.password = buffer
	return nil
}

// Snapshot returns the current credentials. ok is false when nothing
// is cached.
func (c *CredentialCache) Snapshot() (username, password string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.username == "" && c.password == nil {
		return "", "", false
	}
	password = ""
	if c.password != nil {
		password = c.password.String()
	}
	return c.username, password, true
}

// Clear wipes the cache.
func (c *CredentialCache) Clear() {
	c.Publish("", "")
}
