// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package bootconfig

import "sync"

// Handle is the mutex-guarded in-memory view of the boot
// configuration. The orchestrator owns the Handle; the presentation
// layer and the debug framework mutate the configuration only through
// it, never through ambient shared state.
//
// Mutations are buffered in memory. Nothing touches the disk until
// the orchestrator calls Commit on a terminal transition or at
// first-boot completion.
type Handle struct {
	mu     sync.Mutex
	config *Config
}

// NewHandle wraps an already-read configuration.
func NewHandle(config *Config) *Handle {
	return &Handle{config: config}
}

// Snapshot returns a copy of the current configuration. Pointer
// fields are duplicated so the caller cannot alias guarded state.
func (h *Handle) Snapshot() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyConfig(h.config)
}

// Update applies mutate under the lock.
func (h *Handle) Update(mutate func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mutate(h.config)
}

// Commit writes the current configuration through the store as the
// committed (non-pending) record.
func (h *Handle) Commit(store *Store) error {
	h.mu.Lock()
	snapshot := copyConfig(h.config)
	h.mu.Unlock()
	return store.Write(&snapshot, false)
}

func copyConfig(config *Config) Config {
	duplicate := *config
	duplicate.RootFS.SystemdTargetsTotal = copyPointer(config.RootFS.SystemdTargetsTotal)
	duplicate.System.DefaultUser = copyPointer(config.System.DefaultUser)
	duplicate.System.SplashWallpaper.Model = copyPointer(config.System.SplashWallpaper.Model)
	duplicate.System.SplashWallpaper.FlowParticles = copyPointer(config.System.SplashWallpaper.FlowParticles)
	duplicate.Debug.USBNetHostMAC = copyPointer(config.Debug.USBNetHostMAC)
	duplicate.Debug.USBNetDeviceMAC = copyPointer(config.Debug.USBNetDeviceMAC)
	return duplicate
}

func copyPointer[T any](p *T) *T {
	if p == nil {
		return nil
	}
	value := *p
	return &value
}
