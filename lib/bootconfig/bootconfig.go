// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootconfig persists the device's boot configuration on the
// boot partition and recovers from corruption.
//
// The committed record lives at a single fixed path. A transient
// "pending default" sibling exists only while first-boot learning is
// in progress; any non-pending write deletes it. The record is read
// once at boot, mutated in memory through a mutex-guarded [Handle],
// and written back only on a terminal transition or first-boot
// completion.
package bootconfig

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// FileName is the committed on-disk record, relative to the boot
// partition mountpoint.
const FileName = "boot_config.yaml"

// PendingSuffix is appended to FileName for the transient record
// written while first-boot learning is in progress.
const PendingSuffix = ".pending"

// OverlayKind selects the overlay technology used to composite the
// root filesystem. Fixed at image build time; the assembler never
// falls back from one to the other.
type OverlayKind string

const (
	// OverlayKernel composites with the in-kernel overlay filesystem.
	OverlayKernel OverlayKind = "kernel"
	// OverlayFUSE composites with the fuse-overlayfs binary.
	OverlayFUSE OverlayKind = "fuse"
)

// Rotation is the initial screen rotation in degrees.
type Rotation int

// UnmarshalYAML validates the rotation against the panel's four
// supported orientations.
func (r *Rotation) UnmarshalYAML(value *yaml.Node) error {
	var degrees int
	if err := value.Decode(&degrees); err != nil {
		return err
	}
	switch degrees {
	case 0, 90, 180, 270:
		*r = Rotation(degrees)
		return nil
	}
	return fmt.Errorf("invalid screen rotation %d (want 0, 90, 180, or 270)", degrees)
}

// Config is the persisted boot configuration.
type Config struct {
	Flags  FlagsConfig  `yaml:"flags"`
	RootFS RootFSConfig `yaml:"rootfs"`
	System SystemConfig `yaml:"system"`
	Debug  DebugConfig  `yaml:"debug,omitempty"`
}

// FlagsConfig holds one-shot boot flags.
type FlagsConfig struct {
	// FirstBootDone is false until the first successful boot finishes
	// its learning pass. Corruption recovery forces it to true so a
	// damaged record never re-triggers first-boot setup.
	FirstBootDone bool `yaml:"first_boot_done"`
}

// RootFSConfig describes the root filesystem image and its overlay.
type RootFSConfig struct {
	// PersistentStorage selects durable upper/work directories for
	// the overlay. When false, writes into the overlay vanish on
	// reboot.
	PersistentStorage bool `yaml:"persistent_storage"`

	// Timestamp is the modification time (Unix seconds) of the rootfs
	// image observed when SystemdTargetsTotal was recorded. A
	// mismatch with the current image invalidates the recorded total.
	Timestamp int64 `yaml:"timestamp"`

	// Overlay is the compositing technology, fixed at deployment.
	Overlay OverlayKind `yaml:"overlay"`

	// SystemdTargetsTotal is the number of "Reached target" kernel
	// log lines counted during the learning boot. Nil until a
	// learning pass has completed.
	SystemdTargetsTotal *int `yaml:"systemd_targets_total,omitempty"`
}

// WallpaperConfig configures the procedural splash wallpaper.
type WallpaperConfig struct {
	// Model names the generator model, or "random".
	Model *string `yaml:"model,omitempty"`

	// FlowParticles overrides the particle count for the flow model.
	FlowParticles *uint64 `yaml:"flow_particles,omitempty"`
}

// SystemConfig holds user-facing system settings.
type SystemConfig struct {
	DefaultUser           *string         `yaml:"default_user,omitempty"`
	Timezone              string          `yaml:"timezone"`
	RecoveryFeatures      bool            `yaml:"recovery_features"`
	InitialScreenRotation Rotation        `yaml:"initial_screen_rotation"`
	SplashWallpaper       WallpaperConfig `yaml:"splash_wallpaper,omitempty"`
}

// DebugConfig persists the USB gadget network MAC address pair so the
// host side sees a stable interface across reboots. Only meaningful to
// debug-framework builds; always round-tripped so a non-debug build
// does not destroy it.
type DebugConfig struct {
	USBNetHostMAC   *string `yaml:"usbnet_host_mac,omitempty"`
	USBNetDeviceMAC *string `yaml:"usbnet_dev_mac,omitempty"`
}

// Default returns the configuration used when no committed record
// exists yet.
func Default() *Config {
	return &Config{
		System: SystemConfig{Timezone: "UTC"},
		RootFS: RootFSConfig{Overlay: OverlayFUSE},
	}
}
