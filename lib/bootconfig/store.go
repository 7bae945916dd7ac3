// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package bootconfig

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Store reads and writes the boot configuration under one directory
// (the boot partition mountpoint).
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore returns a Store rooted at dir. A nil logger discards log
// output.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{dir: dir, logger: logger}
}

// Path returns the committed record's path.
func (s *Store) Path() string { return filepath.Join(s.dir, FileName) }

// PendingPath returns the transient pending-default record's path.
func (s *Store) PendingPath() string { return s.Path() + PendingSuffix }

// Read loads the committed configuration.
//
// If the file does not exist, defaults are written immediately and
// returned with valid=true. If the file exists but does not parse,
// the corrupt file is backed up, defaults with FirstBootDone forced
// to true are written immediately, and valid=false is returned — the
// immediate write means a crash right afterwards cannot lose the
// forced flag. Any other I/O failure is returned as an error; disk
// errors here are fatal to the caller.
func (s *Store) Read() (config *Config, valid bool, err error) {
	path := s.Path()
	s.logger.Info("reading boot configuration", "path", path)

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("no boot configuration found, writing defaults")
		config = Default()
		if err := s.Write(config, false); err != nil {
			return nil, false, fmt.Errorf("writing default boot configuration: %w", err)
		}
		return config, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading boot configuration: %w", err)
	}

	config = Default()
	if err := yaml.Unmarshal(raw, config); err != nil {
		s.logger.Warn("boot configuration is corrupt, substituting defaults with first_boot_done set",
			"path", path, "error", err)
		s.backupCorrupt(path)
		config = Default()
		config.Flags.FirstBootDone = true
		if err := s.Write(config, false); err != nil {
			return nil, false, fmt.Errorf("writing recovered boot configuration: %w", err)
		}
		return config, false, nil
	}

	return config, true, nil
}

// Write persists the configuration atomically: marshal to a temporary
// file in the same directory, fsync, rename. A non-pending write
// first removes any stale pending-default sibling, preserving the
// invariant that exactly one committed record exists.
func (s *Store) Write(config *Config, pending bool) error {
	target := s.Path()
	if pending {
		target = s.PendingPath()
	} else {
		if err := os.Remove(s.PendingPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing stale pending boot configuration: %w", err)
		}
	}

	s.logger.Info("writing boot configuration", "path", target, "pending", pending)

	encoded, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("encoding boot configuration: %w", err)
	}

	temporary, err := os.CreateTemp(s.dir, ".boot_config-*")
	if err != nil {
		return fmt.Errorf("creating temporary boot configuration file: %w", err)
	}
	temporaryPath := temporary.Name()

	if _, err := temporary.Write(encoded); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing boot configuration: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing boot configuration: %w", err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing boot configuration: %w", err)
	}
	if err := os.Chmod(temporaryPath, 0644); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("setting boot configuration mode: %w", err)
	}
	if err := os.Rename(temporaryPath, target); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("committing boot configuration: %w", err)
	}
	return nil
}

// backupCorrupt copies the unparseable record aside for postmortem.
// Backup failure is logged only — recovery must proceed regardless.
func (s *Store) backupCorrupt(path string) {
	backupPath := fmt.Sprintf("%s.corrupt-%d", path, nextBackupOrdinal(path))
	source, err := os.Open(path)
	if err != nil {
		s.logger.Warn("cannot open corrupt boot configuration for backup", "error", err)
		return
	}
	defer source.Close()

	destination, err := os.Create(backupPath)
	if err != nil {
		s.logger.Warn("cannot create boot configuration backup", "path", backupPath, "error", err)
		return
	}
	defer destination.Close()

	if _, err := io.Copy(destination, source); err != nil {
		s.logger.Warn("copying corrupt boot configuration failed", "path", backupPath, "error", err)
		return
	}
	s.logger.Info("backed up corrupt boot configuration", "path", backupPath)
}

// nextBackupOrdinal finds the first unused backup suffix so repeated
// corruption never overwrites an earlier postmortem copy.
func nextBackupOrdinal(path string) int {
	for ordinal := 1; ; ordinal++ {
		if _, err := os.Stat(fmt.Sprintf("%s.corrupt-%d", path, ordinal)); errors.Is(err, fs.ErrNotExist) {
			return ordinal
		}
	}
}
