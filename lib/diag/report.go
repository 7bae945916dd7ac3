// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package diag

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// VisualCodeCapacity is the maximum payload, in bytes, a version 40
// low-redundancy QR code holds. The compressed report is trimmed
// until it fits.
const VisualCodeCapacity = 2953

// NewBootID returns the random identifier tying together the
// on-screen report, the archived report, and the log stream of one
// boot.
func NewBootID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generating boot id: %w", err)
	}
	return id.String(), nil
}

// Report is a fatal-error report: the chained failure description
// plus recent log and kernel-log tails.
type Report struct {
	BootID     string
	Reason     string
	LogTail    []string
	KernelTail []string
}

// NewReport builds a report from a causal error chain and the two
// log tails.
func NewReport(bootID string, cause error, logTail, kernelTail []string) Report {
	return Report{
		BootID:     bootID,
		Reason:     cause.Error(),
		LogTail:    logTail,
		KernelTail: kernelTail,
	}
}

// Text renders the full human-readable report.
func (r Report) Text() string {
	var out strings.Builder
	fmt.Fprintf(&out, "boot: %s\n", r.BootID)
	fmt.Fprintf(&out, "fatal: %s\n", r.Reason)
	if len(r.LogTail) > 0 {
		out.WriteString("\n--- log tail ---\n")
		out.WriteString(strings.Join(r.LogTail, "\n"))
		out.WriteString("\n")
	}
	if len(r.KernelTail) > 0 {
		out.WriteString("\n--- kernel log tail ---\n")
		out.WriteString(strings.Join(r.KernelTail, "\n"))
		out.WriteString("\n")
	}
	return out.String()
}

// Payload compresses the report for the on-screen visual code,
// iteratively dropping the oldest tail lines until the compressed
// size fits VisualCodeCapacity. Returns an error only if the reason
// alone cannot be made to fit.
func (r Report) Payload() ([]byte, error) {
	trimmed := r
	for {
		compressed, err := compressXZ([]byte(trimmed.Text()))
		if err != nil {
			return nil, err
		}
		if len(compressed) <= VisualCodeCapacity {
			return compressed, nil
		}
		if !trimmed.dropOldestLine() {
			return nil, fmt.Errorf("report payload (%d bytes compressed) exceeds visual code capacity with all tail lines removed", len(compressed))
		}
	}
}

// dropOldestLine removes the oldest line from the longer of the two
// tails, reporting false once both are empty.
func (r *Report) dropOldestLine() bool {
	if len(r.KernelTail) >= len(r.LogTail) && len(r.KernelTail) > 0 {
		r.KernelTail = r.KernelTail[1:]
		return true
	}
	if len(r.LogTail) > 0 {
		r.LogTail = r.LogTail[1:]
		return true
	}
	return false
}

// xzDictCap matches the 64 MiB dictionary of the xz -9 -e preset, so
// the payload squeezes as many tail lines as possible into the
// visual-code capacity.
const xzDictCap = 64 << 20

func compressXZ(data []byte) ([]byte, error) {
	var out bytes.Buffer
	writer, err := xz.WriterConfig{DictCap: xzDictCap}.NewWriter(&out)
	if err != nil {
		return nil, fmt.Errorf("creating xz writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("compressing report: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finishing compression: %w", err)
	}
	return out.Bytes(), nil
}

// Archive writes the full report, zstd-compressed, to dir. The file
// is named by boot id so repeated failures never overwrite each
// other. Returns the written path.
func (r Report) Archive(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("boot-report-%s.txt.zst", r.BootID))

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating report file: %w", err)
	}
	defer file.Close()

	writer, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return "", fmt.Errorf("creating zstd writer: %w", err)
	}
	if _, err := writer.Write([]byte(r.Text())); err != nil {
		writer.Close()
		return "", fmt.Errorf("writing report: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finishing report: %w", err)
	}
	if err := file.Sync(); err != nil {
		return "", fmt.Errorf("syncing report: %w", err)
	}
	return path, nil
}
