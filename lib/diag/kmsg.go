// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package diag

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// kmsgRecordSize is the kernel's maximum log record length; each
// read of the log device returns exactly one record.
const kmsgRecordSize = 8192

// ReadKernelLogTail drains the kernel log backlog at path and returns
// the last maxLines records. The device is opened non-blocking with
// raw syscalls, bypassing the runtime poller, so the read loop
// terminates at the end of the backlog instead of waiting for new
// records.
func ReadKernelLogTail(path string, maxLines int) ([]string, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("opening kernel log %s: %w", path, err)
	}
	defer unix.Close(fd)

	var lines []string
	buffer := make([]byte, kmsgRecordSize)
	for {
		n, err := unix.Read(fd, buffer)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			// EPIPE means the reader fell behind a ring overwrite;
			// continuing resynchronizes at the next record.
			if errors.Is(err, unix.EPIPE) {
				continue
			}
			return nil, fmt.Errorf("reading kernel log: %w", err)
		}
		if n == 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(buffer[:n]), "\n"))
	}
	return KeepLastLines(lines, maxLines), nil
}
