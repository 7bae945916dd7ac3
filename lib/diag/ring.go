// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

// Package diag collects boot diagnostics: a ring buffer of recent log
// output, kernel log tails, and the fatal-error report shown on the
// dedicated error view, including its machine-decodable compressed
// payload sized for a visual code.
package diag

import (
	"strings"
	"sync"
)

// DefaultLogBufferSize holds minutes of boot log output, far more
// than any report includes.
const DefaultLogBufferSize = 256 * 1024

// LogBuffer is a fixed-size circular buffer of raw log bytes. The
// boot process tees its structured log stream into one of these so a
// fatal-error report can include the recent tail.
//
// All methods are safe for concurrent use.
type LogBuffer struct {
	mutex    sync.Mutex
	data     []byte
	capacity int
	// writePosition is the next position to write within the
	// circular buffer.
	writePosition int
	// totalWritten is the total number of bytes ever written.
	totalWritten uint64
}

// NewLogBuffer creates a buffer with the given capacity in bytes.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends bytes, overwriting the oldest data when full. Always
// succeeds, so it satisfies io.Writer for use in a MultiWriter with
// the primary log destination.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for offset := 0; offset < len(p); {
		available := b.capacity - b.writePosition
		length := len(p) - offset
		if length > available {
			length = available
		}
		copy(b.data[b.writePosition:b.writePosition+length], p[offset:offset+length])
		b.writePosition = (b.writePosition + length) % b.capacity
		offset += length
	}
	b.totalWritten += uint64(len(p))
	return len(p), nil
}

// Contents returns the retained bytes in write order.
func (b *LogBuffer) Contents() []byte {
	contents, _ := b.snapshot()
	return contents
}

// snapshot copies out the retained bytes and whether the ring has
// wrapped, as one consistent view under the lock.
func (b *LogBuffer) snapshot() (contents []byte, wrapped bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.totalWritten <= uint64(b.capacity) {
		out := make([]byte, b.totalWritten)
		copy(out, b.data[:b.totalWritten])
		return out, false
	}
	out := make([]byte, 0, b.capacity)
	out = append(out, b.data[b.writePosition:]...)
	out = append(out, b.data[:b.writePosition]...)
	return out, true
}

// Tail returns up to maxLines of the most recent complete lines. A
// partial first line left over from ring wraparound is dropped.
func (b *LogBuffer) Tail(maxLines int) []string {
	contents, wrapped := b.snapshot()

	lines := strings.Split(strings.TrimRight(string(contents), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if wrapped && len(lines) > 0 {
		lines = lines[1:]
	}
	return KeepLastLines(lines, maxLines)
}

// KeepLastLines returns the last n entries of lines.
func KeepLastLines(lines []string, n int) []string {
	if n < 0 || len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
