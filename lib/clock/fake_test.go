// Copyright 2026 The Slate Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNow(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	fake := Fake(start)

	if got := fake.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	fake.Advance(90 * time.Second)
	if got := fake.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Errorf("Now() after Advance = %v, want %v", got, start.Add(90*time.Second))
	}
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	ch := fake.After(time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire after Advance past deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeSleepUnblocks(t *testing.T) {
	fake := Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	done := make(chan struct{})

	go func() {
		fake.Sleep(100 * time.Millisecond)
		close(done)
	}()

	// Give the sleeper a moment to register its waiter, then advance.
	for i := 0; i < 100; i++ {
		fake.mu.Lock()
		registered := len(fake.waiters) > 0
		fake.mu.Unlock()
		if registered {
			break
		}
		time.Sleep(time.Millisecond)
	}

	fake.Advance(100 * time.Millisecond)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not unblock after Advance")
	}
}

func TestFakeTickerMultipleIntervals(t *testing.T) {
	fake := Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	fake.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	fake.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after second interval")
	}
}

func TestFakeTickerStop(t *testing.T) {
	fake := Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()

	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}
