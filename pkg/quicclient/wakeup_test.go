// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicclient

import (
	"sync"
	"testing"
	"time"
)

func TestWakeupChannelCoalesces(t *testing.T) {
	w := newWakeupChannel()

	w.post()
	w.post()
	w.post()

	select {
	case <-w.recv():
	default:
		t.Fatal("expected a pending wakeup")
	}

	select {
	case <-w.recv():
		t.Fatal("expected coalesced posts to produce exactly one pending wakeup")
	default:
	}
}

// TestWakeupLiveness is the "wake-up liveness" law from spec.md §8: a
// cross-thread post is observed by a reader within one cycle, bounded
// here by a 1s timeout, the same as the spec's 1s poll cap.
func TestWakeupLiveness(t *testing.T) {
	w := newWakeupChannel()
	observed := make(chan struct{})

	go func() {
		<-w.recv()
		close(observed)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.post()
	}()
	wg.Wait()

	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("wakeup not observed within 1s")
	}
}

func TestWakeupDrain(t *testing.T) {
	w := newWakeupChannel()
	w.post()
	w.drain()

	select {
	case <-w.recv():
		t.Fatal("drain should have consumed the pending post")
	default:
	}
}
