// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicclient

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// pollInterval is the event loop's safety-net tick, the Go analogue
// of spec.md §4.F's "compute_timeout_ms() in [0, 1000]" poll bound.
// quic-go pushes its own readiness (blocking Stream.Read goroutines,
// not a poll loop we drive), so this tick exists only to make sure a
// pending send queued without a wakeup getting through is still
// picked up within a bounded time.
const pollInterval = 200 * time.Millisecond

// eventLoop is the single goroutine per connection that multiplexes
// wakeups, shutdown, and outbound drains, mirroring spec.md §4.F's
// pseudocode.
type eventLoop struct {
	client *Client
}

func newEventLoop(c *Client) *eventLoop {
	return &eventLoop{client: c}
}

// run is the worker goroutine body. It returns once close_requested
// is observed or a fatal error stops the loop.
func (l *eventLoop) run() {
	c := l.client
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	l.sendPending()

	for {
		select {
		case <-c.wakeup.recv():
			l.sendPending()

		case <-ticker.C:
			l.sendPending()

		case <-c.shutdownCh:
			c.wakeup.drain()
			c.engine.closeConnection(0, c.lastErrorCode())
			c.setRunning(false)
			return
		}

		if !c.isRunning() {
			return
		}
	}
}

// sendPending drains every stream with queued bytes through the
// engine, recording the first failure as the connection's fatal
// error and stopping the loop — the same "a fatal error from any step
// terminates the loop" rule spec.md §4.F states.
//
// Once close has already been requested, a drain failure is expected
// (the peer may have already torn down its side of streams we are
// mid-write on) and is reclassified as a shutdown-kind error: still
// recorded via last_error(), but it does not re-trigger the shutdown
// cascade or overwrite a more specific error the fatal path already
// set, per spec.md §7 "Shutdown — reported but not propagated once
// close has been requested."
func (l *eventLoop) sendPending() {
	c := l.client
	for _, id := range c.store.pendingStreamIDs() {
		if err := c.engine.drainSend(id); err != nil {
			if c.isCloseRequested() {
				log.WithError(err).WithField("stream", id).Debug("drain error during shutdown, suppressing propagation")
				if c.lastErrorValue() == nil {
					c.setLastError(shutdownErr("stream drain failed during shutdown", err))
				}
				return
			}

			log.WithError(err).WithField("stream", id).Warn("fatal error draining stream, closing connection")
			c.setLastError(err)
			c.engine.closeConnection(0, err.Error())
			c.setRunning(false)
			c.triggerShutdown()
			return
		}
	}
}
