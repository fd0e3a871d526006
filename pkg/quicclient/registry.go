// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicclient

import (
	"sync"
	"sync/atomic"
)

// Registry is a thread-safe handle table mapping opaque integer
// handles to Clients, in the style of the convergence layer's
// cla.Manager: a single shared map guarded against concurrent
// Register/lookup from arbitrary caller goroutines. Per spec.md §9's
// design note, next_handle never decrements — handles are single-use
// tokens good for the process lifetime.
//
// The preferred design spec.md §9 points to — per-caller ownership of
// opaque client objects, with a registry only at the language-binding
// layer — is left to that binding layer; this Registry exists because
// the façade's own contract (spec.md §6) is handle-based.
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]*Client
	next    int64
}

// NewRegistry creates an empty handle registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[int64]*Client)}
}

// Create registers a freshly built Client and returns its handle, or
// 0 if the registry could not allocate one (spec.md §6: "handle (>0)
// or 0 on OOM" — here, nothing short of an out-of-memory panic could
// fail this, but the zero-handle contract is preserved for binding
// layers that check it).
func (r *Registry) Create(c *Client) int64 {
	handle := atomic.AddInt64(&r.next, 1)

	r.mu.Lock()
	r.clients[handle] = c
	r.mu.Unlock()

	return handle
}

// Get resolves a handle to its Client, validating it under the
// registry lock as spec.md §4.G requires of every public operation.
func (r *Registry) Get(handle int64) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[handle]
	return c, ok
}

// Remove closes and forgets handle. Calling it twice is a no-op,
// matching Client.Close's own idempotence.
func (r *Registry) Remove(handle int64) {
	r.mu.Lock()
	c, ok := r.clients[handle]
	if ok {
		delete(r.clients, handle)
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
}
