// Package protoreg implements a small registry mapping a protocol
// identifier to a handler. The same generic type serves two roles in the
// stack: dispatch on Ethernet ethertype at the link layer, and dispatch on
// IP protocol number at the network layer — both are "register a handler
// under a numeric tag, look it up on receive" with no other behavior in
// common, so one generic registry covers both instead of two near-copies.
package protoreg

import "sync"

// Registry maps a protocol tag of type K to a handler of type H.
type Registry[K comparable, H any] struct {
	mu       sync.RWMutex
	handlers map[K]H
}

// New returns an empty Registry.
func New[K comparable, H any]() *Registry[K, H] {
	return &Registry[K, H]{handlers: make(map[K]H)}
}

// Register associates tag with h, replacing any previous handler.
func (r *Registry[K, H]) Register(tag K, h H) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[tag] = h
}

// Unregister removes the handler for tag, if any.
func (r *Registry[K, H]) Unregister(tag K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, tag)
}

// Lookup returns the handler registered for tag, and whether one exists.
func (r *Registry[K, H]) Lookup(tag K) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[tag]
	return h, ok
}
