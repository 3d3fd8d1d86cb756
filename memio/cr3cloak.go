package memio

import "sync"

// CR3Cloak is the process-wide CR3 XOR cloaking key (spec.md §4.7):
// "a process-wide XOR key. When enabled, cr3_decrypt(observed) =
// observed ^ KEY; all guest-walker inputs go through it." Guarded by a
// mutex because it is part of the cross-CPU shared configuration block
// spec.md §5 "Ordering" calls out as read at every exit.
type CR3Cloak struct {
	mu      sync.RWMutex
	enabled bool
	key     uint64
}

// Enable turns on cloaking with the given key.
func (c *CR3Cloak) Enable(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled = true
	c.key = key
}

// Disable turns off cloaking; Decrypt becomes the identity function.
func (c *CR3Cloak) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled = false
}

// Enabled reports whether cloaking is currently active.
func (c *CR3Cloak) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.enabled
}

// Decrypt applies cr3_decrypt: observed^key when enabled, identity
// otherwise. Every guest-walker input passes through this (spec.md
// §4.7).
func (c *CR3Cloak) Decrypt(observed uint64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.enabled {
		return observed
	}

	return observed ^ c.key
}

// Encrypt is Decrypt's inverse (XOR is self-inverse), used by tests and
// by whatever writes a cloaked CR3 value into guest-visible state.
func (c *CR3Cloak) Encrypt(value uint64) uint64 {
	return c.Decrypt(value)
}
