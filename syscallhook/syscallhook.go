// Package syscallhook implements the syscall-related MSR hook state
// (LSTAR/STAR/SFMASK) of spec.md §4.6 opcode 0x300/0x301: "reads return
// the saved 'original' value unless a syscall hook is active, in which
// case LSTAR returns the hook trampoline address; writes update only
// the saved originals."
package syscallhook

import (
	"errors"
	"sync"
)

// ErrAlreadyInstalled is returned by Install when a hook is already
// active.
var ErrAlreadyInstalled = errors.New("syscallhook: already installed")

// ErrNotInstalled is returned by Remove when no hook is active.
var ErrNotInstalled = errors.New("syscallhook: not installed")

// State is the cross-CPU shared syscall-hook critical section spec.md
// §5 "Ordering" calls out as spinlock-protected.
type State struct {
	mu sync.Mutex

	active bool

	origLSTAR, origSTAR, origSFMASK uint64
	hookTrampoline                  uint64
}

// Install records the live LSTAR/STAR/SFMASK values as "original" and
// arms the hook so subsequent LSTAR reads return hookTrampoline instead.
func (s *State) Install(liveLSTAR, liveSTAR, liveSFMASK, hookTrampoline uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return ErrAlreadyInstalled
	}

	s.origLSTAR = liveLSTAR
	s.origSTAR = liveSTAR
	s.origSFMASK = liveSFMASK
	s.hookTrampoline = hookTrampoline
	s.active = true

	return nil
}

// Remove disarms the hook. The saved originals remain so reads keep
// returning a consistent view.
func (s *State) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return ErrNotInstalled
	}

	s.active = false

	return nil
}

// Active reports whether a hook is currently installed.
func (s *State) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// ReadLSTAR returns the hook trampoline address while active, otherwise
// the saved original LSTAR.
func (s *State) ReadLSTAR() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return s.hookTrampoline
	}

	return s.origLSTAR
}

// ReadSTAR/ReadSFMASK always return the saved original: only LSTAR gets
// redirected to the trampoline (spec.md §4.6).
func (s *State) ReadSTAR() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.origSTAR
}

func (s *State) ReadSFMASK() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.origSFMASK
}

// WriteLSTAR/WriteSTAR/WriteSFMASK update only the saved originals, per
// spec.md §4.6 ("writes update only the saved originals"), so the guest
// always observes a consistent view regardless of hook state.
func (s *State) WriteLSTAR(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.origLSTAR = v
}

func (s *State) WriteSTAR(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.origSTAR = v
}

func (s *State) WriteSFMASK(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.origSFMASK = v
}
