// Package telemetry implements a vCPU's execution telemetry: exit
// counter, per-code histogram, and NPF ring buffer (spec.md §3
// "Execution telemetry").
package telemetry

import (
	"container/ring"
	"sync"
)

const (
	// HistogramBuckets is the per-exit-code histogram size; spec.md §3
	// requires "at least 64 buckets".
	HistogramBuckets = 64

	// NPFRingSize is the NPF ring buffer capacity (spec.md §3: "256
	// entries").
	NPFRingSize = 256
)

// NPFEntry is one recorded nested-page-fault (spec.md §4.4).
type NPFEntry struct {
	GPA       uint64
	ErrorCode uint64
}

// Telemetry is one vCPU's execution telemetry block. Between calls to
// Clear, counters only ever increase (spec.md §8 "Telemetry
// monotonicity"); Clear resets them to zero. The NPF ring overwrites
// its oldest entry once full, the idiomatic use of container/ring.
type Telemetry struct {
	mu sync.Mutex

	exitCount      uint64
	histogram      [HistogramBuckets]uint64
	lastExitCode   uint64
	lastUnhandled  uint64
	hasUnhandled   bool

	npfRing *ring.Ring
	npfLen  int
}

// New builds an empty Telemetry block.
func New() *Telemetry {
	return &Telemetry{npfRing: ring.New(NPFRingSize)}
}

// RecordExit bumps the exit counter, the histogram bucket for code
// (mod HistogramBuckets, so exit codes beyond the bucket count still
// land somewhere rather than panicking), and the last-exit-code field.
func (t *Telemetry) RecordExit(code uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.exitCount++
	t.histogram[code%HistogramBuckets]++
	t.lastExitCode = code
}

// RecordUnhandled records an exit code the dispatcher had no handler
// for (spec.md §6 "unhandled-exit").
func (t *Telemetry) RecordUnhandled(code uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastUnhandled = code
	t.hasUnhandled = true
}

// RecordNPF pushes an NPF entry into the 256-entry ring, overwriting the
// oldest entry once full.
func (t *Telemetry) RecordNPF(gpa, errorCode uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.npfRing.Value = NPFEntry{GPA: gpa, ErrorCode: errorCode}
	t.npfRing = t.npfRing.Next()

	if t.npfLen < NPFRingSize {
		t.npfLen++
	}
}

// ExitCount returns the total number of recorded exits.
func (t *Telemetry) ExitCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.exitCount
}

// ExitCountByCode returns the histogram bucket count for code.
func (t *Telemetry) ExitCountByCode(code uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.histogram[code%HistogramBuckets]
}

// LastUnhandled returns the most recently recorded unhandled exit code
// and whether one has ever been recorded.
func (t *Telemetry) LastUnhandled() (code uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lastUnhandled, t.hasUnhandled
}

// NPFCount returns the number of NPF entries currently held (capped at
// NPFRingSize).
func (t *Telemetry) NPFCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.npfLen
}

// NPFAt returns the index-th most recently recorded NPF entry (0 = most
// recent), spec.md §4.8 hypercall 0x401 "NPF entry by index".
func (t *Telemetry) NPFAt(index int) (NPFEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= t.npfLen {
		return NPFEntry{}, false
	}

	r := t.npfRing
	// npfRing currently points at the next slot to be written, i.e. one
	// past the most recently written entry.
	r = r.Move(-1 - index)

	entry, ok := r.Value.(NPFEntry)

	return entry, ok
}

// Clear resets every counter and the NPF ring, spec.md §4.8 hypercall
// 0x404 "clear".
func (t *Telemetry) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.exitCount = 0
	t.histogram = [HistogramBuckets]uint64{}
	t.lastExitCode = 0
	t.lastUnhandled = 0
	t.hasUnhandled = false
	t.npfRing = ring.New(NPFRingSize)
	t.npfLen = 0
}
