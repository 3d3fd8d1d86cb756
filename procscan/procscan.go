// Package procscan implements process-metadata lookup (spec.md §4.6
// opcodes 0x320-0x322) by walking the guest OS's process list directly
// out of guest physical memory, rather than calling back into the
// monitored OS: it is built entirely on the guest walker and memio
// primitives already required for address translation and memory I/O.
package procscan

import (
	"errors"

	"github.com/kryvos/svmhv/memio"
	"github.com/kryvos/svmhv/walker"
)

// ErrNotFound is returned when a PID walk reaches back to the head of
// the list without a match.
var ErrNotFound = errors.New("procscan: process not found")

// ErrCycle guards against a corrupted or adversarial process list: the
// walk gives up rather than looping forever.
var ErrCycle = errors.New("procscan: process list walk exceeded bound")

// maxWalkSteps bounds the list walk; a real OS process list is never
// anywhere near this long.
const maxWalkSteps = 1 << 16

// FieldLayout describes the caller-supplied byte offsets of the fields
// this package needs within one OS process block, since those offsets
// are OS/version specific and outside this design's scope to hardcode.
type FieldLayout struct {
	NextLinkOffset  uint64
	PIDOffset       uint64
	DirTableOffset  uint64 // CR3 / directory table base
	ImageBaseOffset uint64
}

// Scanner walks a guest's process list through the guest walker + guest
// physical memory reader.
type Scanner struct {
	Mem    *memio.GuestMemory
	Layout FieldLayout

	// HeadGVA is the guest-virtual address of the process-list head
	// (e.g. the kernel's PsActiveProcessHead-equivalent), and
	// CurrentGVA is the guest-virtual address of the "current process"
	// block, both supplied by the caller at construction since
	// discovering them is OS-specific and out of this package's scope.
	HeadGVA    uint64
	CurrentGVA uint64

	// KernelCR3 is the guest CR3 used to translate the kernel's own
	// process-list pointers (kernel data structures live in the kernel's
	// address space regardless of which process is current).
	KernelCR3 uint64
}

func (s *Scanner) readField(blockGVA uint64, offset uint64) (uint64, error) {
	gpa, err := walker.Translate(s.Mem, s.KernelCR3, blockGVA+offset)
	if err != nil {
		return 0, err
	}

	return s.Mem.ReadPhys64(gpa)
}

// CurrentImageBase returns the image base of the currently running
// process (spec.md §4.6 opcode 0x320).
func (s *Scanner) CurrentImageBase() (uint64, error) {
	return s.readField(s.CurrentGVA, s.Layout.ImageBaseOffset)
}

// findBlock walks the process list from HeadGVA looking for a block
// whose PID field matches pid.
func (s *Scanner) findBlock(pid uint64) (blockGVA uint64, err error) {
	cur := s.HeadGVA

	for i := 0; i < maxWalkSteps; i++ {
		gotPID, err := s.readField(cur, s.Layout.PIDOffset)
		if err != nil {
			return 0, err
		}

		if gotPID == pid {
			return cur, nil
		}

		next, err := s.readField(cur, s.Layout.NextLinkOffset)
		if err != nil {
			return 0, err
		}

		if next == s.HeadGVA || next == 0 {
			return 0, ErrNotFound
		}

		cur = next
	}

	return 0, ErrCycle
}

// ImageBaseByPID returns the image base of the process with the given
// PID (spec.md §4.6 opcode 0x321).
func (s *Scanner) ImageBaseByPID(pid uint64) (uint64, error) {
	block, err := s.findBlock(pid)
	if err != nil {
		return 0, err
	}

	return s.readField(block, s.Layout.ImageBaseOffset)
}

// CR3ByPID returns the directory table base (CR3) of the process with
// the given PID (spec.md §4.6 opcode 0x322).
func (s *Scanner) CR3ByPID(pid uint64) (uint64, error) {
	block, err := s.findBlock(pid)
	if err != nil {
		return 0, err
	}

	return s.readField(block, s.Layout.DirTableOffset)
}
