// Package walker implements the four-level guest page walk (spec.md
// §4.5): given a guest linear address and the current guest CR3, it
// descends the guest's own PML4->PDPT->PD->PT through guest physical
// memory and returns the translated guest-physical address.
package walker

import (
	"errors"

	"github.com/kryvos/svmhv/memio"
)

// ErrNoTranslation is returned when any level's present bit is clear.
var ErrNoTranslation = errors.New("walker: no translation (not present)")

const (
	frameMask = uint64(0x000F_FFFF_FFFF_F000)

	flagPresent   = 1 << 0
	flagPageSize  = 1 << 7 // "ps" bit: terminal at PDPT (1GiB) or PD (2MiB)
	entrySize     = 8
	entriesPerTbl = 512

	size4KiB = 0x1000
	size2MiB = 0x20_0000
	size1GiB = 0x4000_0000
)

func index(gva uint64, level int) uint64 {
	shift := uint(12 + 9*level)

	return (gva >> shift) & 0x1FF
}

func readEntry(mem *memio.GuestMemory, tableGPA uint64, idx uint64) (uint64, error) {
	return mem.ReadPhys64(tableGPA + idx*entrySize)
}

// Translate walks cr3 (already decrypted by the caller via a CR3Cloak)
// for gva and returns the translated guest-physical address. Terminal
// large pages at PDPT (1GiB) and PD (2MiB) are honored; any cleared
// present bit at any level yields ErrNoTranslation (spec.md §4.5).
func Translate(mem *memio.GuestMemory, cr3 uint64, gva uint64) (uint64, error) {
	pml4Base := cr3 & frameMask

	pml4e, err := readEntry(mem, pml4Base, index(gva, 3))
	if err != nil {
		return 0, err
	}

	if pml4e&flagPresent == 0 {
		return 0, ErrNoTranslation
	}

	pdptBase := pml4e & frameMask

	pdpte, err := readEntry(mem, pdptBase, index(gva, 2))
	if err != nil {
		return 0, err
	}

	if pdpte&flagPresent == 0 {
		return 0, ErrNoTranslation
	}

	if pdpte&flagPageSize != 0 {
		frame := pdpte & frameMask1GiB()
		return frame + (gva & (size1GiB - 1)), nil
	}

	pdBase := pdpte & frameMask

	pde, err := readEntry(mem, pdBase, index(gva, 1))
	if err != nil {
		return 0, err
	}

	if pde&flagPresent == 0 {
		return 0, ErrNoTranslation
	}

	if pde&flagPageSize != 0 {
		frame := pde & frameMask2MiB()
		return frame + (gva & (size2MiB - 1)), nil
	}

	ptBase := pde & frameMask

	pte, err := readEntry(mem, ptBase, index(gva, 0))
	if err != nil {
		return 0, err
	}

	if pte&flagPresent == 0 {
		return 0, ErrNoTranslation
	}

	frame := pte & frameMask

	return frame + (gva & (size4KiB - 1)), nil
}

// frameMask1GiB/2MiB mask off the low bits that are part of the large
// page's own offset, not the frame field.
func frameMask1GiB() uint64 { return frameMask &^ (size1GiB - 1) }
func frameMask2MiB() uint64 { return frameMask &^ (size2MiB - 1) }

// TranslateCloaked applies cloak.Decrypt to observedCR3 before walking,
// the composition the hypercall handlers use (spec.md §4.7: "CR3 is
// passed through the CR3-decryption hook").
func TranslateCloaked(mem *memio.GuestMemory, cloak *memio.CR3Cloak, observedCR3 uint64, gva uint64) (uint64, error) {
	return Translate(mem, cloak.Decrypt(observedCR3), gva)
}
