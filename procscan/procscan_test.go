package procscan_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kryvos/svmhv/memio"
	"github.com/kryvos/svmhv/procscan"
)

const (
	present  = 1 << 0
	writable = 1 << 1
)

// buildIdentityPML4 installs a single identity-mapped 2MiB region
// covering [0, 0x20_0000) so guest-virtual addresses in that range equal
// guest-physical addresses, simplifying the test fixture.
func buildIdentityPML4(mem *memio.GuestMemory, pml4GPA uint64) {
	const (
		pdptGPA = 0x3000
		pdGPA   = 0x4000
	)

	put := func(tableGPA, idx, entry uint64) {
		off := tableGPA + idx*8
		binary.LittleEndian.PutUint64(mem.Bytes[off:off+8], entry)
	}

	put(pml4GPA, 0, pdptGPA|present|writable)
	put(pdptGPA, 0, pdGPA|present|writable)
	put(pdGPA, 0, 0|present|writable|(1<<7))
}

func writeBlock(mem *memio.GuestMemory, gva uint64, layout procscan.FieldLayout, next, pid, dirTable, imageBase uint64) {
	put := func(off uint64, v uint64) {
		binary.LittleEndian.PutUint64(mem.Bytes[gva+off:gva+off+8], v)
	}

	put(layout.NextLinkOffset, next)
	put(layout.PIDOffset, pid)
	put(layout.DirTableOffset, dirTable)
	put(layout.ImageBaseOffset, imageBase)
}

func TestCurrentImageBase(t *testing.T) {
	t.Parallel()

	mem := &memio.GuestMemory{Base: 0, Bytes: make([]byte, 0x10_0000)}

	const pml4GPA = 0x2000

	buildIdentityPML4(mem, pml4GPA)

	layout := procscan.FieldLayout{NextLinkOffset: 0, PIDOffset: 8, DirTableOffset: 16, ImageBaseOffset: 24}

	const blockGVA = 0x5000

	writeBlock(mem, blockGVA, layout, blockGVA, 4, 0x1_2345_6000, 0x7FFE_0000)

	s := &procscan.Scanner{Mem: mem, Layout: layout, CurrentGVA: blockGVA, HeadGVA: blockGVA, KernelCR3: pml4GPA}

	got, err := s.CurrentImageBase()
	if err != nil {
		t.Fatalf("CurrentImageBase: %v", err)
	}

	if got != 0x7FFE_0000 {
		t.Fatalf("CurrentImageBase = %#x, want %#x", got, 0x7FFE_0000)
	}
}

func TestImageBaseAndCR3ByPID(t *testing.T) {
	t.Parallel()

	mem := &memio.GuestMemory{Base: 0, Bytes: make([]byte, 0x10_0000)}

	const pml4GPA = 0x2000

	buildIdentityPML4(mem, pml4GPA)

	layout := procscan.FieldLayout{NextLinkOffset: 0, PIDOffset: 8, DirTableOffset: 16, ImageBaseOffset: 24}

	const (
		blockA = 0x5000
		blockB = 0x5100
		blockC = 0x5200
	)

	writeBlock(mem, blockA, layout, blockB, 1, 0x1000, 0x1_0000)
	writeBlock(mem, blockB, layout, blockC, 2, 0x2000, 0x2_0000)
	writeBlock(mem, blockC, layout, blockA, 3, 0x3000, 0x3_0000)

	s := &procscan.Scanner{Mem: mem, Layout: layout, HeadGVA: blockA, KernelCR3: pml4GPA}

	base, err := s.ImageBaseByPID(2)
	if err != nil {
		t.Fatalf("ImageBaseByPID(2): %v", err)
	}

	if base != 0x2_0000 {
		t.Fatalf("ImageBaseByPID(2) = %#x, want %#x", base, 0x2_0000)
	}

	cr3, err := s.CR3ByPID(3)
	if err != nil {
		t.Fatalf("CR3ByPID(3): %v", err)
	}

	if cr3 != 0x3000 {
		t.Fatalf("CR3ByPID(3) = %#x, want %#x", cr3, 0x3000)
	}

	if _, err := s.ImageBaseByPID(99); !errors.Is(err, procscan.ErrNotFound) {
		t.Fatalf("ImageBaseByPID(99): err = %v, want ErrNotFound", err)
	}
}
