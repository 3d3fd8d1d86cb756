// Package pagepool models the "page-aligned, physically contiguous
// allocation" contract spec.md §3/§4.2 requires for VMCBs, host save
// areas, and MSR/IO permission bitmaps.
//
// A Go program cannot ask the allocator for a physically contiguous
// region the way a kernel pool allocator can; this package stands in for
// that primitive the way gokvm's memory.NewMemorySlot stands in for a
// guest's physical RAM: an anonymous mmap'd, page-aligned backing buffer
// whose "physical address" is simply its host virtual address, since
// nothing downstream of this package ever hands that address to real
// hardware.
package pagepool

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrAlloc is returned when the pool cannot satisfy a page allocation,
// corresponding to spec.md §7's "alloc" error class.
var ErrAlloc = errors.New("pagepool: allocation failed")

// Page is a page-aligned allocation. PA is its "physical address" for the
// purposes of this software model; Bytes is the CPU-addressable backing
// storage.
type Page struct {
	PA    uint64
	Bytes []byte
}

// Alloc allocates n pages (n*PageSize bytes), zero-filled, page-aligned.
func Alloc(n int) (*Page, error) {
	if n <= 0 {
		return nil, ErrAlloc
	}

	size := n * pageSize

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Join(ErrAlloc, err)
	}

	return &Page{
		PA:    addrOf(buf),
		Bytes: buf,
	}, nil
}

// Free releases a page allocation. It is safe to call on a nil Page.
func Free(p *Page) error {
	if p == nil || p.Bytes == nil {
		return nil
	}

	return unix.Munmap(p.Bytes)
}

const pageSize = 0x1000
