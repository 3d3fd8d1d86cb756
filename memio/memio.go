// Package memio implements guest physical memory access and CR3
// cloaking (spec.md §4.7), the primitives the guest walker and the
// memory-introspection hypercalls are built on.
package memio

import (
	"encoding/binary"
	"errors"
)

// ErrOutOfRange is returned when a guest-physical access falls outside
// the backing memory slice.
var ErrOutOfRange = errors.New("memio: guest-physical address out of range")

// GuestMemory is the host-side view of a contiguous guest-physical
// memory range, identity-mapped by the NPT (GPA - Base is the offset into
// Bytes for any GPA within [Base, Base+len(Bytes))).
type GuestMemory struct {
	Base  uint64
	Bytes []byte
}

func (g *GuestMemory) offset(gpa uint64, n int) (int, error) {
	if gpa < g.Base {
		return 0, ErrOutOfRange
	}

	off := gpa - g.Base
	if off+uint64(n) > uint64(len(g.Bytes)) {
		return 0, ErrOutOfRange
	}

	return int(off), nil
}

// ReadPhys8 and ReadPhys64 read a little-endian value at gpa, the
// guest_read_phys family of spec.md §4.5/§4.7.
func (g *GuestMemory) ReadPhys8(gpa uint64) (uint8, error) {
	off, err := g.offset(gpa, 1)
	if err != nil {
		return 0, err
	}

	return g.Bytes[off], nil
}

func (g *GuestMemory) ReadPhys64(gpa uint64) (uint64, error) {
	off, err := g.offset(gpa, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(g.Bytes[off : off+8]), nil
}

// ReadPhys reads n bytes starting at gpa.
func (g *GuestMemory) ReadPhys(gpa uint64, n int) ([]byte, error) {
	off, err := g.offset(gpa, n)
	if err != nil {
		return nil, err
	}

	out := make([]byte, n)
	copy(out, g.Bytes[off:off+n])

	return out, nil
}

// WritePhys64 writes a little-endian 64-bit value at gpa, the
// guest_write_phys primitive of spec.md §4.7.
func (g *GuestMemory) WritePhys64(gpa uint64, v uint64) error {
	off, err := g.offset(gpa, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(g.Bytes[off:off+8], v)

	return nil
}

// WritePhys writes buf at gpa.
func (g *GuestMemory) WritePhys(gpa uint64, buf []byte) error {
	off, err := g.offset(gpa, len(buf))
	if err != nil {
		return err
	}

	copy(g.Bytes[off:off+len(buf)], buf)

	return nil
}
