package pagepool

import "unsafe"

// addrOf returns the host address of a backing buffer's first byte, used
// as the allocation's "physical address" stand-in (see pagepool.go).
// Mirrors memory.NewMemorySlot's
// `uint64(uintptr(unsafe.Pointer(&slot.Buf[0])))` in the teacher repo.
func addrOf(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}
