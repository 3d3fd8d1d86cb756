package svm

// Primitives is the seam between the software core and the hardware
// intrinsics spec.md treats as opaque. Production code is backed by
// HardwarePrimitives (amd64-only, calling the bodyless asm stubs);
// tests inject a fake that behaves like "a mocked VMCB + guest memory"
// (spec.md §8).
type Primitives interface {
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
	RDTSC() uint64
	RDTSCP() (tsc uint64, aux uint32)
	XSETBV(index uint32, value uint64)
	ReadMSR(msr uint32) uint64
	WriteMSR(msr uint32, value uint64)
	VMRun(vmcbPA uint64)
	VMSave(vmcbPA uint64)
	VMLoad(vmcbPA uint64)
	CaptureContext() CapturedContext

	ReadCR0() uint64
	ReadCR2() uint64
	ReadCR3() uint64
	ReadCR4() uint64
	ReadGDTR() (base uint64, limit uint16)
	ReadIDTR() (base uint64, limit uint16)
	// ReadGDTEntry returns the raw 8-byte descriptor at gdtBase for
	// selector (selector's index field, RPL/TI bits ignored).
	ReadGDTEntry(gdtBase uint64, selector uint16) uint64
}

// HardwarePrimitives backs Primitives with the real opaque assembly stubs.
// It only builds on amd64, where those stubs exist.
type HardwarePrimitives struct{}

func u64(hi, lo uint32) uint64 {
	return uint64(hi)<<32 | uint64(lo)
}

func split64(v uint64) (hi, lo uint32) {
	return uint32(v >> 32), uint32(v)
}
