package svm

// Model-specific registers the core reads or writes directly, per
// spec.md §6 "Model-specific constants".
const (
	MSREFER     = 0xC0000080
	MSRVMCR     = 0xC0010114
	MSRVMHSAVEPA = 0xC0010117
	MSRPAT      = 0x00000277

	MSRLSTAR  = 0xC0000082
	MSRSTAR   = 0xC0000081
	MSRSFMASK = 0xC0000084

	MSRAPICBase = 0x0000001B
)

// EFER bits.
const (
	EFERSVME = uint64(1) << 12
)

// VM_CR bits.
const (
	VMCRSVMDIS = uint64(1) << 4
)

// IsWriteMSR reports whether an MSR-exit's ECX encodes a write (bit 63 of
// exit_info1 per the APM; the core stores it pre-shifted as the top bit of
// a uint64 info1 value, spec.md §4.4 "MSR").
func IsWriteMSR(exitInfo1 uint64) bool {
	return exitInfo1&(uint64(1)<<63) != 0
}
