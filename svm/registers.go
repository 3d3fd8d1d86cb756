package svm

// GuestRegisters is the stack-resident general-purpose register snapshot
// the assembly trampoline saves on VMEXIT and restores before the next
// VMRUN. RAX is deliberately absent: RAX lives in the VMCB state-save area
// and the dispatcher is responsible for shuttling it to/from this struct
// (spec.md §3, "Guest Registers").
type GuestRegisters struct {
	RBX, RCX, RDX uint64
	RSI, RDI      uint64
	RBP           uint64
	R8, R9        uint64
	R10, R11      uint64
	R12, R13      uint64
	R14, R15      uint64
}

// CapturedContext is the host register context saved by the
// context-capture primitive at the top of the launch idiom (spec.md §4.2
// step 1). Unlike GuestRegisters, RAX *is* present here: the launch idiom
// tests RAX in this very struct to recognize guest re-entry.
type CapturedContext struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
	CS, DS, ES, SS     uint16
}

// Sentinel is the guest re-entry marker of spec.md §4.2/§9: the maximum
// unsigned 64-bit value, written to both the captured context's RAX field
// and the VMCB's RAX field before the first VMRUN.
const Sentinel uint64 = 0xFFFFFFFFFFFFFFFF
