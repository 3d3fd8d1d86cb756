//go:build amd64

package svm

// CPUID executes the native CPUID instruction.
func (HardwarePrimitives) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuidLow(leaf, subleaf)
}

// RDTSC executes the native RDTSC instruction.
func (HardwarePrimitives) RDTSC() uint64 {
	lo, hi := rdtscLow()

	return u64(hi, lo)
}

// RDTSCP executes the native RDTSCP instruction.
func (HardwarePrimitives) RDTSCP() (uint64, uint32) {
	lo, hi, aux := rdtscpLow()

	return u64(hi, lo), aux
}

// XSETBV executes the native XSETBV instruction.
func (HardwarePrimitives) XSETBV(index uint32, value uint64) {
	hi, lo := split64(value)
	xsetbvLow(index, hi, lo)
}

// ReadMSR executes RDMSR.
func (HardwarePrimitives) ReadMSR(msr uint32) uint64 {
	lo, hi := readMSRLow(msr)

	return u64(hi, lo)
}

// WriteMSR executes WRMSR.
func (HardwarePrimitives) WriteMSR(msr uint32, value uint64) {
	hi, lo := split64(value)
	writeMSRLow(msr, lo, hi)
}

// VMRun executes VMRUN against the VMCB at the given physical address.
func (HardwarePrimitives) VMRun(vmcbPA uint64) { vmrun(vmcbPA) }

// VMSave executes VMSAVE against the VMCB at the given physical address.
func (HardwarePrimitives) VMSave(vmcbPA uint64) { vmsave(vmcbPA) }

// VMLoad executes VMLOAD against the VMCB at the given physical address.
func (HardwarePrimitives) VMLoad(vmcbPA uint64) { vmload(vmcbPA) }

// CaptureContext saves the host register context via the context-capture
// primitive (spec.md §4.2 step 1).
func (HardwarePrimitives) CaptureContext() CapturedContext {
	var ctx CapturedContext
	captureContext(&ctx)

	return ctx
}

// ReadCR0/ReadCR2/ReadCR3/ReadCR4 read the named control register live.
func (HardwarePrimitives) ReadCR0() uint64 { return readCR0Low() }
func (HardwarePrimitives) ReadCR2() uint64 { return readCR2Low() }
func (HardwarePrimitives) ReadCR3() uint64 { return readCR3Low() }
func (HardwarePrimitives) ReadCR4() uint64 { return readCR4Low() }

// ReadGDTR/ReadIDTR execute SGDT/SIDT.
func (HardwarePrimitives) ReadGDTR() (uint64, uint16) { return sgdtLow() }
func (HardwarePrimitives) ReadIDTR() (uint64, uint16) { return sidtLow() }

// ReadGDTEntry reads the raw descriptor for selector out of the GDT at
// gdtBase.
func (HardwarePrimitives) ReadGDTEntry(gdtBase uint64, selector uint16) uint64 {
	return readGDTEntryLow(gdtBase, selector)
}
