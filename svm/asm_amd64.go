//go:build amd64

package svm

// These are the opaque assembly primitives spec.md §1/§4.2 places out of
// scope ("assembly trampolines are treated as opaque primitives with the
// contracts specified in §4.2"). They have no Go body; the real
// implementation lives in hand-written *.s files that are not part of this
// rewrite, exactly as cpuid/cpuid.go declares `cpuid_low` with a body
// "implemented in cpuid.s", and as tamago's kvm/sev/ghcb.go declares
// vmgexit/pvalidate as "defined in sev.s".

// cpuidLow is the native CPUID instruction. implemented in cpuid_amd64.s
func cpuidLow(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// rdtscLow reads the time-stamp counter. implemented in tsc_amd64.s
func rdtscLow() (lo, hi uint32)

// rdtscpLow reads the time-stamp counter and the TSC_AUX MSR value.
// implemented in tsc_amd64.s
func rdtscpLow() (lo, hi, aux uint32)

// xsetbvLow executes XSETBV with the given extended control register
// index and 64-bit value split as edx:eax. implemented in xsetbv_amd64.s
func xsetbvLow(index uint32, edx, eax uint32)

// vmrun executes VMRUN on the VMCB at the given physical address and
// returns only on the next VMEXIT (conceptually: it "calls into the
// guest"). implemented in vmrun_amd64.s
func vmrun(vmcbPA uint64)

// vmsave/vmload snapshot/restore the subset of guest state VMRUN itself
// does not save (segment descriptor caches, syscall MSRs, etc).
// implemented in vmrun_amd64.s
func vmsave(vmcbPA uint64)
func vmload(vmcbPA uint64)

// readMSRLow/writeMSRLow are RDMSR/WRMSR. implemented in msr_amd64.s
func readMSRLow(msr uint32) (lo, hi uint32)
func writeMSRLow(msr uint32, lo, hi uint32)

// captureContext saves the calling goroutine's host register context
// into out (spec.md §4.2 step 1); the sentinel re-entry check on the
// captured RAX is done by the caller. implemented in capture_amd64.s
func captureContext(out *CapturedContext)

// readCR0Low/readCR2Low/readCR3Low/readCR4Low read the named control
// register. implemented in cr_amd64.s
func readCR0Low() uint64
func readCR2Low() uint64
func readCR3Low() uint64
func readCR4Low() uint64

// sgdtLow/sidtLow execute SGDT/SIDT, splitting the 10-byte pseudo-
// descriptor into a 64-bit base and 16-bit limit. implemented in
// descriptor_amd64.s
func sgdtLow() (base uint64, limit uint16)
func sidtLow() (base uint64, limit uint16)

// readGDTEntryLow reads the raw 8-byte descriptor at gdtBase for the
// given selector's index. implemented in descriptor_amd64.s
func readGDTEntryLow(gdtBase uint64, selector uint16) uint64
