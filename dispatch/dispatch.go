// Package dispatch implements the VMEXIT dispatcher (spec.md §4.4): the
// per-exit-code handler table invoked after every VMRUN returns.
package dispatch

import (
	"log"

	"golang.org/x/arch/x86/x86asm"

	"github.com/kryvos/svmhv/hypercall"
	"github.com/kryvos/svmhv/memio"
	"github.com/kryvos/svmhv/npt"
	"github.com/kryvos/svmhv/procscan"
	"github.com/kryvos/svmhv/svm"
	"github.com/kryvos/svmhv/vcpu"
	"github.com/kryvos/svmhv/walker"
)

// Snapshot is the general-purpose register snapshot the trampoline
// pushes on the host stack (spec.md §3 "host stack region"), plus the
// RAX field the dispatcher shuttles to/from the VMCB state-save area
// (spec.md §4.4 steps 4/6).
type Snapshot struct {
	svm.GuestRegisters
	RAX uint64
}

const (
	fixedLen2 = 2 // CPUID, MSR, RDTSC
	fixedLen3 = 3 // VMMCALL, RDTSCP, XSETBV
	fixedLen1 = 1 // HLT

	tscOverhead = 0x100 // fixed VMEXIT-overhead constant subtracted from the cloaked TSC

	cpuidHVRangeLo = 0x4000_0000
	cpuidHVRangeHi = 0x4000_00FF

	cpuidLeafFeature    = 1
	cpuidECXHypervisor  = 1 << 31
	cpuidLeafSVMFeature = 0x8000_0001
	cpuidEDXSVMBit      = 1 << 2
)

// Dispatcher holds the state one vCPU's dispatch loop needs beyond the
// VCPU itself: a view of guest physical memory for the NPF/hypercall
// paths and the hardware-trigger slots NPF consults.
type Dispatcher struct {
	VCPU *vcpu.VCPU
	Prim svm.Primitives
	Mem  *memio.GuestMemory

	Triggers []*npt.Trigger

	// ProcScan serves the process-metadata hypercalls (spec.md §4.6
	// opcodes 0x320-0x322); nil until the caller supplies OS-specific
	// field offsets, in which case those opcodes fail locally.
	ProcScan *procscan.Scanner
}

// New builds a Dispatcher for v, wiring its Triggers slice to v.NPT's
// four named hardware-trigger slots (spec.md §3 "Four hardware-trigger
// slots (APIC, ACPI, SMM, MMIO)") so handleNPF's trigger loop actually
// has something to check. procScan may be nil (spec.md §4.6 opcodes
// 0x320-0x322 then fail locally via ErrNoProcScan).
func New(v *vcpu.VCPU, prim svm.Primitives, mem *memio.GuestMemory, procScan *procscan.Scanner) *Dispatcher {
	return &Dispatcher{
		VCPU: v,
		Prim: prim,
		Mem:  mem,
		Triggers: []*npt.Trigger{
			v.NPT.APICTrigger(),
			v.NPT.ACPITrigger(),
			v.NPT.SMMTrigger(),
			v.NPT.MMIOTrigger(),
		},
		ProcScan: procScan,
	}
}

// Handle runs one VMEXIT's worth of dispatch (spec.md §4.4 steps 1-8).
// It always returns false ("do not tear down the loop") except when a
// handler encounters an unrecoverable condition, mirroring
// "unhandled-exit... never by crashing the host" (spec.md §6): the
// return value is reserved for that contract even though nothing in
// this design currently sets it true.
func (d *Dispatcher) Handle(snap *Snapshot) (teardown bool) {
	vmcb := d.VCPU.GuestVMCB
	ctrl := &vmcb.Control

	exitCode := ctrl.ExitCode
	exitInfo1 := ctrl.ExitInfo1
	exitInfo2 := ctrl.ExitInfo2

	d.VCPU.Telemetry.RecordExit(uint64(exitCode))

	d.Prim.VMLoad(d.hostVMCBPA())

	snap.RAX = vmcb.StateSave.RAX

	switch exitCode {
	case svm.ExitCPUID:
		d.handleCPUID(snap)
		advanceRIP(vmcb, fixedLen2)
	case svm.ExitMSR:
		d.handleMSR(snap, exitInfo1)
		advanceRIP(vmcb, fixedLen2)
	case svm.ExitVMMCALL:
		d.handleVMMCall(snap)
		advanceRIP(vmcb, fixedLen3)
	case svm.ExitNPF:
		d.handleNPF(exitInfo1, exitInfo2, vmcb)
	case svm.ExitRDTSC:
		d.handleRDTSC(snap, vmcb)
		advanceRIP(vmcb, fixedLen2)
	case svm.ExitRDTSCP:
		d.handleRDTSCP(snap, vmcb)
		advanceRIP(vmcb, fixedLen3)
	case svm.ExitVINTR:
		ctrl.VIntr &^= svm.VIntrVIRQBit
	case svm.ExitXSETBV:
		d.handleXSETBV(snap)
		advanceRIP(vmcb, fixedLen3)
	case svm.ExitHLT:
		advanceRIP(vmcb, fixedLen1)
	case svm.ExitIOIO:
		advanceRIP(vmcb, 0)
	case svm.ExitSMI:
		// stub: RIP is not advanced and no VMCB field is modified; the
		// control area models no SMI-pending bit to clear.
	default:
		log.Printf("dispatch: unhandled exit code %s (%#x) at rip=%#x: %s",
			exitCode, uint64(exitCode), vmcb.StateSave.RIP, d.disassembleAtRIP(vmcb))
		d.VCPU.Telemetry.RecordUnhandled(uint64(exitCode))
		injectException(vmcb, svm.VectorUD, false, 0)
	}

	vmcb.StateSave.RAX = snap.RAX

	if d.VCPU.NPT.TLBFlushPending() {
		ctrl.TLBControl = svm.TLBControlFlushASID
		d.VCPU.NPT.ClearTLBFlushPending()
	}

	return false
}

// maxInstBytes bounds the window read for decoding: the longest legal
// x86-64 instruction is 15 bytes.
const maxInstBytes = 15

// disassembleAtRIP decodes the instruction at the guest's current RIP for
// an unhandled-exit diagnostic, the same "decode for the log line" use
// gokvm's machine.Inst/Asm put x86asm to, generalized from ptrace-read
// guest memory to a guest-virtual-to-guest-physical walk.
func (d *Dispatcher) disassembleAtRIP(vmcb *svm.VMCB) string {
	gpa, err := walker.TranslateCloaked(d.Mem, d.VCPU.CR3Cloak, vmcb.StateSave.CR3, vmcb.StateSave.RIP)
	if err != nil {
		return "<unreadable rip>"
	}

	window, err := d.Mem.ReadPhys(gpa, maxInstBytes)
	if err != nil {
		return "<unreadable rip>"
	}

	inst, err := x86asm.Decode(window, 64)
	if err != nil {
		return "<undecodable>"
	}

	return x86asm.GNUSyntax(inst, vmcb.StateSave.RIP, nil)
}

func (d *Dispatcher) hostVMCBPA() uint64 {
	if d.VCPU.Layout == nil {
		return 0
	}

	return d.VCPU.Layout.HostVMCBPA
}

// advanceRIP uses the VMCB's next_rip when set, otherwise the fixed
// instruction length for the exit that just occurred (spec.md §4.4
// "Handlers").
func advanceRIP(vmcb *svm.VMCB, fixedLen uint64) {
	if vmcb.Control.NextRIP != 0 {
		vmcb.StateSave.RIP = vmcb.Control.NextRIP
		return
	}

	vmcb.StateSave.RIP += fixedLen
}

// injectException sets the VMCB event-injection field for a synthesized
// guest exception (spec.md §4.4 "Unknown", §4.4 "NPF"). When hasErrorCode
// is set, the low 32 bits of errorCode go into the field's upper 32 bits;
// otherwise errorCode is ignored.
func injectException(vmcb *svm.VMCB, vector uint64, hasErrorCode bool, errorCode uint64) {
	inj := svm.EventInjValid | svm.EventTypeException | vector
	if hasErrorCode {
		inj |= svm.EventInjErrorCodeValid | (errorCode&0xFFFF_FFFF)<<32
	}

	vmcb.Control.EventInjection = inj
}

func (d *Dispatcher) handleCPUID(snap *Snapshot) {
	leaf := uint32(snap.RAX)
	subleaf := uint32(snap.RCX)

	if leaf >= cpuidHVRangeLo && leaf <= cpuidHVRangeHi {
		snap.RAX, snap.RBX, snap.RCX, snap.RDX = 0, 0, 0, 0
		return
	}

	eax, ebx, ecx, edx := d.Prim.CPUID(leaf, subleaf)

	switch leaf {
	case cpuidLeafFeature:
		ecx &^= cpuidECXHypervisor
	case cpuidLeafSVMFeature:
		edx &^= cpuidEDXSVMBit
	}

	ecx, edx = d.VCPU.Stealth.CPUIDMask(leaf, ecx, edx)

	snap.RAX, snap.RBX, snap.RCX, snap.RDX = uint64(eax), uint64(ebx), uint64(ecx), uint64(edx)
}

func (d *Dispatcher) handleMSR(snap *Snapshot, exitInfo1 uint64) {
	msr := uint32(snap.RCX)
	write := svm.IsWriteMSR(exitInfo1)

	switch msr {
	case svm.MSRLSTAR:
		if write {
			d.VCPU.SyscallHook.WriteLSTAR(msrValue(snap))
		} else {
			setMSRValue(snap, d.VCPU.SyscallHook.ReadLSTAR())
		}

		return
	case svm.MSRSTAR:
		if write {
			d.VCPU.SyscallHook.WriteSTAR(msrValue(snap))
		} else {
			setMSRValue(snap, d.VCPU.SyscallHook.ReadSTAR())
		}

		return
	case svm.MSRSFMASK:
		if write {
			d.VCPU.SyscallHook.WriteSFMASK(msrValue(snap))
		} else {
			setMSRValue(snap, d.VCPU.SyscallHook.ReadSFMASK())
		}

		return
	}

	if write {
		d.Prim.WriteMSR(msr, msrValue(snap))
		return
	}

	value := d.Prim.ReadMSR(msr)
	value = d.VCPU.Stealth.MSRMaskRead(msr, value)
	setMSRValue(snap, value)
}

func msrValue(snap *Snapshot) uint64 {
	return (snap.RDX&0xFFFF_FFFF)<<32 | (snap.RAX & 0xFFFF_FFFF)
}

func setMSRValue(snap *Snapshot, value uint64) {
	snap.RAX = value & 0xFFFF_FFFF
	snap.RDX = value >> 32
}

func (d *Dispatcher) handleVMMCall(snap *Snapshot) {
	result, ok := hypercall.Dispatch(d.hypercallDeps(), snap.RAX, snap.RBX, snap.RCX, snap.RDX)
	if !ok {
		vmcb := d.VCPU.GuestVMCB
		injectException(vmcb, svm.VectorUD, false, 0)
		snap.RAX = 0

		return
	}

	snap.RAX = result
}

func (d *Dispatcher) handleNPF(exitInfo1, faultGPA uint64, vmcb *svm.VMCB) {
	d.VCPU.Telemetry.RecordNPF(faultGPA, exitInfo1)

	if handled, err := d.VCPU.NPT.HandleShadowHookFault(faultGPA); err == nil && handled {
		return
	}

	for _, trigger := range d.Triggers {
		handled, err := d.VCPU.NPT.PromoteTrapToFake(trigger, faultGPA)
		if err == nil && handled {
			return
		}
	}

	if npt.InLateMMIOWindow(faultGPA) {
		if _, _, err := d.VCPU.NPT.GetEntry(faultGPA); err != nil {
			if mapErr := d.VCPU.NPT.MapLate2MiBUncached(faultGPA); mapErr == nil {
				return
			}
		}
	}

	vmcb.StateSave.CR2 = faultGPA
	injectException(vmcb, svm.VectorPF, true, exitInfo1)
}

func (d *Dispatcher) handleRDTSC(snap *Snapshot, vmcb *svm.VMCB) {
	tsc := d.Prim.RDTSC() + vmcb.Control.TSCOffset - tscOverhead
	snap.RDX = tsc >> 32
	snap.RAX = tsc & 0xFFFF_FFFF
}

func (d *Dispatcher) handleRDTSCP(snap *Snapshot, vmcb *svm.VMCB) {
	tsc, aux := d.Prim.RDTSCP()
	tsc = tsc + vmcb.Control.TSCOffset - tscOverhead
	snap.RDX = tsc >> 32
	snap.RAX = tsc & 0xFFFF_FFFF
	snap.RCX = uint64(aux)
}

func (d *Dispatcher) handleXSETBV(snap *Snapshot) {
	value := (snap.RDX&0xFFFF_FFFF)<<32 | (snap.RAX & 0xFFFF_FFFF)
	d.Prim.XSETBV(uint32(snap.RCX), value)
}
