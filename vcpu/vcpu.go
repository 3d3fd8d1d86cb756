// Package vcpu implements the per-CPU virtualization lifecycle (spec.md
// §4.2): detection, enabling SVM, allocation, the capture-launch idiom,
// and teardown.
package vcpu

import (
	"errors"
	"unsafe"

	"github.com/kryvos/svmhv/memio"
	"github.com/kryvos/svmhv/npt"
	"github.com/kryvos/svmhv/pagepool"
	"github.com/kryvos/svmhv/stealth"
	"github.com/kryvos/svmhv/svm"
	"github.com/kryvos/svmhv/syscallhook"
	"github.com/kryvos/svmhv/telemetry"
)

// ErrNotSupported is returned by Detect when the processor lacks SVM or
// SVM has been administratively disabled (spec.md §4.2 "Detection").
var ErrNotSupported = errors.New("vcpu: SVM not supported or disabled")

const (
	cpuidLeafSVMFeature = 0x8000_0001
	cpuidEDXSVMBit      = 1 << 2

	msrpmPages = 2 // 8 KiB, AMD's required MSRPM size
	iopmPages  = 3 // 12 KiB, AMD's required IOPM size

	defaultASID = 1
)

// HostStackLayout mirrors the fixed-offset record the assembly
// trampoline reads by address (spec.md §3 "host stack region... fixed
// layout at its top"). Field order is pinned: the trampoline's contract
// is purely offset-based.
type HostStackLayout struct {
	GuestVMCBPA    uint64
	HostVMCBPA     uint64
	Self           uint64 // address of the owning VCPU, for this_vcpu recovery
	ProcessorIndex uint64
	Sentinel       uint64
}

// SharedState is the single, process-wide block spec.md §5 "Ordering"
// and §9 "Global mutable state" name as the only state shared across
// every vCPU: the stealth masks, the CR3 XOR cloak, and the
// syscall-hook critical section. Construct exactly one per hypervisor
// instance with NewSharedState and pass it to every vcpu.Init call, the
// same way a single *npt.TableRegistry is shared across vCPUs.
type SharedState struct {
	Stealth     *stealth.Masks
	CR3Cloak    *memio.CR3Cloak
	SyscallHook *syscallhook.State
}

// NewSharedState builds a SharedState with all three components
// disabled/empty.
func NewSharedState() *SharedState {
	return &SharedState{
		Stealth:     &stealth.Masks{},
		CR3Cloak:    &memio.CR3Cloak{},
		SyscallHook: &syscallhook.State{},
	}
}

// VCPU is one logical CPU's virtualization root object (spec.md §3
// "VCPU").
type VCPU struct {
	ProcessorIndex int

	prim svm.Primitives

	guestVMCB     *pagepool.Page
	hostVMCB      *pagepool.Page
	hostSaveArea  *pagepool.Page
	msrpm         *pagepool.Page
	iopm          *pagepool.Page
	stack         *pagepool.Page

	Layout    *HostStackLayout
	GuestVMCB *svm.VMCB

	NPT       *npt.State
	Telemetry *telemetry.Telemetry

	// Stealth, CR3Cloak, and SyscallHook all point into the single
	// SharedState every vCPU on this hypervisor instance was built
	// with: enabling stealth (or CR3 cloaking, or a syscall hook) from
	// one vCPU is visible to all of them, per spec.md §5/§9.
	Stealth     *stealth.Masks
	CR3Cloak    *memio.CR3Cloak
	SyscallHook *syscallhook.State

	tscOffset uint64

	active bool
}

// Detect verifies vendor CPUID SVM support and that the vendor control
// MSR's virtualization-disabled bit is clear (spec.md §4.2 "Detection").
func Detect(p svm.Primitives) error {
	_, _, _, edx := p.CPUID(cpuidLeafSVMFeature, 0)
	if edx&cpuidEDXSVMBit == 0 {
		return ErrNotSupported
	}

	vmcr := p.ReadMSR(svm.MSRVMCR)
	if vmcr&svm.VMCRSVMDIS != 0 {
		return ErrNotSupported
	}

	return nil
}

// Enable sets EFER.SVME if clear and writes the host save area's
// physical address to the host-save MSR (spec.md §4.2 "Enable").
func Enable(p svm.Primitives, hostSaveAreaPA uint64) {
	efer := p.ReadMSR(svm.MSREFER)
	if efer&svm.EFERSVME == 0 {
		p.WriteMSR(svm.MSREFER, efer|svm.EFERSVME)
	}

	p.WriteMSR(svm.MSRVMHSAVEPA, hostSaveAreaPA)
}

// Init allocates every contiguous/page-aligned resource the spec
// requires (VCPU's two VMCBs, host save area, host stack, MSRPM/IOPM
// zeroed), initializes NPT, and does NOT build the VMCB yet (spec.md
// §4.2 "Initialization"). shared must be the same *SharedState passed
// to every other vCPU's Init on this hypervisor instance (spec.md §5/§9
// "Global mutable state").
func Init(prim svm.Primitives, reg *npt.TableRegistry, shared *SharedState, ramRanges []npt.Range, processorIndex int) (v *VCPU, err error) {
	v = &VCPU{
		ProcessorIndex: processorIndex,
		prim:           prim,
		Telemetry:      telemetry.New(),
		Stealth:        shared.Stealth,
		CR3Cloak:       shared.CR3Cloak,
		SyscallHook:    shared.SyscallHook,
	}

	defer func() {
		if err != nil {
			v.freeAllocated()
		}
	}()

	if v.guestVMCB, err = pagepool.Alloc(1); err != nil {
		return nil, err
	}

	if v.hostVMCB, err = pagepool.Alloc(1); err != nil {
		return nil, err
	}

	if v.hostSaveArea, err = pagepool.Alloc(1); err != nil {
		return nil, err
	}

	if v.msrpm, err = pagepool.Alloc(msrpmPages); err != nil {
		return nil, err
	}

	if v.iopm, err = pagepool.Alloc(iopmPages); err != nil {
		return nil, err
	}

	if v.stack, err = pagepool.Alloc(2); err != nil {
		return nil, err
	}

	v.NPT, err = npt.Init(reg, ramRanges)
	if err != nil {
		return nil, err
	}

	return v, nil
}

// selfHandle returns the host-virtual address of v, the this_vcpu value
// the trampoline's stack layout carries (spec.md §3, "self_pointer").
func selfHandle(v *VCPU) uint64 { return uint64(uintptr(unsafe.Pointer(v))) }

func (v *VCPU) freeAllocated() {
	for _, p := range []*pagepool.Page{v.guestVMCB, v.hostVMCB, v.hostSaveArea, v.msrpm, v.iopm, v.stack} {
		if p != nil {
			_ = pagepool.Free(p)
		}
	}
}

// Active reports whether this vCPU has completed the capture-launch
// idiom and is executing as a virtualized guest.
func (v *VCPU) Active() bool { return v.active }

// SetTSCOffset records the cloaked TSC offset the VMCB builder writes
// into the control area (spec.md §4.3 "Control area").
func (v *VCPU) SetTSCOffset(offset uint64) { v.tscOffset = offset }

// Launch runs the capture-launch idiom (spec.md §4.2 "Launch"). ctx is
// the just-captured register snapshot; trampoline is the opaque
// assembly entry point that, under correct hardware operation, never
// returns. A test double for trampoline lets this path run to
// completion without real hardware.
func (v *VCPU) Launch(ctx *svm.CapturedContext, trampoline func(layout *HostStackLayout)) error {
	if ctx.RAX == svm.Sentinel {
		v.active = true
		return nil
	}

	v.GuestVMCB = BuildVMCB(v, ctx)

	v.Layout = &HostStackLayout{
		GuestVMCBPA:    v.guestVMCB.PA,
		HostVMCBPA:     v.hostVMCB.PA,
		Self:           selfHandle(v),
		ProcessorIndex: uint64(v.ProcessorIndex),
		Sentinel:       svm.Sentinel,
	}

	v.prim.VMSave(v.guestVMCB.PA)

	v.prim.WriteMSR(svm.MSRVMHSAVEPA, v.hostSaveArea.PA)
	v.prim.VMSave(v.hostVMCB.PA)

	ctx.RAX = svm.Sentinel
	v.GuestVMCB.StateSave.RAX = svm.Sentinel

	trampoline(v.Layout)

	return nil
}

// Shutdown frees IOPM, MSRPM, the NPT, then the VCPU allocations, in
// that order (spec.md §4.2 "Shutdown").
func (v *VCPU) Shutdown() error {
	var first error

	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	record(pagepool.Free(v.iopm))
	record(pagepool.Free(v.msrpm))

	if v.NPT != nil {
		record(v.NPT.Destroy())
	}

	record(pagepool.Free(v.guestVMCB))
	record(pagepool.Free(v.hostVMCB))
	record(pagepool.Free(v.hostSaveArea))
	record(pagepool.Free(v.stack))

	v.active = false

	return first
}
