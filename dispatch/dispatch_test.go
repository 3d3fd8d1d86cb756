package dispatch_test

import (
	"testing"

	"github.com/kryvos/svmhv/dispatch"
	"github.com/kryvos/svmhv/memio"
	"github.com/kryvos/svmhv/npt"
	"github.com/kryvos/svmhv/svm"
	"github.com/kryvos/svmhv/vcpu"
)

// fakePrimitives is the "mocked VMCB + guest memory" double spec.md §8
// calls for.
type fakePrimitives struct {
	msrs map[uint32]uint64

	cpuidEAX, cpuidEBX, cpuidECX, cpuidEDX uint32

	tsc uint64

	gdtEntries map[uint16]uint64
}

func newFakePrimitives() *fakePrimitives {
	return &fakePrimitives{msrs: make(map[uint32]uint64), gdtEntries: make(map[uint16]uint64)}
}

func (f *fakePrimitives) CPUID(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return f.cpuidEAX, f.cpuidEBX, f.cpuidECX, f.cpuidEDX
}

func (f *fakePrimitives) RDTSC() uint64                      { return f.tsc }
func (f *fakePrimitives) RDTSCP() (uint64, uint32)           { return f.tsc, 0 }
func (f *fakePrimitives) XSETBV(index uint32, value uint64) {}

func (f *fakePrimitives) ReadMSR(msr uint32) uint64          { return f.msrs[msr] }
func (f *fakePrimitives) WriteMSR(msr uint32, value uint64) { f.msrs[msr] = value }

func (f *fakePrimitives) VMRun(pa uint64)  {}
func (f *fakePrimitives) VMSave(pa uint64) {}
func (f *fakePrimitives) VMLoad(pa uint64) {}

func (f *fakePrimitives) CaptureContext() svm.CapturedContext { return svm.CapturedContext{} }

func (f *fakePrimitives) ReadCR0() uint64 { return 0 }
func (f *fakePrimitives) ReadCR2() uint64 { return 0 }
func (f *fakePrimitives) ReadCR3() uint64 { return 0 }
func (f *fakePrimitives) ReadCR4() uint64 { return 0 }

func (f *fakePrimitives) ReadGDTR() (uint64, uint16) { return 0, 0 }
func (f *fakePrimitives) ReadIDTR() (uint64, uint16) { return 0, 0 }

func (f *fakePrimitives) ReadGDTEntry(gdtBase uint64, selector uint16) uint64 {
	return f.gdtEntries[selector]
}

func newDispatcher(t *testing.T, prim *fakePrimitives) *dispatch.Dispatcher {
	t.Helper()

	reg := npt.NewTableRegistry(64)
	shared := vcpu.NewSharedState()

	ranges := []npt.Range{{Base: 0, Size: 0x10_0000}}

	v, err := vcpu.Init(prim, reg, shared, ranges, 0)
	if err != nil {
		t.Fatalf("vcpu.Init: %v", err)
	}

	t.Cleanup(func() { _ = v.Shutdown() })

	ctx := svm.CapturedContext{RIP: 0x1000, RSP: 0x2000}

	if err := v.Launch(&ctx, func(*vcpu.HostStackLayout) {}); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	mem := &memio.GuestMemory{Base: 0, Bytes: make([]byte, 0x10_0000)}

	return dispatch.New(v, prim, mem, nil)
}

func TestHandleCPUIDZeroesHypervisorRange(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	d := newDispatcher(t, prim)

	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitCPUID
	d.VCPU.GuestVMCB.StateSave.RAX = 0x4000_0000

	snap := &dispatch.Snapshot{}

	d.Handle(snap)

	if snap.RAX != 0 || snap.RBX != 0 || snap.RCX != 0 || snap.RDX != 0 {
		t.Fatalf("CPUID hypervisor-range leaf not zeroed: RAX=%#x RBX=%#x RCX=%#x RDX=%#x",
			snap.RAX, snap.RBX, snap.RCX, snap.RDX)
	}
}

func TestHandleCPUIDClearsHypervisorPresentBit(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	prim.cpuidECX = 1 << 31

	d := newDispatcher(t, prim)

	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitCPUID
	d.VCPU.GuestVMCB.StateSave.RAX = 1

	snap := &dispatch.Snapshot{}

	d.Handle(snap)

	if snap.RCX&(1<<31) != 0 {
		t.Fatalf("CPUID leaf 1 ECX hypervisor-present bit not cleared: %#x", snap.RCX)
	}
}

func TestHandleCPUIDClearsSVMFeatureBit(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	prim.cpuidEDX = 1 << 2

	d := newDispatcher(t, prim)

	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitCPUID
	d.VCPU.GuestVMCB.StateSave.RAX = 0x8000_0001

	snap := &dispatch.Snapshot{}

	d.Handle(snap)

	if snap.RDX&(1<<2) != 0 {
		t.Fatalf("CPUID leaf 0x8000_0001 EDX SVM bit not cleared: %#x", snap.RDX)
	}
}

func TestHandleMSRSyscallHookRoutesLSTARThroughSyscallHookState(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	prim.msrs[svm.MSRLSTAR] = 0xFFFF_8000_1000

	d := newDispatcher(t, prim)

	if err := d.VCPU.SyscallHook.Install(0xFFFF_8000_1000, 0, 0, 0xFFFF_8000_DEAD); err != nil {
		t.Fatalf("Install: %v", err)
	}

	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitMSR
	d.VCPU.GuestVMCB.Control.ExitInfo1 = 0 // read

	snap := &dispatch.Snapshot{}
	snap.RCX = svm.MSRLSTAR

	d.Handle(snap)

	got := snap.RDX<<32 | snap.RAX
	if got != 0xFFFF_8000_DEAD {
		t.Fatalf("LSTAR read while hooked = %#x, want trampoline address", got)
	}
}

func TestHandleMSRPassthroughAppliesStealthMask(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	prim.msrs[svm.MSREFER] = svm.EFERSVME

	d := newDispatcher(t, prim)
	d.VCPU.Stealth.Enable()

	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitMSR
	d.VCPU.GuestVMCB.Control.ExitInfo1 = 0

	snap := &dispatch.Snapshot{}
	snap.RCX = svm.MSREFER

	d.Handle(snap)

	got := snap.RDX<<32 | snap.RAX
	if got&svm.EFERSVME != 0 {
		t.Fatalf("EFER read with stealth enabled = %#x, SVME bit still set", got)
	}
}

func TestHandleUnknownExitInjectsUD(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	d := newDispatcher(t, prim)

	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitCode(0xFFFF)

	snap := &dispatch.Snapshot{}

	d.Handle(snap)

	inj := d.VCPU.GuestVMCB.Control.EventInjection
	if inj&svm.EventInjValid == 0 || inj&0xFF != svm.VectorUD {
		t.Fatalf("unknown exit did not inject #UD: event injection = %#x", inj)
	}

	if count, ok := d.VCPU.Telemetry.LastUnhandled(); !ok || count != 0xFFFF {
		t.Fatalf("unhandled exit not recorded in telemetry: (%#x, %v)", count, ok)
	}
}

func TestHandleVMMCallBadSignatureInjectsUD(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	d := newDispatcher(t, prim)

	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitVMMCALL

	snap := &dispatch.Snapshot{RAX: 0xDEAD_BEEF, RDX: 0}

	d.Handle(snap)

	inj := d.VCPU.GuestVMCB.Control.EventInjection
	if inj&svm.EventInjValid == 0 || inj&0xFF != svm.VectorUD {
		t.Fatalf("bad-signature VMMCALL did not inject #UD: event injection = %#x", inj)
	}
}

func TestHandleRDTSCAppliesOffsetAndOverhead(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	prim.tsc = 1_000_000

	d := newDispatcher(t, prim)
	d.VCPU.GuestVMCB.Control.TSCOffset = 500
	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitRDTSC

	snap := &dispatch.Snapshot{}

	d.Handle(snap)

	want := uint64(1_000_000) + 500 - 0x100

	got := snap.RDX<<32 | snap.RAX
	if got != want {
		t.Fatalf("RDTSC result = %#x, want %#x", got, want)
	}
}

func TestHandleAdvancesRIPUsingNextRIPWhenSet(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	d := newDispatcher(t, prim)

	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitCPUID
	d.VCPU.GuestVMCB.Control.NextRIP = 0xABCD_0000
	d.VCPU.GuestVMCB.StateSave.RIP = 0x1000

	snap := &dispatch.Snapshot{}

	d.Handle(snap)

	if d.VCPU.GuestVMCB.StateSave.RIP != 0xABCD_0000 {
		t.Fatalf("RIP after exit = %#x, want NextRIP 0xABCD_0000", d.VCPU.GuestVMCB.StateSave.RIP)
	}
}

func TestHandleNPFInjectsPageFaultWhenNoTriggerOrMMIOMatches(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	d := newDispatcher(t, prim)

	const faultGPA = 0x9999_0000

	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitNPF
	d.VCPU.GuestVMCB.Control.ExitInfo1 = 1 << 1 // write fault
	d.VCPU.GuestVMCB.Control.ExitInfo2 = faultGPA

	snap := &dispatch.Snapshot{}

	d.Handle(snap)

	if d.VCPU.GuestVMCB.StateSave.CR2 != faultGPA {
		t.Fatalf("CR2 = %#x, want faulting GPA %#x", d.VCPU.GuestVMCB.StateSave.CR2, faultGPA)
	}

	inj := d.VCPU.GuestVMCB.Control.EventInjection
	if inj&svm.EventInjValid == 0 || inj&0xFF != svm.VectorPF {
		t.Fatalf("unresolved NPF did not inject #PF: event injection = %#x", inj)
	}
}

func TestHandleNPFRecordsTelemetryRegardlessOfOutcome(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	d := newDispatcher(t, prim)

	const faultGPA = 0x9999_0000

	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitNPF
	d.VCPU.GuestVMCB.Control.ExitInfo1 = 1 << 1
	d.VCPU.GuestVMCB.Control.ExitInfo2 = faultGPA

	d.Handle(&dispatch.Snapshot{})

	if d.VCPU.Telemetry.NPFCount() != 1 {
		t.Fatalf("NPFCount after one NPF exit = %d, want 1", d.VCPU.Telemetry.NPFCount())
	}

	entry, ok := d.VCPU.Telemetry.NPFAt(0)
	if !ok || entry.GPA != faultGPA {
		t.Fatalf("NPFAt(0) = (%+v, %v), want GPA %#x", entry, ok, faultGPA)
	}
}

func TestHandleNPFRewritesShadowHookedPageOnFirstTouch(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	d := newDispatcher(t, prim)

	const target = 0x1000

	if err := d.VCPU.NPT.InstallShadowHook(target, 0xDEAD_D000); err != nil {
		t.Fatalf("InstallShadowHook: %v", err)
	}

	e, _, err := d.VCPU.NPT.GetEntry(target)
	if err != nil {
		t.Fatalf("GetEntry right after install: %v", err)
	}

	if e.Frame() == 0xDEAD_D000 {
		t.Fatal("page rewritten at install time, want rewrite deferred to NPF")
	}

	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitNPF
	d.VCPU.GuestVMCB.Control.ExitInfo1 = 1 << 1
	d.VCPU.GuestVMCB.Control.ExitInfo2 = target

	d.Handle(&dispatch.Snapshot{})

	e, _, err = d.VCPU.NPT.GetEntry(target)
	if err != nil {
		t.Fatalf("GetEntry after NPF: %v", err)
	}

	if e.Frame() != 0xDEAD_D000 {
		t.Fatalf("frame after NPF = %#x, want 0xDEAD_D000 (shadow hook applied from the NPF path)", e.Frame())
	}

	inj := d.VCPU.GuestVMCB.Control.EventInjection
	if inj&svm.EventInjValid != 0 {
		t.Fatalf("shadow-hook-resolved NPF still injected an exception: event injection = %#x", inj)
	}
}

func TestHandleNPFPromotesArmedHardwareTriggerAndFillsMailbox(t *testing.T) {
	t.Parallel()

	prim := newFakePrimitives()
	d := newDispatcher(t, prim)

	const apicPage = 0xFEC0_0000

	if err := d.VCPU.NPT.ArmTrigger(d.VCPU.NPT.APICTrigger(), apicPage); err != nil {
		t.Fatalf("ArmTrigger: %v", err)
	}

	const faultGPA = apicPage + 0x40

	d.VCPU.GuestVMCB.Control.ExitCode = svm.ExitNPF
	d.VCPU.GuestVMCB.Control.ExitInfo1 = 1 << 1
	d.VCPU.GuestVMCB.Control.ExitInfo2 = faultGPA

	d.Handle(&dispatch.Snapshot{})

	inj := d.VCPU.GuestVMCB.Control.EventInjection
	if inj&svm.EventInjValid != 0 {
		t.Fatalf("trigger-resolved NPF still injected an exception: event injection = %#x", inj)
	}

	if !d.VCPU.NPT.MailboxActive() {
		t.Fatal("trigger promotion did not fill the mailbox with the faulting GPA")
	}

	if got, ok := d.VCPU.NPT.PopMailbox(); !ok || got != faultGPA {
		t.Fatalf("mailbox after trigger promotion = (%#x, %v), want (%#x, true)", got, ok, faultGPA)
	}
}
