package dispatch

import (
	"errors"

	"github.com/kryvos/svmhv/svm"
	"github.com/kryvos/svmhv/walker"
)

// ErrNoProcScan is returned by the process-query hypercalls when the
// dispatcher was built without a process scanner wired in (spec.md
// §4.6 opcodes 0x320-0x322 depend on caller-supplied OS field offsets
// that aren't always available).
var ErrNoProcScan = errors.New("dispatch: no process scanner configured")

// hypercallAdapter makes *Dispatcher satisfy hypercall.Deps, translating
// guest-virtual hypercall arguments through the current guest CR3 (as
// seen through the CR3 cloak) and routing each capability to the vCPU
// state that owns it.
type hypercallAdapter struct {
	d *Dispatcher
}

func (d *Dispatcher) hypercallDeps() *hypercallAdapter {
	return &hypercallAdapter{d: d}
}

func (a *hypercallAdapter) observedCR3() uint64 {
	return a.d.VCPU.GuestVMCB.StateSave.CR3
}

func (a *hypercallAdapter) translateGVA(gva uint64) (uint64, error) {
	return walker.TranslateCloaked(a.d.Mem, a.d.VCPU.CR3Cloak, a.observedCR3(), gva)
}

func (a *hypercallAdapter) ReadGuestVirtual(gva uint64) (uint64, error) {
	gpa, err := a.translateGVA(gva)
	if err != nil {
		return 0, err
	}

	return a.d.Mem.ReadPhys64(gpa)
}

func (a *hypercallAdapter) WriteGuestVirtual(gva uint64, value uint64) error {
	gpa, err := a.translateGVA(gva)
	if err != nil {
		return err
	}

	return a.d.Mem.WritePhys64(gpa, value)
}

func (a *hypercallAdapter) EnableCR3Cloak(key uint64) { a.d.VCPU.CR3Cloak.Enable(key) }
func (a *hypercallAdapter) DisableCR3Cloak()          { a.d.VCPU.CR3Cloak.Disable() }

func (a *hypercallAdapter) InstallShadowHook(targetGVA, replacementHPA uint64) error {
	targetGPA, err := a.translateGVA(targetGVA)
	if err != nil {
		return err
	}

	return a.d.VCPU.NPT.InstallShadowHook(targetGPA, replacementHPA)
}

func (a *hypercallAdapter) ClearShadowHook() error {
	return a.d.VCPU.NPT.ClearShadowHook()
}

func (a *hypercallAdapter) EnableStealth()  { a.d.VCPU.Stealth.Enable() }
func (a *hypercallAdapter) DisableStealth() { a.d.VCPU.Stealth.Disable() }

func (a *hypercallAdapter) MailboxPop() (uint64, bool) { return a.d.VCPU.NPT.PopMailbox() }

func (a *hypercallAdapter) MailboxPush(code, arg0, arg1 uint64) {
	a.d.VCPU.NPT.PushMailbox(code, arg0, arg1)
}

func (a *hypercallAdapter) TranslateGVAToGPA(gva uint64) (uint64, error) {
	return a.translateGVA(gva)
}

func (a *hypercallAdapter) TranslateGVAToHPA(gva uint64) (uint64, error) {
	gpa, err := a.translateGVA(gva)
	if err != nil {
		return 0, err
	}

	return a.d.VCPU.NPT.TranslateGPAToHPA(gpa), nil
}

func (a *hypercallAdapter) TranslateGPAToHPA(gpa uint64) uint64 {
	return a.d.VCPU.NPT.TranslateGPAToHPA(gpa)
}

func (a *hypercallAdapter) InstallSyscallHook(trampoline uint64) error {
	liveLSTAR := a.d.Prim.ReadMSR(svm.MSRLSTAR)
	liveSTAR := a.d.Prim.ReadMSR(svm.MSRSTAR)
	liveSFMASK := a.d.Prim.ReadMSR(svm.MSRSFMASK)

	return a.d.VCPU.SyscallHook.Install(liveLSTAR, liveSTAR, liveSFMASK, trampoline)
}

func (a *hypercallAdapter) RemoveSyscallHook() error {
	return a.d.VCPU.SyscallHook.Remove()
}

func (a *hypercallAdapter) CurrentProcessImageBase() (uint64, error) {
	if a.d.ProcScan == nil {
		return 0, ErrNoProcScan
	}

	return a.d.ProcScan.CurrentImageBase()
}

func (a *hypercallAdapter) ProcessImageBaseByPID(pid uint64) (uint64, error) {
	if a.d.ProcScan == nil {
		return 0, ErrNoProcScan
	}

	return a.d.ProcScan.ImageBaseByPID(pid)
}

func (a *hypercallAdapter) ProcessCR3ByPID(pid uint64) (uint64, error) {
	if a.d.ProcScan == nil {
		return 0, ErrNoProcScan
	}

	return a.d.ProcScan.CR3ByPID(pid)
}

func (a *hypercallAdapter) TelemetryNPFCount() uint64 {
	return uint64(a.d.VCPU.Telemetry.NPFCount())
}

func (a *hypercallAdapter) TelemetryNPFAt(index uint64) (uint64, bool) {
	entry, ok := a.d.VCPU.Telemetry.NPFAt(int(index))
	if !ok {
		return 0, false
	}

	return entry.GPA, true
}

func (a *hypercallAdapter) TelemetryExitCountByCode(code uint64) uint64 {
	return a.d.VCPU.Telemetry.ExitCountByCode(code)
}

func (a *hypercallAdapter) TelemetryLastUnhandled() (uint64, bool) {
	return a.d.VCPU.Telemetry.LastUnhandled()
}

func (a *hypercallAdapter) TelemetryClear() { a.d.VCPU.Telemetry.Clear() }
