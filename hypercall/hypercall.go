// Package hypercall implements the VMMCALL opcode decode and dispatch
// table (spec.md §4.6).
package hypercall

// Key is the XOR opcode-encoding key (spec.md §4.6 "Decode").
const Key uint64 = 0x1337_DEAD_BEEF_CAFE

// Signature is the low-16-bit marker RDX must carry, spec.md §4.6
// "Decode": "if (RDX & 0xFFFF) != SIG, inject invalid-opcode".
const Signature uint64 = 0xBEEF

const (
	OpReadGVA         = 0x100
	OpWriteGVA        = 0x101
	OpEnableCR3XOR    = 0x102
	OpDisableCR3XOR   = 0x103
	OpInstallShadow   = 0x110
	OpClearShadow     = 0x111
	OpEnableStealth   = 0x200
	OpDisableStealth  = 0x201
	OpMailboxPop      = 0x210
	OpMailboxPush     = 0x211
	OpTranslateGVAGPA = 0x220
	OpTranslateGVAHPA = 0x221
	OpTranslateGPAHPA = 0x222
	OpInstallSyscall  = 0x300
	OpRemoveSyscall   = 0x301
	OpProcCurrent     = 0x320
	OpProcByPID       = 0x321
	OpCR3ByPID        = 0x322
	OpTelemetryNPFCnt = 0x400
	OpTelemetryNPFAt  = 0x401
	OpTelemetryExitCt = 0x402
	OpTelemetryLastUH = 0x403
	OpTelemetryClear  = 0x404
)

// FailureValue is returned by handlers on a local, guest-visible error,
// per spec.md §6 "Local recovery": "returning a sentinel value (0 or
// 0xDEAD_BEEF)".
const FailureValue = 0xDEAD_BEEF

// Deps is every capability a hypercall handler needs, implemented by
// the dispatch package's adapter over one vCPU's state.
type Deps interface {
	ReadGuestVirtual(gva uint64) (uint64, error)
	WriteGuestVirtual(gva uint64, value uint64) error

	EnableCR3Cloak(key uint64)
	DisableCR3Cloak()

	InstallShadowHook(targetGVA, replacementHPA uint64) error
	ClearShadowHook() error

	EnableStealth()
	DisableStealth()

	MailboxPop() (uint64, bool)
	MailboxPush(code, arg0, arg1 uint64)

	TranslateGVAToGPA(gva uint64) (uint64, error)
	TranslateGVAToHPA(gva uint64) (uint64, error)
	TranslateGPAToHPA(gpa uint64) uint64

	InstallSyscallHook(trampoline uint64) error
	RemoveSyscallHook() error

	CurrentProcessImageBase() (uint64, error)
	ProcessImageBaseByPID(pid uint64) (uint64, error)
	ProcessCR3ByPID(pid uint64) (uint64, error)

	TelemetryNPFCount() uint64
	TelemetryNPFAt(index uint64) (gpa uint64, ok bool)
	TelemetryExitCountByCode(code uint64) uint64
	TelemetryLastUnhandled() (code uint64, ok bool)
	TelemetryClear()
}

// Decode applies spec.md §4.6's decode step: opcode = RAX ^ KEY,
// rejecting anything whose RDX signature doesn't match.
func Decode(rax, rdx uint64) (opcode uint64, ok bool) {
	if rdx&0xFFFF != Signature {
		return 0, false
	}

	return rax ^ Key, true
}

// Dispatch decodes and executes one VMMCALL. ok is false when the
// signature check fails, telling the caller to inject an invalid-opcode
// exception instead of using result (spec.md §4.6 "Decode").
func Dispatch(d Deps, rax, rbx, rcx, rdx uint64) (result uint64, ok bool) {
	opcode, ok := Decode(rax, rdx)
	if !ok {
		return 0, false
	}

	arg0, arg1, arg2 := rbx, rcx, rdx

	switch opcode {
	case OpReadGVA:
		v, err := d.ReadGuestVirtual(arg0)
		if err != nil {
			return FailureValue, true
		}

		return v, true

	case OpWriteGVA:
		if err := d.WriteGuestVirtual(arg0, arg1); err != nil {
			return FailureValue, true
		}

		return 0, true

	case OpEnableCR3XOR:
		d.EnableCR3Cloak(arg0)
		return 0, true

	case OpDisableCR3XOR:
		d.DisableCR3Cloak()
		return 0, true

	case OpInstallShadow:
		if err := d.InstallShadowHook(arg0, arg1); err != nil {
			return FailureValue, true
		}

		return 0, true

	case OpClearShadow:
		if err := d.ClearShadowHook(); err != nil {
			return FailureValue, true
		}

		return 0, true

	case OpEnableStealth:
		d.EnableStealth()
		return 0, true

	case OpDisableStealth:
		d.DisableStealth()
		return 0, true

	case OpMailboxPop:
		v, ok := d.MailboxPop()
		if !ok {
			return FailureValue, true
		}

		return v, true

	case OpMailboxPush:
		// original_source's "send mailbox payload (a1..a3)": the full
		// {code, arg0, arg1} triple, not just arg0.
		d.MailboxPush(arg0, arg1, arg2)
		return 0, true

	case OpTranslateGVAGPA:
		v, err := d.TranslateGVAToGPA(arg0)
		if err != nil {
			return FailureValue, true
		}

		return v, true

	case OpTranslateGVAHPA:
		v, err := d.TranslateGVAToHPA(arg0)
		if err != nil {
			return FailureValue, true
		}

		return v, true

	case OpTranslateGPAHPA:
		return d.TranslateGPAToHPA(arg0), true

	case OpInstallSyscall:
		if err := d.InstallSyscallHook(arg0); err != nil {
			return FailureValue, true
		}

		return 0, true

	case OpRemoveSyscall:
		if err := d.RemoveSyscallHook(); err != nil {
			return FailureValue, true
		}

		return 0, true

	case OpProcCurrent:
		v, err := d.CurrentProcessImageBase()
		if err != nil {
			return FailureValue, true
		}

		return v, true

	case OpProcByPID:
		v, err := d.ProcessImageBaseByPID(arg0)
		if err != nil {
			return FailureValue, true
		}

		return v, true

	case OpCR3ByPID:
		v, err := d.ProcessCR3ByPID(arg0)
		if err != nil {
			return FailureValue, true
		}

		return v, true

	case OpTelemetryNPFCnt:
		return d.TelemetryNPFCount(), true

	case OpTelemetryNPFAt:
		v, ok := d.TelemetryNPFAt(arg0)
		if !ok {
			return FailureValue, true
		}

		return v, true

	case OpTelemetryExitCt:
		return d.TelemetryExitCountByCode(arg0), true

	case OpTelemetryLastUH:
		v, ok := d.TelemetryLastUnhandled()
		if !ok {
			return FailureValue, true
		}

		return v, true

	case OpTelemetryClear:
		d.TelemetryClear()
		return 0, true

	default:
		return 0, false
	}
}
