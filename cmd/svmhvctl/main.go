// Command svmhvctl is the trusted userland client for the hypercall
// channel (spec.md §4.6): each subcommand issues one VMMCALL and prints
// the result. Grounded on flag/runs.go's kong.Parse(&c, ...) CLI shape.
package main

import (
	"fmt"
	"log"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/kryvos/svmhv/hypercall"
)

type CLI struct {
	ReadGVA    ReadGVACmd    `cmd:"" help:"Read one 64-bit value out of guest-virtual memory."`
	WriteGVA   WriteGVACmd   `cmd:"" help:"Write one 64-bit value into guest-virtual memory."`
	CR3XOR     CR3XORCmd     `cmd:"" help:"Enable or disable CR3 XOR cloaking."`
	Shadow     ShadowCmd     `cmd:"" help:"Install or clear the single shadow-hook slot."`
	Stealth    StealthCmd    `cmd:"" help:"Enable or disable CPUID/MSR stealth masking."`
	Mailbox    MailboxCmd    `cmd:"" help:"Pop or push the mailbox's single message slot."`
	Translate  TranslateCmd  `cmd:"" help:"Translate a guest-virtual or guest-physical address."`
	Syscall    SyscallCmd    `cmd:"" help:"Install or remove the syscall (LSTAR) hook."`
	Proc       ProcCmd       `cmd:"" help:"Query process image base / CR3 by PID."`
	Telemetry  TelemetryCmd  `cmd:"" help:"Read or clear execution telemetry."`
}

func main() {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("svmhvctl"),
		kong.Description("userland client for the stealth hypervisor's hypercall channel"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true, Summary: true}))

	if err := ctx.Run(); err != nil {
		log.Fatal(err)
	}
}

// parseU64 accepts decimal or 0x-prefixed hex, the same "number[gGmMkK]"-
// adjacent leniency flag.ParseSize gives BootArgs's memory size flag.
func parseU64(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

// call XOR-encodes opcode with hypercall.Key, carries hypercall.Signature
// in RDX, and issues the VMMCALL (spec.md §4.6 "Decode").
func call(opcode uint64, rbx, rcx uint64) uint64 {
	return vmmcallLow(opcode^hypercall.Key, rbx, rcx, hypercall.Signature)
}

// callWithRDX is call's 3-argument form for the mailbox-push hypercall
// (0x211), whose dispatch form threads the full {code, arg0, arg1}
// triple through rbx/rcx/rdx. rdx still has to carry hypercall.Signature
// in its low 16 bits, so arg1's low 16 bits collide with the signature,
// the same quirk original_source's HookVmmcallDispatch has passing the
// raw a3 register straight through as message.Arg1.
func callWithRDX(opcode uint64, rbx, rcx, arg1 uint64) uint64 {
	rdx := (arg1 &^ 0xFFFF) | hypercall.Signature
	return vmmcallLow(opcode^hypercall.Key, rbx, rcx, rdx)
}

func reportOrFail(result uint64) error {
	if result == hypercall.FailureValue {
		return fmt.Errorf("hypercall failed: result = %#x", result)
	}

	fmt.Printf("%#x\n", result)

	return nil
}

type ReadGVACmd struct {
	GVA string `arg:"" help:"guest-virtual address"`
}

func (c *ReadGVACmd) Run() error {
	gva, err := parseU64(c.GVA)
	if err != nil {
		return err
	}

	return reportOrFail(call(hypercall.OpReadGVA, gva, 0))
}

type WriteGVACmd struct {
	GVA   string `arg:"" help:"guest-virtual address"`
	Value string `arg:"" help:"64-bit value to write"`
}

func (c *WriteGVACmd) Run() error {
	gva, err := parseU64(c.GVA)
	if err != nil {
		return err
	}

	value, err := parseU64(c.Value)
	if err != nil {
		return err
	}

	return reportOrFail(call(hypercall.OpWriteGVA, gva, value))
}

type CR3XORCmd struct {
	Enable  CR3XOREnableCmd  `cmd:"" help:"enable CR3 XOR cloaking with the given key"`
	Disable CR3XORDisableCmd `cmd:"" help:"disable CR3 XOR cloaking"`
}

type CR3XOREnableCmd struct {
	Key string `arg:"" help:"XOR key"`
}

func (c *CR3XOREnableCmd) Run() error {
	key, err := parseU64(c.Key)
	if err != nil {
		return err
	}

	return reportOrFail(call(hypercall.OpEnableCR3XOR, key, 0))
}

type CR3XORDisableCmd struct{}

func (c *CR3XORDisableCmd) Run() error {
	return reportOrFail(call(hypercall.OpDisableCR3XOR, 0, 0))
}

type ShadowCmd struct {
	Install ShadowInstallCmd `cmd:"" help:"install the shadow hook"`
	Clear   ShadowClearCmd   `cmd:"" help:"clear the shadow hook"`
}

type ShadowInstallCmd struct {
	TargetGVA      string `arg:"" help:"guest-virtual address to hook"`
	ReplacementHPA string `arg:"" help:"host-physical address of the replacement page"`
}

func (c *ShadowInstallCmd) Run() error {
	target, err := parseU64(c.TargetGVA)
	if err != nil {
		return err
	}

	replacement, err := parseU64(c.ReplacementHPA)
	if err != nil {
		return err
	}

	return reportOrFail(call(hypercall.OpInstallShadow, target, replacement))
}

type ShadowClearCmd struct{}

func (c *ShadowClearCmd) Run() error {
	return reportOrFail(call(hypercall.OpClearShadow, 0, 0))
}

type StealthCmd struct {
	Enable  StealthEnableCmd  `cmd:"" help:"enable stealth masking"`
	Disable StealthDisableCmd `cmd:"" help:"disable stealth masking"`
}

type StealthEnableCmd struct{}

func (c *StealthEnableCmd) Run() error {
	return reportOrFail(call(hypercall.OpEnableStealth, 0, 0))
}

type StealthDisableCmd struct{}

func (c *StealthDisableCmd) Run() error {
	return reportOrFail(call(hypercall.OpDisableStealth, 0, 0))
}

type MailboxCmd struct {
	Pop  MailboxPopCmd  `cmd:"" help:"pop the mailbox's message"`
	Push MailboxPushCmd `cmd:"" help:"push a message into the mailbox"`
}

type MailboxPopCmd struct{}

func (c *MailboxPopCmd) Run() error {
	return reportOrFail(call(hypercall.OpMailboxPop, 0, 0))
}

type MailboxPushCmd struct {
	Code string `arg:"" help:"message code"`
	Arg0 string `arg:"" optional:"" default:"0" help:"message arg0"`
	Arg1 string `arg:"" optional:"" default:"0" help:"message arg1 (low 16 bits collide with the hypercall signature)"`
}

func (c *MailboxPushCmd) Run() error {
	code, err := parseU64(c.Code)
	if err != nil {
		return err
	}

	arg0, err := parseU64(c.Arg0)
	if err != nil {
		return err
	}

	arg1, err := parseU64(c.Arg1)
	if err != nil {
		return err
	}

	return reportOrFail(callWithRDX(hypercall.OpMailboxPush, code, arg0, arg1))
}

type TranslateCmd struct {
	GVAToGPA TranslateGVAToGPACmd `cmd:"gva-to-gpa" help:"translate a guest-virtual address to guest-physical"`
	GVAToHPA TranslateGVAToHPACmd `cmd:"gva-to-hpa" help:"translate a guest-virtual address to host-physical"`
	GPAToHPA TranslateGPAToHPACmd `cmd:"gpa-to-hpa" help:"translate a guest-physical address to host-physical"`
}

type TranslateGVAToGPACmd struct {
	Addr string `arg:""`
}

func (c *TranslateGVAToGPACmd) Run() error {
	addr, err := parseU64(c.Addr)
	if err != nil {
		return err
	}

	return reportOrFail(call(hypercall.OpTranslateGVAGPA, addr, 0))
}

type TranslateGVAToHPACmd struct {
	Addr string `arg:""`
}

func (c *TranslateGVAToHPACmd) Run() error {
	addr, err := parseU64(c.Addr)
	if err != nil {
		return err
	}

	return reportOrFail(call(hypercall.OpTranslateGVAHPA, addr, 0))
}

type TranslateGPAToHPACmd struct {
	Addr string `arg:""`
}

func (c *TranslateGPAToHPACmd) Run() error {
	addr, err := parseU64(c.Addr)
	if err != nil {
		return err
	}

	return reportOrFail(call(hypercall.OpTranslateGPAHPA, addr, 0))
}

type SyscallCmd struct {
	Install SyscallInstallCmd `cmd:"" help:"install the LSTAR hook"`
	Remove  SyscallRemoveCmd  `cmd:"" help:"remove the LSTAR hook"`
}

type SyscallInstallCmd struct {
	Trampoline string `arg:"" help:"guest-virtual address of the hook trampoline"`
}

func (c *SyscallInstallCmd) Run() error {
	trampoline, err := parseU64(c.Trampoline)
	if err != nil {
		return err
	}

	return reportOrFail(call(hypercall.OpInstallSyscall, trampoline, 0))
}

type SyscallRemoveCmd struct{}

func (c *SyscallRemoveCmd) Run() error {
	return reportOrFail(call(hypercall.OpRemoveSyscall, 0, 0))
}

type ProcCmd struct {
	Current ProcCurrentCmd `cmd:"" help:"image base of the current process"`
	ByPID   ProcByPIDCmd   `cmd:"by-pid" help:"image base of the process with the given PID"`
	CR3ByPID CR3ByPIDCmd   `cmd:"cr3-by-pid" help:"CR3 of the process with the given PID"`
}

type ProcCurrentCmd struct{}

func (c *ProcCurrentCmd) Run() error {
	return reportOrFail(call(hypercall.OpProcCurrent, 0, 0))
}

type ProcByPIDCmd struct {
	PID string `arg:""`
}

func (c *ProcByPIDCmd) Run() error {
	pid, err := parseU64(c.PID)
	if err != nil {
		return err
	}

	return reportOrFail(call(hypercall.OpProcByPID, pid, 0))
}

type CR3ByPIDCmd struct {
	PID string `arg:""`
}

func (c *CR3ByPIDCmd) Run() error {
	pid, err := parseU64(c.PID)
	if err != nil {
		return err
	}

	return reportOrFail(call(hypercall.OpCR3ByPID, pid, 0))
}

type TelemetryCmd struct {
	NPFCount      TelemetryNPFCountCmd      `cmd:"npf-count" help:"number of recorded NPF entries"`
	NPFAt         TelemetryNPFAtCmd         `cmd:"npf-at" help:"NPF entry by index, most recent first"`
	ExitCount     TelemetryExitCountCmd     `cmd:"exit-count" help:"exit histogram bucket for an exit code"`
	LastUnhandled TelemetryLastUnhandledCmd `cmd:"last-unhandled" help:"last unhandled exit code"`
	Clear         TelemetryClearCmd         `cmd:"" help:"reset every telemetry counter"`
}

type TelemetryNPFCountCmd struct{}

func (c *TelemetryNPFCountCmd) Run() error {
	return reportOrFail(call(hypercall.OpTelemetryNPFCnt, 0, 0))
}

type TelemetryNPFAtCmd struct {
	Index string `arg:""`
}

func (c *TelemetryNPFAtCmd) Run() error {
	index, err := parseU64(c.Index)
	if err != nil {
		return err
	}

	return reportOrFail(call(hypercall.OpTelemetryNPFAt, index, 0))
}

type TelemetryExitCountCmd struct {
	Code string `arg:""`
}

func (c *TelemetryExitCountCmd) Run() error {
	code, err := parseU64(c.Code)
	if err != nil {
		return err
	}

	return reportOrFail(call(hypercall.OpTelemetryExitCt, code, 0))
}

type TelemetryLastUnhandledCmd struct{}

func (c *TelemetryLastUnhandledCmd) Run() error {
	return reportOrFail(call(hypercall.OpTelemetryLastUH, 0, 0))
}

type TelemetryClearCmd struct{}

func (c *TelemetryClearCmd) Run() error {
	return reportOrFail(call(hypercall.OpTelemetryClear, 0, 0))
}
