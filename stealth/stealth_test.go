package stealth_test

import (
	"testing"

	"github.com/kryvos/svmhv/stealth"
)

func TestCPUIDMaskClearsHypervisorBit(t *testing.T) {
	t.Parallel()

	var m stealth.Masks

	m.Enable()

	ecx, _ := m.CPUIDMask(1, 0xFFFF_FFFF, 0)
	if ecx&(1<<31) != 0 {
		t.Fatalf("CPUIDMask leaf 1 ECX = %#x, hypervisor bit not cleared", ecx)
	}

	_, edx := m.CPUIDMask(0x8000_0001, 0, 0xFFFF_FFFF)
	if edx&(1<<2) != 0 {
		t.Fatalf("CPUIDMask leaf 0x8000_0001 EDX = %#x, SVM bit not cleared", edx)
	}
}

func TestCPUIDMaskPassthroughWhenDisabled(t *testing.T) {
	t.Parallel()

	var m stealth.Masks

	ecx, edx := m.CPUIDMask(1, 0xFFFF_FFFF, 0xFFFF_FFFF)
	if ecx != 0xFFFF_FFFF || edx != 0xFFFF_FFFF {
		t.Fatalf("CPUIDMask while disabled altered values: ecx=%#x edx=%#x", ecx, edx)
	}
}

func TestMSRMaskReadClearsEFERSVME(t *testing.T) {
	t.Parallel()

	var m stealth.Masks

	m.Enable()

	const efer = 0xC000_0080

	got := m.MSRMaskRead(efer, 1<<12)
	if got&(1<<12) != 0 {
		t.Fatalf("MSRMaskRead(EFER) = %#x, SVME bit not cleared", got)
	}
}

func TestEnableIdempotent(t *testing.T) {
	t.Parallel()

	var m stealth.Masks

	m.Enable()
	m.Enable()

	if !m.Enabled() {
		t.Fatal("Enabled() false after two Enable calls")
	}

	m.Disable()

	if m.Enabled() {
		t.Fatal("Enabled() true after Disable")
	}

	m.Disable()

	if m.Enabled() {
		t.Fatal("Enabled() true after double Disable")
	}
}
