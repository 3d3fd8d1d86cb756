// Package stealth implements the CPUID and MSR masking contract that
// hides the hypervisor from the guest (spec.md §4.8, §6).
package stealth

import "sync"

const (
	cpuidLeafFeature    = 1
	cpuidECXHypervisor  = 1 << 31
	cpuidLeafSVMFeature = 0x8000_0001
	cpuidEDXSVM         = 1 << 2

	msrEFER     = 0xC000_0080
	efersVMEBit = 1 << 12
)

// Masks is the process-wide stealth flag block (spec.md §5 "the
// stealth/CR3/syscall-hook flag block", read at every exit). Enabling it
// twice, or disabling without a prior enable, is a no-op (spec.md §8
// "Stealth idempotence").
type Masks struct {
	mu      sync.RWMutex
	enabled bool
}

// Enable turns masking on. Idempotent.
func (m *Masks) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = true
}

// Disable turns masking off. Idempotent.
func (m *Masks) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
}

// Enabled reports whether masking is active.
func (m *Masks) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.enabled
}

// CPUIDMask applies the contract of spec.md §4.8: for leaf 1, clears
// ECX bit 31 (hypervisor-present); for leaf 0x8000_0001, clears EDX bit 2
// (SVM feature bit). Other leaves pass through untouched.
func (m *Masks) CPUIDMask(leaf uint32, ecx, edx uint32) (maskedECX, maskedEDX uint32) {
	if !m.Enabled() {
		return ecx, edx
	}

	switch leaf {
	case cpuidLeafFeature:
		ecx &^= cpuidECXHypervisor
	case cpuidLeafSVMFeature:
		edx &^= cpuidEDXSVM
	}

	return ecx, edx
}

// MSRMaskRead applies spec.md §4.8's read-side mask: when enabled and
// msr is EFER, clears bit 12 (SVM-enable), so RDMSR of EFER appears as
// if virtualization were never turned on (spec.md §6).
func (m *Masks) MSRMaskRead(msr uint32, value uint64) uint64 {
	if !m.Enabled() {
		return value
	}

	if msr == msrEFER {
		value &^= efersVMEBit
	}

	return value
}
