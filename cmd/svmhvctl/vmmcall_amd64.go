//go:build amd64

package main

// vmmcallLow executes VMMCALL with rax/rbx/rcx/rdx loaded as given and
// returns the post-call RAX, the same opaque-primitive treatment
// svm/asm_amd64.go gives VMRUN/VMSAVE/CPUID: spec.md places assembly
// trampolines out of scope, so only the bodyless stub lives here.
// implemented in vmmcall_amd64.s
func vmmcallLow(rax, rbx, rcx, rdx uint64) uint64
