package vcpu

import "github.com/kryvos/svmhv/svm"

// BuildVMCB materializes a guest VMCB from a captured register context
// (spec.md §4.3 "VMCB Builder"). Nested paging is mandatory: without it
// VMRUN fails, so NestedPagingEnable is always true here.
func BuildVMCB(v *VCPU, ctx *svm.CapturedContext) *svm.VMCB {
	vmcb := &svm.VMCB{
		Control: svm.ControlArea{
			InterceptVector: svm.InterceptCPUID | svm.InterceptVMRUN | svm.InterceptVMMCALL,
			MsrpmBasePA:     v.msrpm.PA,
			IopmBasePA:      v.iopm.PA,
			TSCOffset:       v.tscOffset,
			GuestASID:       defaultASID,
			VmcbCleanBits:   0,

			NestedPagingEnable: true,
			NestedCR3:          v.NPT.PML4PhysAddr(),
		},
	}

	gdtBase, gdtLimit := v.prim.ReadGDTR()
	idtBase, idtLimit := v.prim.ReadIDTR()

	vmcb.StateSave = svm.StateSaveArea{
		GDTRBase:  gdtBase,
		GDTRLimit: gdtLimit,
		IDTRBase:  idtBase,
		IDTRLimit: idtLimit,

		CR0: v.prim.ReadCR0(),
		CR2: v.prim.ReadCR2(),
		CR3: v.prim.ReadCR3(),
		CR4: v.prim.ReadCR4(),

		EFER: v.prim.ReadMSR(svm.MSREFER),
		PAT:  v.prim.ReadMSR(svm.MSRPAT),

		RAX:    ctx.RAX,
		RSP:    ctx.RSP,
		RIP:    ctx.RIP,
		RFLAGS: ctx.RFLAGS,
	}

	vmcb.StateSave.CSSelector, vmcb.StateSave.CSLimit, vmcb.StateSave.CSAttrib = v.segment(gdtBase, ctx.CS)
	vmcb.StateSave.DSSelector, vmcb.StateSave.DSLimit, vmcb.StateSave.DSAttrib = v.segment(gdtBase, ctx.DS)
	vmcb.StateSave.ESSelector, vmcb.StateSave.ESLimit, vmcb.StateSave.ESAttrib = v.segment(gdtBase, ctx.ES)
	vmcb.StateSave.SSSelector, vmcb.StateSave.SSLimit, vmcb.StateSave.SSAttrib = v.segment(gdtBase, ctx.SS)

	return vmcb
}

// segment resolves a live segment selector's architectural limit and
// packed attribute byte from the GDT entry it points to (spec.md §4.3
// "State save": "base 0; attribute bytes reconstructed from the GDT
// entry pointed to by the selector").
func (v *VCPU) segment(gdtBase uint64, selector uint16) (sel uint16, limit uint32, attrib uint16) {
	raw := v.prim.ReadGDTEntry(gdtBase, selector)

	limit = uint32(raw&0xFFFF) | uint32((raw>>48)&0xF)<<16

	typ := uint8((raw >> 40) & 0xF)
	s := uint8((raw >> 44) & 1)
	dpl := uint8((raw >> 45) & 3)
	p := uint8((raw >> 47) & 1)
	avl := uint8((raw >> 52) & 1)
	l := uint8((raw >> 53) & 1)
	d := uint8((raw >> 54) & 1)
	g := uint8((raw >> 55) & 1)

	return selector, limit, svm.SegmentAttrib(typ, s, dpl, p, avl, l, d, g)
}
