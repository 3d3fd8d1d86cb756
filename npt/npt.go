// Package npt implements the software-managed identity nested page table
// (spec.md §4.1): construction of the GPA->HPA identity map, software
// walks of it, and the page-level hook/hardware-trigger primitives that
// back stealth and memory introspection.
package npt

import (
	"errors"

	"github.com/kryvos/svmhv/pagepool"
)

// ErrAlloc wraps a pagepool allocation failure during construction,
// spec.md §4.1 "Fails with npt_alloc when any page allocation returns
// nothing."
var ErrAlloc = errors.New("npt: page allocation failed")

const (
	pageSize  = 0x1000
	size2MiB  = 0x20_0000
	size1GiB  = 0x4000_0000

	legacyRegionSize = 0x20_0000 // sub-2MiB legacy region, rounded to one 2MiB page

	apicBase = 0xFEC0_0000

	mmioWindowStart = 0xE000_0000
	mmioWindowEnd   = 0xF000_0000

	lateMMIOWindowEnd = 0x1_0000_0000
)

// Range is one entry of the host's "physical memory ranges" enumeration
// (an external collaborator per spec.md §1; the caller supplies it).
type Range struct {
	Base uint64
	Size uint64
}

// Trigger is one of the four hardware-trigger slots (APIC/ACPI/SMM/MMIO)
// of spec.md §3/§4.1.
type Trigger struct {
	GPAPage       uint64
	OriginalFrame uint64
	DecoyPA       uint64
	Armed         bool
	UsingFakePage bool
}

// ShadowHook is the single-slot shadow-hook reference of spec.md §4.1.
type ShadowHook struct {
	TargetGPA      uint64
	ReplacementHPA uint64
	Active         bool
}

// Mailbox is the single-slot mailbox of spec.md §3: a one-message queue
// pushed/popped by hypercalls 0x210/0x211, carrying the full
// {code, arg0, arg1} triple original_source's HV_COMM_MESSAGE does
// (hooks.c: "message.Code = a1; message.Arg0 = a2; message.Arg1 = a3").
type Mailbox struct {
	Active bool
	Code   uint64
	Arg0   uint64
	Arg1   uint64
}

// State is one vCPU's nested page table instance (spec.md §3 "NPT
// State"). Per-vCPU, not shared, per the design decision recorded in
// DESIGN.md (spec.md §9 Open Question).
type State struct {
	pml4    *table
	pml4PA  uint64
	reg     *TableRegistry

	shadowCR3 uint64

	decoy       [2]*pagepool.Page
	decoyInUse  [2]bool
	fakePageIdx int

	apic Trigger
	acpi Trigger
	smm  Trigger
	mmio Trigger

	shadow ShadowHook

	mailbox Mailbox

	tlbFlushPending bool

	pages []*pagepool.Page // every allocation made by this State, for Destroy
}

// Init builds the identity GPA->HPA map. Construction order follows
// spec.md §4.1 exactly: decoy pages, PML4, RAM ranges rounded to 2 MiB,
// the legacy sub-2MiB page, the APIC page (uncached), and the
// [0xE000_0000, 0xF000_0000) PCI MMIO window (uncached).
func Init(registry *TableRegistry, ramRanges []Range) (*State, error) {
	s := &State{reg: registry}

	decoyBlock, err := pagepool.Alloc(2)
	if err != nil {
		return nil, errors.Join(ErrAlloc, err)
	}

	s.pages = append(s.pages, decoyBlock)
	s.decoy[0] = &pagepool.Page{PA: decoyBlock.PA, Bytes: decoyBlock.Bytes[:pageSize]}
	s.decoy[1] = &pagepool.Page{PA: decoyBlock.PA + pageSize, Bytes: decoyBlock.Bytes[pageSize:]}

	pml4Page, err := pagepool.Alloc(1)
	if err != nil {
		return nil, errors.Join(ErrAlloc, err)
	}

	s.pages = append(s.pages, pml4Page)
	s.pml4 = (*table)(nil)
	s.pml4 = new(table)
	s.pml4PA = pml4Page.PA

	if err := s.reg.Register(s.pml4PA, s.pml4); err != nil {
		return nil, err
	}

	for _, r := range ramRanges {
		if err := s.mapRangeRoundedTo2MiB(r.Base, r.Size); err != nil {
			return nil, err
		}
	}

	if err := s.map2MiB(0, 0); err != nil {
		return nil, err
	}

	if err := s.map2MiB(alignDown(apicBase, size2MiB), FlagCacheDisable); err != nil {
		return nil, err
	}

	for gpa := uint64(mmioWindowStart); gpa < mmioWindowEnd; gpa += size2MiB {
		if err := s.map2MiB(gpa, FlagCacheDisable); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
func alignUp(v, align uint64) uint64   { return alignDown(v+align-1, align) }

func (s *State) mapRangeRoundedTo2MiB(base, size uint64) error {
	start := alignDown(base, size2MiB)
	end := alignUp(base+size, size2MiB)

	for gpa := start; gpa < end; gpa += size2MiB {
		if err := s.map2MiB(gpa, 0); err != nil {
			return err
		}
	}

	return nil
}

// map2MiB installs a single 2 MiB terminal PDE for gpa (already 2MiB
// aligned), with present|write|user|large_page plus any extra flags.
func (s *State) map2MiB(gpa uint64, extra EntryFlag) error {
	pdpt, err := s.ensureSubtable(s.pml4, index(gpa, 3))
	if err != nil {
		return err
	}

	pd, err := s.ensureSubtable(pdpt, index(gpa, 2))
	if err != nil {
		return err
	}

	pd[index(gpa, 1)] = newEntry(gpa, FlagLargePage, extra)

	return nil
}

// ensureSubtable returns the child table referenced by parent[idx],
// allocating and registering it first if absent. Every table allocation
// is registered in the registry before the containing entry is marked
// present (spec.md §3 invariant): here that means the registration
// happens, then the parent entry is written.
func (s *State) ensureSubtable(parent *table, idx uint64) (*table, error) {
	if parent[idx].Present() {
		t, err := s.reg.Lookup(parent[idx].Frame())
		if err != nil {
			return nil, err
		}

		return t, nil
	}

	page, err := pagepool.Alloc(1)
	if err != nil {
		return nil, errors.Join(ErrAlloc, err)
	}

	s.pages = append(s.pages, page)

	child := new(table)
	if err := s.reg.Register(page.PA, child); err != nil {
		return nil, err
	}

	parent[idx] = newEntry(page.PA)

	return child, nil
}

// GetEntry descends PML4->PDPT->PD->PT for gpa, returning the terminal
// entry and the level it was found at (1=PDPT/1GiB, 2=PD/2MiB, 3=PT/4KiB),
// per spec.md §4.1 "Walk contract".
func (s *State) GetEntry(gpa uint64) (*Entry, int, error) {
	if !s.pml4[index(gpa, 3)].Present() {
		return nil, 0, ErrRegistryMiss
	}

	pdpt, err := s.reg.Lookup(s.pml4[index(gpa, 3)].Frame())
	if err != nil {
		return nil, 0, err
	}

	if !pdpt[index(gpa, 2)].Present() {
		return nil, 0, ErrRegistryMiss
	}

	if pdpt[index(gpa, 2)].LargePage() {
		return &pdpt[index(gpa, 2)], 1, nil
	}

	pd, err := s.reg.Lookup(pdpt[index(gpa, 2)].Frame())
	if err != nil {
		return nil, 0, err
	}

	if !pd[index(gpa, 1)].Present() {
		return nil, 0, ErrRegistryMiss
	}

	if pd[index(gpa, 1)].LargePage() {
		return &pd[index(gpa, 1)], 2, nil
	}

	pt, err := s.reg.Lookup(pd[index(gpa, 1)].Frame())
	if err != nil {
		return nil, 0, err
	}

	if !pt[index(gpa, 0)].Present() {
		return nil, 0, ErrRegistryMiss
	}

	return &pt[index(gpa, 0)], 3, nil
}

// ensureLeaf4KiB returns the PT entry for gpa, splitting a covering 2MiB
// (or 1GiB) large page into finer entries first if necessary. Hooking
// and hardware triggers operate at 4KiB granularity even though
// construction only ever installs 2MiB leaves, mirroring how
// original_source's NptHookPage demotes a large mapping the first time a
// sub-page hook is requested.
func (s *State) ensureLeaf4KiB(gpa uint64) (*Entry, error) {
	pdptIdx := index(gpa, 3)
	if !s.pml4[pdptIdx].Present() {
		return nil, ErrRegistryMiss
	}

	pdpt, err := s.reg.Lookup(s.pml4[pdptIdx].Frame())
	if err != nil {
		return nil, err
	}

	pdIdx := index(gpa, 2)
	if !pdpt[pdIdx].Present() {
		return nil, ErrRegistryMiss
	}

	if pdpt[pdIdx].LargePage() {
		if err := s.split1GiB(pdpt, pdIdx); err != nil {
			return nil, err
		}
	}

	pd, err := s.reg.Lookup(pdpt[pdIdx].Frame())
	if err != nil {
		return nil, err
	}

	ptIdx := index(gpa, 1)
	if !pd[ptIdx].Present() {
		return nil, ErrRegistryMiss
	}

	if pd[ptIdx].LargePage() {
		if err := s.split2MiB(pd, ptIdx); err != nil {
			return nil, err
		}
	}

	pt, err := s.reg.Lookup(pd[ptIdx].Frame())
	if err != nil {
		return nil, err
	}

	// The leaf is returned whether or not its present bit is set: an
	// armed hardware trigger clears it, and promotion/re-arming must
	// still reach the entry.
	return &pt[index(gpa, 0)], nil
}

// split2MiB demotes pd[idx], a 2MiB large-page entry, into a freshly
// allocated PT of 512 4KiB entries covering the same range with the same
// extra flags (e.g. cache-disable).
func (s *State) split2MiB(pd *table, idx uint64) error {
	large := pd[idx]
	baseFrame := large.Frame()
	extra := largePageExtraFlags(large)

	page, err := pagepool.Alloc(1)
	if err != nil {
		return errors.Join(ErrAlloc, err)
	}

	s.pages = append(s.pages, page)

	pt := new(table)
	for i := uint64(0); i < 512; i++ {
		pt[i] = newEntry(baseFrame+i*pageSize, extra...)
	}

	if err := s.reg.Register(page.PA, pt); err != nil {
		return err
	}

	pd[idx] = newEntry(page.PA)

	return nil
}

// split1GiB demotes a 1GiB large-page PDPT entry into a PD of 512 2MiB
// entries. Construction never creates 1GiB leaves today, but the split
// path is kept symmetric with split2MiB for when it does.
func (s *State) split1GiB(pdpt *table, idx uint64) error {
	large := pdpt[idx]
	baseFrame := large.Frame()
	extra := largePageExtraFlags(large)

	page, err := pagepool.Alloc(1)
	if err != nil {
		return errors.Join(ErrAlloc, err)
	}

	s.pages = append(s.pages, page)

	pd := new(table)
	for i := uint64(0); i < 512; i++ {
		pd[i] = newEntry(baseFrame+i*size2MiB, append(append([]EntryFlag{}, extra...), FlagLargePage)...)
	}

	if err := s.reg.Register(page.PA, pd); err != nil {
		return err
	}

	pdpt[idx] = newEntry(page.PA)

	return nil
}

func largePageExtraFlags(e Entry) []EntryFlag {
	var extra []EntryFlag
	if e.has(FlagCacheDisable) {
		extra = append(extra, FlagCacheDisable)
	}

	return extra
}

// TranslateGPAToHPA returns gpa itself: the map is identity by
// construction, and the NPT tables exist only for the hardware walker,
// not for software translation (spec.md §4.1 "Translate").
func (s *State) TranslateGPAToHPA(gpa uint64) uint64 { return gpa }

// PML4PhysAddr returns the cached physical address of the PML4 root, for
// the VMCB builder's nested-CR3 field.
func (s *State) PML4PhysAddr() uint64 { return s.pml4PA }

// TLBFlushPending reports and, if pending, the dispatcher is expected to
// write the TLB-control field and call ClearTLBFlushPending.
func (s *State) TLBFlushPending() bool { return s.tlbFlushPending }

// ClearTLBFlushPending clears the pending flag after the dispatcher has
// written the VMCB's TLB-control field.
func (s *State) ClearTLBFlushPending() { s.tlbFlushPending = false }

// UpdateShadowCR3 records the last observed guest CR3, per spec.md §3.
func (s *State) UpdateShadowCR3(cr3 uint64) { s.shadowCR3 = cr3 }

// ShadowCR3 returns the last observed guest CR3.
func (s *State) ShadowCR3() uint64 { return s.shadowCR3 }

// MapLate2MiBUncached synthesizes an on-demand 2 MiB uncached identity
// mapping, used by the NPF handler for late MMIO discovery in
// [0xE000_0000, 0x1_0000_0000) (spec.md §4.4 "NPF").
func (s *State) MapLate2MiBUncached(gpa uint64) error {
	return s.map2MiB(alignDown(gpa, size2MiB), FlagCacheDisable)
}

// InLateMMIOWindow reports whether gpa falls in the late-MMIO discovery
// window spec.md §4.4/§6 describes.
func InLateMMIOWindow(gpa uint64) bool {
	return gpa >= mmioWindowStart && gpa < lateMMIOWindowEnd
}

// APICTrigger, ACPITrigger, SMMTrigger, and MMIOTrigger return the four
// named hardware-trigger slots of spec.md §3 ("Four hardware-trigger
// slots (APIC, ACPI, SMM, MMIO)"), so a caller can Arm/Promote/Rearm
// them directly against this State.
func (s *State) APICTrigger() *Trigger { return &s.apic }
func (s *State) ACPITrigger() *Trigger { return &s.acpi }
func (s *State) SMMTrigger() *Trigger  { return &s.smm }
func (s *State) MMIOTrigger() *Trigger { return &s.mmio }

// Destroy frees every allocation this State owns, in reverse order
// (spec.md §4.2 "Shutdown").
func (s *State) Destroy() error {
	var first error

	for i := len(s.pages) - 1; i >= 0; i-- {
		if err := pagepool.Free(s.pages[i]); err != nil && first == nil {
			first = err
		}
	}

	s.pages = nil

	return first
}
