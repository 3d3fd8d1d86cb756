package npt

import (
	"errors"

	"github.com/kryvos/svmhv/pagepool"
)

// ErrNoFreeDecoyPage is returned when both decoy pages are already held
// by promoted triggers (spec.md §4.1 "Hardware triggers"): at most two
// triggers may be using a fake page at once.
var ErrNoFreeDecoyPage = errors.New("npt: no free decoy page")

// ErrShadowHookActive is returned by InstallShadowHook when the single
// shadow-hook slot is already occupied (spec.md §4.1 "Shadow hook:
// single slot").
var ErrShadowHookActive = errors.New("npt: shadow hook slot occupied")

// ErrShadowHookInactive is returned by ClearShadowHook when no hook is
// installed.
var ErrShadowHookInactive = errors.New("npt: no shadow hook installed")

// HookPage rewrites the 4KiB terminal entry covering gpa to point at
// replacementHPA instead of its original frame, sets accessed|dirty on
// the new entry, and marks a TLB flush pending (spec.md §4.1 "Hook
// primitive"). A covering 2MiB/1GiB large page is demoted to 4KiB
// granularity first, the same way original_source's NptHookPage does.
func (s *State) HookPage(gpa uint64, replacementHPA uint64) (original uint64, err error) {
	e, err := s.ensureLeaf4KiB(gpa)
	if err != nil {
		return 0, err
	}

	original = e.Frame()

	e.SetFrame(replacementHPA)
	e.set(FlagAccessed)
	e.set(FlagDirty)

	s.tlbFlushPending = true

	return original, nil
}

// UnhookPage restores a previously hooked entry's frame to original.
func (s *State) UnhookPage(gpa uint64, original uint64) error {
	e, err := s.ensureLeaf4KiB(gpa)
	if err != nil {
		return err
	}

	e.SetFrame(original)
	s.tlbFlushPending = true

	return nil
}

// InstallShadowHook occupies the single shadow-hook slot without
// rewriting any page (spec.md §4.1: "npt_install_shadow_hook and
// npt_clear_shadow_hook set/clear a single-slot reference without
// immediately rewriting; the actual rewrite is done from the NPF
// path"). The rewrite happens in HandleShadowHookFault the next time
// the guest touches targetGPA.
func (s *State) InstallShadowHook(targetGPA, replacementHPA uint64) error {
	if s.shadow.Active {
		return ErrShadowHookActive
	}

	s.shadow = ShadowHook{
		TargetGPA:      targetGPA &^ 0xFFF,
		ReplacementHPA: replacementHPA &^ 0xFFF,
		Active:         true,
	}

	return nil
}

// ClearShadowHook frees the shadow-hook slot. It does not restore the
// page: original_source's NptClearShadowHook only clears the slot and
// marks a TLB flush pending, leaving any rewrite already applied by
// HandleShadowHookFault in place.
func (s *State) ClearShadowHook() error {
	if !s.shadow.Active {
		return ErrShadowHookInactive
	}

	s.shadow = ShadowHook{}
	s.tlbFlushPending = true

	return nil
}

// HandleShadowHookFault is the NPF-path half of the shadow hook
// (spec.md §4.1/§4.4 "NPF"): an armed hook's target page is rewritten
// here, on the guest's first touch, not at install time. Mirrors
// original_source's HookNptHandleFault, called from the NPF handler
// rather than from NptInstallShadowHook.
func (s *State) HandleShadowHookFault(faultGPA uint64) (handled bool, err error) {
	page := faultGPA &^ 0xFFF
	if !s.shadow.Active || page != s.shadow.TargetGPA {
		return false, nil
	}

	if _, err := s.HookPage(page, s.shadow.ReplacementHPA); err != nil {
		return false, err
	}

	return true, nil
}

// ArmTrigger arms one of the four hardware-trigger slots (spec.md §4.1
// "Hardware triggers") by clearing gpaPage's terminal entry's present
// bit, so a real hardware NPF occurs the next time anything touches it
// (original_source's NptProtectPageForTrap with arm=TRUE). The decoy
// page is not assigned until the fault promotes the trigger.
func (s *State) ArmTrigger(slot *Trigger, gpaPage uint64) error {
	if slot.Armed || slot.UsingFakePage {
		return errors.New("npt: trigger already armed")
	}

	page := gpaPage &^ 0xFFF

	e, err := s.ensureLeaf4KiB(page)
	if err != nil {
		return err
	}

	slot.GPAPage = page
	slot.OriginalFrame = e.Frame()
	slot.DecoyPA = 0
	slot.Armed = true
	slot.UsingFakePage = false

	e.clear(FlagPresent)
	s.tlbFlushPending = true

	return nil
}

// takeDecoyPage returns the next free decoy page out of the two-page
// pool, tracked by fakePageIdx as a simple round-robin counter. A page
// still in use is skipped; when both are in use it returns
// ErrNoFreeDecoyPage.
func (s *State) takeDecoyPage() (*pagepool.Page, error) {
	for i := 0; i < 2; i++ {
		idx := (s.fakePageIdx + i) % 2
		if !s.decoyInUse[idx] {
			s.decoyInUse[idx] = true
			s.fakePageIdx = (idx + 1) % 2

			return s.decoy[idx], nil
		}
	}

	return nil, ErrNoFreeDecoyPage
}

func (s *State) releaseDecoyPageByPA(pa uint64) {
	for i, d := range s.decoy {
		if d.PA == pa {
			s.decoyInUse[i] = false
			return
		}
	}
}

// PromoteTrapToFake handles an NPF whose faulting GPA falls on an armed
// trigger's page: the page is rewritten to a decoy with present set, so
// the guest's read/write goes to fabricated memory instead of the real
// page, and the triggering GPA is pushed to the mailbox for later
// retrieval (spec.md §4.1/§4.6 opcode 0x210). This is the "promote"
// half of original_source's NptHandleSingleTrigger/NptPromoteTrapToFake
// pair.
//
// No lock is held while the entry is rewritten: NPT state is per-vCPU
// (see State), so the entry is only ever touched from its owning vCPU's
// NPF path. A write from another vCPU racing with the promotion is not
// handled here.
func (s *State) PromoteTrapToFake(slot *Trigger, faultGPA uint64) (handled bool, err error) {
	if !slot.Armed || faultGPA&^0xFFF != slot.GPAPage {
		return false, nil
	}

	decoy, err := s.takeDecoyPage()
	if err != nil {
		return false, err
	}

	e, err := s.ensureLeaf4KiB(slot.GPAPage)
	if err != nil {
		s.releaseDecoyPageByPA(decoy.PA)
		return false, err
	}

	e.SetFrame(decoy.PA)
	e.set(FlagPresent)
	e.set(FlagWrite)
	e.set(FlagAccessed)
	e.set(FlagDirty)

	slot.DecoyPA = decoy.PA
	slot.Armed = false
	slot.UsingFakePage = true

	s.tlbFlushPending = true
	s.PushMailbox(faultGPA, 0, 0)

	return true, nil
}

// RearmTrigger restores a promoted trigger's original frame, clears its
// present bit again, and releases its decoy page, putting it back into
// the armed state (original_source's NptRearmHardwareTriggers).
func (s *State) RearmTrigger(slot *Trigger) error {
	if !slot.UsingFakePage {
		return errors.New("npt: trigger not using a fake page")
	}

	e, err := s.ensureLeaf4KiB(slot.GPAPage)
	if err != nil {
		return err
	}

	e.SetFrame(slot.OriginalFrame)
	e.clear(FlagPresent)

	s.releaseDecoyPageByPA(slot.DecoyPA)

	slot.DecoyPA = 0
	slot.UsingFakePage = false
	slot.Armed = true

	s.tlbFlushPending = true

	return nil
}

// PushMailbox writes a {code, arg0, arg1} message into the single
// mailbox slot, overwriting any unread message (spec.md §4.6 opcode
// 0x211, and the hardware-trigger promotion path which pushes just the
// faulting GPA as code).
func (s *State) PushMailbox(code, arg0, arg1 uint64) {
	s.mailbox = Mailbox{Active: true, Code: code, Arg0: arg0, Arg1: arg1}
}

// PopMailbox returns and clears the mailbox slot's code, if any
// (spec.md §4.6 opcode 0x210 "fetch last mailbox payload": only the
// code is returned to the guest, per original_source's
// "return message.Code").
func (s *State) PopMailbox() (code uint64, ok bool) {
	if !s.mailbox.Active {
		return 0, false
	}

	code = s.mailbox.Code
	s.mailbox = Mailbox{}

	return code, true
}

// MailboxActive reports whether the mailbox slot currently holds an
// unread message.
func (s *State) MailboxActive() bool { return s.mailbox.Active }
