package syscallhook_test

import (
	"errors"
	"testing"

	"github.com/kryvos/svmhv/syscallhook"
)

func TestInstallRedirectsLSTAROnly(t *testing.T) {
	t.Parallel()

	var s syscallhook.State

	if err := s.Install(0x1000, 0x2000, 0x3000, 0x9999); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if got := s.ReadLSTAR(); got != 0x9999 {
		t.Fatalf("ReadLSTAR = %#x, want trampoline 0x9999", got)
	}

	if got := s.ReadSTAR(); got != 0x2000 {
		t.Fatalf("ReadSTAR = %#x, want original 0x2000", got)
	}

	if got := s.ReadSFMASK(); got != 0x3000 {
		t.Fatalf("ReadSFMASK = %#x, want original 0x3000", got)
	}
}

func TestInstallTwiceFails(t *testing.T) {
	t.Parallel()

	var s syscallhook.State

	if err := s.Install(1, 2, 3, 4); err != nil {
		t.Fatalf("first Install: %v", err)
	}

	if err := s.Install(5, 6, 7, 8); !errors.Is(err, syscallhook.ErrAlreadyInstalled) {
		t.Fatalf("second Install: err = %v, want ErrAlreadyInstalled", err)
	}
}

func TestRemoveWithoutInstallFails(t *testing.T) {
	t.Parallel()

	var s syscallhook.State

	if err := s.Remove(); !errors.Is(err, syscallhook.ErrNotInstalled) {
		t.Fatalf("Remove: err = %v, want ErrNotInstalled", err)
	}
}

func TestRemoveRestoresOriginalLSTARView(t *testing.T) {
	t.Parallel()

	var s syscallhook.State

	if err := s.Install(0x1000, 0x2000, 0x3000, 0x9999); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if err := s.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if got := s.ReadLSTAR(); got != 0x1000 {
		t.Fatalf("ReadLSTAR after Remove = %#x, want original 0x1000", got)
	}
}

func TestWriteUpdatesOriginalNotTrampolineView(t *testing.T) {
	t.Parallel()

	var s syscallhook.State

	if err := s.Install(0x1000, 0x2000, 0x3000, 0x9999); err != nil {
		t.Fatalf("Install: %v", err)
	}

	s.WriteLSTAR(0xAAAA)

	if got := s.ReadLSTAR(); got != 0x9999 {
		t.Fatalf("ReadLSTAR after guest write while hook active = %#x, want trampoline 0x9999", got)
	}

	if err := s.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if got := s.ReadLSTAR(); got != 0xAAAA {
		t.Fatalf("ReadLSTAR after Remove = %#x, want guest-written 0xAAAA", got)
	}
}
