package pagepool_test

import (
	"testing"

	"github.com/kryvos/svmhv/pagepool"
)

func TestAllocIsPageAlignedAndZeroed(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 8} {
		n := n
		t.Run("", func(t *testing.T) {
			t.Parallel()

			p, err := pagepool.Alloc(n)
			if err != nil {
				t.Fatalf("Alloc(%d): %v", n, err)
			}
			defer pagepool.Free(p)

			if len(p.Bytes) != n*0x1000 {
				t.Errorf("have: %d bytes, want: %d", len(p.Bytes), n*0x1000)
			}

			if p.PA&0xFFF != 0 {
				t.Errorf("PA %#x is not page-aligned", p.PA)
			}

			for i, b := range p.Bytes {
				if b != 0 {
					t.Fatalf("byte %d not zeroed: %#x", i, b)
				}
			}
		})
	}
}

func TestAllocRejectsNonPositive(t *testing.T) {
	t.Parallel()

	if _, err := pagepool.Alloc(0); err == nil {
		t.Error("Alloc(0) should fail")
	}
}

func TestFreeNilIsSafe(t *testing.T) {
	t.Parallel()

	if err := pagepool.Free(nil); err != nil {
		t.Errorf("Free(nil): %v", err)
	}
}
